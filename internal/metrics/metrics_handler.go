package metrics

import (
	"sort"
	"sync"
	"time"

	"marketcore/logger"
)

// Metric is one structured sample. Unlike the Prometheus collectors it keeps
// its fields, so in-process consumers such as the dashboard can show context.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics. It runs on the emitting goroutine
// and must not block.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registration. Zero is never issued.
type MetricHandlerID uint64

type fanout struct {
	mu       sync.RWMutex
	handlers map[MetricHandlerID]MetricHandler
	next     MetricHandlerID
}

var sinks = &fanout{handlers: make(map[MetricHandlerID]MetricHandler)}

// RegisterMetricHandler adds handler and returns its id, or zero for nil.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	sinks.mu.Lock()
	defer sinks.mu.Unlock()
	sinks.next++
	sinks.handlers[sinks.next] = handler
	return sinks.next
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	sinks.mu.Lock()
	delete(sinks.handlers, id)
	sinks.mu.Unlock()
}

// snapshot returns the handlers in registration order.
func (f *fanout) snapshot() []MetricHandler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.handlers) == 0 {
		return nil
	}
	ids := make([]MetricHandlerID, 0, len(f.handlers))
	for id := range f.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]MetricHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.handlers[id])
	}
	return out
}

// EmitMetric debug-logs the sample and hands it to every registered handler.
// Samples without a name are ignored; an empty type means "counter".
func EmitMetric(log *logger.Log, component string, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}

	line := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		line[k] = v
	}
	line["metric"] = name
	line["metric_type"] = metricType
	line["value"] = value
	log.WithComponent(component).WithFields(line).Debug("metric")

	for _, h := range sinks.snapshot() {
		h(m)
	}
}
