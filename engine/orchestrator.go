// Package engine coordinates the active symbol and timeframe, the provider
// worker and delivery of normalized events to subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketcore/config"
	"marketcore/internal/cache"
	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/internal/metrics"
	"marketcore/internal/state"
	"marketcore/logger"
	"marketcore/models"
)

var (
	ErrMissingCapability = errors.New("provider lacks a required capability")
	ErrNotRunning        = errors.New("engine not running")
	ErrAlreadyRunning    = errors.New("engine already running")
	ErrClosed            = errors.New("engine closed")
)

// Provider performs all network I/O for one engine.
type Provider interface {
	Capabilities() []events.Type
	Run(ctx context.Context, pub events.Publisher) error
	Switch(sw events.Switch)
}

// Options configures an Orchestrator.
type Options struct {
	Symbol       string
	Timeframe    models.Timeframe
	QueueSize    int
	BlockTimeout time.Duration
	// Required lists the event types the provider must declare. Nil uses
	// every type except the ones the orchestrator emits itself.
	Required     []events.Type
	ReplayTrades int
	RestartDelay time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Symbol:       cfg.Engine.Symbol,
		Timeframe:    models.Timeframe(cfg.Engine.Timeframe),
		QueueSize:    cfg.Engine.QueueSize,
		BlockTimeout: cfg.Engine.BlockTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 50 * time.Millisecond
	}
	if o.Required == nil {
		o.Required = []events.Type{
			events.TypeTickers,
			events.TypeCandleHistory,
			events.TypeCandleUpdate,
			events.TypeTrade,
			events.TypeDepthSnapshot,
			events.TypeDepthUpdate,
			events.TypeStatus,
		}
	}
	if o.ReplayTrades <= 0 {
		o.ReplayTrades = DefaultReplayTrades
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = time.Second
	}
	return o
}

// Active describes the key currently being served.
type Active struct {
	Symbol      string           `json:"symbol"`
	Timeframe   models.Timeframe `json:"timeframe"`
	Epoch       uint64           `json:"epoch"`
	Running     bool             `json:"running"`
	Subscribers int              `json:"subscribers"`
}

// Orchestrator is the public face of the market data core. It is safe for
// concurrent use.
type Orchestrator struct {
	provider Provider
	cache    *cache.Manager
	opts     Options
	log      *logger.Log

	symbol    *state.Guard[string]
	timeframe *state.Guard[models.Timeframe]
	epoch     state.Epoch
	switchMu  sync.Mutex

	queue *Queue

	subsMu sync.RWMutex
	subs   map[string]*subscriber
	order  []string

	runMu          sync.Mutex
	running        bool
	closed         bool
	cancelProvider context.CancelFunc
	cancelDispatch context.CancelFunc
	providerDone   chan struct{}
	dispatchDone   chan struct{}
}

// New builds an orchestrator serving opts.Symbol and opts.Timeframe.
func New(p Provider, c *cache.Manager, opts Options) (*Orchestrator, error) {
	opts = opts.withDefaults()
	symbol := models.NormalizeSymbol(opts.Symbol)
	if symbol == "" {
		return nil, errors.New("engine: symbol is required")
	}
	tf, err := models.ParseTimeframe(string(opts.Timeframe))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if c == nil {
		c = cache.NewManager(cache.Limits{})
	}

	return &Orchestrator{
		provider:  p,
		cache:     c,
		opts:      opts,
		log:       logger.GetLogger(),
		symbol:    state.NewSymbolGuard(symbol),
		timeframe: state.NewTimeframeGuard(tf),
		queue:     NewQueue(opts.QueueSize, opts.BlockTimeout),
		subs:      make(map[string]*subscriber),
	}, nil
}

// Start checks provider capabilities, then launches the dispatcher and the
// provider worker for the current key.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.running {
		return ErrAlreadyRunning
	}
	if missing := o.missingCapabilities(); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingCapability, missing)
	}

	pctx, cancelProvider := context.WithCancel(ctx)
	dctx, cancelDispatch := context.WithCancel(context.Background())
	o.cancelProvider = cancelProvider
	o.cancelDispatch = cancelDispatch
	o.providerDone = make(chan struct{})
	o.dispatchDone = make(chan struct{})
	o.running = true

	go o.dispatch(dctx, o.dispatchDone)
	go o.superviseProvider(pctx, o.providerDone)

	sw := o.bump()
	o.emitStatus(sw, events.SeverityInfo, faults.CodeInfo, fmt.Sprintf("engine started for %s %s", sw.Symbol, sw.Timeframe))
	o.provider.Switch(sw)

	o.log.WithComponent("engine").WithFields(logger.Fields{
		"symbol":     sw.Symbol,
		"timeframe":  string(sw.Timeframe),
		"epoch":      sw.Epoch,
		"queue_size": o.opts.QueueSize,
	}).Info("engine started")
	return nil
}

// Stop halts the provider, delivers what is already queued and returns.
func (o *Orchestrator) Stop() error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.running {
		return ErrNotRunning
	}
	o.stopLocked()
	return nil
}

// Close stops the engine if it is running and closes the hand-off queue.
// Late publishes fail with ErrQueueClosed and the engine cannot be restarted.
func (o *Orchestrator) Close() error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.closed {
		return nil
	}
	if o.running {
		o.stopLocked()
	}
	o.queue.Close()
	o.closed = true
	o.log.WithComponent("engine").Info("engine closed")
	return nil
}

// stopLocked cancels the provider, then drains the dispatcher. Callers hold runMu.
func (o *Orchestrator) stopLocked() {
	o.cancelProvider()
	<-o.providerDone
	o.cancelDispatch()
	<-o.dispatchDone
	o.running = false

	o.log.WithComponent("engine").Info("engine stopped")
}

// SetSymbol switches the active symbol. It never waits on the provider.
func (o *Orchestrator) SetSymbol(symbol string) error {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return errors.New("engine: symbol is required")
	}

	o.switchMu.Lock()
	defer o.switchMu.Unlock()

	prev, changed := o.symbol.Store(symbol)
	if !changed {
		return nil
	}
	sw := o.bumpLocked()
	o.offer(o.builder(sw).SymbolChanged(prev, symbol))
	o.provider.Switch(sw)

	o.log.WithComponent("engine").WithFields(logger.Fields{
		"from":  prev,
		"to":    symbol,
		"epoch": sw.Epoch,
	}).Info("symbol changed")
	return nil
}

// SetTimeframe switches the active bar resolution. It never waits on the provider.
func (o *Orchestrator) SetTimeframe(tf string) error {
	parsed, err := models.ParseTimeframe(tf)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	o.switchMu.Lock()
	defer o.switchMu.Unlock()

	prev, changed := o.timeframe.Store(parsed)
	if !changed {
		return nil
	}
	sw := o.bumpLocked()
	o.offer(o.builder(sw).TimeframeChanged(prev, parsed))
	o.provider.Switch(sw)

	o.log.WithComponent("engine").WithFields(logger.Fields{
		"from":  string(prev),
		"to":    string(parsed),
		"epoch": sw.Epoch,
	}).Info("timeframe changed")
	return nil
}

// Reload restarts the current key under a new epoch, for example after the
// provider reported a stream as down.
func (o *Orchestrator) Reload() error {
	o.runMu.Lock()
	running := o.running
	o.runMu.Unlock()
	if !running {
		return ErrNotRunning
	}

	sw := o.bump()
	o.emitStatus(sw, events.SeverityInfo, faults.CodeInfo, fmt.Sprintf("reloading %s %s", sw.Symbol, sw.Timeframe))
	o.provider.Switch(sw)
	return nil
}

func (o *Orchestrator) bump() events.Switch {
	o.switchMu.Lock()
	defer o.switchMu.Unlock()
	return o.bumpLocked()
}

// bumpLocked advances the epoch and purges queued events of older epochs.
// Callers hold switchMu.
func (o *Orchestrator) bumpLocked() events.Switch {
	sw := events.Switch{
		Symbol:    o.symbol.Load(),
		Timeframe: o.timeframe.Load(),
		Epoch:     o.epoch.Bump(),
	}
	o.queue.DropBefore(sw.Epoch, func(ev events.Event) bool { return ev.Type == typeReplay })
	return sw
}

func (o *Orchestrator) current() events.Switch {
	o.switchMu.Lock()
	defer o.switchMu.Unlock()
	return events.Switch{
		Symbol:    o.symbol.Load(),
		Timeframe: o.timeframe.Load(),
		Epoch:     o.epoch.Current(),
	}
}

func (o *Orchestrator) builder(sw events.Switch) events.Builder {
	return events.Builder{Epoch: sw.Epoch, Symbol: sw.Symbol, Timeframe: sw.Timeframe}
}

// Publish accepts an event from the provider. Events of a superseded epoch
// are discarded with faults.ErrStaleEpoch.
func (o *Orchestrator) Publish(ctx context.Context, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine publish panic: %v", r)
			o.log.WithComponent("engine").WithError(err).Error("recovered from panic")
			o.emitStatus(o.current(), events.SeverityError, faults.CodeInternal, err.Error())
		}
	}()

	if !o.epoch.IsCurrent(ev.Epoch) {
		metrics.EmitDropMetric(o.log, metrics.DropStaleEpoch, ev.Symbol, "enqueue")
		return faults.ErrStaleEpoch
	}
	if st, ok := ev.Payload.(events.Status); ok {
		o.recordStatus(ev, st)
	}
	err = o.queue.Push(ctx, ev)
	if errors.Is(err, ErrQueueClosed) {
		metrics.EmitDropMetric(o.log, metrics.DropQueueClosed, ev.Symbol, "enqueue")
	}
	return err
}

func (o *Orchestrator) recordStatus(ev events.Event, st events.Status) {
	o.cache.PutStatus(cache.StatusRecord{Time: ev.Time, Epoch: ev.Epoch, Status: st})
}

// emitStatus queues an orchestrator-originated STATUS without blocking.
func (o *Orchestrator) emitStatus(sw events.Switch, sev events.Severity, code, msg string) {
	ev := o.builder(sw).Status(sev, code, msg)
	o.recordStatus(ev, ev.Payload.(events.Status))
	o.offer(ev)
}

func (o *Orchestrator) offer(ev events.Event) {
	if err := o.queue.Offer(ev); err != nil {
		o.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"type": string(ev.Type),
		}).Warn("control event not queued")
	}
}

// Subscribe registers sink and returns its id. The subscriber first receives
// a replay of cached state for the active key, or a no_data STATUS when there
// is nothing cached yet, and then live events.
func (o *Orchestrator) Subscribe(sink Sink) string {
	sub := &subscriber{id: uuid.NewString(), sink: sink}

	o.subsMu.Lock()
	o.subs[sub.id] = sub
	o.order = append(o.order, sub.id)
	o.subsMu.Unlock()

	marker := events.Event{Type: typeReplay, Target: sub.id, Time: time.Now()}
	if err := o.queue.Offer(marker); err != nil {
		o.log.WithComponent("engine").WithError(err).Warn("subscriber joins without replay")
		sub.ready.Store(true)
	}

	o.log.WithComponent("engine").WithFields(logger.Fields{"subscriber": sub.id}).Info("subscriber added")
	return sub.id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (o *Orchestrator) Unsubscribe(id string) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	if _, ok := o.subs[id]; !ok {
		return
	}
	delete(o.subs, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.log.WithComponent("engine").WithFields(logger.Fields{"subscriber": id}).Info("subscriber removed")
}

// Active reports the key being served.
func (o *Orchestrator) Active() Active {
	sw := o.current()
	o.runMu.Lock()
	running := o.running
	o.runMu.Unlock()
	o.subsMu.RLock()
	n := len(o.subs)
	o.subsMu.RUnlock()
	return Active{Symbol: sw.Symbol, Timeframe: sw.Timeframe, Epoch: sw.Epoch, Running: running, Subscribers: n}
}

// Cache exposes the read side of the cache for verification tools.
func (o *Orchestrator) Cache() *cache.Manager {
	return o.cache
}

// Queue exposes the hand-off queue for occupancy reporting.
func (o *Orchestrator) Queue() *Queue {
	return o.queue
}

func (o *Orchestrator) missingCapabilities() []events.Type {
	have := make(map[events.Type]bool)
	for _, t := range o.provider.Capabilities() {
		have[t] = true
	}
	var missing []events.Type
	for _, t := range o.opts.Required {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// superviseProvider runs the provider and restarts it after an unexpected exit.
func (o *Orchestrator) superviseProvider(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := o.runProvider(ctx)
		if ctx.Err() != nil {
			return
		}

		sw := o.current()
		if err == nil {
			err = errors.New("provider exited")
		}
		o.log.WithComponent("engine").WithError(err).Error("provider stopped unexpectedly, restarting")
		o.emitStatus(sw, events.SeverityError, faults.CodeInternal, err.Error())

		select {
		case <-time.After(o.opts.RestartDelay):
		case <-ctx.Done():
			return
		}
		o.provider.Switch(o.current())
	}
}

func (o *Orchestrator) runProvider(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return o.provider.Run(ctx, o)
}
