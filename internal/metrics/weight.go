package metrics

import (
	"net/http"
	"strconv"

	"marketcore/logger"
)

var weightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// WeightTransport wraps an http.RoundTripper and records the request weight
// headers Binance returns, plus 429 and 418 rejections.
type WeightTransport struct {
	Base      http.RoundTripper
	Component string
	Log       *logger.Log
}

func (t *WeightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}

	log := t.Log
	if log == nil {
		log = logger.GetLogger()
	}
	ReportUsedWeight(log, t.Component, resp)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		reportLimited(log, t.Component, "rate_limited", req)
	case http.StatusTeapot:
		reportLimited(log, t.Component, "ip_banned", req)
	}
	return resp, nil
}

// ReportUsedWeight sets the used-weight gauge from the first weight header
// present on resp. It returns the parsed value and whether one was found.
func ReportUsedWeight(log *logger.Log, component string, resp *http.Response) (float64, bool) {
	if resp == nil {
		return 0, false
	}
	seen := make(map[string]bool, 2)
	var first float64
	found := false
	for _, h := range weightHeaders {
		if seen[h.window] {
			continue
		}
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		seen[h.window] = true
		Default().UsedWeight.WithLabelValues(h.window).Set(used)
		EmitMetric(log, component, "used_weight", used, "gauge", logger.Fields{"window": h.window})
		if !found {
			first, found = used, true
		}
	}
	return first, found
}

func reportLimited(log *logger.Log, component, kind string, req *http.Request) {
	Default().Limited.WithLabelValues(kind).Inc()
	entry := log.WithComponent(component).WithFields(logger.Fields{
		"kind": kind,
		"path": req.URL.Path,
	})
	if kind == "ip_banned" {
		entry.Error("ip banned by venue")
		return
	}
	entry.Warn("rate limit exceeded")
}
