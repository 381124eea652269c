package provider

import (
	"time"

	"marketcore/config"
	"marketcore/internal/book"
	"marketcore/internal/candle"
)

// Options tunes a Provider. Zero values fall back to the package defaults.
type Options struct {
	Watchlist         []string
	BackfillBars      int
	DepthLimit        int
	TradeLimit        int
	DepthStreamSpeed  string
	DepthThrottle     time.Duration
	DepthUpdateLevels int
	TickerThrottle    time.Duration
	Reconnect         config.ReconnectConfig
	RawBuffer         int
	MaxCandles        int
	RetainOnSwitch    bool
	// HealthInterval paces buffer occupancy reports. Zero disables them.
	HealthInterval time.Duration
}

const (
	DefaultTickerThrottle = 500 * time.Millisecond
	DefaultDepthLimit     = 100
	DefaultBackfillBars   = 900

	// DefaultReconnectJitter spreads retry delays by ±20%.
	DefaultReconnectJitter = 0.2
)

// OptionsFromConfig maps the provider, source and cache sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	b := cfg.Source.Binance
	return Options{
		Watchlist:         append([]string(nil), cfg.Provider.Watchlist...),
		BackfillBars:      b.BackfillBars,
		DepthLimit:        b.DepthLimit,
		TradeLimit:        b.TradeLimit,
		DepthStreamSpeed:  b.DepthStreamSpeed,
		DepthThrottle:     cfg.Provider.DepthThrottle,
		DepthUpdateLevels: cfg.Provider.DepthUpdateLevels,
		TickerThrottle:    cfg.Provider.TickerThrottle,
		Reconnect:         cfg.Provider.Reconnect,
		RawBuffer:         cfg.Provider.RawBuffer,
		MaxCandles:        cfg.Cache.MaxCandles,
		RetainOnSwitch:    cfg.Cache.RetainOnSwitch,
		HealthInterval:    5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if len(o.Watchlist) == 0 {
		o.Watchlist = append([]string(nil), config.DefaultWatchlist...)
	}
	if o.BackfillBars <= 0 {
		o.BackfillBars = DefaultBackfillBars
	}
	o.BackfillBars = min(max(o.BackfillBars, config.MinBackfillBars), config.MaxBackfillBars)
	if o.DepthLimit <= 0 {
		o.DepthLimit = DefaultDepthLimit
	}
	if o.TradeLimit < 0 {
		o.TradeLimit = 0
	}
	if o.DepthThrottle <= 0 {
		o.DepthThrottle = book.DefaultThrottleInterval
	}
	if o.DepthUpdateLevels <= 0 {
		o.DepthUpdateLevels = book.DefaultUpdateDepth
	}
	if o.TickerThrottle <= 0 {
		o.TickerThrottle = DefaultTickerThrottle
	}
	if o.Reconnect.BaseDelay <= 0 {
		o.Reconnect.BaseDelay = 500 * time.Millisecond
	}
	if o.Reconnect.MaxDelay < o.Reconnect.BaseDelay {
		o.Reconnect.MaxDelay = max(30*time.Second, o.Reconnect.BaseDelay)
	}
	if o.Reconnect.Multiplier <= 1 {
		o.Reconnect.Multiplier = 2
	}
	if o.Reconnect.Jitter <= 0 {
		o.Reconnect.Jitter = DefaultReconnectJitter
	}
	o.Reconnect.Jitter = min(o.Reconnect.Jitter, 1)
	if o.Reconnect.MaxAttempts <= 0 {
		o.Reconnect.MaxAttempts = 10
	}
	if o.RawBuffer <= 0 {
		o.RawBuffer = 4096
	}
	if o.MaxCandles <= 0 {
		o.MaxCandles = candle.DefaultMaxBars
	}
	return o
}

// flushInterval is the cadence at which throttled batches are checked.
func flushInterval(depth, ticker time.Duration) time.Duration {
	d := min(depth, ticker) / 2
	return max(d, 5*time.Millisecond)
}
