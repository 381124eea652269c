// Package provider runs the single network worker that turns Binance REST and
// stream data into normalized, epoch-tagged events.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"marketcore/internal/book"
	"marketcore/internal/cache"
	"marketcore/internal/candle"
	"marketcore/internal/channel"
	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
	"marketcore/reader/binance"
)

// REST is the request/response side of the venue.
type REST interface {
	Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error)
	KlinesSince(ctx context.Context, symbol string, tf models.Timeframe, startTime int64) ([]models.Candle, error)
	Depth(ctx context.Context, symbol string, limit int) (models.DepthSnapshot, error)
	Tickers(ctx context.Context, symbols []string) ([]models.Ticker, error)
	AggTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
}

// Health is a point-in-time view of the worker, safe to read from any goroutine.
type Health struct {
	Symbol       string           `json:"symbol"`
	Timeframe    models.Timeframe `json:"timeframe"`
	Epoch        uint64           `json:"epoch"`
	BookState    string           `json:"bookState"`
	LastUpdateID int64            `json:"lastUpdateId"`
	PendingDiffs int              `json:"pendingDiffs"`
	BidLevels    int              `json:"bidLevels"`
	AskLevels    int              `json:"askLevels"`
	SymbolStream string           `json:"symbolStream"`
	TickerStream string           `json:"tickerStream"`
	RawBuffered  int              `json:"rawBuffered"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Provider owns every network call for one engine. All fields below the
// switch plumbing are confined to the goroutine executing Run.
type Provider struct {
	rest   REST
	dialer binance.Dialer
	cache  *cache.Manager
	opts   Options
	log    *logger.Log
	now    func() time.Time

	switches     chan events.Switch
	mu           sync.Mutex
	cancelActive context.CancelFunc
	health       atomic.Pointer[Health]

	pub      events.Publisher
	raw      *channel.Channels
	linkErrs chan linkError
	wakes    chan wake
	wg       sync.WaitGroup

	sw             events.Switch
	actx           context.Context
	book           *book.Reconciler
	throttle       *book.Throttle
	series         *candle.Series
	symbolLink     *link
	tickerLink     *link
	resync         *backoff.ExponentialBackOff
	resyncArmed    bool
	resyncAttempts int
	tickers        map[string]models.Ticker
	tickersDirty   bool
	lastTickerEmit time.Time
}

// New builds a provider writing into c. It does no I/O until Run.
func New(rest REST, dialer binance.Dialer, c *cache.Manager, opts Options) *Provider {
	p := &Provider{
		rest:     rest,
		dialer:   dialer,
		cache:    c,
		opts:     opts.withDefaults(),
		log:      logger.GetLogger(),
		now:      time.Now,
		switches: make(chan events.Switch, 1),
	}
	p.health.Store(&Health{BookState: book.StateUnseeded.String()})
	return p
}

// Capabilities lists the event types this provider produces.
func (p *Provider) Capabilities() []events.Type {
	return []events.Type{
		events.TypeTickers,
		events.TypeCandleHistory,
		events.TypeCandleUpdate,
		events.TypeTrade,
		events.TypeDepthSnapshot,
		events.TypeDepthUpdate,
		events.TypeStatus,
	}
}

// Switch requests a move to sw. It never blocks: in-flight work for the
// previous key is cancelled and only the latest pending request is kept.
func (p *Provider) Switch(sw events.Switch) {
	p.mu.Lock()
	if p.cancelActive != nil {
		p.cancelActive()
		p.cancelActive = nil
	}
	p.mu.Unlock()

	for {
		select {
		case p.switches <- sw:
			return
		default:
		}
		select {
		case <-p.switches:
		default:
		}
	}
}

// Health returns the latest worker snapshot.
func (p *Provider) Health() Health {
	return *p.health.Load()
}

// Run is the worker loop. It returns when ctx is done.
func (p *Provider) Run(ctx context.Context, pub events.Publisher) error {
	p.reset(pub)
	defer p.shutdown()

	if p.opts.HealthInterval > 0 {
		metrics.StartBufferMetrics(ctx, p.opts.HealthInterval, p.raw)
	}

	flush := time.NewTicker(flushInterval(p.throttle.Interval(), p.opts.TickerThrottle))
	defer flush.Stop()

	p.log.WithComponent("provider").WithFields(logger.Fields{
		"watchlist":      len(p.opts.Watchlist),
		"backfill_bars":  p.opts.BackfillBars,
		"depth_limit":    p.opts.DepthLimit,
		"depth_throttle": p.opts.DepthThrottle.String(),
	}).Info("provider worker started")

	for {
		select {
		case <-ctx.Done():
			p.log.WithComponent("provider").Info("provider worker stopping")
			return ctx.Err()
		case sw := <-p.switches:
			p.guard(ctx, "switch", func() { p.activate(ctx, sw) })
		case msg := <-p.raw.Raw:
			p.guard(ctx, "frame", func() { p.handleFrame(ctx, msg) })
		case le := <-p.linkErrs:
			p.guard(ctx, "stream", func() { p.handleLinkError(ctx, le) })
		case w := <-p.wakes:
			p.guard(ctx, "timer", func() { p.handleWake(ctx, w) })
		case now := <-flush.C:
			p.guard(ctx, "flush", func() { p.flush(ctx, now) })
		}
		p.storeHealth()
	}
}

func (p *Provider) reset(pub events.Publisher) {
	p.pub = pub
	p.raw = channel.NewChannels("provider_raw", p.opts.RawBuffer)
	p.linkErrs = make(chan linkError, 4)
	p.wakes = make(chan wake, 8)
	p.sw = events.Switch{}
	p.actx = context.Background()
	p.book = nil
	p.throttle = book.NewThrottle(p.opts.DepthThrottle, p.opts.DepthUpdateLevels)
	p.series = nil
	p.symbolLink = nil
	p.tickerLink = nil
	p.resync = newBackOff(p.opts)
	p.resyncArmed = false
	p.resyncAttempts = 0
	p.tickers = make(map[string]models.Ticker)
	p.tickersDirty = false
	p.lastTickerEmit = time.Time{}
}

func (p *Provider) shutdown() {
	p.mu.Lock()
	if p.cancelActive != nil {
		p.cancelActive()
		p.cancelActive = nil
	}
	p.mu.Unlock()

	p.closeLink(p.symbolLink)
	p.closeLink(p.tickerLink)
	p.wg.Wait()
	if p.book != nil {
		p.book.Close()
	}
	p.raw.Close()
	p.storeHealth()
}

// guard keeps one failing handler from taking the worker down.
func (p *Provider) guard(ctx context.Context, stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("provider %s handler panic: %v", stage, r)
			p.log.WithComponent("provider").WithError(err).Error("recovered from panic")
			p.publish(ctx, p.builder().Status(events.SeverityError, faults.CodeInternal, err.Error()))
		}
	}()
	fn()
}

func (p *Provider) builder() events.Builder {
	return events.Builder{
		Epoch:     p.sw.Epoch,
		Symbol:    p.sw.Symbol,
		Timeframe: p.sw.Timeframe,
		Now:       p.now,
	}
}

// publish hands ev to the engine. Once a switch has cancelled the activation
// only STATUS events still go out under the old epoch.
func (p *Provider) publish(ctx context.Context, ev events.Event) {
	if ev.Type != events.TypeStatus && p.actx.Err() != nil {
		metrics.EmitDropMetric(p.log, metrics.DropStaleEpoch, ev.Symbol, string(ev.Type))
		return
	}
	err := p.pub.Publish(ctx, ev)
	if err == nil || errors.Is(err, faults.ErrStaleEpoch) || ctx.Err() != nil {
		return
	}
	p.log.WithComponent("provider").WithError(err).WithFields(logger.Fields{
		"type":  string(ev.Type),
		"epoch": ev.Epoch,
	}).Warn("failed to publish event")
}

func (p *Provider) storeHealth() {
	h := &Health{
		Symbol:       p.sw.Symbol,
		Timeframe:    p.sw.Timeframe,
		Epoch:        p.sw.Epoch,
		BookState:    book.StateUnseeded.String(),
		SymbolStream: p.symbolLink.status(),
		TickerStream: p.tickerLink.status(),
		RawBuffered:  p.raw.Len(),
		UpdatedAt:    p.now(),
	}
	if p.book != nil {
		h.BookState = p.book.State().String()
		h.LastUpdateID = p.book.LastUpdateID()
		h.PendingDiffs = p.book.Pending()
		h.BidLevels, h.AskLevels = p.book.Levels()
	}
	p.health.Store(h)
}

func newBackOff(o Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.Reconnect.BaseDelay
	b.MaxInterval = o.Reconnect.MaxDelay
	b.Multiplier = o.Reconnect.Multiplier
	b.RandomizationFactor = o.Reconnect.Jitter
	b.Reset()
	return b
}
