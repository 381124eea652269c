package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"marketcore/internal/book"
	"marketcore/internal/events"
	"marketcore/internal/faults"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
	"marketcore/reader/binance"
)

const (
	linkSymbol  = "symbol"
	linkTickers = "tickers"
)

// link is one combined-stream connection and its reconnect bookkeeping.
type link struct {
	name     string
	streams  []string
	conn     binance.StreamConn
	session  string
	epoch    uint64
	cancel   context.CancelFunc
	attempts int
	healthy  bool
	down     bool
	backoff  *backoff.ExponentialBackOff
}

func newLink(name string, streams []string, epoch uint64, o Options) *link {
	return &link{name: name, streams: streams, epoch: epoch, backoff: newBackOff(o)}
}

func (l *link) status() string {
	switch {
	case l == nil:
		return "idle"
	case l.down:
		return "down"
	case l.conn == nil:
		return "reconnecting"
	case !l.healthy:
		return "connecting"
	default:
		return "streaming"
	}
}

type linkError struct {
	link    string
	session string
	err     error
}

type wakeKind int

const (
	wakeReconnect wakeKind = iota
	wakeResync
)

type wake struct {
	kind  wakeKind
	link  *link
	epoch uint64
}

// open dials l and starts its reader. The reader stops when parent is done.
func (p *Provider) open(parent context.Context, l *link) error {
	p.closeLink(l)

	conn, err := p.dialer.Dial(parent, l.streams)
	if err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(parent)
	l.conn = conn
	l.session = uuid.NewString()
	l.cancel = cancel
	l.healthy = false

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		<-lctx.Done()
		_ = conn.Close()
	}()
	go p.pump(lctx, l.name, l.session, l.epoch, conn)

	p.log.WithComponent("provider").WithFields(logger.Fields{
		"link":    l.name,
		"session": l.session,
		"streams": l.streams,
	}).Info("stream link opened")
	return nil
}

// pump forwards frames from conn to the raw channel until the connection fails.
func (p *Provider) pump(ctx context.Context, name, session string, epoch uint64, conn binance.StreamConn) {
	defer p.wg.Done()
	raw, errs := p.raw, p.linkErrs
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case errs <- linkError{link: name, session: session, err: err}:
			case <-ctx.Done():
			}
			return
		}
		raw.SendRaw(ctx, models.RawStreamMessage{
			Session:   session,
			Epoch:     epoch,
			Data:      data,
			Timestamp: p.now(),
		})
	}
}

func (p *Provider) closeLink(l *link) {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.conn = nil
	l.cancel = nil
	l.session = ""
	l.healthy = false
}

func (p *Provider) linkFor(session string) *link {
	if session == "" {
		return nil
	}
	if p.symbolLink != nil && p.symbolLink.session == session {
		return p.symbolLink
	}
	if p.tickerLink != nil && p.tickerLink.session == session {
		return p.tickerLink
	}
	return nil
}

func (p *Provider) handleLinkError(ctx context.Context, le linkError) {
	l := p.linkFor(le.session)
	if l == nil {
		return
	}
	p.closeLink(l)
	metrics.StreamReconnect(l.name)

	p.log.WithComponent("provider").WithError(le.err).WithFields(logger.Fields{
		"link": l.name,
	}).Warn("stream link lost, reconnecting")

	if l == p.symbolLink {
		p.publish(p.actx, p.builder().Status(events.SeverityWarning, faults.CodeTransport,
			fmt.Sprintf("%s stream lost: %v", p.sw.Symbol, le.err)))
		p.book.Invalidate()
		p.throttle.Reset()
		p.publish(p.actx, p.builder().Status(events.SeverityWarning, faults.CodeResyncRequired,
			fmt.Sprintf("%s order book invalidated until the stream is re-seeded", p.sw.Symbol)))
	} else {
		p.publish(ctx, p.builder().Status(events.SeverityWarning, faults.CodeTransport,
			fmt.Sprintf("ticker stream lost: %v", le.err)))
	}
	p.scheduleReconnect(ctx, l)
}

// scheduleReconnect arms the next attempt or gives up after the configured maximum.
func (p *Provider) scheduleReconnect(ctx context.Context, l *link) {
	l.attempts++
	if l.attempts > p.opts.Reconnect.MaxAttempts {
		l.down = true
		msg := fmt.Sprintf("%s stream down after %d reconnect attempts; cached state is stale until reload",
			l.name, p.opts.Reconnect.MaxAttempts)
		p.log.WithComponent("provider").WithFields(logger.Fields{"link": l.name}).Error(msg)
		p.publish(ctx, p.builder().Status(events.SeverityError, faults.CodeStreamDown, msg))
		return
	}
	delay := l.backoff.NextBackOff()
	p.log.WithComponent("provider").WithFields(logger.Fields{
		"link":     l.name,
		"attempt":  l.attempts,
		"delay_ms": delay.Milliseconds(),
	}).Info("stream reconnect scheduled")
	p.arm(ctx, wake{kind: wakeReconnect, link: l, epoch: p.sw.Epoch}, delay)
}

// arm delivers w to the worker after delay.
func (p *Provider) arm(ctx context.Context, w wake, delay time.Duration) {
	wakes := p.wakes
	time.AfterFunc(delay, func() {
		select {
		case wakes <- w:
		case <-ctx.Done():
		}
	})
}

func (p *Provider) handleWake(ctx context.Context, w wake) {
	switch w.kind {
	case wakeReconnect:
		l := w.link
		if l != p.symbolLink && l != p.tickerLink {
			return
		}
		if l == p.symbolLink && w.epoch != p.sw.Epoch {
			return
		}
		if l.conn != nil || l.down {
			return
		}
		p.reconnect(ctx, l)
	case wakeResync:
		if w.epoch != p.sw.Epoch {
			return
		}
		p.resyncArmed = false
		if st := p.book.State(); st == book.StateSeeded || st == book.StateStreaming {
			return
		}
		p.reseed(ctx)
	}
}

func (p *Provider) reconnect(ctx context.Context, l *link) {
	parent := ctx
	if l == p.symbolLink {
		parent = p.actx
	}
	if err := p.open(parent, l); err != nil {
		if parent.Err() != nil {
			return
		}
		p.log.WithComponent("provider").WithError(err).WithFields(logger.Fields{"link": l.name}).Warn("reconnect failed")
		p.scheduleReconnect(ctx, l)
		return
	}

	if l == p.symbolLink {
		p.publish(p.actx, p.builder().Status(events.SeverityInfo, faults.CodeInfo, fmt.Sprintf("%s stream reconnected", p.sw.Symbol)))
		if !p.reseed(ctx) {
			return
		}
		if !p.topUpCandles(ctx) {
			return
		}
		p.primeTrades()
		return
	}
	p.publish(ctx, p.builder().Status(events.SeverityInfo, faults.CodeInfo, "ticker stream reconnected"))
	p.primeTickers(ctx)
}

// ensureTickerLink keeps the venue-wide ticker stream open across switches.
func (p *Provider) ensureTickerLink(ctx context.Context) {
	switch {
	case p.tickerLink == nil:
		p.tickerLink = newLink(linkTickers, []string{binance.TickerArrayStream}, 0, p.opts)
	case p.tickerLink.down:
		p.tickerLink.down = false
		p.tickerLink.attempts = 0
		p.tickerLink.backoff.Reset()
	default:
		return
	}

	if err := p.open(ctx, p.tickerLink); err != nil {
		p.log.WithComponent("provider").WithError(err).Warn("ticker stream unavailable")
		p.scheduleReconnect(ctx, p.tickerLink)
	}
	p.primeTickers(ctx)
}
