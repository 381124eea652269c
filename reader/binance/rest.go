package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"marketcore/config"
	"marketcore/internal/faults"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
)

// MaxKlinesPerRequest is the venue cap on bars returned by one klines call.
const MaxKlinesPerRequest = 1000

// RESTClient fetches klines, depth snapshots, tickers and aggregated trades
// from the Binance spot REST API. Every call goes through a shared rate
// limiter and bounded retries; the final failure is a *faults.TransportError.
type RESTClient struct {
	client  *gobinance.Client
	limiter *rate.Limiter
	retry   config.RetryConfig
	log     *logger.Log
	now     func() time.Time
}

// NewRESTClient builds a client from cfg. Outbound connections bind to
// source.binance.local_ip when it is set.
func NewRESTClient(cfg *config.Config) *RESTClient {
	log := logger.GetLogger()
	pool := cfg.Source.Binance.ConnectionPool

	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}
	if ip := net.ParseIP(cfg.Source.Binance.LocalIP); ip != nil {
		dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
		transport.DialContext = dialer.DialContext
	}

	client := gobinance.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: &metrics.WeightTransport{Base: transport, Component: "binance_rest", Log: log},
		Timeout:   cfg.Reader.Timeout,
	}
	client.BaseURL = strings.TrimRight(cfg.Source.Binance.RESTURL, "/")

	rps := cfg.Reader.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Reader.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	log.WithComponent("binance_rest").WithFields(logger.Fields{
		"base_url":           client.BaseURL,
		"requests_per_sec":   rps,
		"burst":              burst,
		"max_attempts":       cfg.Reader.Retry.MaxAttempts,
		"max_conns_per_host": pool.MaxConnsPerHost,
	}).Info("binance rest client initialized")

	return &RESTClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   cfg.Reader.Retry,
		log:     log,
		now:     time.Now,
	}
}

// Klines returns the most recent limit bars, oldest first. Requests larger than
// MaxKlinesPerRequest are paged backwards in time.
func (c *RESTClient) Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	var (
		out     []models.Candle
		endTime int64
	)
	for remaining := limit; remaining > 0; {
		page := min(remaining, MaxKlinesPerRequest)
		end := endTime
		bars, err := retryREST(ctx, c, "klines", func(ctx context.Context) ([]*gobinance.Kline, error) {
			svc := c.client.NewKlinesService().Symbol(symbol).Interval(string(tf)).Limit(page)
			if end > 0 {
				svc = svc.EndTime(end)
			}
			return svc.Do(ctx)
		})
		if err != nil {
			return nil, err
		}
		candles, err := c.toCandles(bars)
		if err != nil {
			return nil, err
		}
		out = append(candles, out...)
		if len(bars) < page {
			break
		}
		remaining -= len(bars)
		endTime = bars[0].OpenTime - 1
	}
	return out, nil
}

// KlinesSince returns up to MaxKlinesPerRequest bars opening at or after startTime.
func (c *RESTClient) KlinesSince(ctx context.Context, symbol string, tf models.Timeframe, startTime int64) ([]models.Candle, error) {
	bars, err := retryREST(ctx, c, "klines", func(ctx context.Context) ([]*gobinance.Kline, error) {
		return c.client.NewKlinesService().
			Symbol(symbol).
			Interval(string(tf)).
			StartTime(startTime).
			Limit(MaxKlinesPerRequest).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	return c.toCandles(bars)
}

func (c *RESTClient) toCandles(bars []*gobinance.Kline) ([]models.Candle, error) {
	nowMs := c.now().UnixMilli()
	out := make([]models.Candle, 0, len(bars))
	for _, k := range bars {
		values, err := parseNumbers(k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, &faults.MalformedMessageError{Stream: "rest_klines", Err: err}
		}
		out = append(out, models.Candle{
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
			Closed:    k.CloseTime < nowMs,
		})
	}
	return out, nil
}

// Depth fetches an order book snapshot of at most limit levels per side.
func (c *RESTClient) Depth(ctx context.Context, symbol string, limit int) (models.DepthSnapshot, error) {
	res, err := retryREST(ctx, c, "depth", func(ctx context.Context) (*gobinance.DepthResponse, error) {
		return c.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	})
	if err != nil {
		return models.DepthSnapshot{}, err
	}

	snap := models.DepthSnapshot{Symbol: symbol, LastUpdateID: res.LastUpdateID}
	for _, b := range res.Bids {
		l, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return models.DepthSnapshot{}, &faults.MalformedMessageError{Stream: "rest_depth", Err: err}
		}
		snap.Bids = append(snap.Bids, l)
	}
	for _, a := range res.Asks {
		l, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return models.DepthSnapshot{}, &faults.MalformedMessageError{Stream: "rest_depth", Err: err}
		}
		snap.Asks = append(snap.Asks, l)
	}
	return snap, nil
}

// Tickers fetches 24h statistics for symbols, sorted by symbol.
func (c *RESTClient) Tickers(ctx context.Context, symbols []string) ([]models.Ticker, error) {
	stats, err := retryREST(ctx, c, "ticker_24hr", func(ctx context.Context) ([]*gobinance.PriceChangeStats, error) {
		return c.client.NewListPriceChangeStatsService().Symbols(symbols).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Ticker, 0, len(stats))
	for _, s := range stats {
		values, err := parseNumbers(s.LastPrice, s.PriceChangePercent, s.Volume, s.BidPrice, s.AskPrice)
		if err != nil {
			c.log.WithComponent("binance_rest").WithError(err).WithFields(logger.Fields{"symbol": s.Symbol}).Warn("skipping malformed ticker")
			continue
		}
		out = append(out, models.Ticker{
			Symbol:       s.Symbol,
			LastPrice:    values[0],
			PctChange24h: values[1],
			Volume24h:    values[2],
			BidPrice:     values[3],
			AskPrice:     values[4],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// AggTrades fetches the most recent aggregated trades, ascending by ID.
func (c *RESTClient) AggTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	trades, err := retryREST(ctx, c, "agg_trades", func(ctx context.Context) ([]*gobinance.AggTrade, error) {
		return c.client.NewAggTradesService().Symbol(symbol).Limit(limit).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		values, err := parseNumbers(t.Price, t.Quantity)
		if err != nil {
			return nil, &faults.MalformedMessageError{Stream: "rest_agg_trades", Err: err}
		}
		out = append(out, models.Trade{
			ID:       t.AggTradeID,
			Price:    values[0],
			Quantity: values[1],
			Time:     t.Timestamp,
			Side:     models.SideFromMaker(t.IsBuyerMaker),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// retryREST runs op under the rate limiter with exponential backoff. Request
// validation errors from the venue are not retried.
func retryREST[T any](ctx context.Context, c *RESTClient, endpoint string, op func(context.Context) (T, error)) (T, error) {
	log := c.log.WithComponent("binance_rest").WithFields(logger.Fields{"endpoint": endpoint})

	b := backoff.NewExponentialBackOff()
	if c.retry.BaseDelay > 0 {
		b.InitialInterval = c.retry.BaseDelay
	}
	if c.retry.MaxDelay > 0 {
		b.MaxInterval = c.retry.MaxDelay
	}
	if c.retry.BackoffMultiplier > 1 {
		b.Multiplier = c.retry.BackoffMultiplier
	}
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	start := time.Now()
	res, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := op(ctx)
		if err != nil && isRequestError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithFields(logger.Fields{"retry_in_ms": next.Milliseconds()}).Warn("rest request failed, retrying")
		}),
	)
	took := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveREST(endpoint, outcome, took)
	logger.LogPerformanceEntry(log, "binance_rest", endpoint, took, logger.Fields{"outcome": outcome})

	if err != nil {
		return res, &faults.TransportError{Op: endpoint, Err: err}
	}
	return res, nil
}

// isRequestError reports venue rejections of the request itself (codes -1100..-1199),
// which fail identically on every attempt.
func isRequestError(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code <= -1100 && apiErr.Code > -1200
}

func parseNumbers(values ...string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := parseNumber(v)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
