package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketcore/config"
	"marketcore/engine"
	"marketcore/internal/cache"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/models"
	"marketcore/provider"
)

// Engine is the read side of the orchestrator the dashboard inspects.
type Engine interface {
	Active() engine.Active
	Cache() *cache.Manager
}

// HealthReporter exposes the provider worker snapshot.
type HealthReporter interface {
	Health() provider.Health
}

// Server hosts the read-only verification API.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	engine        Engine
	health        HealthReporter
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, eng Engine, health HealthReporter) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if eng == nil {
		return nil, errors.New("dashboard: engine is required")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		engine:        eng,
		health:        health,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: metrics.RegisterMetricHandler(metricStore.handle),
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/state", s.handleState)
	api.GET("/candles", s.handleCandles)
	api.GET("/trades", s.handleTrades)
	api.GET("/depth", s.handleDepth)
	api.GET("/tickers", s.handleTickers)
	api.GET("/status", s.handleStatus)
	api.GET("/logs", s.handleLogs)
	api.GET("/metrics", s.handleMetrics)

	return router, nil
}

func (s *Server) handleState(c *gin.Context) {
	body := gin.H{
		"active": s.engine.Active(),
		"series": seriesNames(s.engine.Cache().SeriesKeys()),
		"logs":   logger.Counts(),
	}
	if s.health != nil {
		body["provider"] = s.health.Health()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCandles(c *gin.Context) {
	active := s.engine.Active()
	key := models.SeriesKey{
		Symbol:    symbolParam(c, active.Symbol),
		Timeframe: active.Timeframe,
	}
	if raw := c.Query("timeframe"); raw != "" {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		key.Timeframe = tf
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	bars := tail(s.engine.Cache().Candles(key), limit)
	c.JSON(http.StatusOK, gin.H{
		"symbol":    key.Symbol,
		"timeframe": key.Timeframe,
		"count":     len(bars),
		"candles":   bars,
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	symbol := symbolParam(c, s.engine.Active().Symbol)
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	trades := tail(s.engine.Cache().Trades(symbol), limit)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "count": len(trades), "trades": trades})
}

func (s *Server) handleDepth(c *gin.Context) {
	symbol := symbolParam(c, s.engine.Active().Symbol)
	book, found := s.engine.Cache().Depth(symbol)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no depth cached for " + symbol})
		return
	}
	levels, ok := limitParam(c)
	if !ok {
		return
	}
	if levels > 0 {
		if len(book.Bids) > levels {
			book.Bids = book.Bids[:levels]
		}
		if len(book.Asks) > levels {
			book.Asks = book.Asks[:levels]
		}
	}

	body := gin.H{"book": book}
	if spread, ok := book.Spread(); ok {
		body["spread"] = spread
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleTickers(c *gin.Context) {
	tickers := s.engine.Cache().Tickers()
	c.JSON(http.StatusOK, gin.H{"count": len(tickers), "tickers": tickers})
}

func (s *Server) handleStatus(c *gin.Context) {
	records := s.engine.Cache().Statuses()
	c.JSON(http.StatusOK, gin.H{"count": len(records), "statuses": records})
}

func (s *Server) handleLogs(c *gin.Context) {
	logsSnapshot := s.logStore.snapshot()
	payload := make([]gin.H, 0, len(logsSnapshot))
	for _, l := range logsSnapshot {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level,
			"component": l.Component,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payload})
}

func (s *Server) handleMetrics(c *gin.Context) {
	metricsSnapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(metricsSnapshot))
	for _, m := range metricsSnapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func symbolParam(c *gin.Context, fallback string) string {
	if v := models.NormalizeSymbol(c.Query("symbol")); v != "" {
		return v
	}
	return fallback
}

// limitParam reads ?limit=; zero means everything. It writes a 400 and
// returns false on a bad value.
func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func tail[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func seriesNames(keys []models.SeriesKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "127.0.0.1:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
