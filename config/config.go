package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketcore/models"
)

type Config struct {
	Marketcore MarketcoreConfig `yaml:"marketcore"`
	Engine     EngineConfig     `yaml:"engine"`
	Provider   ProviderConfig   `yaml:"provider"`
	Reader     ReaderConfig     `yaml:"reader"`
	Source     SourceConfig     `yaml:"source"`
	Cache      CacheConfig      `yaml:"cache"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketcoreConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type EngineConfig struct {
	Symbol       string        `yaml:"symbol"`
	Timeframe    string        `yaml:"timeframe"`
	QueueSize    int           `yaml:"queue_size"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

type ProviderConfig struct {
	Watchlist         []string        `yaml:"watchlist"`
	RawBuffer         int             `yaml:"raw_buffer"`
	DepthThrottle     time.Duration   `yaml:"depth_throttle"`
	DepthUpdateLevels int             `yaml:"depth_update_levels"`
	TickerThrottle    time.Duration   `yaml:"ticker_throttle"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	RESTURL          string               `yaml:"rest_url"`
	WSURL            string               `yaml:"ws_url"`
	LocalIP          string               `yaml:"local_ip"`
	BackfillBars     int                  `yaml:"backfill_bars"`
	DepthLimit       int                  `yaml:"depth_limit"`
	TradeLimit       int                  `yaml:"trade_limit"`
	DepthStreamSpeed string               `yaml:"depth_stream_speed"`
	ConnectionPool   ConnectionPoolConfig `yaml:"connection_pool"`
}

type CacheConfig struct {
	MaxCandles     int  `yaml:"max_candles"`
	MaxTrades      int  `yaml:"max_trades"`
	MaxStatuses    int  `yaml:"max_statuses"`
	RetainOnSwitch bool `yaml:"retain_on_switch"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	LogHistory     int    `yaml:"log_history"`
	MetricsHistory int    `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultWatchlist is the set of symbols tracked by the ticker batch.
var DefaultWatchlist = []string{
	"BTCUSDT", "ETHUSDT", "USDTUSDC", "XRPUSDT", "BNBUSDT",
	"USDCUSDT", "SOLUSDT", "TRXUSDT", "DOGEUSDT", "ADAUSDT",
}

const (
	MinBackfillBars = 300
	MaxBackfillBars = 1000
)

// Default returns the configuration used for any field a file leaves unset.
func Default() Config {
	return Config{
		Marketcore: MarketcoreConfig{Name: "marketcore", Version: "dev"},
		Engine: EngineConfig{
			Symbol:       "BTCUSDT",
			Timeframe:    "1m",
			QueueSize:    1024,
			BlockTimeout: 50 * time.Millisecond,
		},
		Provider: ProviderConfig{
			Watchlist:         append([]string(nil), DefaultWatchlist...),
			RawBuffer:         4096,
			DepthThrottle:     250 * time.Millisecond,
			DepthUpdateLevels: 20,
			TickerThrottle:    500 * time.Millisecond,
			Reconnect: ReconnectConfig{
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
				Multiplier:  2,
				Jitter:      0.2,
				MaxAttempts: 10,
			},
		},
		Reader: ReaderConfig{
			Timeout:   10 * time.Second,
			RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 5},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Source: SourceConfig{Binance: BinanceSourceConfig{
			RESTURL:          "https://api.binance.com",
			WSURL:            "wss://stream.binance.com:9443",
			BackfillBars:     900,
			DepthLimit:       100,
			TradeLimit:       200,
			DepthStreamSpeed: "100ms",
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    10,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
		}},
		Cache: CacheConfig{MaxCandles: 1200, MaxTrades: 2000, MaxStatuses: 50},
		Dashboard: DashboardConfig{
			Address:        "127.0.0.1:8080",
			LogHistory:     200,
			MetricsHistory: 200,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Engine.Symbol = models.NormalizeSymbol(config.Engine.Symbol)
	for i, s := range config.Provider.Watchlist {
		config.Provider.Watchlist[i] = models.NormalizeSymbol(s)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MARKETCORE_SYMBOL")); v != "" {
		cfg.Engine.Symbol = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETCORE_TIMEFRAME")); v != "" {
		cfg.Engine.Timeframe = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_REST_URL")); v != "" {
		cfg.Source.Binance.RESTURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_WS_URL")); v != "" {
		cfg.Source.Binance.WSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DASHBOARD_ADDRESS")); v != "" {
		cfg.Dashboard.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketcore.Name == "" {
		return fmt.Errorf("marketcore.name is required")
	}

	if cfg.Engine.Symbol == "" {
		return fmt.Errorf("engine.symbol is required")
	}
	if _, err := models.ParseTimeframe(cfg.Engine.Timeframe); err != nil {
		return fmt.Errorf("engine.timeframe: %w", err)
	}
	if cfg.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be greater than 0")
	}
	if cfg.Engine.BlockTimeout < 0 {
		return fmt.Errorf("engine.block_timeout must not be negative")
	}

	if cfg.Provider.RawBuffer <= 0 {
		return fmt.Errorf("provider.raw_buffer must be greater than 0")
	}
	if cfg.Provider.DepthThrottle <= 0 {
		return fmt.Errorf("provider.depth_throttle must be greater than 0")
	}
	if cfg.Provider.TickerThrottle <= 0 {
		return fmt.Errorf("provider.ticker_throttle must be greater than 0")
	}
	if cfg.Provider.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("provider.reconnect.max_attempts must be greater than 0")
	}
	if cfg.Provider.Reconnect.BaseDelay <= 0 || cfg.Provider.Reconnect.MaxDelay < cfg.Provider.Reconnect.BaseDelay {
		return fmt.Errorf("provider.reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if cfg.Provider.Reconnect.Jitter < 0 || cfg.Provider.Reconnect.Jitter > 1 {
		return fmt.Errorf("provider.reconnect.jitter must be within [0, 1]")
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Reader.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("reader.retry.max_attempts must be greater than 0")
	}

	b := cfg.Source.Binance
	if b.RESTURL == "" || b.WSURL == "" {
		return fmt.Errorf("source.binance.rest_url and source.binance.ws_url are required")
	}
	if b.BackfillBars < MinBackfillBars || b.BackfillBars > MaxBackfillBars {
		return fmt.Errorf("source.binance.backfill_bars must be within [%d, %d]", MinBackfillBars, MaxBackfillBars)
	}
	if b.DepthLimit <= 0 || b.DepthLimit > 5000 {
		return fmt.Errorf("source.binance.depth_limit must be within [1, 5000]")
	}
	if b.TradeLimit < 0 || b.TradeLimit > 1000 {
		return fmt.Errorf("source.binance.trade_limit must be within [0, 1000]")
	}

	if cfg.Cache.MaxCandles < b.BackfillBars {
		return fmt.Errorf("cache.max_candles must be at least source.binance.backfill_bars")
	}
	if cfg.Cache.MaxTrades <= 0 {
		return fmt.Errorf("cache.max_trades must be greater than 0")
	}

	return nil
}
