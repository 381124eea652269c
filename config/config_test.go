package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `marketcore:
  name: "TestApp"
  version: "1.0"
engine:
  symbol: ethusdt
  timeframe: 5m
provider:
  watchlist: [btcusdt, " solusdt "]
  depth_throttle: 100ms
source:
  binance:
    backfill_bars: 500
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketcore.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Marketcore.Name)
	}
	if cfg.Engine.Symbol != "ETHUSDT" {
		t.Errorf("symbol not normalised: %s", cfg.Engine.Symbol)
	}
	if got := strings.Join(cfg.Provider.Watchlist, ","); got != "BTCUSDT,SOLUSDT" {
		t.Errorf("unexpected watchlist: %s", got)
	}
	if cfg.Provider.DepthThrottle != 100*time.Millisecond {
		t.Errorf("unexpected depth throttle: %v", cfg.Provider.DepthThrottle)
	}
	if cfg.Source.Binance.BackfillBars != 500 {
		t.Errorf("unexpected backfill bars: %d", cfg.Source.Binance.BackfillBars)
	}
	// untouched sections keep their defaults
	if cfg.Cache.MaxTrades != 2000 || cfg.Source.Binance.DepthLimit != 100 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Cache, cfg.Source.Binance)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "marketcore:\n  name: app\n")
	t.Setenv("MARKETCORE_SYMBOL", "solusdt")
	t.Setenv("MARKETCORE_TIMEFRAME", "1h")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Engine.Symbol != "SOLUSDT" || cfg.Engine.Timeframe != "1h" {
		t.Fatalf("env overrides not applied: %+v", cfg.Engine)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("LOG_LEVEL override not applied: %q", cfg.Logging.Level)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		want    string
		content string
	}{
		{"engine.timeframe", "engine:\n  timeframe: 7m\n"},
		{"backfill_bars", "source:\n  binance:\n    backfill_bars: 100\n"},
		{"engine.queue_size", "engine:\n  queue_size: 0\n"},
		{"provider.reconnect.jitter", "provider:\n  reconnect:\n    jitter: 2\n"},
		{"cache.max_candles", "cache:\n  max_candles: 400\n"},
		{"reader.retry.max_attempts", "reader:\n  retry:\n    max_attempts: 0\n"},
		{"provider.reconnect delays", "provider:\n  reconnect:\n    max_delay: 1ms\n"},
		{"source.binance.depth_limit", "source:\n  binance:\n    depth_limit: 0\n"},
	}
	for _, tc := range cases {
		want := tc.want
		path := writeTempConfig(t, tc.content)
		_, err := LoadConfig(path)
		if err == nil {
			t.Fatalf("expected validation error containing %q", want)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath("", def); got != prod {
		t.Fatalf("ResolvePath = %q, want %q", got, prod)
	}
	if got := ResolvePath("/etc/custom.yml", def); got != "/etc/custom.yml" {
		t.Fatalf("explicit path must win, got %q", got)
	}

	t.Setenv("APP_ENV", "")
	if got := ResolvePath("", def); got != def {
		t.Fatalf("ResolvePath = %q, want %q", got, def)
	}
	if AppEnvironment() != "development" {
		t.Fatalf("unexpected default environment %q", AppEnvironment())
	}
}
