package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketcore/config"
	"marketcore/engine"
	"marketcore/internal/cache"
	"marketcore/internal/dashboard"
	"marketcore/internal/metrics"
	"marketcore/logger"
	"marketcore/provider"
	"marketcore/reader/binance"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath, defaultConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Marketcore.Name,
		"version":     cfg.Marketcore.Version,
		"environment": config.AppEnvironment(),
		"symbol":      cfg.Engine.Symbol,
		"timeframe":   cfg.Engine.Timeframe,
	}).Info("starting marketcore")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := cache.NewManager(cache.Limits{
		Candles:  cfg.Cache.MaxCandles,
		Trades:   cfg.Cache.MaxTrades,
		Statuses: cfg.Cache.MaxStatuses,
	})

	feed := provider.New(
		binance.NewRESTClient(cfg),
		binance.NewStreamDialer(cfg),
		store,
		provider.OptionsFromConfig(cfg),
	)

	core, err := engine.New(feed, store, engine.OptionsFromConfig(cfg))
	if err != nil {
		log.WithError(err).Error("failed to create engine")
		os.Exit(1)
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, core, feed)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	if err := core.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	metrics.StartBufferMetrics(ctx, 5*time.Second, core.Queue())

	var wg sync.WaitGroup

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard stopped with error")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.Info("reload signal received")
			if err := core.Reload(); err != nil {
				log.WithError(err).Warn("reload failed")
			}
			continue
		}
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		break
	}

	log.Info("starting graceful shutdown")
	if err := core.Close(); err != nil {
		log.WithError(err).Warn("engine close failed")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketcore stopped")
}
