package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/applyflow/applyflow-analytics/internal/aggregate"
	"github.com/applyflow/applyflow-analytics/internal/api"
	"github.com/applyflow/applyflow-analytics/internal/cache"
	"github.com/applyflow/applyflow-analytics/internal/config"
	"github.com/applyflow/applyflow-analytics/internal/ingest"
	"github.com/applyflow/applyflow-analytics/internal/insight"
	"github.com/applyflow/applyflow-analytics/internal/metrics"
	"github.com/applyflow/applyflow-analytics/internal/predict"
	"github.com/applyflow/applyflow-analytics/internal/store"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting applyflow-analytics", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, falling back to in-memory", slog.Any("error", err))
			cacheProvider = cache.NewMemoryProvider()
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	collector := ingest.NewCollector(utils.ComponentLogger(logger, "ingest"), st, ingest.Config{
		Capacity:      cfg.Ingest.BufferCapacity,
		FlushInterval: cfg.Ingest.FlushInterval,
	})
	aggregator := aggregate.NewEngine(utils.ComponentLogger(logger, "aggregate"), st, collector, nil)
	insights := insight.NewGenerator(utils.ComponentLogger(logger, "insight"), st, collector, nil, cfg.Insights.Interval)
	predictor := predict.NewEngine(utils.ComponentLogger(logger, "predict"), st, collector, cacheProvider, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seedRules, err := aggregate.LoadRulePack(cfg.Aggregation.RulesPath)
	if err != nil {
		logger.Error("failed to load rule pack", slog.String("path", cfg.Aggregation.RulesPath), slog.Any("error", err))
		os.Exit(1)
	}
	if err := aggregate.EnsureSeedRules(ctx, logger, st, aggregator, seedRules); err != nil {
		logger.Error("failed to seed aggregation rules", slog.Any("error", err))
		os.Exit(1)
	}

	collector.Start()
	scheduler := aggregate.NewScheduler(utils.ComponentLogger(logger, "scheduler"), aggregator, nil)
	scheduler.Start()
	insights.Start()

	handlers := api.NewHandlers(logger, collector, aggregator, insights, predictor, nil)
	server := api.NewServer(logger, cfg.Server, handlers)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	insights.Stop()
	scheduler.Stop()

	// Final flush so buffered observations survive the restart.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	collector.Stop(flushCtx)
	cancelFlush()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("applyflow-analytics stopped")
}
