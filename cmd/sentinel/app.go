package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"OutcomeSentinel/internal/collector"
	"OutcomeSentinel/internal/config"
	"OutcomeSentinel/internal/events"
	"OutcomeSentinel/internal/logger"
	"OutcomeSentinel/internal/marketdata"
	"OutcomeSentinel/internal/outcome"
	"OutcomeSentinel/internal/registry"
	"OutcomeSentinel/internal/store"
)

// app wires the services every command shares.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer

	store    *store.Store
	market   *marketdata.Client
	registry *registry.Registry
	calc     *outcome.Calculator
	redis    *redis.Client
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database, log)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open store: %w", err)
	}

	providers, err := collector.NewProviders(cfg.Providers, cfg.Proxy, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init providers: %w", err)
	}

	market := marketdata.New(st, providers, marketdata.Options{
		StaleAfter:  cfg.MarketData.StaleAfter,
		ProbeSymbol: cfg.MarketData.ProbeSymbol,
	}, log)

	reg := registry.New(st, market, registry.Options{
		BackfillDays:    cfg.Registry.BackfillDays,
		RefreshDays:     cfg.Registry.RefreshDays,
		StaleWindow:     cfg.Registry.StaleWindow,
		ReferenceWindow: cfg.Registry.ReferenceWindow,
		StuckAfter:      cfg.Registry.StuckAfter,
		Concurrency:     cfg.Registry.Concurrency,
	}, log)

	calc := outcome.New(st, market, st, outcome.Options{
		Notional:     decimal.NewFromFloat(cfg.Outcomes.Notional),
		LookbackDays: cfg.Outcomes.LookbackDays,
	}, log)

	log.Info("sentinel ready",
		zap.String("driver", st.Driver()),
		zap.Strings("providers", market.Providers()),
	)

	return &app{
		cfg:      cfg,
		logger:   log,
		out:      out,
		store:    st,
		market:   market,
		registry: reg,
		calc:     calc,
	}, nil
}

// redisClient returns a client when redis is configured, nil otherwise.
func (a *app) redisClient() *redis.Client {
	if a.cfg.Redis.Addr == "" {
		return nil
	}
	if a.redis == nil {
		a.redis = events.NewRedisClient(a.cfg.Redis)
	}
	return a.redis
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
