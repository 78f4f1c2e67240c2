package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"OutcomeSentinel/internal/config"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/registry"
)

// Registry is the ticker maintenance the scheduler drives.
type Registry interface {
	RefreshAll(ctx context.Context, days int) (registry.RefreshSummary, error)
	SweepStale(ctx context.Context) (int, error)
	RetryFailed(ctx context.Context) (registry.RetrySummary, error)
}

// Calculator is the outcome batch the scheduler drives.
type Calculator interface {
	RecomputeAllPending(ctx context.Context, forceRefresh bool) (model.BatchSummary, error)
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron       *cron.Cron
	Registry   Registry
	Calculator Calculator
	Ctx        context.Context

	refreshDays int
	logger      *zap.Logger
}

// NewScheduler creates a new Scheduler. Runs of the same job never overlap.
func NewScheduler(ctx context.Context, reg Registry, calc Calculator, refreshDays int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		Registry:    reg,
		Calculator:  calc,
		Ctx:         ctx,
		refreshDays: refreshDays,
		logger:      logger,
	}
}

// RegisterAll registers the price refresh, outcome, stale sweep and retry tasks.
func (s *Scheduler) RegisterAll(cfg config.ScheduleConfig) error {
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"price refresh", cfg.PriceRefreshCron, s.priceRefreshTask},
		{"outcomes", cfg.OutcomeCron, s.outcomeTask},
		{"stale sweep", cfg.StaleSweepCron, s.staleSweepTask},
		{"retry failed", cfg.RetryFailedCron, s.retryFailedTask},
	}
	for _, j := range jobs {
		if j.spec == "" || j.spec == "-" {
			s.logger.Info("task disabled", zap.String("task", j.name))
			continue
		}
		if _, err := s.Cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register %s task: %w", j.name, err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.Cron.Entries())))
}

// Stop stops the cron scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunOutcomesNow executes the outcome task immediately (for manual trigger / run on start).
func (s *Scheduler) RunOutcomesNow() {
	s.outcomeTask()
}

// RunPriceRefreshNow executes the price refresh task immediately.
func (s *Scheduler) RunPriceRefreshNow() {
	s.priceRefreshTask()
}

func (s *Scheduler) priceRefreshTask() {
	s.logger.Info("running price refresh")
	if _, err := s.Registry.RefreshAll(s.Ctx, s.refreshDays); err != nil {
		s.logger.Error("price refresh", zap.Error(err))
	}
}

func (s *Scheduler) outcomeTask() {
	s.logger.Info("running outcome recomputation")
	sum, err := s.Calculator.RecomputeAllPending(s.Ctx, false)
	if err != nil {
		s.logger.Error("outcome recomputation", zap.Error(err))
		return
	}
	if sum.Failed > 0 {
		s.logger.Warn("outcome recomputation had failures",
			zap.String("run_id", sum.RunID),
			zap.Int("failed", sum.Failed),
			zap.Strings("failed_symbols", sum.FailedSymbols),
		)
	}
}

func (s *Scheduler) staleSweepTask() {
	s.logger.Info("running stale sweep")
	if _, err := s.Registry.SweepStale(s.Ctx); err != nil {
		s.logger.Error("stale sweep", zap.Error(err))
	}
}

func (s *Scheduler) retryFailedTask() {
	s.logger.Info("retrying failed symbols")
	if _, err := s.Registry.RetryFailed(s.Ctx); err != nil {
		s.logger.Error("retry failed symbols", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
