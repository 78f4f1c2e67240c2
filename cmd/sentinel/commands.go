package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"OutcomeSentinel/internal/api"
	"OutcomeSentinel/internal/events"
	"OutcomeSentinel/internal/intake"
	"OutcomeSentinel/internal/marketdata"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/outcome"
	"OutcomeSentinel/internal/report"
	"OutcomeSentinel/internal/scheduler"
	"OutcomeSentinel/internal/store"
)

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("-since must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

// bus publishes through redis when configured, in-process otherwise.
func (a *app) bus() events.Bus {
	if client := a.redisClient(); client != nil {
		return events.NewRedisBus(client, a.cfg.Redis.Channel, a.logger)
	}
	return events.NewLocalBus(a.logger)
}

// subscribe registers the registry before the calculator so a new symbol is
// backfilled before its first outcome is computed.
func (a *app) subscribe(bus events.Bus) {
	bus.Subscribe(a.registry.HandlePredictionCompleted)
	bus.Subscribe(a.calc.HandlePredictionCompleted)
}

func runServe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("serve", a.out)
	runOnStart := fs.Bool("run-on-start", os.Getenv("RUN_ON_START") == "true", "run the price refresh and outcome batch immediately")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sched := scheduler.NewScheduler(ctx, a.registry, a.calc, a.cfg.Registry.RefreshDays, a.logger)
	if err := sched.RegisterAll(a.cfg.Schedule); err != nil {
		return fmt.Errorf("register cron tasks: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	bus := a.bus()
	a.subscribe(bus)

	engine := api.NewEngine(api.Deps{
		DB:        a.store,
		Outcomes:  a.calc,
		Tickers:   a.registry,
		Providers: a.market,
		Logger:    a.logger,
		Debug:     a.cfg.Log.Development,
	})
	srv := &http.Server{
		Addr:              a.cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if rb, ok := bus.(*events.RedisBus); ok {
		g.Go(func() error { return rb.Run(gctx) })
	} else {
		a.logger.Info("redis not configured, completed predictions are only seen through ingest")
	}

	if *runOnStart {
		a.logger.Info("run-on-start enabled, executing refresh and outcome batch now")
		go func() {
			sched.RunPriceRefreshNow()
			sched.RunOutcomesNow()
		}()
	}

	a.logger.Info("sentinel is running, press Ctrl+C to stop")
	err := g.Wait()
	a.logger.Info("sentinel stopped")
	return err
}

func runIngest(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("ingest", a.out)
	file := fs.String("file", "", "JSON-lines file of predictions (default stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("open %s: %w", *file, err)
		}
		defer f.Close()
		r = f
	}
	preds, err := intake.DecodeLines(r)
	if err != nil {
		return err
	}

	bus := a.bus()
	if _, remote := bus.(*events.RedisBus); !remote {
		a.subscribe(bus)
	}
	in := intake.New(a.store, bus, a.logger)

	var saved, published, rejected int
	for _, p := range preds {
		ok, err := in.Accept(ctx, p)
		if err != nil {
			rejected++
			a.logger.Warn("prediction rejected", zap.Int64("prediction_id", p.ID), zap.Error(err))
			continue
		}
		saved++
		if ok {
			published++
		}
	}
	fmt.Fprintf(a.out, "ingested %d predictions: %d saved, %d published, %d rejected\n",
		len(preds), saved, published, rejected)
	return nil
}

func runPrices(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("prices", a.out)
	symbol := fs.String("symbol", "", "ticker symbol")
	all := fs.Bool("all", false, "refresh every tracked symbol")
	days := fs.Int("days", 30, "calendar days back from today")
	force := fs.Bool("force", false, "refetch even when cached")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *all {
		sum, err := a.registry.RefreshAll(ctx, *days)
		if err != nil {
			return err
		}
		fmt.Fprint(a.out, report.FormatRefreshSummary(sum))
		return nil
	}
	if *symbol == "" {
		return fmt.Errorf("prices: -symbol or -all is required")
	}

	sym := model.NormalizeSymbol(*symbol)
	res, err := a.registry.RefreshSymbol(ctx, sym, *days, *force)
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, report.FormatFetch(sym, res))

	latest, err := a.market.GetLatestPrice(ctx, sym)
	switch {
	case err == nil:
		fmt.Fprintf(a.out, "latest: %s close %s (%s)\n", model.FormatDate(latest.Date), latest.Close.String(), latest.Source)
	case errors.Is(err, marketdata.ErrNoPrice):
		fmt.Fprintln(a.out, "latest: no price available")
	default:
		return err
	}
	return nil
}

func runOutcomes(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("outcomes", a.out)
	id := fs.Int64("prediction", 0, "recompute a single prediction")
	force := fs.Bool("force", false, "refetch prices and overwrite resolved horizons")
	since := fs.String("since", "", "only predictions on or after this date (YYYY-MM-DD)")
	all := fs.Bool("all", false, "include predictions whose outcomes are already complete")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id > 0 {
		rows, err := a.calc.RecomputeOutcome(ctx, *id, *force)
		if err != nil {
			return err
		}
		fmt.Fprint(a.out, report.FormatOutcomes(rows))
		return nil
	}

	sinceDate, err := parseSince(*since)
	if err != nil {
		return err
	}
	sum, err := a.calc.RecomputeBatch(ctx, outcome.BatchOptions{Since: sinceDate, Force: *force, All: *all})
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, report.FormatBatchSummary(sum))
	return nil
}

func runAccuracy(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("accuracy", a.out)
	horizon := fs.Int("horizon", 7, "horizon in days for the confidence breakdown")
	since := fs.String("since", "", "only predictions on or after this date (YYYY-MM-DD)")
	symbol := fs.String("symbol", "", "restrict to one symbol")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sinceDate, err := parseSince(*since)
	if err != nil {
		return err
	}
	filter := store.OutcomeFilter{Since: sinceDate, Symbol: model.NormalizeSymbol(*symbol)}

	byHorizon, err := a.calc.HorizonReport(ctx, filter)
	if err != nil {
		return err
	}
	byTier, err := a.calc.ConfidenceReport(ctx, filter, *horizon)
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, report.FormatHorizonAccuracy(byHorizon))
	fmt.Fprintln(a.out)
	fmt.Fprint(a.out, report.FormatConfidenceAccuracy(byTier))
	return nil
}

func runTickers(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("tickers", a.out)
	status := fs.String("status", "", "only tickers in this status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var statuses []model.TickerStatus
	if *status != "" {
		st, err := model.ParseTickerStatus(*status)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}

	recs, err := a.registry.List(ctx, statuses...)
	if err != nil {
		return err
	}
	counts, err := a.registry.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, report.FormatTickers(recs))
	fmt.Fprintln(a.out)
	fmt.Fprint(a.out, report.FormatTickerCounts(counts))
	return nil
}

func runSweep(ctx context.Context, a *app, _ []string) error {
	n, err := a.registry.SweepStale(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "marked %d tickers stale\n", n)
	return nil
}

func runRetry(ctx context.Context, a *app, _ []string) error {
	sum, err := a.registry.RetryFailed(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, report.FormatRetrySummary(sum))
	return nil
}

func runHealth(ctx context.Context, a *app, _ []string) error {
	fmt.Fprint(a.out, report.FormatHealth(a.market.HealthCheck(ctx)))
	return nil
}
