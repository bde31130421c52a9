package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"billing-collections/internal/billing"
	"billing-collections/internal/calendar"
	"billing-collections/internal/config"
	"billing-collections/internal/runner"
	"billing-collections/internal/store"
	"billing-collections/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		sugar.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		sugar.Fatalw("migrations", "error", err)
	}

	cal := calendar.New(cfg.Timezone, cfg.Holidays)
	exporter, err := billing.NewExporter(ctx, cfg, nil)
	if err != nil {
		sugar.Fatalw("init exporter", "error", err)
	}
	var provider billing.ProviderClient
	if hp := billing.NewHTTPProvider(cfg.FallbackProviderURL, cfg.FallbackProviderAuth); hp != nil {
		provider = hp
	}
	ops := billing.NewOperations(st, cfg, cal, exporter, provider, sugar)
	jobs := runner.New(st, ops, cfg, cal, sugar)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			sugar.Infow("metrics server stopped", "error", err)
		}
	}()

	sugar.Infow("cron dispatcher started",
		"tick_interval", cfg.CronTickInterval,
		"jobs_enabled", cfg.JobsEnabled,
		"timezone", cfg.Timezone)

	ticker := time.NewTicker(cfg.CronTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sugar.Infow("cron dispatcher stopped")
			return
		case <-ticker.C:
			tick := jobs.RunCronTick(ctx)
			if !tick.Enabled {
				sugar.Debugw("cron tick skipped, jobs disabled")
				continue
			}
			logTick(sugar, tick)
		}
	}
}

func logTick(sugar *zap.SugaredLogger, tick runner.CronTickResult) {
	for _, step := range []struct {
		name string
		res  *runner.Result
	}{
		{"anchor", tick.RunAnchor},
		{"prepare_batch", tick.PrepareBatch},
		{"export_batch", tick.ExportBatch},
		{"fallback_create", tick.FallbackCreate},
		{"fallback_sync", tick.FallbackSync},
	} {
		if step.res == nil {
			continue
		}
		fields := []any{
			"step", step.name,
			"status", step.res.Status,
			"run_id", step.res.RunID,
			"target_date_ar", step.res.TargetDateAR,
			"counters", step.res.Counters,
		}
		if step.res.Error != "" {
			sugar.Errorw("cron step failed", append(fields, "error", step.res.Error)...)
			continue
		}
		sugar.Infow("cron step finished", fields...)
	}
}
