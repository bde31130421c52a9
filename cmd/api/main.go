package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"billing-collections/internal/api"
	"billing-collections/internal/billing"
	"billing-collections/internal/calendar"
	"billing-collections/internal/config"
	"billing-collections/internal/ratelimit"
	"billing-collections/internal/runner"
	"billing-collections/internal/store"
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTriggerLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

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

	server := api.New(cfg, jobs, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	sugar.Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
