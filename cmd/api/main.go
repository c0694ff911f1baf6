package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaign-runner/internal/aggregator"
	"campaign-runner/internal/audit"
	"campaign-runner/internal/auth"
	"campaign-runner/internal/config"
	"campaign-runner/internal/dispatch"
	"campaign-runner/internal/events"
	"campaign-runner/internal/httpapi"
	"campaign-runner/internal/lifecycle"
	"campaign-runner/internal/metrics"
	"campaign-runner/internal/reconcile"
	"campaign-runner/internal/reporting"
	"campaign-runner/internal/scheduler"
	"campaign-runner/internal/store"
	"campaign-runner/internal/telephony"
	"campaign-runner/pkg/logger"
	"campaign-runner/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogFile)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.Migrate(rootCtx, db); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	// Redis carries run events across processes and guards dispatch passes.
	// Without it a single process still works on the in-memory broker.
	var broker events.Broker
	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		if cfg.IsProduction() {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		log.Warn("redis unavailable, using in-process events", "err", err)
		rdb = nil
		broker = events.NewMemoryBroker()
	} else {
		defer rdb.Close()
		broker = events.NewRedisBroker(rdb, log)
	}

	st := store.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	machine := lifecycle.NewMachine(st, auditSvc, broker, log)
	agg := aggregator.New(st, machine, auditSvc, broker, log)
	provider := telephony.NewRetellProvider(cfg.Retell.BaseURL, cfg.Retell.APIKey, cfg.Dispatch.ProviderTimeout)
	dispatcher := dispatch.New(st, agg, machine, auditSvc, provider, rdb, log, dispatch.Config{
		RatePerSecond:   cfg.Dispatch.RatePerSecond,
		ProviderTimeout: cfg.Dispatch.ProviderTimeout,
		StoreTimeout:    cfg.Dispatch.StoreTimeout,
	})
	sched := scheduler.New(st, machine, dispatcher, log, cfg.Dispatch.Interval)
	reconciler := reconcile.New(st, agg, auditSvc, sched, log, cfg.Dispatch.StoreTimeout)

	deps := routeDeps{
		DB:       db,
		AuthMW:   auth.RequireAccessToken(authManager),
		Metrics:  cfg.App.MetricsEnabled,
		Webhooks: telephony.NewWebhookHandler(reconciler, cfg.Retell.WebhookSecret),
		API: httpapi.Handlers{
			Auth:     authManager,
			Store:    st,
			Runs:     machine,
			Rows:     agg,
			Dispatch: dispatcher,
			Reports:  reporting.NewService(st),
			Events:   broker,
			Waker:    sched,
			DevLogin: cfg.Auth.DevLogin,
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	if cfg.App.MetricsEnabled {
		r.Use(metrics.Middleware())
	}
	registerRoutes(r, deps)

	stopScheduler := sched.Start(rootCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events streams for as long as the client listens
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", provider.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	stopScheduler()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
