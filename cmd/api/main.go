package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"notifyd/internal/config"
	"notifyd/internal/events"
	"notifyd/internal/httpserver"
	"notifyd/internal/logging"
	"notifyd/internal/observability"
	"notifyd/internal/provider"
	"notifyd/internal/queue/redisq"
	"notifyd/internal/service"
	"notifyd/internal/store/pg"
	"notifyd/internal/tracking"
	"notifyd/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, 5*time.Second)
	defer startupCancel()

	db, err := pg.NewPool(startupCtx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()
	if err := rdb.Ping(startupCtx).Err(); err != nil {
		slog.Error("redis not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	eventLog := events.New(st, util.NewEventID)

	registry := provider.DefaultRegistry(8*time.Second, cfg.ProviderWebhookSecret)

	svc := &service.NotificationService{
		Store:    st,
		Queue:    redisq.New(rdb),
		Events:   eventLog,
		Registry: registry,
	}
	trk := &tracking.Service{Store: st, Events: eventLog}

	srv := httpserver.New()
	srv.Mux.Handle("/metrics", promhttp.Handler())
	srv.Mux.HandleFunc("/healthz", httpserver.Healthz())
	srv.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, map[string]httpserver.ReadyzCheck{
		"postgres": func(c context.Context) error { return db.Ping(c) },
		"redis":    func(c context.Context) error { return rdb.Ping(c).Err() },
	}))
	(&httpserver.API{Svc: svc, Events: eventLog, PublicBaseURL: cfg.PublicBaseURL}).Register(srv.Mux)
	(&httpserver.Tracking{Svc: trk, Pref: svc}).Register(srv.Mux)
	(&httpserver.Webhook{Svc: svc, Secret: cfg.ProviderWebhookSecret}).Register(srv.Mux)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(srv.Mux),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
