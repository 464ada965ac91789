package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"notifyd/internal/config"
	"notifyd/internal/domain"
	"notifyd/internal/events"
	"notifyd/internal/httpserver"
	"notifyd/internal/logging"
	"notifyd/internal/observability"
	"notifyd/internal/provider"
	"notifyd/internal/queue/redisq"
	"notifyd/internal/store/pg"
	"notifyd/internal/util"
	"notifyd/internal/worker"
)

func main() {
	cfg := config.LoadEngine()
	logging.Init("engine", cfg.LogFormat, cfg.LogLevel)

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
	q := redisq.New(rdb)
	eventLog := events.New(st, util.NewEventID)

	sendTimeout := time.Duration(cfg.ProviderTimeoutSeconds) * time.Second
	registry := provider.DefaultRegistry(sendTimeout, cfg.ProviderWebhookSecret)

	var wg sync.WaitGroup
	for _, ch := range domain.Channels() {
		p := &worker.Processor{
			Store:       st,
			Queue:       q,
			Events:      eventLog,
			Registry:    registry,
			Channel:     ch,
			Interval:    time.Duration(cfg.ProcessorIntervalSeconds) * time.Second,
			BatchSize:   cfg.ProcessorBatchSize,
			SendTimeout: sendTimeout,
			Limiter:     rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst),
			Breaker:     newBreaker(ch, cfg, eventLog),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	retry := &worker.RetryScheduler{
		Store:     st,
		Queue:     q,
		Events:    eventLog,
		Interval:  time.Duration(cfg.RetryIntervalSeconds) * time.Second,
		BatchSize: cfg.RetryBatchSize,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		retry.Run(ctx)
	}()

	healthMux := http.NewServeMux()
	healthMux.Handle("/metrics", promhttp.Handler())
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, map[string]httpserver.ReadyzCheck{
		"postgres": func(c context.Context) error { return db.Ping(c) },
		"redis":    func(c context.Context) error { return rdb.Ping(c).Err() },
	}))
	healthSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: healthMux}
	go func() {
		slog.Info("engine metrics listening", "port", cfg.MetricsPort)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("engine shutdown", "signal", sig.String())

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}

// newBreaker builds the per-channel circuit breaker: open after a run of
// consecutive failures, half-open again after the cooldown. Opening is also
// recorded as a provider-down event so outages show up in the audit trail.
func newBreaker(ch domain.Channel, cfg config.EngineConfig, eventLog *events.Log) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provider-" + string(ch),
		Timeout: time.Duration(cfg.BreakerTimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				eventLog.System(context.Background(), "", domain.EventProviderDown,
					"circuit open for "+name, map[string]any{"channel": string(ch)})
			}
		},
	})
}
