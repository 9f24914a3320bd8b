// Command gateway runs the SMS dispatch gateway: the HTTP admission
// surface, the scheduler, and the dispatcher worker pool in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sms-gateway/internal/admission"
	"sms-gateway/internal/auditbus"
	"sms-gateway/internal/config"
	"sms-gateway/internal/db"
	"sms-gateway/internal/dispatcher"
	"sms-gateway/internal/observability"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/retention"
	"sms-gateway/internal/scheduler"
	"sms-gateway/internal/store"
	"sms-gateway/internal/tokenauth"
	"sms-gateway/internal/transmitter"
	"sms-gateway/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	if err := pg.RunMigrations("migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	redisDB, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisDB.Close()

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
	}

	// /metrics is served by promhttp.Handler(), which gathers from the
	// default registry, so the gateway's own vectors are registered there.
	registry := prometheus.DefaultRegisterer.(*prometheus.Registry)
	metrics := observability.NewMetrics(registry)
	otelShutdown, err := observability.SetupOpenTelemetry("sms-gateway", registry, log)
	if err != nil {
		return fmt.Errorf("setup opentelemetry: %w", err)
	}
	defer otelShutdown()

	st := store.New(pg, log)
	tokens := tokenauth.New(st, log)
	bus := auditbus.New(st, nc, log)
	limiter := ratelimit.New(st, redisDB, log, map[store.RateLimitScope]ratelimit.ScopeLimits{
		store.ScopeRequest: {Limit: cfg.RequestRateLimit, Window: cfg.RateLimitWindow},
		store.ScopeAuth:    {Limit: cfg.AuthRateLimit, Window: cfg.RateLimitWindow},
		store.ScopeAdmin:   {Limit: cfg.AdminRateLimit, Window: cfg.RateLimitWindow},
	})

	sim := transmitter.NewMock()
	tun := tunnel.NewMock(os.Getenv("TUNNEL_URL"))

	disp := dispatcher.New(dispatcher.Config{
		Workers:     cfg.DispatcherWorkers,
		SendTimeout: cfg.SendTimeout,
	}, st, sim, bus, metrics, log)

	sched := scheduler.New(scheduler.Config{
		Tick:      cfg.SchedulerTick,
		BatchSize: cfg.SchedulerBatchSize,
	}, st, disp.Tasks(), metrics, log)

	health := observability.NewHealthRegistry()
	health.Register(observability.NewFuncChecker("postgres", st.Health))
	health.Register(observability.NewFuncChecker("redis", redisDB.HealthCheck))
	health.Register(observability.NewFuncChecker("transmitter", func(ctx context.Context) error {
		switch state := sim.SimState(); state {
		case transmitter.SimReady:
			return nil
		default:
			return fmt.Errorf("sim state %s", state)
		}
	}))
	health.Register(observability.NewFuncChecker("tunnel", func(ctx context.Context) error {
		status, _, err := tun.Status(ctx)
		if err != nil {
			return err
		}
		if status == tunnel.StatusError {
			return fmt.Errorf("tunnel status %s", status)
		}
		return nil
	}))

	retentionSweeper := retention.New(retention.Config{
		Interval: cfg.RetentionInterval,
		MaxAge:   cfg.RetentionAge,
	}, pg, log)

	handlers := &admission.Handlers{
		Store:     st,
		Tokens:    tokens,
		RateLimit: limiter,
		Audit:     bus,
		Scheduler: sched,
		Sim:       sim,
		Tunnel:    tun,
		Health:    health,
		Metrics:   metrics,
		Log:       log,
	}
	app := admission.NewApp(handlers)

	if err := sched.Recover(ctx); err != nil {
		return fmt.Errorf("recover orphaned messages: %w", err)
	}

	disp.Start(ctx)
	go sched.Run(ctx)
	go retentionSweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("gateway listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Stop accepting new HTTP connections first.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("error shutting down http server", zap.Error(err))
	}

	// The scheduler's ctx is already cancelled (it derives from the same
	// signal context), so it will finish its current tick and stop
	// claiming new work. Give the dispatcher's workers the remaining
	// grace period to finish in-flight sends; anything still SENDING past
	// that point is picked up by RecoverOrphans on the next boot.
	waitDone := make(chan struct{})
	go func() {
		disp.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		log.Info("dispatcher drained cleanly")
	case <-shutdownCtx.Done():
		log.Warn("shutdown grace period expired with workers still in flight")
	}

	return nil
}
