// Command entitlementd runs the payment-webhook entitlement service: it
// receives Mercado Pago notifications, confirms them against the payments
// API, and reconciles account plan state in the configured account store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/entitlementd/pkg/api"
	"github.com/mihaimyh/entitlementd/pkg/entitlement"
	zlogadapter "github.com/mihaimyh/entitlementd/pkg/entitlement/logger/zerolog"
	prommetrics "github.com/mihaimyh/entitlementd/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/entitlementd/pkg/mercadopago"
	"github.com/mihaimyh/entitlementd/pkg/webhook"
	"github.com/mihaimyh/entitlementd/storage/memory"
	"github.com/mihaimyh/entitlementd/storage/postgres"
	redisledger "github.com/mihaimyh/entitlementd/storage/redis"
	"github.com/mihaimyh/entitlementd/storage/supabase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Missing .env is fine in production, where config comes from the runtime
	_ = godotenv.Load()

	zlog := newLogger(os.Getenv("LOG_LEVEL"))

	if err := run(zlog); err != nil {
		zlog.Fatal().Err(err).Msg("entitlementd exited")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "entitlementd").
		Logger()
}

func run(zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zlogadapter.NewLogger(zlog)
	metrics := prommetrics.DefaultMetrics("entitlementd")

	store, ledger, cleanup, err := buildStorage(ctx, zlog)
	if err != nil {
		return err
	}
	defer cleanup()

	payments, err := mercadopago.NewClient(mercadopago.Config{
		AccessToken: os.Getenv("MERCADO_PAGO_ACCESS_TOKEN"),
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create mercadopago client: %w", err)
	}

	reconciler, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Store:   store,
		Ledger:  ledger,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	receiver, err := webhook.NewReceiver(webhook.Config{
		Payments:   payments,
		Reconciler: reconciler,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create webhook receiver: %w", err)
	}

	apiHandler, err := api.NewHandler(api.Config{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/webhook", receiver.Handler())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Mount("/v1", apiHandler.Routes())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zlog.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildStorage selects the account store and idempotency ledger from the
// environment. A self-hosted Postgres serves both roles; the hosted Supabase
// store pairs with Redis (or, failing that, an in-process map) for the
// ledger.
func buildStorage(
	ctx context.Context, zlog zerolog.Logger,
) (entitlement.Store, entitlement.Ledger, func(), error) {
	cleanup := func() {}

	var store entitlement.Store
	var ledger entitlement.Ledger

	switch {
	case os.Getenv("DATABASE_URL") != "":
		cfg := postgres.DefaultConfig()
		cfg.ConnectionString = os.Getenv("DATABASE_URL")

		pg, err := postgres.New(ctx, cfg)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, cleanup, err
		}

		store = pg
		ledger = pg
		cleanup = pg.Close
		zlog.Info().Msg("using postgres account store")

	case os.Getenv("SUPABASE_URL") != "":
		sb, err := supabase.New(supabase.Config{
			URL:            os.Getenv("SUPABASE_URL"),
			ServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		})
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("failed to create supabase store: %w", err)
		}

		store = sb
		zlog.Info().Msg("using supabase account store")

	default:
		return nil, nil, cleanup, fmt.Errorf("either DATABASE_URL or SUPABASE_URL must be set")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, cleanup, fmt.Errorf("failed to ping redis: %w", err)
		}

		rl, err := redisledger.New(client, redisledger.DefaultConfig())
		if err != nil {
			return nil, nil, cleanup, err
		}
		ledger = rl
		zlog.Info().Msg("using redis event ledger")
	}

	if ledger == nil {
		ledger = memory.New()
		zlog.Warn().Msg("no durable event ledger configured, duplicates are only detected within this instance")
	}

	return store, ledger, cleanup, nil
}
