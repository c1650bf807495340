package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/coin-advisor/config"
	"github.com/vnmchuo/coin-advisor/internal/advisor"
	"github.com/vnmchuo/coin-advisor/internal/auth"
	"github.com/vnmchuo/coin-advisor/internal/billing"
	"github.com/vnmchuo/coin-advisor/internal/db"
	"github.com/vnmchuo/coin-advisor/internal/gateway"
	"github.com/vnmchuo/coin-advisor/internal/httpapi"
	"github.com/vnmchuo/coin-advisor/internal/ledger"
	"github.com/vnmchuo/coin-advisor/internal/pricing"
	"github.com/vnmchuo/coin-advisor/internal/provider"
	"github.com/vnmchuo/coin-advisor/internal/provider/gemini"
	"github.com/vnmchuo/coin-advisor/internal/provider/openai"
	"github.com/vnmchuo/coin-advisor/internal/seeder"
	"github.com/vnmchuo/coin-advisor/internal/telemetry"
	"github.com/vnmchuo/coin-advisor/internal/tokenizer"
	"github.com/vnmchuo/coin-advisor/internal/worker"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init logging
	log, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("advisor stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("coin-advisor", cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("coin-advisor")

	// 4. Open ledger and charge log
	ctx := context.Background()
	wallet, charges, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	// 5. Bootstrap users
	authn := auth.New(cfg.Users)
	if err := seeder.SeedUsers(ctx, wallet, authn.Usernames(), cfg.StartBalanceUSD, log); err != nil {
		return err
	}

	// 6. Init providers
	var providers []provider.Provider
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(cfg.GeminiAPIKey, cfg.GeminiBaseURL))
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set; gemini models are unavailable")
	}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set; openai models are unavailable")
	}
	gw := gateway.New(providers, cfg.GatewayTimeout, tracer, log)

	// 7. Charge recorder
	queue := worker.NewChargeQueue(charges, 256, log)
	queue.Start(ctx)
	defer queue.Close()

	// 8. Orchestrator
	policy, err := advisor.ParseUsagePolicy(cfg.MissingUsagePolicy)
	if err != nil {
		return err
	}
	prices := pricing.DefaultTable()
	svc := advisor.New(advisor.Deps{
		Auth:     authn,
		Gateway:  gw,
		Counter:  tokenizer.New(log),
		Prices:   prices,
		Ledger:   wallet,
		Charges:  charges,
		Recorder: queue,
		Tracer:   tracer,
		Log:      log,
	}, advisor.Config{
		ExpectedOutputTokens: cfg.ExpectedOutputTokens,
		MissingUsage:         policy,
	})

	// 9. HTTP
	handler := httpapi.NewHandler(svc, prices, gw.Providers())
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.NewRouter(handler, log, httpapi.RouterOptions{Metrics: cfg.MetricsEnabled}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.GatewayTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("ledger", cfg.LedgerBackend).Msg("coin advisor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// openStores builds the ledger and the charge log on the configured backend.
// Both share one connection; the returned func releases it.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ledger.Store, billing.Store, func(), error) {
	switch cfg.LedgerBackend {
	case config.BackendMemory:
		log.Warn().Msg("memory ledger: balances reset on restart")
		return ledger.NewMemoryStore(), billing.NewMemoryStore(), func() {}, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		log.Info().Msg("PostgreSQL connected")

		wallet := ledger.NewPostgresStore(pool, log)
		charges := billing.NewPostgresStore(pool)
		if err := wallet.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := charges.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return wallet, charges, pool.Close, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		log.Info().Msg("Redis connected")

		wallet := ledger.NewRedisStore(rdb, log)
		return wallet, billing.NewRedisStore(rdb), func() { _ = wallet.Close() }, nil

	default:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite opened")

		wallet := ledger.NewSQLiteStore(sqlDB, log)
		charges := billing.NewSQLiteStore(sqlDB)
		if err := wallet.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, nil, err
		}
		if err := charges.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, nil, err
		}
		return wallet, charges, func() { _ = wallet.Close() }, nil
	}
}
