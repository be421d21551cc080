package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"batpay/config"
	"batpay/core/events"
	"batpay/core/state"
	"batpay/gateway/auth"
	"batpay/gateway/middleware"
	"batpay/gateway/routes"
	"batpay/native/batpay"
	"batpay/observability"
	"batpay/observability/logging"
	"batpay/observability/metrics"
	telemetry "batpay/observability/otel"
	"batpay/storage"
	"batpay/storage/journal"
	"batpay/token"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./batpay.toml", "path to batpayd configuration (toml or yaml)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "batpayd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("BATPAY_ENV"))
	if env == "" {
		env = cfg.Observability.Environment
	}
	logger, logCloser := logging.Setup(cfg.Observability.ServiceName, env, logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	insecure := cfg.Observability.OTLPInsecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	endpoint := cfg.Observability.OTLPEndpoint
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		endpoint = value
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Observability.Metrics && endpoint != "",
		Traces:      cfg.Observability.Tracing,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	operator, err := cfg.LoadOperatorKey()
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	instance := operator.Address()

	db, err := storage.Open(cfg.StorageBackend, cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger storage: %w", err)
	}
	defer db.Close()

	tok, err := token.Open(db)
	if err != nil {
		return fmt.Errorf("open token ledger: %w", err)
	}
	engine, err := batpay.NewEngine(instance, tok, cfg.Params)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	store := state.NewStore(db)
	snapshot, err := store.Load()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if err := engine.Restore(snapshot); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	engine.SetState(store)
	engine.SetTokenBatcher(func() batpay.TokenBatch { return tok.Begin() })

	genesis, err := cfg.GenesisTime()
	if err != nil {
		return fmt.Errorf("parse genesis time: %w", err)
	}
	engine.SetClock(batpay.NewIntervalClock(genesis, cfg.Clock.BlockInterval))
	engine.SetLogger(logger.With(slog.String("component", "engine")))
	engine.SetMetrics(metrics.BatPay())

	jrnl, err := journal.Open(cfg.JournalPath, logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()
	engine.SetEmitter(events.Fanout{jrnl, observability.Events()})
	if err := engine.CheckConservation(); err != nil {
		return fmt.Errorf("ledger failed its conservation check: %w", err)
	}

	nonces, err := auth.NewDBNoncePersistence(db)
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	signatures := auth.NewAuthenticator(cfg.Gateway.SignatureSkew, cfg.Gateway.NonceTTL, 0, time.Now, nonces)
	if err := signatures.HydrateNonces(ctx, time.Now().Add(-cfg.Gateway.NonceTTL)); err != nil {
		return err
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.Observability.ServiceName,
		LogRequests: true,
		Enabled:     cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	router, err := routes.New(routes.Config{
		Engine:        engine,
		Token:         tok,
		Events:        jrnl,
		Signatures:    signatures,
		Bearer:        middleware.NewBearerAuthenticator(cfg.Gateway.Auth, logger),
		RateLimiter:   middleware.NewRateLimiter(cfg.Gateway.RateLimit, logger),
		Observability: obs,
		Idempotency:   middleware.NewIdempotency(jrnl, logger),
		Logger:        logger,
		TokenFaucet:   cfg.Gateway.TokenFaucet,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}
	handler := router
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, cfg.Observability.ServiceName)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadTimeout:       cfg.Gateway.ReadTimeout,
		ReadHeaderTimeout: cfg.Gateway.ReadTimeout,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		IdleTimeout:       cfg.Gateway.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("batpayd listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("instance", instance.Hex()),
			slog.String("storage", cfg.StorageBackend),
			slog.Uint64("height", engine.Height()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
