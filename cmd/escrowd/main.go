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
	"strings"
	"syscall"
	"time"

	"escrowsim/config"
	"escrowsim/core/events"
	"escrowsim/native/escrow"
	"escrowsim/native/ledger"
	"escrowsim/observability"
	"escrowsim/observability/logging"
	telemetry "escrowsim/observability/otel"
	"escrowsim/rpc"
)

const (
	serviceName       = "escrowd"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "./escrowd.toml", "path to the TOML or YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(serviceName, cfg.Environment, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(cfg.Telemetry.Endpoint) != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetryHeaders(cfg.Telemetry, os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	metrics := observability.NewMetrics()
	l := ledger.New()
	l.SetEmitter(metrics)
	if err := fundGenesis(l, cfg.Accounts); err != nil {
		return err
	}
	registry := escrow.NewRegistry(escrow.LedgerBank(l))
	registry.SetEmitter(events.Multi{metrics, newLogEmitter(logger)})

	server := rpc.NewServer(l, registry,
		rpc.WithAuthenticator(rpc.NewAuthenticator(cfg.AuthSecret)),
		rpc.WithRateLimiter(rpc.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.TrustProxyHeaders)),
		rpc.WithMetrics(metrics),
		rpc.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("component", "rpc"),
			slog.String("address", cfg.ListenAddress),
			slog.Bool("auth", cfg.AuthSecret != ""),
			slog.Int("accounts", len(cfg.Accounts)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// telemetryHeaders merges OTLP headers from the environment with the
// configured ones. Configured keys win.
func telemetryHeaders(cfg config.Telemetry, env string) map[string]string {
	headers := telemetry.ParseHeaders(env)
	for key, value := range cfg.Headers {
		headers[key] = value
	}
	return headers
}

// fundGenesis opens every configured account with its opening balance.
func fundGenesis(l *ledger.Ledger, accounts []config.GenesisAccount) error {
	for _, acct := range accounts {
		amount, err := acct.Amount()
		if err != nil {
			return fmt.Errorf("genesis account %s: %w", acct.ID, err)
		}
		if err := l.CreateAccount(acct.ID, amount); err != nil {
			return fmt.Errorf("genesis account %s: %w", acct.ID, err)
		}
	}
	return nil
}

// logEmitter writes contract lifecycle events to the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func newLogEmitter(logger *slog.Logger) logEmitter {
	return logEmitter{logger: logger}
}

func (e logEmitter) Emit(evt events.Event) {
	record, ok := evt.(events.Record)
	if !ok {
		return
	}
	e.logger.Info("escrow event",
		slog.String("component", "escrow"),
		slog.String("reason", record.Type),
		slog.String("escrow", record.Attributes["id"]),
		slog.String("actor", record.Attributes["actor"]),
		slog.String("state", record.Attributes["state"]),
		slog.String("amount", record.Attributes["amount"]),
	)
}
