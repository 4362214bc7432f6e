package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/oto-voiceapi/internal/dotenv"
	"github.com/vango-go/oto-voiceapi/internal/telemetry"
	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/config"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/lease"
	gatewayserver "github.com/vango-go/oto-voiceapi/pkg/gateway/server"
	"github.com/vango-go/oto-voiceapi/pkg/store"
	"github.com/vango-go/oto-voiceapi/pkg/store/postgres"
)

type serverDeps struct {
	loadConfig     func() (config.Config, error)
	openBackends   func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error)
	newGateway     func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	setupTelemetry func(context.Context, bool) (telemetry.ShutdownFunc, error)
	signalNotify   func(chan<- os.Signal, ...os.Signal)
	signalStop     func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig:     config.LoadFromEnv,
		openBackends:   openBackends,
		newGateway:     gatewayserver.New,
		setupTelemetry: telemetry.Setup,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openBackends connects the persistence, lease and detection collaborators.
// Unset URLs and keys select the in-process implementations.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, func(), error) {
	var (
		deps    gatewayserver.Dependencies
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMigrate)
		if err != nil {
			return deps, nil, err
		}
		closers = append(closers, pg.Close)
		deps.Store = pg
	} else {
		logger.Warn("DATABASE_URL not set; conversations are kept in memory")
		deps.Store = store.NewMemory()
	}

	if cfg.RedisURL != "" {
		rm, err := lease.NewRedisManagerFromURL(ctx, cfg.RedisURL, lease.WithTTL(cfg.LeaseTTL))
		if err != nil {
			cleanup()
			return deps, nil, err
		}
		closers = append(closers, func() { _ = rm.Close() })
		deps.Leases = rm
	} else {
		deps.Leases = lease.NewLocal()
	}

	if cfg.GeminiAPIKey != "" {
		reasoner, err := detect.NewGeminiReasoner(ctx, cfg.GeminiAPIKey, cfg.DetectModel)
		if err != nil {
			cleanup()
			return deps, nil, fmt.Errorf("detect: %w", err)
		}
		engine, err := detect.NewLLMEngine(detect.Options{
			Reasoner: reasoner,
			Timeout:  cfg.DetectTimeout,
			Logger:   logger.With("component", "detect"),
		})
		if err != nil {
			cleanup()
			return deps, nil, fmt.Errorf("detect: %w", err)
		}
		deps.Detector = engine
	} else {
		logger.Warn("GEMINI_API_KEY not set; action detection is disabled")
		deps.Detector = detect.Nop{}
	}

	return deps, cleanup, nil
}

func runServer(ctx context.Context, stderr io.Writer, deps serverDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openBackends == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	if deps.setupTelemetry != nil {
		shutdownTracing, err := deps.setupTelemetry(ctx, cfg.TracingEnabled)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn("flush traces", "err", err)
			}
		}()
	}

	backends, closeBackends, err := deps.openBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	if closeBackends != nil {
		defer closeBackends()
	}

	gw := deps.newGateway(cfg, logger, backends)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voice api", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "stt_provider", cfg.STTProvider)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String(), "active_sessions", gw.ActiveSessions(), "conversation_ids", gw.SessionIDs())
	}

	gw.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Shutdown does not track hijacked websocket connections.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer closeCancel()
	if err := gw.CloseSessions(closeCtx); err != nil {
		logger.Warn("finalize sessions on shutdown", "err", err)
	}
	if !gw.WaitSessions(closeCtx) {
		logger.Warn("sessions still running after grace period", "conversation_ids", gw.SessionIDs(), "canceled", gw.CancelSessions())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice api stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "oto-voiceapi: %v\n", err)
		return 1
	}

	if err := runServer(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "oto-voiceapi: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
