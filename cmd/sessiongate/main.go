// Command sessiongate exposes an RPC server over one of the module's
// transports: the stdio pipe for subprocess embedding, or the
// session-multiplexed streaming HTTP endpoint. The served RPC methods here
// are a minimal baseline (initialize, ping); embedders swap in their own
// rpcserver.Server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rpckit/sessiongate/eventlog"
	"github.com/rpckit/sessiongate/eventlog/redislog"
	"github.com/rpckit/sessiongate/internal/config"
	"github.com/rpckit/sessiongate/internal/logfile"
	"github.com/rpckit/sessiongate/rpcserver"
	"github.com/rpckit/sessiongate/stdio"
	"github.com/rpckit/sessiongate/streaminghttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sessiongate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = pflag.String("config", "", "path to a TOML config file")
		port         = pflag.Int("port", 0, "HTTP listen port (overrides config)")
		useStdio     = pflag.Bool("stdio", false, "serve over stdin/stdout instead of HTTP")
		logFile      = pflag.String("log-file", "", "log destination path (overrides config)")
		jsonResponse = pflag.Bool("json-response", false, "answer request POSTs with JSON bodies instead of SSE")
		legacySSE    = pflag.Bool("legacy-sse", false, "mount the backward-compatible /sse and /messages endpoints")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Port = *port
	}
	if pflag.CommandLine.Changed("stdio") {
		cfg.Stdio = *useStdio
	}
	if pflag.CommandLine.Changed("log-file") {
		cfg.LogFile = *logFile
	}
	if pflag.CommandLine.Changed("json-response") {
		cfg.JSONResponse = *jsonResponse
	}
	if pflag.CommandLine.Changed("legacy-sse") {
		cfg.LegacySSE = *legacySSE
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var logOut io.Writer = os.Stderr
	if cfg.LogFile != "" {
		lf, err := logfile.Open(cfg.LogFile)
		if err != nil {
			return err
		}
		defer lf.Close()
		logOut = lf
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newBaselineServer()

	if cfg.Stdio {
		h := stdio.NewHandler(srv, stdio.WithLogger(logger))
		if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(logger),
		streaminghttp.WithServerName(cfg.ServerName),
		streaminghttp.WithEndpointPath(cfg.EndpointPath),
		streaminghttp.WithJSONResponseMode(cfg.JSONResponse),
		streaminghttp.WithCloseTimeout(cfg.SessionCloseTimeout.Duration),
	}
	if cfg.LegacySSE {
		opts = append(opts, streaminghttp.WithLegacyEndpoints())
	}
	if cfg.RedisAddr != "" {
		provider, err := redislog.New(redislog.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("event log backend: %w", err)
		}
		defer provider.Close()
		opts = append(opts, streaminghttp.WithEventLogProvider(func(sessionID string) eventlog.Log {
			return provider.ForSession(sessionID)
		}))
	}

	h, err := streaminghttp.New(srv, opts...)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: h}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http.listen", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Duration)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown.sessions.incomplete", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown.http.fail", slog.String("err", err.Error()))
	}
	logger.Info("shutdown.done")
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newBaselineServer builds the stand-in RPC server: enough surface for the
// transport layer to be exercised end to end.
func newBaselineServer() *rpcserver.Mux {
	mux := rpcserver.NewMux()
	mux.Handle("initialize", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{
			"protocolVersion": "2025-06-18",
			"serverInfo":      map[string]string{"name": "sessiongate", "version": "0.1.0"},
			"capabilities":    map[string]any{},
		}, nil
	})
	mux.Handle("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return struct{}{}, nil
	})
	return mux
}
