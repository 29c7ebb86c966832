package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunk-player/internal/history"
	"chunk-player/internal/origin"
	"chunk-player/internal/platform/config"
	"chunk-player/internal/platform/logger"
	"chunk-player/internal/platform/metrics"
	"chunk-player/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the origin, the session control API and /metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(opts, so)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.port, "port", config.GetEnv("PORT", "8080"), "listen port")
	f.Float64Var(&so.chunkDuration, "chunk-duration", config.GetEnvFloat("CHUNK_DURATION", 5), "chunk length of the demo catalog in seconds")
	f.StringVar(&so.historyBackend, "history", config.GetEnv("HISTORY_BACKEND", "memory"), "watch history backend (memory, sqlite)")
	f.StringVar(&so.historyPath, "history-path", config.GetEnv("HISTORY_PATH", "history.sqlite"), "SQLite history database path")
	f.IntVar(&so.createLimit, "session-rate-limit", config.GetEnvInt("SESSION_RATE_LIMIT", 30), "session creations per minute per client IP (0 disables)")
	return cmd
}

type serveOptions struct {
	port           string
	chunkDuration  float64
	historyBackend string
	historyPath    string
	createLimit    int
}

func openHistory(backend, path string) (history.Store, func() error, error) {
	switch backend {
	case "memory":
		return history.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		s, err := history.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", backend)
	}
}

func serve(opts *options, so *serveOptions) error {
	log := opts.logger()

	catalog, err := origin.NewCatalog(origin.DemoVideos(so.chunkDuration)...)
	if err != nil {
		return err
	}
	store, closeStore, err := openHistory(so.historyBackend, so.historyPath)
	if err != nil {
		return err
	}
	defer closeStore()

	met := metrics.New()
	client := origin.NewClient(opts.originURL, origin.ClientOptions{
		MaxRetries: opts.maxRetries,
		RetryDelay: opts.retryDelay,
		Logger:     log,
	})
	mgr := session.NewManager(client, store, opts.sessionConfig(), log, met)
	originHandler := origin.NewHandler(catalog, log)
	sessionHandler := session.NewHandler(mgr, store, log).WithCreateLimit(so.createLimit, time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(mgr.Count()) }).ServeHTTP(w, r)
	})
	r.Route("/api", originHandler.Routes)
	sessionHandler.Routes(r)

	addr := ":" + so.port
	srv := &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("server starting",
		"port", so.port,
		"origin_url", opts.originURL,
		"lookahead_chunks", opts.lookahead,
		"retention_percent", opts.retentionPercent,
		"manifest_format", opts.manifestFormat,
		"history_backend", so.historyBackend,
		"log_level", opts.logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		log.Error("server error", "error", err)
		return err
	}

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	mgr.CloseAll(ctx)

	log.Info("server stopped")
	return nil
}
