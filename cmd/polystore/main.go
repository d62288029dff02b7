package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	adminpkg "polystore/pkg/admin"
	"polystore/pkg/config"
	"polystore/pkg/engine"
	"polystore/pkg/gateway"
	"polystore/pkg/metadata"
	"polystore/pkg/obs/metrics"
	"polystore/pkg/obs/tracing"
	"polystore/pkg/storage"
)

var version = "0.0.1-dev"
var ready atomic.Bool

func main() {
	// Load config from POLYSTORE_CONFIG or ./config.yaml; defaults otherwise.
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	// Ensure data and metadata directories exist.
	if err := config.EnsureDirs(cfg); err != nil {
		slog.Error("failed to ensure dirs", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize tracing (OpenTelemetry)
	traceShutdown, terr := tracing.Init(context.Background(), tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if terr != nil {
		slog.Warn("tracing init failed", slog.String("error", terr.Error()))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Metrics: Prometheus /metrics endpoint and HTTP instrumentation
	m := metrics.New()
	mux.Handle("/metrics", m.Handler())
	sm := metrics.NewStorageMetrics(m.Registry())

	// Stores: object records on one tree, blob payloads on another
	meta, err := metadata.NewFSStore(cfg.MetaDir)
	if err != nil {
		slog.Error("init metadata store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	blobs, err := storage.NewBlobStore(cfg.DataDir)
	if err != nil {
		slog.Error("init blob store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	blobs.SetObserver(sm)

	eng := engine.New(meta, blobs)
	m.RegisterSessionGauge(func() int { return eng.Sessions().Stats().Active })

	handler := http.Handler(gateway.New(eng))
	if cfg.Gzip {
		handler = gateway.Gzip(handler)
	}
	handler = tracing.Middleware(handler)
	handler = m.Middleware(handler, gateway.Protocol)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background sweep of idle upload sessions
	var gcStop context.CancelFunc
	gcInterval := config.Duration(cfg.Sessions.GCInterval, 5*time.Minute)
	idleTimeout := config.Duration(cfg.Sessions.IdleTimeout, 30*time.Minute)
	gcStop = adminpkg.StartSessionGC(context.Background(), eng.Sessions(), gcInterval, idleTimeout, slog.Default())
	slog.Info("session GC enabled",
		slog.String("interval", gcInterval.String()),
		slog.String("idleTimeout", idleTimeout.String()),
	)

	// Consistency scrubber, controlled by config
	var scrub *adminpkg.Scrubber
	if cfg.Scrubber.Enabled {
		scrub = adminpkg.NewScrubber(meta, blobs, adminpkg.ScrubConfig{
			Interval:        config.Duration(cfg.Scrubber.Interval, time.Hour),
			Grace:           config.Duration(cfg.Scrubber.Grace, 10*time.Minute),
			VerifyChecksums: cfg.Scrubber.VerifyChecksums,
		})
		if err := scrub.Start(context.Background()); err != nil {
			slog.Warn("scrubber start failed", slog.String("error", err.Error()))
		}
	}

	// Optional Admin server on separate port
	var adminSrv *http.Server
	if cfg.AdminAddress != "" {
		adminMux := http.NewServeMux()
		// /admin/health: reports liveness and readiness along with version and listen address
		adminMux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			resp := map[string]any{
				"status":    "ok",
				"ready":     ready.Load(),
				"version":   version,
				"address":   cfg.Address,
				"admin":     cfg.AdminAddress,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			_ = json.NewEncoder(w).Encode(resp)
		})
		// /admin/version: returns version info
		adminMux.HandleFunc("/admin/version", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			resp := map[string]string{
				"version":   version,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			_ = json.NewEncoder(w).Encode(resp)
		})
		// POST /admin/gc/sessions?olderThan=30m
		adminMux.Handle("/admin/gc/sessions", adminpkg.NewSessionGCHandler(eng.Sessions()))
		// Scrubber controls: GET /admin/scrub/stats, POST /admin/scrub/runonce
		adminMux.Handle("/admin/scrub/stats", adminpkg.NewScrubberStatsHandler(scrub))
		adminMux.Handle("/admin/scrub/runonce", adminpkg.NewScrubberRunOnceHandler(scrub))

		adminSrv = &http.Server{
			Addr:         cfg.AdminAddress,
			Handler:      adminMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
		go func() {
			slog.Info("admin listening", slog.String("addr", cfg.AdminAddress))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("admin server error", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}()
	}

	go func() {
		ready.Store(true)
		slog.Info("polystore listening", slog.String("version", version), slog.String("addr", cfg.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", slog.String("error", err.Error()))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			slog.Error("admin shutdown error", slog.String("error", err.Error()))
		}
	}
	if gcStop != nil {
		gcStop()
	}
	if scrub != nil {
		_ = scrub.Stop(ctx)
	}
	// Abort any in-flight upload sessions so staging files are removed
	eng.Sessions().Sweep(0)
	if err := traceShutdown(ctx); err != nil {
		slog.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	slog.Info("polystore stopped")
}
