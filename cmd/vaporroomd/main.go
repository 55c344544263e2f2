// Command vaporroomd runs the ephemeral session exchange server: a
// MemoryStore, a ChunkedUploadAssembler, a RealtimeDispatcher speaking
// msgpack-over-WebSocket, and a CleanupScheduler, wired together and
// served over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vaporroom/vaporroom/internal/adapter"
	"github.com/vaporroom/vaporroom/internal/cleanup"
	"github.com/vaporroom/vaporroom/internal/clock"
	"github.com/vaporroom/vaporroom/internal/config"
	"github.com/vaporroom/vaporroom/internal/health"
	"github.com/vaporroom/vaporroom/internal/logging"
	"github.com/vaporroom/vaporroom/internal/metrics"
	"github.com/vaporroom/vaporroom/internal/realtime"
	"github.com/vaporroom/vaporroom/internal/store"
	"github.com/vaporroom/vaporroom/internal/upload"
)

func main() {
	cfg := config.LoadConfig()
	logger := logging.New(cfg.Env)
	ctx := context.Background()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}()

	clk := clock.NewReal()
	st := store.New(cfg, clk, logger)
	assembler := upload.New(cfg, clk, logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, metrics.Sources{
		SessionCount: st.SessionCount,
		TotalBytes:   st.TotalBytes,
	})

	dispatcher := realtime.New(st, assembler, cfg, clk, logger, m, adapter.Noop{})
	scheduler := cleanup.New(st, assembler, dispatcher, cfg, clk, logger, m)

	schedCtx, cancelSched := context.WithCancel(ctx)
	go scheduler.Run(schedCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", dispatcher.ServeHTTP)
	mux.HandleFunc("/healthz", healthzHandler(st, assembler))

	srv := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server exited unexpectedly", "error", err)
		}
	}()

	go func() {
		logger.Info(ctx, "metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server exited unexpectedly", "error", err)
		}
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()

	logger.Info(ctx, "shutting down")
	Shutdown(srv, metricsSrv, scheduler, cancelSched, logger)
}

// Shutdown drains both HTTP listeners and stops the cleanup scheduler.
// No session:expired event is sent on shutdown — session:expired is a
// TTL/eviction event only, never a process-lifecycle one. The store lives
// only in process memory, so every session is gone once the process exits
// and a restart begins with a fresh, empty store.
func Shutdown(srv, metricsSrv *http.Server, scheduler *cleanup.Scheduler, cancelSched context.CancelFunc, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "metrics server graceful shutdown failed, forcing close", "error", err)
		_ = metricsSrv.Close()
	}

	cancelSched()
	scheduler.Stop()
}

func healthzHandler(st *store.MemoryStore, assembler *upload.Assembler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := health.Aggregate(r.Context(), st, assembler)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "check": name, "error": err.Error()})
			return
		}

		stats := st.StatsSnapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"sessionCount": stats.SessionCount,
			"fileCount":    stats.FileCount,
			"totalBytes":   stats.TotalBytes,
			"maxBytes":     stats.MaxTotalBytes,
		})
	}
}
