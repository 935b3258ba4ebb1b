package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/AidBox/config"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/services/escalator"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

// workerStats is the escalator counters plus the pending backlog it works down.
type workerStats struct {
	escalator.Stats
	PendingTotal      int64                     `json:"pendingTotal"`
	PendingByPriority map[models.Priority]int64 `json:"pendingByPriority,omitempty"`
	BacklogError      string                    `json:"backlogError,omitempty"`
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	escalator *escalator.Escalator
	cfg       *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.escalator == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "escalator not wired"})
			return
		}
		out := workerStats{Stats: opts.escalator.Stats()}
		backlog, err := opts.escalator.Backlog(r.Context())
		if err != nil {
			slog.Warn("pending backlog count failed", "err", err)
			out.BacklogError = err.Error()
		}
		out.PendingByPriority = backlog
		for _, n := range backlog {
			out.PendingTotal += n
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config not wired"})
			return
		}
		// без секретов, только рабочие настройки воркера
		ab := opts.cfg.AidBox
		pc := plannerConfig(ab)
		out := map[string]any{
			"pollIntervalSeconds":          ab.WorkerPollIntervalSeconds,
			"batchSize":                    ab.WorkerBatchSize,
			"concurrency":                  ab.WorkerConcurrency,
			"leaseSeconds":                 ab.WorkerLeaseSeconds,
			"escalationRateLimitPerMinute": ab.EscalationRateLimitPerMinute,
			"criticalAfterSeconds":         int(pc.CriticalAfter.Seconds()),
			"highAfterSeconds":             int(pc.HighAfter.Seconds()),
			"normalAfterSeconds":           int(pc.NormalAfter.Seconds()),
			"backoffSeconds": []int{
				int(pc.Backoff1.Seconds()), int(pc.Backoff2.Seconds()),
				int(pc.Backoff3.Seconds()), int(pc.Backoff4.Seconds()),
			},
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.escalator == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "escalator not wired"})
			return
		}
		opts.escalator.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
