// Package health serves liveness, readiness and metrics endpoints for a
// running pipeline.
//
// A pipeline whose worker failed is "degraded", not unhealthy: video keeps
// flowing in manual visual mode. Only a stopped capture is "unhealthy".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/maskflow"
	"github.com/e7canasta/maskflow/internal/supervisor"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Provider is the part of maskflow.Pipeline the endpoints read.
type Provider interface {
	Stats() maskflow.Stats
}

// Status represents the health state of the pipeline
type Status struct {
	Status         string    `json:"status"`
	SessionID      string    `json:"session_id"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	CaptureRunning bool      `json:"capture_running"`
	CaptureFPS     float64   `json:"capture_fps"`
	WorkerState    string    `json:"worker_state"`
	WorkerReason   string    `json:"worker_reason,omitempty"`
	MaskWrites     uint64    `json:"mask_writes"`
	LastMaskAt     time.Time `json:"last_mask_at,omitempty"`
	FramesDropped  uint64    `json:"frames_dropped"`
}

// Check computes the current health status
func Check(p Provider) Status {
	s := p.Stats()

	status := Status{
		Status:         StatusHealthy,
		SessionID:      s.SessionID,
		UptimeSeconds:  int64(s.Uptime.Seconds()),
		CaptureRunning: s.Capture.IsRunning,
		CaptureFPS:     s.Capture.FPSReal,
		WorkerState:    s.Worker.State.String(),
		WorkerReason:   s.Worker.Reason,
		MaskWrites:     s.Mask.Writes,
		LastMaskAt:     s.Mask.LastWriteAt,
		FramesDropped:  s.Pump.Dropped,
	}

	switch {
	case !s.Capture.IsRunning:
		status.Status = StatusUnhealthy
	case s.Worker.State != supervisor.Ready:
		status.Status = StatusDegraded
	}
	return status
}

// NewHandler registers /health, /readiness and /metrics.
func NewHandler(p Provider) http.Handler {
	mux := http.NewServeMux()
	started := time.Now()

	// Liveness: if we can execute this code, we're alive
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "alive",
			"uptime": int64(time.Since(started).Seconds()),
		})
	})

	// Readiness: degraded is still ready
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		status := Check(p)
		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s := p.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)

		ready := 0
		if s.Worker.State == supervisor.Ready {
			ready = 1
		}
		fmt.Fprintf(w, "maskflow_uptime_seconds %d\n", int64(s.Uptime.Seconds()))
		fmt.Fprintf(w, "maskflow_capture_frames_total %d\n", s.Capture.FrameCount)
		fmt.Fprintf(w, "maskflow_capture_fps %.2f\n", s.Capture.FPSReal)
		fmt.Fprintf(w, "maskflow_worker_ready %d\n", ready)
		fmt.Fprintf(w, "maskflow_pump_ticks_total %d\n", s.Pump.Ticks)
		fmt.Fprintf(w, "maskflow_pump_submitted_total %d\n", s.Pump.Submitted)
		fmt.Fprintf(w, "maskflow_pump_completed_total %d\n", s.Pump.Completed)
		fmt.Fprintf(w, "maskflow_pump_dropped_total %d\n", s.Pump.Dropped)
		fmt.Fprintf(w, "maskflow_pump_failed_total %d\n", s.Pump.Failed)
		fmt.Fprintf(w, "maskflow_pump_skipped_total{reason=\"busy\"} %d\n", s.Pump.SkippedBusy)
		fmt.Fprintf(w, "maskflow_pump_skipped_total{reason=\"no_frame\"} %d\n", s.Pump.SkippedNotReady)
		fmt.Fprintf(w, "maskflow_pump_skipped_total{reason=\"worker\"} %d\n", s.Pump.SkippedWorker)
		fmt.Fprintf(w, "maskflow_mask_writes_total %d\n", s.Mask.Writes)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write health response", "error", err)
	}
}

// Server is the health check HTTP server.
type Server struct {
	srv *http.Server
}

// Start serves the endpoints on addr in a goroutine (non-blocking).
func Start(addr string, p Provider) *Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewHandler(p),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return &Server{srv: srv}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
