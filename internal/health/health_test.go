package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/maskflow"
	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/pump"
	"github.com/e7canasta/maskflow/internal/supervisor"
)

type staticProvider struct{ stats maskflow.Stats }

func (p staticProvider) Stats() maskflow.Stats { return p.stats }

func statsWith(running bool, state supervisor.State) maskflow.Stats {
	return maskflow.Stats{
		SessionID: "session-1",
		Uptime:    42 * time.Second,
		Capture:   capture.Stats{IsRunning: running, FPSReal: 29.9, FrameCount: 1000},
		Worker:    supervisor.Status{State: state, Reason: "timeout"},
		Pump:      pump.Stats{Ticks: 2000, Submitted: 300, Dropped: 4},
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		state   supervisor.State
		want    string
	}{
		{"inference running", true, supervisor.Ready, StatusHealthy},
		{"worker initializing", true, supervisor.Initializing, StatusDegraded},
		{"manual visual mode", true, supervisor.Failed, StatusDegraded},
		{"capture stopped", false, supervisor.Ready, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(staticProvider{statsWith(tt.running, tt.state)})
			if got.Status != tt.want {
				t.Errorf("Status = %q, want %q", got.Status, tt.want)
			}
		})
	}
}

func TestReadinessEndpoint(t *testing.T) {
	tests := []struct {
		running  bool
		state    supervisor.State
		wantCode int
	}{
		{true, supervisor.Failed, http.StatusOK},
		{false, supervisor.Ready, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		h := NewHandler(staticProvider{statsWith(tt.running, tt.state)})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))

		if rec.Code != tt.wantCode {
			t.Errorf("running=%v state=%s: code = %d, want %d", tt.running, tt.state, rec.Code, tt.wantCode)
		}
		var body Status
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		if body.SessionID != "session-1" || body.UptimeSeconds != 42 {
			t.Errorf("body = %+v", body)
		}
	}
}

func TestLivenessAndMetrics(t *testing.T) {
	h := NewHandler(staticProvider{statsWith(true, supervisor.Ready)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"alive"`) {
		t.Errorf("/health = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"maskflow_worker_ready 1",
		"maskflow_pump_submitted_total 300",
		"maskflow_pump_dropped_total 4",
		"maskflow_capture_frames_total 1000",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}
