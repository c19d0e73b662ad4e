package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
)

func readyStatus(t *testing.T, h *HealthHandler) (int, ReadyStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status ReadyStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func passing(context.Context) error { return nil }

func TestHealthHandler_HandleLive(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewPingCheck("store", failing("down")), true)

	w := httptest.NewRecorder()
	h.HandleLive(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// 存活探针不跑依赖检查
	assert.Equal(t, http.StatusOK, w.Code)
	var status LiveStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "alive", status.Status)
	assert.NotEmpty(t, status.Uptime)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*HealthHandler)
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no checks",
			setup:      func(*HealthHandler) {},
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
		},
		{
			name: "all pass",
			setup: func(h *HealthHandler) {
				h.RegisterCheck(NewPingCheck("store", passing), true)
				h.RegisterCheck(NewPingCheck("mongo", passing), false)
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
		},
		{
			name: "optional check fails",
			setup: func(h *HealthHandler) {
				h.RegisterCheck(NewPingCheck("store", passing), true)
				h.RegisterCheck(NewPingCheck("mongo", failing("no reachable servers")), false)
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name: "critical check fails",
			setup: func(h *HealthHandler) {
				h.RegisterCheck(NewPingCheck("store", failing("connection refused")), true)
				h.RegisterCheck(NewPingCheck("mongo", failing("no reachable servers")), false)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(nil)
			tt.setup(h)

			code, status := readyStatus(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status.Status)
			for name, res := range status.Checks {
				assert.NotEmpty(t, res.Latency, name)
				if res.Status == "fail" {
					assert.NotEmpty(t, res.Message, name)
				}
			}
		})
	}
}

func TestBacklogCheck(t *testing.T) {
	pending := 0
	check := NewBacklogCheck("event_queue", func() (int, int) { return pending, 10 }, 0.9)
	ctx := context.Background()

	assert.NoError(t, check.Check(ctx))
	pending = 8
	assert.NoError(t, check.Check(ctx))
	pending = 9
	assert.EqualError(t, check.Check(ctx), "backlog 9/10")
}

func TestFreshnessCheck(t *testing.T) {
	var last time.Time
	check := NewFreshnessCheck("sweeper", func() time.Time { return last }, time.Minute)
	ctx := context.Background()

	assert.EqualError(t, check.Check(ctx), "not running")
	last = time.Now().Add(-10 * time.Second)
	assert.NoError(t, check.Check(ctx))
	last = time.Now().Add(-5 * time.Minute)
	assert.Error(t, check.Check(ctx))
}

// Readiness of a running orchestrator: store ping, event queue and sweeper.
func TestHealthHandler_OrchestratorChecks(t *testing.T) {
	emitter := events.NewEmitter(events.EmitterConfig{BufferSize: 8}, nil, zap.NewNop())
	t.Cleanup(func() { _ = emitter.Close(context.Background()) })
	mesh := agentmesh.New(persistence.NewMemoryStore(), agentmesh.WithPublisher(emitter))
	t.Cleanup(func() { _ = mesh.Close() })

	h := NewHealthHandler(nil)
	h.RegisterCheck(NewPingCheck("store", mesh.Ping), true)
	h.RegisterCheck(NewBacklogCheck("event_queue", emitter.Backlog, 0.9), false)
	h.RegisterCheck(NewFreshnessCheck("sweeper", mesh.LastSweep, 3*mesh.SweepInterval()), false)

	code, status := readyStatus(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "fail", status.Checks["sweeper"].Status)
	assert.Equal(t, "pass", status.Checks["store"].Status)
	assert.Equal(t, "pass", status.Checks["event_queue"].Status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mesh.RunSweeper(ctx)
	}()
	require.Eventually(t, func() bool { return !mesh.LastSweep().IsZero() }, time.Second, 5*time.Millisecond)

	code, status = readyStatus(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusReady, status.Status)

	cancel()
	<-done
	assert.True(t, mesh.LastSweep().IsZero())

	require.NoError(t, mesh.Close())
	code, status = readyStatus(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusNotReady, status.Status)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(nil)
	w := httptest.NewRecorder()
	h.HandleVersion("1.2.0", "2026-10-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp envelope[map[string]string]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "1.2.0", resp.Data["version"])
	assert.Equal(t, "abc123", resp.Data["git_commit"])
}
