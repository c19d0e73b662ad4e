package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// readyTimeout bounds one readiness evaluation.
const readyTimeout = 5 * time.Second

// Readiness states
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck is one dependency probed by /ready.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

type registeredCheck struct {
	check    HealthCheck
	critical bool
}

// HealthHandler serves liveness and readiness of the orchestrator. A failing
// critical check (the store) makes the instance not ready; a failing optional
// check (event sinks, sweeper) only degrades it.
type HealthHandler struct {
	logger  *zap.Logger
	started time.Time

	mu     sync.RWMutex
	checks []registeredCheck
}

// LiveStatus is the /health body.
type LiveStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// ReadyStatus is the /ready body.
type ReadyStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // "pass", "fail"
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		started: time.Now(),
	}
}

// RegisterCheck adds a readiness check.
func (h *HealthHandler) RegisterCheck(check HealthCheck, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registeredCheck{check: check, critical: critical})
}

// HandleLive reports that the process serves requests. Mounted at /health and
// /healthz.
// @Summary Liveness
// @Tags health
// @Produce json
// @Success 200 {object} LiveStatus
// @Router /health [get]
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, LiveStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// HandleReady runs every check concurrently.
// @Summary Readiness
// @Tags health
// @Produce json
// @Success 200 {object} ReadyStatus "ready or degraded"
// @Failure 503 {object} ReadyStatus "a critical check failed"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]registeredCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, rc := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, rc)
			return nil
		})
	}
	_ = g.Wait()

	status := ReadyStatus{
		Status:    StatusReady,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, rc := range checks {
		res := results[i]
		status.Checks[rc.check.Name()] = res
		if res.Status == "pass" {
			continue
		}
		if rc.critical {
			status.Status = StatusNotReady
		} else if status.Status == StatusReady {
			status.Status = StatusDegraded
		}
	}

	code := http.StatusOK
	if status.Status == StatusNotReady {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) run(ctx context.Context, rc registeredCheck) CheckResult {
	start := time.Now()
	err := rc.check.Check(ctx)
	latency := time.Since(start)

	res := CheckResult{Status: "pass", Critical: rc.critical, Latency: latency.String()}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		h.logger.Warn("readiness check failed",
			zap.String("check", rc.check.Name()),
			zap.Bool("critical", rc.critical),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
	return res
}

// HandleVersion 返回构建信息
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 检查实现
// =============================================================================

type funcCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func (c funcCheck) Name() string                    { return c.name }
func (c funcCheck) Check(ctx context.Context) error { return c.fn(ctx) }

// NewPingCheck wraps a ping function (store, mongo) as a check.
func NewPingCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return funcCheck{name: name, fn: ping}
}

// NewBacklogCheck fails when a queue is filled to maxRatio of its capacity or
// more. backlog returns the pending count and the capacity.
func NewBacklogCheck(name string, backlog func() (pending, capacity int), maxRatio float64) HealthCheck {
	return funcCheck{name: name, fn: func(context.Context) error {
		pending, capacity := backlog()
		if capacity > 0 && float64(pending) >= maxRatio*float64(capacity) {
			return fmt.Errorf("backlog %d/%d", pending, capacity)
		}
		return nil
	}}
}

// NewFreshnessCheck fails when last is zero or older than maxAge. It watches
// background loops that stamp their last pass.
func NewFreshnessCheck(name string, last func() time.Time, maxAge time.Duration) HealthCheck {
	return funcCheck{name: name, fn: func(context.Context) error {
		at := last()
		if at.IsZero() {
			return fmt.Errorf("not running")
		}
		if age := time.Since(at); age > maxAge {
			return fmt.Errorf("last pass %s ago, limit %s", age.Round(time.Second), maxAge)
		}
		return nil
	}}
}
