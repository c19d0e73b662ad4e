package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

// RegistryConfig holds configuration for the agent registry.
type RegistryConfig struct {
	// HeartbeatTimeout is how long an agent may stay silent before the
	// sweeper marks it unresponsive.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`

	// SweepInterval is the period of RunSweeper.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// DefaultReputation is assigned when registration gives none.
	DefaultReputation float64 `json:"default_reputation" yaml:"default_reputation"`

	// ReputationSmoothing is the weight of a new confidence sample in the
	// reputation moving average.
	ReputationSmoothing float64 `json:"reputation_smoothing" yaml:"reputation_smoothing"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatTimeout:    2 * time.Minute,
		SweepInterval:       30 * time.Second,
		DefaultReputation:   0.5,
		ReputationSmoothing: 0.1,
	}
}

// Metrics receives agent gauges after commit.
type Metrics interface {
	RecordAgentLoad(agent string, load int)
	RecordAgentReputation(agent string, score float64)
}

// RegisterRequest describes a new agent.
type RegisterRequest struct {
	Name               string   `json:"name"`
	Capabilities       []string `json:"capabilities"`
	Specializations    []string `json:"specializations,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	// Reputation defaults to RegistryConfig.DefaultReputation.
	Reputation *float64 `json:"reputation,omitempty"`
}

// Registry is the Agent Registry: profiles, availability and load.
type Registry struct {
	runner  *unit.Runner
	config  RegistryConfig
	metrics Metrics
	logger  *zap.Logger

	// lastSweep 最近一次成功清扫的时间（UnixNano），0 表示清扫器未运行
	lastSweep atomic.Int64
}

// NewRegistry creates an agent registry. metrics may be nil.
func NewRegistry(runner *unit.Runner, config RegistryConfig, metrics Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultRegistryConfig()
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.DefaultReputation < 0 || config.DefaultReputation > 1 {
		config.DefaultReputation = defaults.DefaultReputation
	}
	if config.ReputationSmoothing <= 0 || config.ReputationSmoothing > 1 {
		config.ReputationSmoothing = defaults.ReputationSmoothing
	}
	return &Registry{
		runner:  runner,
		config:  config,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "agent_registry")),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() RegistryConfig { return r.config }

// Register adds a new agent in the Idle state.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*types.AgentProfile, error) {
	caps, err := types.NewCapabilitySet(req.Capabilities...)
	if err != nil {
		return nil, err
	}
	specs, err := types.NewCapabilitySet(req.Specializations...)
	if err != nil {
		return nil, err
	}
	reputation := r.config.DefaultReputation
	if req.Reputation != nil {
		reputation = *req.Reputation
	}

	profile := &types.AgentProfile{
		Name:               req.Name,
		Capabilities:       caps,
		Specializations:    specs,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Status:             types.AgentIdle,
		ReputationScore:    reputation,
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	err = r.runner.Do(ctx, "agent.register", []string{unit.AgentKey(req.Name)}, func(u *unit.Unit) error {
		if _, err := u.Tx.GetAgent(req.Name); err == nil {
			return types.ValidationError("agent %s is already registered", req.Name)
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}
		profile.RegisteredAt = u.Now
		profile.LastHeartbeat = u.Now
		if err := u.Tx.InsertAgent(profile); err != nil {
			return err
		}
		u.Emit(events.AgentRegistered, req.Name, "", map[string]any{
			"capabilities":         []string(caps),
			"max_concurrent_tasks": req.MaxConcurrentTasks,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent registered",
		zap.String("agent", profile.Name),
		zap.Strings("capabilities", profile.Capabilities),
		zap.Int64("registration_order", profile.ID),
	)
	return profile, nil
}

// Heartbeat records liveness. An unresponsive agent becomes available again.
func (r *Registry) Heartbeat(ctx context.Context, name string) (*types.AgentProfile, error) {
	var out *types.AgentProfile
	err := r.runner.Do(ctx, "agent.heartbeat", []string{unit.AgentKey(name)}, func(u *unit.Unit) error {
		agent, err := LoadAgent(u.Tx, name)
		if err != nil {
			return err
		}
		agent.LastHeartbeat = u.Now
		if agent.Status == types.AgentUnresponsive {
			r.setStatus(u, agent, statusForLoad(agent.CurrentLoad), "heartbeat")
		}
		if err := u.Tx.UpdateAgent(agent); err != nil {
			return err
		}
		out = agent
		return nil
	})
	return out, err
}

// SetStatus changes the administrative status. Idle and Active are both
// normalized to what the current load implies.
func (r *Registry) SetStatus(ctx context.Context, name string, status types.AgentStatus) (*types.AgentProfile, error) {
	if !status.Valid() {
		return nil, types.ValidationError("unknown agent status %q", status)
	}
	var out *types.AgentProfile
	err := r.runner.Do(ctx, "agent.set_status", []string{unit.AgentKey(name)}, func(u *unit.Unit) error {
		agent, err := LoadAgent(u.Tx, name)
		if err != nil {
			return err
		}
		next := status
		if next == types.AgentIdle || next == types.AgentActive {
			next = statusForLoad(agent.CurrentLoad)
		}
		r.setStatus(u, agent, next, "admin")
		if err := u.Tx.UpdateAgent(agent); err != nil {
			return err
		}
		out = agent
		return nil
	})
	return out, err
}

// AdjustReputation adds delta to the reputation, clamped to [0, 1].
func (r *Registry) AdjustReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error) {
	var out *types.AgentProfile
	err := r.runner.Do(ctx, "agent.adjust_reputation", []string{unit.AgentKey(name)}, func(u *unit.Unit) error {
		agent, err := LoadAgent(u.Tx, name)
		if err != nil {
			return err
		}
		r.setReputation(u, agent, agent.ReputationScore+delta)
		if err := u.Tx.UpdateAgent(agent); err != nil {
			return err
		}
		out = agent
		return nil
	})
	return out, err
}

// Get returns one profile.
func (r *Registry) Get(ctx context.Context, name string) (*types.AgentProfile, error) {
	var out *types.AgentProfile
	err := r.runner.Read(ctx, "agent.get", func(tx persistence.Tx) error {
		var err error
		out, err = LoadAgent(tx, name)
		return err
	})
	return out, err
}

// List returns every profile in registration order.
func (r *Registry) List(ctx context.Context) ([]*types.AgentProfile, error) {
	var out []*types.AgentProfile
	err := r.runner.Read(ctx, "agent.list", func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListAgents()
		return err
	})
	return out, err
}

// Snapshot returns the agents currently able to take work.
func (r *Registry) Snapshot(ctx context.Context) ([]*types.AgentProfile, error) {
	var out []*types.AgentProfile
	err := r.runner.Read(ctx, "agent.snapshot", func(tx persistence.Tx) error {
		var err error
		out, err = AvailableAgents(tx)
		return err
	})
	return out, err
}

// Match ranks the available agents against required.
func (r *Registry) Match(ctx context.Context, required types.CapabilitySet) ([]Candidate, error) {
	agents, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(required, agents), nil
}

// SweepUnresponsive marks agents whose last heartbeat is older than the
// timeout as unresponsive and returns their names.
func (r *Registry) SweepUnresponsive(ctx context.Context, now time.Time) ([]string, error) {
	stale := func(tx persistence.Tx) ([]string, error) {
		agents, err := tx.ListAgents()
		if err != nil {
			return nil, err
		}
		var keys []string
		for _, a := range agents {
			if (a.Status == types.AgentIdle || a.Status == types.AgentActive) &&
				now.Sub(a.LastHeartbeat) > r.config.HeartbeatTimeout {
				keys = append(keys, unit.AgentKey(a.Name))
			}
		}
		return keys, nil
	}

	var swept []string
	err := r.runner.DoResolved(ctx, "agent.sweep", stale, func(u *unit.Unit) error {
		swept = swept[:0]
		agents, err := u.Tx.ListAgents()
		if err != nil {
			return err
		}
		for _, a := range agents {
			if (a.Status != types.AgentIdle && a.Status != types.AgentActive) ||
				now.Sub(a.LastHeartbeat) <= r.config.HeartbeatTimeout {
				continue
			}
			r.setStatus(u, a, types.AgentUnresponsive, "heartbeat timeout")
			if err := u.Tx.UpdateAgent(a); err != nil {
				return err
			}
			swept = append(swept, a.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(swept) > 0 {
		r.logger.Warn("agents marked unresponsive", zap.Strings("agents", swept))
	}
	return swept, nil
}

// RunSweeper sweeps periodically until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("heartbeat sweeper started", zap.Duration("interval", r.config.SweepInterval))
	r.lastSweep.Store(time.Now().UnixNano())
	defer r.lastSweep.Store(0)
	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepUnresponsive(ctx, r.runner.Now()); err != nil {
				r.logger.Error("heartbeat sweep failed", zap.Error(err))
				continue
			}
			r.lastSweep.Store(time.Now().UnixNano())
		case <-ctx.Done():
			r.logger.Info("heartbeat sweeper stopped")
			return
		}
	}
}

// LastSweep returns when RunSweeper last completed a sweep, or the zero time
// when no sweeper is running.
func (r *Registry) LastSweep() time.Time {
	ns := r.lastSweep.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SweepInterval is the period of RunSweeper.
func (r *Registry) SweepInterval() time.Duration { return r.config.SweepInterval }

// =============================================================================
// Transaction helpers
// =============================================================================

// LoadAgent reads an agent, reporting NOT_FOUND by name.
func LoadAgent(tx persistence.Tx, name string) (*types.AgentProfile, error) {
	agent, err := tx.GetAgent(name)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.NotFoundError("agent", name)
	}
	return agent, err
}

// AvailableAgents lists the agents able to take work, in registration order.
func AvailableAgents(tx persistence.Tx) ([]*types.AgentProfile, error) {
	all, err := tx.ListAgents()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Available() {
			out = append(out, a)
		}
	}
	return out, nil
}

// Reserve adds one task to the agent's load within the unit.
func (r *Registry) Reserve(u *unit.Unit, name string) (*types.AgentProfile, error) {
	agent, err := LoadAgent(u.Tx, name)
	if err != nil {
		return nil, err
	}
	switch agent.Status {
	case types.AgentOffline, types.AgentUnresponsive, types.AgentBlocked:
		return nil, types.ValidationError("agent %s is %s and cannot take work", name, agent.Status)
	}
	if agent.CurrentLoad >= agent.MaxConcurrentTasks {
		return nil, types.Errorf(types.ErrCapacityExceeded, "agent %s is at capacity (%d/%d)",
			name, agent.CurrentLoad, agent.MaxConcurrentTasks)
	}
	agent.CurrentLoad++
	if agent.Status == types.AgentIdle {
		r.setStatus(u, agent, types.AgentActive, "reserve")
	}
	if err := u.Tx.UpdateAgent(agent); err != nil {
		return nil, err
	}
	r.afterLoadChange(u, agent)
	return agent, nil
}

// Release removes one task from the agent's load within the unit. Unknown
// agents are ignored.
func (r *Registry) Release(u *unit.Unit, name string) error {
	if name == "" {
		return nil
	}
	agent, err := LoadAgent(u.Tx, name)
	if types.IsCode(err, types.ErrNotFound) {
		r.logger.Warn("releasing load of unknown agent", zap.String("agent", name))
		return nil
	}
	if err != nil {
		return err
	}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	if agent.CurrentLoad == 0 && agent.Status == types.AgentActive {
		r.setStatus(u, agent, types.AgentIdle, "release")
	}
	if err := u.Tx.UpdateAgent(agent); err != nil {
		return err
	}
	r.afterLoadChange(u, agent)
	return nil
}

// RecordOutcome folds a self-reported confidence into the agent's reputation.
func (r *Registry) RecordOutcome(u *unit.Unit, name string, confidence float64) error {
	agent, err := LoadAgent(u.Tx, name)
	if err != nil {
		return err
	}
	s := r.config.ReputationSmoothing
	r.setReputation(u, agent, (1-s)*agent.ReputationScore+s*confidence)
	return u.Tx.UpdateAgent(agent)
}

func (r *Registry) setStatus(u *unit.Unit, agent *types.AgentProfile, status types.AgentStatus, reason string) {
	if agent.Status == status {
		return
	}
	u.Emit(events.AgentStatusChanged, agent.Name, "", map[string]any{
		"from":   string(agent.Status),
		"to":     string(status),
		"reason": reason,
	})
	agent.Status = status
}

func (r *Registry) setReputation(u *unit.Unit, agent *types.AgentProfile, score float64) {
	prev := agent.ReputationScore
	agent.ReputationScore = types.ClampScore(score)
	u.Emit(events.AgentReputation, agent.Name, "", map[string]any{
		"from": prev,
		"to":   agent.ReputationScore,
	})
	if r.metrics != nil {
		name, rep := agent.Name, agent.ReputationScore
		u.AfterCommit(func(context.Context) { r.metrics.RecordAgentReputation(name, rep) })
	}
}

func (r *Registry) afterLoadChange(u *unit.Unit, agent *types.AgentProfile) {
	if r.metrics == nil {
		return
	}
	name, load := agent.Name, agent.CurrentLoad
	u.AfterCommit(func(context.Context) { r.metrics.RecordAgentLoad(name, load) })
}

func statusForLoad(load int) types.AgentStatus {
	if load > 0 {
		return types.AgentActive
	}
	return types.AgentIdle
}
