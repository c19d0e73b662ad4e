package handoff

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/knowledge"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

// Handoff outcomes reported to metrics.
const (
	OutcomeCreated     = "created"
	OutcomeUnaddressed = "unaddressed"
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
)

// Metrics records handoff outcomes.
type Metrics interface {
	RecordHandoff(outcome string)
}

// Config holds protocol limits.
type Config struct {
	// MaxContextBytes bounds the knowledge snapshot stored in a package.
	// Larger snapshots are dropped.
	MaxContextBytes int `json:"max_context_bytes" yaml:"max_context_bytes"`

	// MaxTextLength bounds summaries and rejection reasons.
	MaxTextLength int `json:"max_text_length" yaml:"max_text_length"`
}

// DefaultConfig returns the default protocol limits.
func DefaultConfig() Config {
	return Config{
		MaxContextBytes: 256 * 1024,
		MaxTextLength:   types.DefaultMaxTextLength,
	}
}

// CreateRequest proposes a transfer of a task.
type CreateRequest struct {
	TaskCode   string              `json:"task_code"`
	FromAgent  string              `json:"from_agent"`
	Target     types.HandoffTarget `json:"target"`
	Summary    string              `json:"summary,omitempty"`
	Confidence float64             `json:"confidence"`

	// Addressed overrides the reachability check. Nil lets the protocol
	// decide from the current agent pool.
	Addressed *bool `json:"-"`
}

// Protocol creates, accepts and rejects handoff packages.
type Protocol struct {
	runner    *unit.Runner
	agents    *discovery.Registry
	knowledge knowledge.Provider
	metrics   Metrics
	config    Config
	logger    *zap.Logger
}

// NewProtocol creates a handoff protocol. A nil provider disables knowledge
// snapshots.
func NewProtocol(runner *unit.Runner, agents *discovery.Registry, provider knowledge.Provider, metrics Metrics, config Config, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if provider == nil {
		provider = knowledge.Nop
	}
	defaults := DefaultConfig()
	if config.MaxContextBytes <= 0 {
		config.MaxContextBytes = defaults.MaxContextBytes
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = defaults.MaxTextLength
	}
	return &Protocol{
		runner:    runner,
		agents:    agents,
		knowledge: provider,
		metrics:   metrics,
		config:    config,
		logger:    logger.With(zap.String("component", "handoff")),
	}
}

// Create snapshots the task context into a new package and moves the task to
// PendingHandoff.
func (p *Protocol) Create(ctx context.Context, req CreateRequest) (*types.HandoffPackage, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	var out *types.HandoffPackage
	err := p.runner.Do(ctx, "handoff.create", []string{unit.TaskKey(req.TaskCode)}, func(u *unit.Unit) error {
		task, err := tasks.Load(u.Tx, req.TaskCode)
		if err != nil {
			return err
		}
		out, err = p.CreateTx(u, task, req)
		return err
	})
	return out, err
}

// CreateTx creates a package for task inside an existing unit. The task must
// be owned by req.FromAgent; its new state is persisted here.
func (p *Protocol) CreateTx(u *unit.Unit, task *types.Task, req CreateRequest) (*types.HandoffPackage, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	if err := tasks.RequireOwner(task, req.FromAgent); err != nil {
		return nil, err
	}

	addressed := true
	if req.Addressed != nil {
		addressed = *req.Addressed
	} else {
		ok, err := reachable(u.Tx, req.Target)
		if err != nil {
			return nil, err
		}
		addressed = ok
	}

	if err := tasks.Transition(u, task, types.TaskPendingHandoff, req.FromAgent); err != nil {
		return nil, err
	}
	if err := u.Tx.UpdateTask(task); err != nil {
		return nil, err
	}

	pkg := &types.HandoffPackage{
		TaskCode:  task.Code,
		FromAgent: req.FromAgent,
		Target:    req.Target,
		Context: types.HandoffContext{
			Summary:   req.Summary,
			Knowledge: p.snapshot(u.Context(), task.Code),
		},
		Addressed:       addressed,
		ConfidenceScore: req.Confidence,
		CreatedAt:       u.Now,
	}
	if err := u.Tx.InsertHandoff(pkg); err != nil {
		return nil, err
	}

	u.Emit(events.HandoffCreated, req.FromAgent, task.Code, map[string]any{
		"handoff_id": pkg.ID,
		"target":     req.Target.String(),
		"addressed":  addressed,
		"confidence": req.Confidence,
	})

	outcome := OutcomeCreated
	if !addressed {
		outcome = OutcomeUnaddressed
		id, code, target := pkg.ID, task.Code, req.Target.String()
		u.AfterCommit(func(context.Context) {
			p.logger.Warn("handoff has no capable recipient",
				zap.Int64("handoff_id", id),
				zap.String("task_code", code),
				zap.String("target", target),
			)
		})
	}
	p.record(u, outcome)
	return pkg, nil
}

func (p *Protocol) validate(req CreateRequest) error {
	if err := req.Target.Validate(); err != nil {
		return err
	}
	if req.FromAgent == "" {
		return types.ValidationError("from_agent is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return types.ValidationError("confidence %.3f out of range [0,1]", req.Confidence)
	}
	return tasks.CheckText("handoff summary", req.Summary, p.config.MaxTextLength)
}

// reachable reports whether some agent could take a package addressed to
// target right now.
func reachable(tx persistence.Tx, target types.HandoffTarget) (bool, error) {
	if name, ok := target.Agent(); ok {
		if _, err := discovery.LoadAgent(tx, name); err != nil {
			return false, err
		}
		return true, nil
	}
	tag, _ := target.Capability()
	available, err := discovery.AvailableAgents(tx)
	if err != nil {
		return false, err
	}
	for _, a := range available {
		if a.Capabilities.Contains(tag) {
			return true, nil
		}
	}
	return false, nil
}

// snapshot asks the knowledge provider for the task context. Failures and
// oversized bundles produce an empty snapshot.
func (p *Protocol) snapshot(ctx context.Context, code string) []byte {
	bundle, err := p.knowledge.Snapshot(ctx, code)
	if err != nil {
		p.logger.Warn("knowledge snapshot failed", zap.String("task_code", code), zap.Error(err))
		return nil
	}
	if len(bundle) > p.config.MaxContextBytes {
		p.logger.Warn("knowledge snapshot too large, dropped",
			zap.String("task_code", code),
			zap.Int("bytes", len(bundle)),
			zap.Int("limit", p.config.MaxContextBytes),
		)
		return nil
	}
	return bundle
}

// Accept installs agent as the new owner of the package's task.
func (p *Protocol) Accept(ctx context.Context, id int64, agent string) (*types.HandoffPackage, error) {
	if agent == "" {
		return nil, types.ValidationError("accepting agent is required")
	}
	resolve := func(tx persistence.Tx) ([]string, error) {
		pkg, err := load(tx, id)
		if err != nil {
			return nil, err
		}
		keys := []string{unit.HandoffKey(id), unit.TaskKey(pkg.TaskCode), unit.AgentKey(agent)}
		task, err := tasks.Load(tx, pkg.TaskCode)
		if err != nil {
			return nil, err
		}
		if task.HasOwner() {
			keys = append(keys, unit.AgentKey(task.Owner))
		}
		return keys, nil
	}

	var out *types.HandoffPackage
	err := p.runner.DoResolved(ctx, "handoff.accept", resolve, func(u *unit.Unit) error {
		pkg, err := load(u.Tx, id)
		if err != nil {
			return err
		}
		if pkg.Resolved() {
			return types.Errorf(types.ErrAlreadyResolved, "handoff %d already %s", id, pkg.Resolution())
		}
		if name, ok := pkg.Target.Agent(); ok && name != agent {
			return types.Errorf(types.ErrWrongRecipient, "handoff %d is addressed to %s, not %s", id, name, agent)
		}
		profile, err := discovery.LoadAgent(u.Tx, agent)
		if err != nil {
			return err
		}
		if tag, ok := pkg.Target.Capability(); ok && !profile.Capabilities.Contains(tag) {
			return types.Errorf(types.ErrCapabilityMismatch, "agent %s lacks capability %q required by handoff %d", agent, tag, id)
		}

		task, err := tasks.Load(u.Tx, pkg.TaskCode)
		if err != nil {
			return err
		}
		previous := task.Owner
		if err := tasks.TransitionWithPayload(u, task, types.TaskInProgress, agent, map[string]any{
			"handoff_id": id,
			"outcome":    OutcomeAccepted,
		}); err != nil {
			return err
		}
		if previous != agent {
			if err := p.agents.Release(u, previous); err != nil {
				return err
			}
			if _, err := p.agents.Reserve(u, agent); err != nil {
				return err
			}
		}
		task.Owner = agent
		started := u.Now
		task.StepStartedAt = &started
		if err := u.Tx.UpdateTask(task); err != nil {
			return err
		}

		if err := pkg.MarkAccepted(agent, u.Now); err != nil {
			return err
		}
		if err := u.Tx.UpdateHandoff(pkg); err != nil {
			return err
		}
		u.Emit(events.HandoffAccepted, agent, task.Code, map[string]any{
			"handoff_id":     id,
			"previous_owner": previous,
		})
		p.record(u, OutcomeAccepted)

		bundle, code := pkg.Context.Knowledge, task.Code
		u.AfterCommit(func(ctx context.Context) {
			if len(bundle) == 0 {
				return
			}
			if err := p.knowledge.Import(ctx, bundle, code, agent); err != nil {
				p.logger.Warn("knowledge import failed",
					zap.Int64("handoff_id", id),
					zap.String("task_code", code),
					zap.String("agent", agent),
					zap.Error(err),
				)
			}
		})
		out = pkg
		return nil
	})
	return out, err
}

// Reject declines a package. A task still waiting on the package returns to
// InProgress under its current owner.
func (p *Protocol) Reject(ctx context.Context, id int64, agent, reason string) (*types.HandoffPackage, error) {
	if agent == "" {
		return nil, types.ValidationError("rejecting agent is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, types.ValidationError("rejection reason is required")
	}
	if err := tasks.CheckText("rejection reason", reason, p.config.MaxTextLength); err != nil {
		return nil, err
	}
	resolve := func(tx persistence.Tx) ([]string, error) {
		pkg, err := load(tx, id)
		if err != nil {
			return nil, err
		}
		return []string{unit.HandoffKey(id), unit.TaskKey(pkg.TaskCode)}, nil
	}

	var out *types.HandoffPackage
	err := p.runner.DoResolved(ctx, "handoff.reject", resolve, func(u *unit.Unit) error {
		pkg, err := load(u.Tx, id)
		if err != nil {
			return err
		}
		if pkg.Resolved() {
			return types.Errorf(types.ErrAlreadyResolved, "handoff %d already %s", id, pkg.Resolution())
		}
		if name, ok := pkg.Target.Agent(); ok && name != agent && pkg.FromAgent != agent {
			return types.Errorf(types.ErrWrongRecipient, "handoff %d is addressed to %s, not %s", id, name, agent)
		}
		if err := pkg.MarkRejected(agent, reason, u.Now); err != nil {
			return err
		}
		if err := u.Tx.UpdateHandoff(pkg); err != nil {
			return err
		}

		task, err := tasks.Load(u.Tx, pkg.TaskCode)
		if err != nil {
			return err
		}
		if task.State == types.TaskPendingHandoff {
			if err := tasks.TransitionWithPayload(u, task, types.TaskInProgress, agent, map[string]any{
				"handoff_id": id,
				"outcome":    OutcomeRejected,
			}); err != nil {
				return err
			}
			if err := u.Tx.UpdateTask(task); err != nil {
				return err
			}
		}
		u.Emit(events.HandoffRejected, agent, pkg.TaskCode, map[string]any{
			"handoff_id": id,
			"reason":     reason,
		})
		p.record(u, OutcomeRejected)
		out = pkg
		return nil
	})
	return out, err
}

// Get returns one package.
func (p *Protocol) Get(ctx context.Context, id int64) (*types.HandoffPackage, error) {
	var out *types.HandoffPackage
	err := p.runner.Read(ctx, "handoff.get", func(tx persistence.Tx) error {
		var err error
		out, err = load(tx, id)
		return err
	})
	return out, err
}

// ListOpen returns unresolved packages matching filter.
func (p *Protocol) ListOpen(ctx context.Context, filter persistence.HandoffFilter) ([]*types.HandoffPackage, error) {
	filter.UnresolvedOnly = true
	var out []*types.HandoffPackage
	err := p.runner.Read(ctx, "handoff.list_open", func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListHandoffs(filter)
		return err
	})
	return out, err
}

func (p *Protocol) record(u *unit.Unit, outcome string) {
	if p.metrics == nil {
		return
	}
	u.AfterCommit(func(context.Context) { p.metrics.RecordHandoff(outcome) })
}

func load(tx persistence.Tx, id int64) (*types.HandoffPackage, error) {
	pkg, err := tx.GetHandoff(id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "handoff #%d not found", id)
	}
	return pkg, err
}
