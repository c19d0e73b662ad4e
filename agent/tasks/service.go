// Package tasks is the Task Store: creation, claiming, blockers, review,
// completion, archival and failure accounting of tasks.
package tasks

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

// CompletionHook runs inside the unit that moved a task to Done.
type CompletionHook func(u *unit.Unit, task *types.Task) error

// Config holds Task Store settings.
type Config struct {
	// DefaultMaxRetries applies to tasks without a workflow retry policy.
	DefaultMaxRetries int `json:"default_max_retries" yaml:"default_max_retries"`

	// MaxTextLength bounds descriptions, reasons and outputs.
	MaxTextLength int `json:"max_text_length" yaml:"max_text_length"`
}

// DefaultConfig returns the default Task Store configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries: 0,
		MaxTextLength:     types.DefaultMaxTextLength,
	}
}

// CreateRequest describes a new top-level task.
type CreateRequest struct {
	Code                 string   `json:"code"`
	Title                string   `json:"title,omitempty"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PriorityScore        int      `json:"priority_score,omitempty"`
	Actor                string   `json:"actor,omitempty"`
}

// Service implements the Task Store operations.
type Service struct {
	runner     *unit.Runner
	agents     *discovery.Registry
	config     Config
	onComplete []CompletionHook
	logger     *zap.Logger
}

// NewService creates a Task Store.
func NewService(runner *unit.Runner, agents *discovery.Registry, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = types.DefaultMaxTextLength
	}
	if config.DefaultMaxRetries < 0 {
		config.DefaultMaxRetries = 0
	}
	return &Service{
		runner: runner,
		agents: agents,
		config: config,
		logger: logger.With(zap.String("component", "task_store")),
	}
}

// OnComplete registers a hook run whenever a task reaches Done through this
// service. Hooks must be registered before the service is used.
func (s *Service) OnComplete(h CompletionHook) {
	s.onComplete = append(s.onComplete, h)
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.config }

// Create stores a new task in the Created state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Task, error) {
	caps, err := types.NewCapabilitySet(req.RequiredCapabilities...)
	if err != nil {
		return nil, err
	}
	if err := CheckText("description", req.Description, s.config.MaxTextLength); err != nil {
		return nil, err
	}
	task := &types.Task{
		Code:                 req.Code,
		Title:                req.Title,
		Description:          req.Description,
		State:                types.TaskCreated,
		RequiredCapabilities: caps,
		PriorityScore:        req.PriorityScore,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	err = s.runner.Do(ctx, "task.create", []string{unit.TaskKey(req.Code)}, func(u *unit.Unit) error {
		if _, err := u.Tx.GetTask(req.Code); err == nil {
			return types.ValidationError("task %s already exists", req.Code)
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}
		task.CreatedAt = u.Now
		task.UpdatedAt = u.Now
		if err := u.Tx.InsertTask(task); err != nil {
			return err
		}
		u.Emit(events.TaskCreated, req.Actor, task.Code, map[string]any{
			"required_capabilities": []string(caps),
			"priority_score":        req.PriorityScore,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, code string) (*types.Task, error) {
	var out *types.Task
	err := s.runner.Read(ctx, "task.get", func(tx persistence.Tx) error {
		var err error
		out, err = Load(tx, code)
		return err
	})
	return out, err
}

// List returns the tasks matching filter, ordered by id.
func (s *Service) List(ctx context.Context, filter persistence.TaskFilter) ([]*types.Task, error) {
	var out []*types.Task
	err := s.runner.Read(ctx, "task.list", func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListTasks(filter)
		return err
	})
	return out, err
}

// History returns the completed workflow steps of a task.
func (s *Service) History(ctx context.Context, code string) ([]*types.CompletedStepRecord, error) {
	var out []*types.CompletedStepRecord
	err := s.runner.Read(ctx, "task.history", func(tx persistence.Tx) error {
		task, err := Load(tx, code)
		if err != nil {
			return err
		}
		out, err = tx.ListStepRecords(task.ID)
		return err
	})
	return out, err
}

// Blockers returns the blockers of a task.
func (s *Service) Blockers(ctx context.Context, code string, openOnly bool) ([]*types.Blocker, error) {
	var out []*types.Blocker
	err := s.runner.Read(ctx, "task.blockers", func(tx persistence.Tx) error {
		task, err := Load(tx, code)
		if err != nil {
			return err
		}
		out, err = tx.ListBlockers(task.ID, openOnly)
		return err
	})
	return out, err
}

// Claim gives an unowned Created task to agent.
func (s *Service) Claim(ctx context.Context, code, agent string) (*types.Task, error) {
	var out *types.Task
	err := s.runner.Do(ctx, "task.claim", []string{unit.TaskKey(code), unit.AgentKey(agent)}, func(u *unit.Unit) error {
		task, err := Load(u.Tx, code)
		if err != nil {
			return err
		}
		if task.State != types.TaskCreated {
			return types.InvalidTransitionError(task.State, types.TaskInProgress)
		}
		profile, err := discovery.LoadAgent(u.Tx, agent)
		if err != nil {
			return err
		}
		if missing := profile.Capabilities.Missing(task.RequiredCapabilities); missing.Len() > 0 {
			return types.Errorf(types.ErrCapabilityMismatch, "agent %s lacks capabilities %v for task %s",
				agent, []string(missing), code)
		}
		if _, err := s.agents.Reserve(u, agent); err != nil {
			return err
		}
		task.Owner = agent
		started := u.Now
		task.StepStartedAt = &started
		if err := Transition(u, task, types.TaskInProgress, agent); err != nil {
			return err
		}
		if err := u.Tx.UpdateTask(task); err != nil {
			return err
		}
		u.Emit(events.TaskClaimed, agent, code, nil)
		out = task
		return nil
	})
	return out, err
}

// RaiseBlocker records an impediment; the task moves to Blocked.
func (s *Service) RaiseBlocker(ctx context.Context, code, agent, description string) (*types.Blocker, error) {
	if strings.TrimSpace(description) == "" {
		return nil, types.ValidationError("blocker description is required")
	}
	if err := CheckText("blocker description", description, s.config.MaxTextLength); err != nil {
		return nil, err
	}
	var out *types.Blocker
	err := s.runner.Do(ctx, "task.raise_blocker", []string{unit.TaskKey(code)}, func(u *unit.Unit) error {
		task, err := Load(u.Tx, code)
		if err != nil {
			return err
		}
		if err := RequireOwner(task, agent); err != nil {
			return err
		}
		out, err = s.block(u, task, agent, description, false)
		return err
	})
	return out, err
}

func (s *Service) block(u *unit.Unit, task *types.Task, agent, description string, automatic bool) (*types.Blocker, error) {
	if task.State != types.TaskBlocked {
		if err := Transition(u, task, types.TaskBlocked, agent); err != nil {
			return nil, err
		}
		if err := u.Tx.UpdateTask(task); err != nil {
			return nil, err
		}
	}
	b := &types.Blocker{
		TaskID:      task.ID,
		TaskCode:    task.Code,
		RaisedBy:    agent,
		Description: description,
		Automatic:   automatic,
		RaisedAt:    u.Now,
	}
	if err := u.Tx.InsertBlocker(b); err != nil {
		return nil, err
	}
	u.Emit(events.BlockerRaised, agent, task.Code, map[string]any{
		"blocker_id": b.ID,
		"automatic":  automatic,
	})
	return b, nil
}

// ResolveBlocker closes a blocker. When the last open blocker of a Blocked
// task is resolved the task returns to InProgress.
func (s *Service) ResolveBlocker(ctx context.Context, blockerID int64, agent string) (*types.Blocker, error) {
	resolve := func(tx persistence.Tx) ([]string, error) {
		b, err := tx.GetBlocker(blockerID)
		if err != nil {
			return nil, blockerNotFound(err, blockerID)
		}
		return []string{unit.BlockerKey(blockerID), unit.TaskKey(b.TaskCode)}, nil
	}

	var out *types.Blocker
	err := s.runner.DoResolved(ctx, "task.resolve_blocker", resolve, func(u *unit.Unit) error {
		b, err := u.Tx.GetBlocker(blockerID)
		if err != nil {
			return blockerNotFound(err, blockerID)
		}
		if err := b.Resolve(agent, u.Now); err != nil {
			return err
		}
		if err := u.Tx.UpdateBlocker(b); err != nil {
			return err
		}
		u.Emit(events.BlockerResolved, agent, b.TaskCode, map[string]any{"blocker_id": b.ID})

		task, err := Load(u.Tx, b.TaskCode)
		if err != nil {
			return err
		}
		open, err := u.Tx.ListBlockers(task.ID, true)
		if err != nil {
			return err
		}
		if len(open) == 0 && task.State == types.TaskBlocked {
			if err := Transition(u, task, types.TaskInProgress, agent); err != nil {
				return err
			}
			if err := u.Tx.UpdateTask(task); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	return out, err
}

func blockerNotFound(err error, id int64) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return types.Errorf(types.ErrNotFound, "blocker #%d not found", id)
	}
	return err
}

// SubmitForReview moves an owned task without a workflow into Review.
// Workflow tasks reach Review by advancing past their last step.
func (s *Service) SubmitForReview(ctx context.Context, code, agent string) (*types.Task, error) {
	var out *types.Task
	err := s.runner.Do(ctx, "task.submit_review", []string{unit.TaskKey(code)}, func(u *unit.Unit) error {
		task, err := Load(u.Tx, code)
		if err != nil {
			return err
		}
		if err := RequireOwner(task, agent); err != nil {
			return err
		}
		if task.HasWorkflow() {
			return types.ValidationError("task %s follows a workflow; advance its last step instead", code)
		}
		if err := Transition(u, task, types.TaskReview, agent); err != nil {
			return err
		}
		if err := u.Tx.UpdateTask(task); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

// Complete accepts a reviewed task: Review moves to Done, the owner's load is
// released and completion hooks run in the same unit.
func (s *Service) Complete(ctx context.Context, code, actor string) (*types.Task, error) {
	resolve := func(tx persistence.Tx) ([]string, error) { return OwnerChain(tx, code) }

	var out *types.Task
	err := s.runner.DoResolved(ctx, "task.complete", resolve, func(u *unit.Unit) error {
		task, err := Load(u.Tx, code)
		if err != nil {
			return err
		}
		// PendingDecomposition -> Done 只由分解聚合触发
		if task.State != types.TaskReview {
			return types.InvalidTransitionError(task.State, types.TaskDone)
		}
		if err := s.MarkDone(u, task, actor); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

// MarkDone moves task to Done within the unit, releases its owner and runs
// the completion hooks.
func (s *Service) MarkDone(u *unit.Unit, task *types.Task, actor string) error {
	if err := Transition(u, task, types.TaskDone, actor); err != nil {
		return err
	}
	completed := u.Now
	task.CompletedAt = &completed
	if err := u.Tx.UpdateTask(task); err != nil {
		return err
	}
	if err := s.agents.Release(u, task.Owner); err != nil {
		return err
	}
	for _, hook := range s.onComplete {
		if err := hook(u, task); err != nil {
			return err
		}
	}
	return nil
}

// Archive retires a non-terminal task and releases its owner's load.
func (s *Service) Archive(ctx context.Context, code, actor, reason string) (*types.Task, error) {
	if err := CheckText("archive reason", reason, s.config.MaxTextLength); err != nil {
		return nil, err
	}
	resolve := func(tx persistence.Tx) ([]string, error) {
		task, err := Load(tx, code)
		if err != nil {
			return nil, err
		}
		keys := []string{unit.TaskKey(code)}
		if task.HasOwner() {
			keys = append(keys, unit.AgentKey(task.Owner))
		}
		open, err := tx.ListHandoffs(persistence.HandoffFilter{TaskCode: code, UnresolvedOnly: true})
		if err != nil {
			return nil, err
		}
		for _, pkg := range open {
			keys = append(keys, unit.HandoffKey(pkg.ID))
		}
		return keys, nil
	}

	var out *types.Task
	err := s.runner.DoResolved(ctx, "task.archive", resolve, func(u *unit.Unit) error {
		task, err := Load(u.Tx, code)
		if err != nil {
			return err
		}
		if err := TransitionWithPayload(u, task, types.TaskArchived, actor, map[string]any{"reason": reason}); err != nil {
			return err
		}
		if err := u.Tx.UpdateTask(task); err != nil {
			return err
		}
		if err := s.agents.Release(u, task.Owner); err != nil {
			return err
		}
		if err := s.rejectOpenHandoffs(u, code, actor); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

// ArchivedHandoffReason is stamped on packages left open by an archived task.
const ArchivedHandoffReason = "task archived"

// rejectOpenHandoffs resolves every pending package of an archived task so it
// stops surfacing as an open call.
func (s *Service) rejectOpenHandoffs(u *unit.Unit, code, actor string) error {
	open, err := u.Tx.ListHandoffs(persistence.HandoffFilter{TaskCode: code, UnresolvedOnly: true})
	if err != nil {
		return err
	}
	for _, pkg := range open {
		if err := pkg.MarkRejected(actor, ArchivedHandoffReason, u.Now); err != nil {
			return err
		}
		if err := u.Tx.UpdateHandoff(pkg); err != nil {
			return err
		}
		u.Emit(events.HandoffRejected, actor, code, map[string]any{
			"handoff_id": pkg.ID,
			"reason":     ArchivedHandoffReason,
		})
	}
	return nil
}

// ReportFailure counts a failed attempt by the owner. Once the count exceeds
// the retry policy an automatic blocker is raised.
func (s *Service) ReportFailure(ctx context.Context, code, agent, reason string) (*types.Task, error) {
	if err := CheckText("failure reason", reason, s.config.MaxTextLength); err != nil {
		return nil, err
	}
	var out *types.Task
	err := s.runner.Do(ctx, "task.report_failure", []string{unit.TaskKey(code)}, func(u *unit.Unit) error {
		task, err := Load(u.Tx, code)
		if err != nil {
			return err
		}
		if err := RequireOwner(task, agent); err != nil {
			return err
		}
		if task.State != types.TaskInProgress {
			return types.Errorf(types.ErrInvalidTransition, "failures can only be reported while in progress, task %s is %s", code, task.State)
		}

		maxRetries := s.config.DefaultMaxRetries
		if task.WorkflowID != nil {
			def, err := u.Tx.GetWorkflow(*task.WorkflowID)
			if err != nil {
				return err
			}
			maxRetries = def.RetryPolicy.MaxRetries
		}

		task.FailureCount++
		task.UpdatedAt = u.Now
		if err := u.Tx.UpdateTask(task); err != nil {
			return err
		}
		u.Emit(events.TaskFailureReported, agent, code, map[string]any{
			"failure_count": task.FailureCount,
			"max_retries":   maxRetries,
			"reason":        reason,
		})

		if task.FailureCount > maxRetries {
			description := "retry limit exceeded"
			if reason != "" {
				description += ": " + reason
			}
			if _, err := s.block(u, task, agent, description, true); err != nil {
				return err
			}
			count := task.FailureCount
			u.AfterCommit(func(context.Context) {
				s.logger.Warn("task blocked after repeated failures",
					zap.String("task_code", code),
					zap.Int("failure_count", count),
				)
			})
		}
		out = task
		return nil
	})
	return out, err
}
