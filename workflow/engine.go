package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/handoff"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

// Metrics records workflow progress.
type Metrics interface {
	RecordWorkflowStep(workflowID int64)
}

// AssignRequest puts a task on a workflow. A missing task is created.
type AssignRequest struct {
	TaskCode   string `json:"task_code"`
	WorkflowID int64  `json:"workflow_id"`
	// Agent overrides the matcher for the first step.
	Agent         string `json:"agent,omitempty"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	PriorityScore int    `json:"priority_score,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// AdvanceRequest reports the current step of a task as finished.
type AdvanceRequest struct {
	TaskCode    string  `json:"task_code"`
	CompletedBy string  `json:"completed_by"`
	Output      string  `json:"output,omitempty"`
	Confidence  float64 `json:"confidence"`
	// NextAgent overrides the matcher for the next step.
	NextAgent string `json:"next_agent,omitempty"`
}

// AdvanceResult describes where the task went.
type AdvanceResult struct {
	Task      *types.Task                `json:"task"`
	Record    *types.CompletedStepRecord `json:"record"`
	Completed bool                       `json:"completed"`
	Cursor    int                        `json:"cursor"`
	NextStep  *types.WorkflowStep        `json:"next_step,omitempty"`
	// HandoffCreated is false when the package found no capable agent.
	HandoffCreated bool                  `json:"handoff_created"`
	Handoff        *types.HandoffPackage `json:"handoff,omitempty"`
	TotalDuration  time.Duration         `json:"total_duration"`
}

// Engine drives tasks through the linear steps of their workflow.
type Engine struct {
	runner    *unit.Runner
	registry  *Registry
	agents    *discovery.Registry
	handoffs  *handoff.Protocol
	metrics   Metrics
	maxOutput int
	logger    *zap.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(runner *unit.Runner, registry *Registry, agents *discovery.Registry, handoffs *handoff.Protocol, metrics Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		runner:    runner,
		registry:  registry,
		agents:    agents,
		handoffs:  handoffs,
		metrics:   metrics,
		maxOutput: types.DefaultMaxTextLength,
		logger:    logger.With(zap.String("component", "workflow_engine")),
	}
}

// Assign starts a task on step 0 of a workflow: Created moves to InProgress
// under the requested agent, or the best match for the first step.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*types.Task, error) {
	if err := types.ValidateTaskCode(req.TaskCode); err != nil {
		return nil, err
	}
	resolve := func(tx persistence.Tx) ([]string, error) {
		def, err := Load(tx, req.WorkflowID)
		if err != nil {
			return nil, err
		}
		agent, err := e.pickFirst(tx, def, req.Agent)
		if err != nil {
			return nil, err
		}
		return []string{unit.TaskKey(req.TaskCode), unit.WorkflowKey(req.WorkflowID), unit.AgentKey(agent)}, nil
	}

	var out *types.Task
	err := e.runner.DoResolved(ctx, "workflow.assign", resolve, func(u *unit.Unit) error {
		def, err := Load(u.Tx, req.WorkflowID)
		if err != nil {
			return err
		}
		agent, err := e.pickFirst(u.Tx, def, req.Agent)
		if err != nil {
			return err
		}

		task, err := e.loadOrCreate(u, req, def)
		if err != nil {
			return err
		}
		if task.State != types.TaskCreated {
			return types.InvalidTransitionError(task.State, types.TaskInProgress)
		}
		if task.HasWorkflow() {
			return types.ValidationError("task %s already follows workflow %d", task.Code, *task.WorkflowID)
		}

		if _, err := e.agents.Reserve(u, agent); err != nil {
			return err
		}
		if err := e.registry.MarkInUse(u, def); err != nil {
			return err
		}
		wfID := def.ID
		task.WorkflowID = &wfID
		if err := task.SetCursor(0); err != nil {
			return err
		}
		task.Owner = agent
		started := u.Now
		task.StepStartedAt = &started
		if err := tasks.Transition(u, task, types.TaskInProgress, agent); err != nil {
			return err
		}
		if err := u.Tx.UpdateTask(task); err != nil {
			return err
		}
		u.Emit(events.TaskAssigned, req.Actor, task.Code, map[string]any{
			"workflow_id": def.ID,
			"agent":       agent,
			"step":        def.Steps[0].Name,
		})
		out = task
		return nil
	})
	return out, err
}

func (e *Engine) loadOrCreate(u *unit.Unit, req AssignRequest, def *types.WorkflowDefinition) (*types.Task, error) {
	task, err := tasks.Load(u.Tx, req.TaskCode)
	if err == nil {
		return task, nil
	}
	if !types.IsCode(err, types.ErrNotFound) {
		return nil, err
	}
	task = &types.Task{
		Code:                 req.TaskCode,
		Title:                req.Title,
		Description:          req.Description,
		State:                types.TaskCreated,
		RequiredCapabilities: def.Steps[0].RequiredCapabilities.Clone(),
		PriorityScore:        req.PriorityScore,
		CreatedAt:            u.Now,
		UpdatedAt:            u.Now,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if err := u.Tx.InsertTask(task); err != nil {
		return nil, err
	}
	u.Emit(events.TaskCreated, req.Actor, task.Code, map[string]any{"workflow_id": def.ID})
	return task, nil
}

// pickFirst chooses the owner of step 0. An explicit agent must cover the
// step's capabilities.
func (e *Engine) pickFirst(tx persistence.Tx, def *types.WorkflowDefinition, requested string) (string, error) {
	step := def.Steps[0]
	if requested != "" {
		profile, err := discovery.LoadAgent(tx, requested)
		if err != nil {
			return "", err
		}
		if missing := profile.Capabilities.Missing(step.RequiredCapabilities); missing.Len() > 0 {
			return "", types.Errorf(types.ErrCapabilityMismatch, "agent %s lacks capabilities %v for step %q",
				requested, []string(missing), step.Name)
		}
		return requested, nil
	}
	best, ok, err := bestFor(tx, step.RequiredCapabilities)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", types.Errorf(types.ErrCapabilityMismatch, "no available agent for step %q of workflow %d",
			step.Name, def.ID)
	}
	return best.Agent.Name, nil
}

func bestFor(tx persistence.Tx, required types.CapabilitySet) (discovery.Candidate, bool, error) {
	available, err := discovery.AvailableAgents(tx)
	if err != nil {
		return discovery.Candidate{}, false, err
	}
	best, ok := discovery.Best(required, available)
	return best, ok, nil
}

// Advance records the current step as done by its owner and either hands the
// task to the next step or routes it to review after the last one. Step
// record, cursor, handoff and transition commit together.
func (e *Engine) Advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	if req.CompletedBy == "" {
		return nil, types.ValidationError("completed_by is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, types.ValidationError("confidence %.3f out of range [0,1]", req.Confidence)
	}
	if err := tasks.CheckText("step output", req.Output, e.maxOutput); err != nil {
		return nil, err
	}
	keys := []string{unit.TaskKey(req.TaskCode), unit.AgentKey(req.CompletedBy)}

	var out *AdvanceResult
	err := e.runner.Do(ctx, "workflow.advance", keys, func(u *unit.Unit) error {
		task, err := tasks.Load(u.Tx, req.TaskCode)
		if err != nil {
			return err
		}
		if !task.HasWorkflow() {
			return types.ValidationError("task %s has no workflow", task.Code)
		}
		if task.State != types.TaskInProgress {
			return types.Errorf(types.ErrInvalidTransition, "task %s is %s; only in-progress steps can advance", task.Code, task.State)
		}
		if err := tasks.RequireOwner(task, req.CompletedBy); err != nil {
			return err
		}
		def, err := Load(u.Tx, *task.WorkflowID)
		if err != nil {
			return err
		}
		cursor, _ := task.Cursor()
		step, ok := def.Step(cursor)
		if !ok {
			return types.Errorf(types.ErrInternalError, "task %s cursor %d is outside workflow %d", task.Code, cursor, def.ID)
		}

		rec := &types.CompletedStepRecord{
			TaskID:      task.ID,
			TaskCode:    task.Code,
			WorkflowID:  def.ID,
			StepIndex:   cursor,
			StepName:    step.Name,
			CompletedBy: req.CompletedBy,
			Output:      req.Output,
			Confidence:  req.Confidence,
			CompletedAt: u.Now,
		}
		if task.StepStartedAt != nil && u.Now.After(*task.StepStartedAt) {
			rec.Duration = u.Now.Sub(*task.StepStartedAt)
		}
		if err := u.Tx.AppendStepRecord(rec); err != nil {
			return err
		}
		if err := e.agents.RecordOutcome(u, req.CompletedBy, req.Confidence); err != nil {
			return err
		}
		u.Emit(events.WorkflowStepComplete, req.CompletedBy, task.Code, map[string]any{
			"workflow_id": def.ID,
			"step":        step.Name,
			"step_index":  cursor,
			"confidence":  req.Confidence,
		})
		e.recordStep(u, def.ID)

		result := &AdvanceResult{Record: rec, Task: task}
		next, hasNext := def.Step(cursor + 1)
		if !hasNext {
			if err := e.finish(u, task, def, result); err != nil {
				return err
			}
			out = result
			return nil
		}

		if err := task.SetCursor(cursor + 1); err != nil {
			return err
		}
		target, addressed, err := e.nextTarget(u.Tx, next, req)
		if err != nil {
			return err
		}
		pkg, err := e.handoffs.CreateTx(u, task, handoff.CreateRequest{
			TaskCode:   task.Code,
			FromAgent:  req.CompletedBy,
			Target:     target,
			Summary:    req.Output,
			Confidence: req.Confidence,
			Addressed:  &addressed,
		})
		if err != nil {
			return err
		}
		result.Cursor = cursor + 1
		result.NextStep = &next
		result.Handoff = pkg
		result.HandoffCreated = addressed
		out = result
		return nil
	})
	return out, err
}

// nextTarget addresses the package for the next step: the explicit agent, the
// best match, or, with nobody capable, an open call that stays unaddressed.
func (e *Engine) nextTarget(tx persistence.Tx, next types.WorkflowStep, req AdvanceRequest) (types.HandoffTarget, bool, error) {
	if req.NextAgent != "" {
		if _, err := discovery.LoadAgent(tx, req.NextAgent); err != nil {
			return types.HandoffTarget{}, false, err
		}
		return types.AgentTarget(req.NextAgent), true, nil
	}
	best, ok, err := bestFor(tx, next.RequiredCapabilities)
	if err != nil {
		return types.HandoffTarget{}, false, err
	}
	if ok {
		return types.AgentTarget(best.Agent.Name), true, nil
	}
	if next.RequiredCapabilities.Len() > 0 {
		return types.CapabilityTarget(next.RequiredCapabilities[0]), false, nil
	}
	return types.AgentTarget(req.CompletedBy), false, nil
}

func (e *Engine) finish(u *unit.Unit, task *types.Task, def *types.WorkflowDefinition, result *AdvanceResult) error {
	records, err := u.Tx.ListStepRecords(task.ID)
	if err != nil {
		return err
	}
	var total time.Duration
	for _, r := range records {
		total += r.Duration
	}
	if err := tasks.Transition(u, task, types.TaskReview, result.Record.CompletedBy); err != nil {
		return err
	}
	if err := u.Tx.UpdateTask(task); err != nil {
		return err
	}
	u.Emit(events.WorkflowCompleted, result.Record.CompletedBy, task.Code, map[string]any{
		"workflow_id":    def.ID,
		"total_duration": total.String(),
		"steps":          len(records),
	})
	result.Completed = true
	result.Cursor = result.Record.StepIndex
	result.TotalDuration = total
	return nil
}

func (e *Engine) recordStep(u *unit.Unit, workflowID int64) {
	if e.metrics == nil {
		return
	}
	u.AfterCommit(func(context.Context) { e.metrics.RecordWorkflowStep(workflowID) })
}

// Progress reports the completed steps of a task against its workflow.
func (e *Engine) Progress(ctx context.Context, code string) (done, total int, err error) {
	err = e.runner.Read(ctx, "workflow.progress", func(tx persistence.Tx) error {
		task, err := tasks.Load(tx, code)
		if err != nil {
			return err
		}
		if !task.HasWorkflow() {
			return types.ValidationError("task %s has no workflow", code)
		}
		def, err := Load(tx, *task.WorkflowID)
		if err != nil {
			return err
		}
		records, err := tx.ListStepRecords(task.ID)
		if err != nil {
			return err
		}
		done, total = len(records), len(def.Steps)
		return nil
	})
	return done, total, err
}
