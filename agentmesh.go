// Package agentmesh coordinates work across a pool of autonomous agents. It
// tracks tasks through their lifecycle, drives multi-step workflows across
// agent boundaries, routes work by capability and load, and transfers
// ownership through handoff packages.
//
// Usage:
//
//	import "github.com/BaSui01/agentmesh"
//
//	mesh := agentmesh.New(persistence.NewMemoryStore(), agentmesh.WithLogger(logger))
//	defer mesh.Close()
//
//	mesh.RegisterAgent(ctx, discovery.RegisterRequest{Name: "agent-a", Capabilities: []string{"go"}, MaxConcurrentTasks: 3})
//	mesh.AssignWorkflow(ctx, workflow.AssignRequest{TaskCode: "T1", WorkflowID: id})
//	mesh.Advance(ctx, workflow.AdvanceRequest{TaskCode: "T1", CompletedBy: "agent-a", Confidence: 0.8})
//
// Every method runs as one atomic unit of work and returns a *types.Error on
// failure.
package agentmesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/decomposition"
	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/handoff"
	"github.com/BaSui01/agentmesh/agent/knowledge"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow"
)

// Orchestrator wires every component around one store.
type Orchestrator struct {
	store         persistence.Store
	runner        *unit.Runner
	agents        *discovery.Registry
	tasks         *tasks.Service
	workflows     *workflow.Registry
	engine        *workflow.Engine
	handoffs      *handoff.Protocol
	decomposition *decomposition.Manager
	knowledge     knowledge.Provider
	logger        *zap.Logger
}

// New creates an orchestrator over store.
func New(store persistence.Store, opts ...Option) *Orchestrator {
	o := &options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.knowledge == nil {
		o.knowledge = knowledge.NewMemoryProvider(0, o.logger)
	}

	runnerOpts := []unit.Option{
		unit.WithPublisher(o.publisher),
		unit.WithTracer(o.tracer),
		unit.WithClock(o.clock),
	}
	var (
		agentMetrics    discovery.Metrics
		handoffMetrics  handoff.Metrics
		workflowMetrics workflow.Metrics
	)
	if o.metrics != nil {
		runnerOpts = append(runnerOpts, unit.WithMetrics(o.metrics))
		agentMetrics, handoffMetrics, workflowMetrics = o.metrics, o.metrics, o.metrics
	}
	runner := unit.NewRunner(store, o.logger, runnerOpts...)

	agents := discovery.NewRegistry(runner, o.config.Registry, agentMetrics, o.logger)
	taskService := tasks.NewService(runner, agents, o.config.Tasks, o.logger)
	handoffs := handoff.NewProtocol(runner, agents, o.knowledge, handoffMetrics, o.config.Handoff, o.logger)
	workflows := workflow.NewRegistry(runner, o.config.WorkflowCacheSize, o.logger)
	engine := workflow.NewEngine(runner, workflows, agents, handoffs, workflowMetrics, o.logger)
	manager := decomposition.NewManager(runner, taskService, o.logger)
	taskService.OnComplete(manager.AggregateTx)

	return &Orchestrator{
		store:         store,
		runner:        runner,
		agents:        agents,
		tasks:         taskService,
		workflows:     workflows,
		engine:        engine,
		handoffs:      handoffs,
		decomposition: manager,
		knowledge:     o.knowledge,
		logger:        o.logger.With(zap.String("component", "orchestrator")),
	}
}

// Ping checks the store.
func (m *Orchestrator) Ping(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return unit.MapError(err)
	}
	return nil
}

// Close releases the store.
func (m *Orchestrator) Close() error {
	return m.store.Close()
}

// Knowledge returns the context snapshot provider.
func (m *Orchestrator) Knowledge() knowledge.Provider { return m.knowledge }

// RecordKnowledge adds a context entry to an existing task. The entry travels
// with the next handoff snapshot of the task.
func (m *Orchestrator) RecordKnowledge(ctx context.Context, code, agent, kind, content string) (*knowledge.Entry, error) {
	journal, ok := m.knowledge.(knowledge.Journal)
	if !ok {
		return nil, types.ValidationError("knowledge provider does not accept entries")
	}
	if agent == "" {
		return nil, types.ValidationError("agent is required")
	}
	if content == "" {
		return nil, types.ValidationError("content is required")
	}
	if kind == "" {
		kind = knowledge.KindMessage
	}
	if !knowledge.ValidKind(kind) {
		return nil, types.ValidationError("unknown knowledge kind %q", kind)
	}
	if _, err := m.tasks.Get(ctx, code); err != nil {
		return nil, err
	}

	entry, err := journal.Record(ctx, code, agent, kind, content)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "record knowledge").WithCause(err)
	}
	return &entry, nil
}

// KnowledgeEntries lists the context entries of a task in insertion order.
func (m *Orchestrator) KnowledgeEntries(ctx context.Context, code string) ([]knowledge.Entry, error) {
	if _, err := m.tasks.Get(ctx, code); err != nil {
		return nil, err
	}
	journal, ok := m.knowledge.(knowledge.Journal)
	if !ok {
		return []knowledge.Entry{}, nil
	}
	return journal.Entries(code), nil
}

// =============================================================================
// 🤖 Agents
// =============================================================================

// RegisterAgent adds an agent to the pool.
func (m *Orchestrator) RegisterAgent(ctx context.Context, req discovery.RegisterRequest) (*types.AgentProfile, error) {
	return m.agents.Register(ctx, req)
}

// Heartbeat records that an agent is alive.
func (m *Orchestrator) Heartbeat(ctx context.Context, name string) (*types.AgentProfile, error) {
	return m.agents.Heartbeat(ctx, name)
}

// SetAgentStatus applies an administrative status change.
func (m *Orchestrator) SetAgentStatus(ctx context.Context, name string, status types.AgentStatus) (*types.AgentProfile, error) {
	return m.agents.SetStatus(ctx, name, status)
}

// AdjustReputation shifts an agent's reputation by delta.
func (m *Orchestrator) AdjustReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error) {
	return m.agents.AdjustReputation(ctx, name, delta)
}

// GetAgent returns one agent profile.
func (m *Orchestrator) GetAgent(ctx context.Context, name string) (*types.AgentProfile, error) {
	return m.agents.Get(ctx, name)
}

// ListAgents returns every agent in registration order.
func (m *Orchestrator) ListAgents(ctx context.Context) ([]*types.AgentProfile, error) {
	return m.agents.List(ctx)
}

// MatchAgents ranks the available agents for a capability requirement.
func (m *Orchestrator) MatchAgents(ctx context.Context, required []string) ([]discovery.Candidate, error) {
	caps, err := types.NewCapabilitySet(required...)
	if err != nil {
		return nil, err
	}
	return m.agents.Match(ctx, caps)
}

// SweepUnresponsive marks agents with stale heartbeats as unresponsive.
func (m *Orchestrator) SweepUnresponsive(ctx context.Context) ([]string, error) {
	return m.agents.SweepUnresponsive(ctx, m.runner.Now())
}

// RunSweeper sweeps on the configured interval until ctx is done.
func (m *Orchestrator) RunSweeper(ctx context.Context) {
	m.agents.RunSweeper(ctx)
}

// LastSweep returns when the running sweeper last finished a pass, zero when
// no sweeper runs.
func (m *Orchestrator) LastSweep() time.Time { return m.agents.LastSweep() }

// SweepInterval is the period of RunSweeper.
func (m *Orchestrator) SweepInterval() time.Duration { return m.agents.SweepInterval() }

// =============================================================================
// 📋 Tasks
// =============================================================================

// CreateTask stores a new task.
func (m *Orchestrator) CreateTask(ctx context.Context, req tasks.CreateRequest) (*types.Task, error) {
	return m.tasks.Create(ctx, req)
}

// GetTask returns one task.
func (m *Orchestrator) GetTask(ctx context.Context, code string) (*types.Task, error) {
	return m.tasks.Get(ctx, code)
}

// ListTasks returns the tasks matching filter.
func (m *Orchestrator) ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]*types.Task, error) {
	return m.tasks.List(ctx, filter)
}

// TaskHistory returns the completed workflow steps of a task.
func (m *Orchestrator) TaskHistory(ctx context.Context, code string) ([]*types.CompletedStepRecord, error) {
	return m.tasks.History(ctx, code)
}

// ClaimTask gives a created task to agent.
func (m *Orchestrator) ClaimTask(ctx context.Context, code, agent string) (*types.Task, error) {
	return m.tasks.Claim(ctx, code, agent)
}

// RaiseBlocker blocks a task on an impediment.
func (m *Orchestrator) RaiseBlocker(ctx context.Context, code, agent, description string) (*types.Blocker, error) {
	return m.tasks.RaiseBlocker(ctx, code, agent, description)
}

// ResolveBlocker closes a blocker.
func (m *Orchestrator) ResolveBlocker(ctx context.Context, blockerID int64, agent string) (*types.Blocker, error) {
	return m.tasks.ResolveBlocker(ctx, blockerID, agent)
}

// ListBlockers returns the blockers of a task.
func (m *Orchestrator) ListBlockers(ctx context.Context, code string, openOnly bool) ([]*types.Blocker, error) {
	return m.tasks.Blockers(ctx, code, openOnly)
}

// SubmitForReview moves a task without workflow to review.
func (m *Orchestrator) SubmitForReview(ctx context.Context, code, agent string) (*types.Task, error) {
	return m.tasks.SubmitForReview(ctx, code, agent)
}

// CompleteTask accepts a reviewed task.
func (m *Orchestrator) CompleteTask(ctx context.Context, code, actor string) (*types.Task, error) {
	return m.tasks.Complete(ctx, code, actor)
}

// ArchiveTask retires a task.
func (m *Orchestrator) ArchiveTask(ctx context.Context, code, actor, reason string) (*types.Task, error) {
	return m.tasks.Archive(ctx, code, actor, reason)
}

// ReportFailure counts a failed attempt on a task.
func (m *Orchestrator) ReportFailure(ctx context.Context, code, agent, reason string) (*types.Task, error) {
	return m.tasks.ReportFailure(ctx, code, agent, reason)
}

// =============================================================================
// 🔀 Workflows
// =============================================================================

// RegisterWorkflow stores a workflow definition.
func (m *Orchestrator) RegisterWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	return m.workflows.Register(ctx, def)
}

// GetWorkflow returns one workflow definition.
func (m *Orchestrator) GetWorkflow(ctx context.Context, id int64) (*types.WorkflowDefinition, error) {
	return m.workflows.Get(ctx, id)
}

// ListWorkflows returns every workflow definition.
func (m *Orchestrator) ListWorkflows(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	return m.workflows.List(ctx)
}

// CloneWorkflow copies a definition into a new mutable one.
func (m *Orchestrator) CloneWorkflow(ctx context.Context, id int64, name string) (*types.WorkflowDefinition, error) {
	return m.workflows.Clone(ctx, id, name)
}

// UpdateWorkflow edits a definition no task uses yet.
func (m *Orchestrator) UpdateWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	return m.workflows.Update(ctx, def)
}

// LoadWorkflowTemplates registers the workflows of a YAML template file.
func (m *Orchestrator) LoadWorkflowTemplates(ctx context.Context, path string) ([]*types.WorkflowDefinition, error) {
	return m.workflows.LoadTemplates(ctx, path)
}

// AssignWorkflow starts a task on a workflow.
func (m *Orchestrator) AssignWorkflow(ctx context.Context, req workflow.AssignRequest) (*types.Task, error) {
	return m.engine.Assign(ctx, req)
}

// Advance completes the current workflow step of a task.
func (m *Orchestrator) Advance(ctx context.Context, req workflow.AdvanceRequest) (*workflow.AdvanceResult, error) {
	return m.engine.Advance(ctx, req)
}

// WorkflowProgress reports completed steps against the workflow length.
func (m *Orchestrator) WorkflowProgress(ctx context.Context, code string) (done, total int, err error) {
	return m.engine.Progress(ctx, code)
}

// =============================================================================
// 🤝 Handoffs
// =============================================================================

// CreateHandoff proposes a transfer of a task.
func (m *Orchestrator) CreateHandoff(ctx context.Context, req handoff.CreateRequest) (*types.HandoffPackage, error) {
	return m.handoffs.Create(ctx, req)
}

// AcceptHandoff installs agent as the new owner.
func (m *Orchestrator) AcceptHandoff(ctx context.Context, id int64, agent string) (*types.HandoffPackage, error) {
	return m.handoffs.Accept(ctx, id, agent)
}

// RejectHandoff declines a package.
func (m *Orchestrator) RejectHandoff(ctx context.Context, id int64, agent, reason string) (*types.HandoffPackage, error) {
	return m.handoffs.Reject(ctx, id, agent, reason)
}

// GetHandoff returns one package.
func (m *Orchestrator) GetHandoff(ctx context.Context, id int64) (*types.HandoffPackage, error) {
	return m.handoffs.Get(ctx, id)
}

// ListOpenHandoffs returns the unresolved packages matching filter.
func (m *Orchestrator) ListOpenHandoffs(ctx context.Context, filter persistence.HandoffFilter) ([]*types.HandoffPackage, error) {
	return m.handoffs.ListOpen(ctx, filter)
}

// =============================================================================
// 🧩 Decomposition
// =============================================================================

// Decompose splits a task into subtasks.
func (m *Orchestrator) Decompose(ctx context.Context, parentCode string, specs []decomposition.SubtaskSpec, agent string) ([]*types.Task, error) {
	return m.decomposition.Decompose(ctx, parentCode, specs, agent)
}

// OnSubtaskCompleted re-runs the parent aggregation check of a subtask.
func (m *Orchestrator) OnSubtaskCompleted(ctx context.Context, subtaskCode string) (*types.Task, error) {
	return m.decomposition.OnSubtaskCompleted(ctx, subtaskCode)
}

// DecompositionProgress reports the subtask states of a parent.
func (m *Orchestrator) DecompositionProgress(ctx context.Context, parentCode string) (decomposition.Progress, error) {
	return m.decomposition.Progress(ctx, parentCode)
}

// Subtasks lists the subtasks of a parent.
func (m *Orchestrator) Subtasks(ctx context.Context, parentCode string) ([]*types.Task, error) {
	return m.decomposition.Subtasks(ctx, parentCode)
}

// Now returns the orchestrator clock.
func (m *Orchestrator) Now() time.Time { return m.runner.Now() }
