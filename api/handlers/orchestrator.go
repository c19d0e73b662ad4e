package handlers

import (
	"context"

	"github.com/BaSui01/agentmesh/agent/decomposition"
	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/handoff"
	"github.com/BaSui01/agentmesh/agent/knowledge"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow"
)

// AgentService is the agent registry surface the API exposes.
type AgentService interface {
	RegisterAgent(ctx context.Context, req discovery.RegisterRequest) (*types.AgentProfile, error)
	Heartbeat(ctx context.Context, name string) (*types.AgentProfile, error)
	SetAgentStatus(ctx context.Context, name string, status types.AgentStatus) (*types.AgentProfile, error)
	AdjustReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error)
	GetAgent(ctx context.Context, name string) (*types.AgentProfile, error)
	ListAgents(ctx context.Context) ([]*types.AgentProfile, error)
	MatchAgents(ctx context.Context, required []string) ([]discovery.Candidate, error)
}

// TaskService is the task store and decomposition surface the API exposes.
type TaskService interface {
	CreateTask(ctx context.Context, req tasks.CreateRequest) (*types.Task, error)
	GetTask(ctx context.Context, code string) (*types.Task, error)
	ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]*types.Task, error)
	TaskHistory(ctx context.Context, code string) ([]*types.CompletedStepRecord, error)
	ClaimTask(ctx context.Context, code, agent string) (*types.Task, error)
	RaiseBlocker(ctx context.Context, code, agent, description string) (*types.Blocker, error)
	ResolveBlocker(ctx context.Context, blockerID int64, agent string) (*types.Blocker, error)
	ListBlockers(ctx context.Context, code string, openOnly bool) ([]*types.Blocker, error)
	SubmitForReview(ctx context.Context, code, agent string) (*types.Task, error)
	CompleteTask(ctx context.Context, code, actor string) (*types.Task, error)
	ArchiveTask(ctx context.Context, code, actor, reason string) (*types.Task, error)
	ReportFailure(ctx context.Context, code, agent, reason string) (*types.Task, error)

	Decompose(ctx context.Context, parentCode string, specs []decomposition.SubtaskSpec, agent string) ([]*types.Task, error)
	DecompositionProgress(ctx context.Context, parentCode string) (decomposition.Progress, error)
	Subtasks(ctx context.Context, parentCode string) ([]*types.Task, error)
}

// WorkflowService is the workflow registry and engine surface the API exposes.
type WorkflowService interface {
	RegisterWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id int64) (*types.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*types.WorkflowDefinition, error)
	CloneWorkflow(ctx context.Context, id int64, name string) (*types.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error)
	AssignWorkflow(ctx context.Context, req workflow.AssignRequest) (*types.Task, error)
	Advance(ctx context.Context, req workflow.AdvanceRequest) (*workflow.AdvanceResult, error)
	WorkflowProgress(ctx context.Context, code string) (done, total int, err error)
}

// HandoffService is the handoff protocol surface the API exposes.
type HandoffService interface {
	CreateHandoff(ctx context.Context, req handoff.CreateRequest) (*types.HandoffPackage, error)
	AcceptHandoff(ctx context.Context, id int64, agent string) (*types.HandoffPackage, error)
	RejectHandoff(ctx context.Context, id int64, agent, reason string) (*types.HandoffPackage, error)
	GetHandoff(ctx context.Context, id int64) (*types.HandoffPackage, error)
	ListOpenHandoffs(ctx context.Context, filter persistence.HandoffFilter) ([]*types.HandoffPackage, error)
}

// KnowledgeService is the task context journal the API exposes.
type KnowledgeService interface {
	RecordKnowledge(ctx context.Context, code, agent, kind, content string) (*knowledge.Entry, error)
	KnowledgeEntries(ctx context.Context, code string) ([]knowledge.Entry, error)
}

// Orchestrator is everything the HTTP API needs from the mesh.
type Orchestrator interface {
	AgentService
	TaskService
	WorkflowService
	HandoffService
	KnowledgeService
	Ping(ctx context.Context) error
}
