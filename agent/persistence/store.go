// Package persistence provides the transactional storage contract of the
// orchestrator and its backends.
//
// Supported backends:
// - Memory: For development and testing (default)
// - Database: gorm over PostgreSQL, MySQL or SQLite
// - Redis: optimistic WATCH/MULTI transactions for shared deployments
package persistence

import (
	"context"
	"errors"

	"github.com/BaSui01/agentmesh/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("concurrent modification")
	ErrReadOnly      = errors.New("write in read-only transaction")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeDatabase StoreType = "database"
	StoreTypeRedis    StoreType = "redis"
)

// Store is the transactional storage backend. Update commits every write made
// by fn atomically, or none of them when fn or the commit fails.
type Store interface {
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error

	// Update runs fn in a read-write transaction.
	Update(ctx context.Context, fn func(Tx) error) error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// Close closes the store and releases resources
	Close() error
}

// TaskFilter selects tasks by simple equality filters. Zero fields match all.
type TaskFilter struct {
	States     []types.TaskState `json:"states,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	ParentID   *int64            `json:"parent_id,omitempty"`
	WorkflowID *int64            `json:"workflow_id,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// Match reports whether t satisfies the filter (Limit is ignored).
func (f TaskFilter) Match(t *types.Task) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if t.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.ParentID != nil && (t.ParentID == nil || *t.ParentID != *f.ParentID) {
		return false
	}
	if f.WorkflowID != nil && (t.WorkflowID == nil || *t.WorkflowID != *f.WorkflowID) {
		return false
	}
	return true
}

// HandoffFilter selects handoff packages.
type HandoffFilter struct {
	TaskCode        string `json:"task_code,omitempty"`
	ToAgent         string `json:"to_agent,omitempty"`
	ToCapability    string `json:"to_capability,omitempty"`
	UnresolvedOnly  bool   `json:"unresolved_only,omitempty"`
	UnaddressedOnly bool   `json:"unaddressed_only,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// Match reports whether h satisfies the filter (Limit is ignored).
func (f HandoffFilter) Match(h *types.HandoffPackage) bool {
	if f.TaskCode != "" && h.TaskCode != f.TaskCode {
		return false
	}
	if f.ToAgent != "" {
		if name, ok := h.Target.Agent(); !ok || name != f.ToAgent {
			return false
		}
	}
	if f.ToCapability != "" {
		if tag, ok := h.Target.Capability(); !ok || tag != f.ToCapability {
			return false
		}
	}
	if f.UnresolvedOnly && h.Resolved() {
		return false
	}
	if f.UnaddressedOnly && h.Addressed {
		return false
	}
	return true
}

// Tx is the set of reads and writes available inside a transaction. Get
// methods return ErrNotFound for unknown keys; Insert methods assign the
// numeric ID and return ErrAlreadyExists for duplicate unique keys. Returned
// entities are copies owned by the caller. List results are ordered by ID.
type Tx interface {
	GetTask(code string) (*types.Task, error)
	GetTaskByID(id int64) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	InsertTask(task *types.Task) error
	UpdateTask(task *types.Task) error

	GetAgent(name string) (*types.AgentProfile, error)
	ListAgents() ([]*types.AgentProfile, error)
	InsertAgent(agent *types.AgentProfile) error
	UpdateAgent(agent *types.AgentProfile) error

	GetWorkflow(id int64) (*types.WorkflowDefinition, error)
	ListWorkflows() ([]*types.WorkflowDefinition, error)
	InsertWorkflow(def *types.WorkflowDefinition) error
	UpdateWorkflow(def *types.WorkflowDefinition) error

	GetHandoff(id int64) (*types.HandoffPackage, error)
	ListHandoffs(filter HandoffFilter) ([]*types.HandoffPackage, error)
	InsertHandoff(pkg *types.HandoffPackage) error
	UpdateHandoff(pkg *types.HandoffPackage) error

	AppendStepRecord(rec *types.CompletedStepRecord) error
	ListStepRecords(taskID int64) ([]*types.CompletedStepRecord, error)

	GetBlocker(id int64) (*types.Blocker, error)
	ListBlockers(taskID int64, openOnly bool) ([]*types.Blocker, error)
	InsertBlocker(b *types.Blocker) error
	UpdateBlocker(b *types.Blocker) error
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
