// Package decomposition splits a task into subtasks and closes the parent
// once every subtask is done.
package decomposition

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

// MaxSubtasks is bounded by the three-digit subtask code suffix.
const MaxSubtasks = 999

// AggregatorActor is the actor recorded when a parent closes automatically.
const AggregatorActor = "decomposition"

// SubtaskSpec describes one subtask.
type SubtaskSpec struct {
	Title                string   `json:"title,omitempty"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PriorityScore        int      `json:"priority_score,omitempty"`
}

// Progress summarizes the subtasks of a parent.
type Progress struct {
	ParentCode string                  `json:"parent_code"`
	Total      int                     `json:"total"`
	Done       int                     `json:"done"`
	Archived   int                     `json:"archived"`
	ByState    map[types.TaskState]int `json:"by_state"`
}

// Complete reports whether every subtask is done.
func (p Progress) Complete() bool { return p.Total > 0 && p.Done == p.Total }

// Manager implements decomposition and parent aggregation.
type Manager struct {
	runner *unit.Runner
	tasks  *tasks.Service
	logger *zap.Logger
}

// NewManager creates a decomposition manager. Register AggregateTx with the
// task service to close parents on subtask completion.
func NewManager(runner *unit.Runner, taskService *tasks.Service, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runner: runner,
		tasks:  taskService,
		logger: logger.With(zap.String("component", "decomposition")),
	}
}

// SubtaskCode returns the code of the i-th (1-based) subtask of parent.
func SubtaskCode(parent string, i int) string {
	return fmt.Sprintf("%s-%03d", parent, i)
}

// Decompose creates the subtasks of a parent owned by agent and moves the
// parent to PendingDecomposition. Either every subtask is created or none.
func (m *Manager) Decompose(ctx context.Context, parentCode string, specs []SubtaskSpec, agent string) ([]*types.Task, error) {
	keys := []string{unit.TaskKey(parentCode)}
	if len(specs) <= MaxSubtasks {
		for i := range specs {
			keys = append(keys, unit.TaskKey(SubtaskCode(parentCode, i+1)))
		}
	}

	var out []*types.Task
	err := m.runner.Do(ctx, "task.decompose", keys, func(u *unit.Unit) error {
		parent, err := tasks.Load(u.Tx, parentCode)
		if err != nil {
			return err
		}
		if err := tasks.RequireOwner(parent, agent); err != nil {
			return err
		}
		if len(specs) == 0 {
			return types.ValidationError("decomposition of %s requires at least one subtask", parentCode)
		}
		if len(specs) > MaxSubtasks {
			return types.ValidationError("decomposition of %s exceeds %d subtasks", parentCode, MaxSubtasks)
		}

		created := make([]*types.Task, 0, len(specs))
		for i, spec := range specs {
			sub, err := m.newSubtask(u, parent, i+1, spec)
			if err != nil {
				return err
			}
			created = append(created, sub)
		}

		if err := tasks.TransitionWithPayload(u, parent, types.TaskPendingDecomposition, agent, map[string]any{
			"subtasks": len(created),
		}); err != nil {
			return err
		}
		if err := u.Tx.UpdateTask(parent); err != nil {
			return err
		}
		codes := make([]string, len(created))
		for i, sub := range created {
			codes[i] = sub.Code
		}
		u.Emit(events.TaskDecomposed, agent, parentCode, map[string]any{"subtasks": codes})
		out = created
		return nil
	})
	return out, err
}

func (m *Manager) newSubtask(u *unit.Unit, parent *types.Task, n int, spec SubtaskSpec) (*types.Task, error) {
	code := SubtaskCode(parent.Code, n)
	caps, err := types.NewCapabilitySet(spec.RequiredCapabilities...)
	if err != nil {
		return nil, types.ValidationError("subtask %s: %s", code, err.Error())
	}
	if err := tasks.CheckText("subtask description", spec.Description, m.tasks.Config().MaxTextLength); err != nil {
		return nil, err
	}
	if _, err := u.Tx.GetTask(code); err == nil {
		return nil, types.ValidationError("task %s already exists", code)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	parentID := parent.ID
	sub := &types.Task{
		Code:                 code,
		Title:                spec.Title,
		Description:          spec.Description,
		State:                types.TaskCreated,
		ParentID:             &parentID,
		RequiredCapabilities: caps,
		PriorityScore:        spec.PriorityScore,
		CreatedAt:            u.Now,
		UpdatedAt:            u.Now,
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := u.Tx.InsertTask(sub); err != nil {
		return nil, err
	}
	u.Emit(events.TaskCreated, parent.Owner, code, map[string]any{"parent": parent.Code})
	return sub, nil
}

// AggregateTx is the completion hook of the task service. When task is a
// subtask and all of its siblings are done, the parent is completed in the
// same unit, which in turn re-enters this hook for the grandparent.
func (m *Manager) AggregateTx(u *unit.Unit, task *types.Task) error {
	_, err := m.closeParent(u, task)
	return err
}

func (m *Manager) closeParent(u *unit.Unit, sub *types.Task) (*types.Task, error) {
	if sub.ParentID == nil || sub.State != types.TaskDone {
		return nil, nil
	}
	parent, err := tasks.LoadByID(u.Tx, *sub.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.State != types.TaskPendingDecomposition {
		return nil, nil
	}
	progress, err := progressOf(u.Tx, parent)
	if err != nil {
		return nil, err
	}
	if !progress.Complete() {
		return nil, nil
	}
	if err := m.tasks.MarkDone(u, parent, AggregatorActor); err != nil {
		return nil, err
	}
	code, total := parent.Code, progress.Total
	u.AfterCommit(func(context.Context) {
		m.logger.Info("parent task completed by its subtasks",
			zap.String("task_code", code),
			zap.Int("subtasks", total),
		)
	})
	return parent, nil
}

// OnSubtaskCompleted re-runs the aggregation check for a subtask. It returns
// the parent when this call closed it.
func (m *Manager) OnSubtaskCompleted(ctx context.Context, subtaskCode string) (*types.Task, error) {
	resolve := func(tx persistence.Tx) ([]string, error) { return tasks.OwnerChain(tx, subtaskCode) }

	var out *types.Task
	err := m.runner.DoResolved(ctx, "task.aggregate", resolve, func(u *unit.Unit) error {
		sub, err := tasks.Load(u.Tx, subtaskCode)
		if err != nil {
			return err
		}
		if sub.ParentID == nil {
			return types.ValidationError("task %s is not a subtask", subtaskCode)
		}
		out, err = m.closeParent(u, sub)
		return err
	})
	return out, err
}

// Progress reports the subtask states of a parent.
func (m *Manager) Progress(ctx context.Context, parentCode string) (Progress, error) {
	var out Progress
	err := m.runner.Read(ctx, "task.progress", func(tx persistence.Tx) error {
		parent, err := tasks.Load(tx, parentCode)
		if err != nil {
			return err
		}
		out, err = progressOf(tx, parent)
		return err
	})
	return out, err
}

// Subtasks lists the subtasks of a parent in creation order.
func (m *Manager) Subtasks(ctx context.Context, parentCode string) ([]*types.Task, error) {
	var out []*types.Task
	err := m.runner.Read(ctx, "task.subtasks", func(tx persistence.Tx) error {
		parent, err := tasks.Load(tx, parentCode)
		if err != nil {
			return err
		}
		id := parent.ID
		out, err = tx.ListTasks(persistence.TaskFilter{ParentID: &id})
		return err
	})
	return out, err
}

func progressOf(tx persistence.Tx, parent *types.Task) (Progress, error) {
	id := parent.ID
	subs, err := tx.ListTasks(persistence.TaskFilter{ParentID: &id})
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		ParentCode: parent.Code,
		Total:      len(subs),
		ByState:    make(map[types.TaskState]int),
	}
	for _, s := range subs {
		p.ByState[s.State]++
		switch s.State {
		case types.TaskDone:
			p.Done++
		case types.TaskArchived:
			p.Archived++
		}
	}
	return p, nil
}
