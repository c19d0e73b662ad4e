package tasks

import (
	"errors"
	"unicode/utf8"

	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

// Load reads a task by code, reporting NOT_FOUND by code.
func Load(tx persistence.Tx, code string) (*types.Task, error) {
	task, err := tx.GetTask(code)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.NotFoundError("task", code)
	}
	return task, err
}

// LoadByID reads a task by numeric id.
func LoadByID(tx persistence.Tx, id int64) (*types.Task, error) {
	task, err := tx.GetTaskByID(id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "task #%d not found", id)
	}
	return task, err
}

// RequireOwner fails with NOT_OWNER unless agent owns task.
func RequireOwner(task *types.Task, agent string) error {
	if !task.IsOwnedBy(agent) {
		return types.Errorf(types.ErrNotOwner, "agent %q does not own task %s", agent, task.Code)
	}
	return nil
}

// Transition moves task to the target state if the lifecycle permits it,
// recording the change in the unit. The caller persists the task.
func Transition(u *unit.Unit, task *types.Task, to types.TaskState, actor string) error {
	return TransitionWithPayload(u, task, to, actor, nil)
}

// TransitionWithPayload is Transition with extra event fields.
func TransitionWithPayload(u *unit.Unit, task *types.Task, to types.TaskState, actor string, extra map[string]any) error {
	from := task.State
	if !types.CanTransition(from, to) {
		return types.InvalidTransitionError(from, to)
	}
	task.State = to
	task.UpdatedAt = u.Now
	u.RecordTransition(from, to)

	payload := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	for k, v := range extra {
		payload[k] = v
	}
	u.Emit(events.TaskTransitioned, actor, task.Code, payload)
	return nil
}

// CheckText bounds a free-text field.
func CheckText(field, value string, limit int) error {
	if limit > 0 && utf8.RuneCountInString(value) > limit {
		return types.ValidationError("%s exceeds %d characters", field, limit)
	}
	return nil
}

// OwnerChain returns the lock keys of a task, its owner and every ancestor
// with its owner. Completing a task can close its ancestors in the same unit.
func OwnerChain(tx persistence.Tx, code string) ([]string, error) {
	task, err := Load(tx, code)
	if err != nil {
		return nil, err
	}
	keys := []string{unit.TaskKey(task.Code)}
	if task.HasOwner() {
		keys = append(keys, unit.AgentKey(task.Owner))
	}
	for task.ParentID != nil {
		task, err = LoadByID(tx, *task.ParentID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, unit.TaskKey(task.Code))
		if task.HasOwner() {
			keys = append(keys, unit.AgentKey(task.Owner))
		}
	}
	return keys, nil
}
