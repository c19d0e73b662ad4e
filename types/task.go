package types

import (
	"regexp"
	"time"
	"unicode/utf8"
)

// TaskState 定义任务生命周期状态
type TaskState string

const (
	TaskCreated              TaskState = "created"
	TaskInProgress           TaskState = "in_progress"
	TaskBlocked              TaskState = "blocked"
	TaskReview               TaskState = "review"
	TaskPendingHandoff       TaskState = "pending_handoff"
	TaskPendingDecomposition TaskState = "pending_decomposition"
	TaskWaiting              TaskState = "waiting" // reserved, only left through archival
	TaskDone                 TaskState = "done"
	TaskArchived             TaskState = "archived"
)

// AllTaskStates lists every state in lifecycle order.
var AllTaskStates = []TaskState{
	TaskCreated, TaskInProgress, TaskBlocked, TaskReview, TaskPendingHandoff,
	TaskPendingDecomposition, TaskWaiting, TaskDone, TaskArchived,
}

// validTaskTransitions 定义合法的状态转换
var validTaskTransitions = map[TaskState][]TaskState{
	TaskCreated:              {TaskInProgress, TaskArchived},
	TaskInProgress:           {TaskBlocked, TaskPendingHandoff, TaskReview, TaskPendingDecomposition, TaskArchived},
	TaskBlocked:              {TaskInProgress, TaskArchived},
	TaskPendingHandoff:       {TaskInProgress, TaskArchived},
	TaskPendingDecomposition: {TaskDone, TaskArchived},
	TaskReview:               {TaskDone, TaskArchived},
	TaskWaiting:              {TaskArchived},
	TaskDone:                 {},
	TaskArchived:             {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to TaskState) bool {
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an illegal state change.
func InvalidTransitionError(from, to TaskState) *Error {
	return Errorf(ErrInvalidTransition, "invalid task transition: %s -> %s", from, to)
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	_, ok := validTaskTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are permitted.
func (s TaskState) IsTerminal() bool {
	return s == TaskDone || s == TaskArchived
}

// Task limits
const (
	MaxTaskCodeLength    = 128
	MaxTitleLength       = 256
	DefaultMaxTextLength = 64 * 1024
)

var taskCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// Task is a unit of work tracked through its lifecycle.
type Task struct {
	ID                   int64         `json:"id"`
	Code                 string        `json:"code"`
	Title                string        `json:"title,omitempty"`
	Description          string        `json:"description,omitempty"`
	State                TaskState     `json:"state"`
	Owner                string        `json:"owner_agent,omitempty"`
	ParentID             *int64        `json:"parent_task_id,omitempty"`
	WorkflowID           *int64        `json:"workflow_id,omitempty"`
	WorkflowCursor       *int          `json:"workflow_cursor,omitempty"`
	RequiredCapabilities CapabilitySet `json:"required_capabilities"`
	PriorityScore        int           `json:"priority_score"`
	FailureCount         int           `json:"failure_count"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	StepStartedAt        *time.Time    `json:"step_started_at,omitempty"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
}

// HasOwner reports whether the task has been assigned.
func (t *Task) HasOwner() bool { return t.Owner != "" }

// IsOwnedBy reports whether agent currently owns the task.
func (t *Task) IsOwnedBy(agent string) bool { return agent != "" && t.Owner == agent }

// HasWorkflow reports whether the task runs under a workflow.
func (t *Task) HasWorkflow() bool { return t.WorkflowID != nil }

// Cursor returns the workflow cursor, if set.
func (t *Task) Cursor() (int, bool) {
	if t.WorkflowCursor == nil {
		return 0, false
	}
	return *t.WorkflowCursor, true
}

// SetCursor moves the workflow cursor. The cursor never decreases.
func (t *Task) SetCursor(c int) error {
	if t.WorkflowID == nil {
		return ValidationError("task %s has no workflow", t.Code)
	}
	if cur, ok := t.Cursor(); ok && c < cur {
		return ValidationError("workflow cursor of %s cannot move back from %d to %d", t.Code, cur, c)
	}
	t.WorkflowCursor = &c
	return nil
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.RequiredCapabilities = t.RequiredCapabilities.Clone()
	c.ParentID = cloneInt64(t.ParentID)
	c.WorkflowID = cloneInt64(t.WorkflowID)
	if t.WorkflowCursor != nil {
		v := *t.WorkflowCursor
		c.WorkflowCursor = &v
	}
	c.StepStartedAt = cloneTime(t.StepStartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// Validate checks the structural invariants of the task.
func (t *Task) Validate() error {
	if err := ValidateTaskCode(t.Code); err != nil {
		return err
	}
	if utf8.RuneCountInString(t.Title) > MaxTitleLength {
		return ValidationError("task title exceeds %d characters", MaxTitleLength)
	}
	if !t.State.Valid() {
		return ValidationError("unknown task state %q", t.State)
	}
	if t.WorkflowCursor != nil && t.WorkflowID == nil {
		return ValidationError("task %s has a workflow cursor without a workflow", t.Code)
	}
	if t.WorkflowCursor != nil && *t.WorkflowCursor < 0 {
		return ValidationError("task %s has a negative workflow cursor", t.Code)
	}
	return nil
}

// ValidateTaskCode checks a human-chosen task key.
func ValidateTaskCode(code string) error {
	if code == "" {
		return ValidationError("task code is required")
	}
	if len(code) > MaxTaskCodeLength {
		return ValidationError("task code exceeds %d characters", MaxTaskCodeLength)
	}
	if !taskCodePattern.MatchString(code) {
		return ValidationError("task code %q contains invalid characters", code)
	}
	return nil
}

// Blocker is an impediment raised against a task.
type Blocker struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"task_id"`
	TaskCode    string     `json:"task_code"`
	RaisedBy    string     `json:"raised_by"`
	Description string     `json:"description"`
	Automatic   bool       `json:"automatic,omitempty"`
	RaisedAt    time.Time  `json:"raised_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
}

// Open reports whether the blocker is unresolved.
func (b *Blocker) Open() bool { return b.ResolvedAt == nil }

// Resolve stamps the blocker. A second call fails with ALREADY_RESOLVED.
func (b *Blocker) Resolve(by string, at time.Time) error {
	if !b.Open() {
		return Errorf(ErrAlreadyResolved, "blocker %d already resolved by %s", b.ID, b.ResolvedBy)
	}
	b.ResolvedAt = &at
	b.ResolvedBy = by
	return nil
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
