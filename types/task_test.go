package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Table(t *testing.T) {
	legal := map[TaskState][]TaskState{
		TaskCreated:              {TaskInProgress, TaskArchived},
		TaskInProgress:           {TaskBlocked, TaskPendingHandoff, TaskReview, TaskPendingDecomposition, TaskArchived},
		TaskBlocked:              {TaskInProgress, TaskArchived},
		TaskPendingHandoff:       {TaskInProgress, TaskArchived},
		TaskPendingDecomposition: {TaskDone, TaskArchived},
		TaskReview:               {TaskDone, TaskArchived},
		TaskWaiting:              {TaskArchived},
	}

	for _, from := range AllTaskStates {
		for _, to := range AllTaskStates {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTaskState_Terminal(t *testing.T) {
	for _, s := range AllTaskStates {
		if s.IsTerminal() {
			for _, to := range AllTaskStates {
				assert.False(t, CanTransition(s, to), "terminal %s must not leave", s)
			}
		} else {
			assert.True(t, CanTransition(s, TaskArchived), "%s must be archivable", s)
		}
	}
	assert.False(t, CanTransition("bogus", TaskArchived))
}

func TestTask_SetCursorMonotonic(t *testing.T) {
	wf := int64(3)
	task := &Task{Code: "T1", State: TaskInProgress, WorkflowID: &wf}

	require.NoError(t, task.SetCursor(0))
	require.NoError(t, task.SetCursor(2))
	err := task.SetCursor(1)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrValidation))
	c, ok := task.Cursor()
	assert.True(t, ok)
	assert.Equal(t, 2, c)

	noWF := &Task{Code: "T2", State: TaskCreated}
	assert.Error(t, noWF.SetCursor(0))
}

func TestTask_Validate(t *testing.T) {
	cursor := 0
	cases := []struct {
		name string
		task Task
		ok   bool
	}{
		{"valid", Task{Code: "FEAT-001", State: TaskCreated}, true},
		{"empty code", Task{State: TaskCreated}, false},
		{"bad code", Task{Code: "has space", State: TaskCreated}, false},
		{"unknown state", Task{Code: "T", State: "nope"}, false},
		{"cursor without workflow", Task{Code: "T", State: TaskCreated, WorkflowCursor: &cursor}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsCode(err, ErrValidation), "got %v", err)
			}
		})
	}
}

func TestBlocker_ResolveTwice(t *testing.T) {
	b := &Blocker{ID: 1, TaskCode: "T1"}
	require.NoError(t, b.Resolve("agent-a", b.RaisedAt))
	err := b.Resolve("agent-a", b.RaisedAt)
	assert.True(t, IsCode(err, ErrAlreadyResolved))
}

func TestCapabilitySet_Normalize(t *testing.T) {
	s, err := NewCapabilitySet(" Rust", "go", "rust", "GO")
	require.NoError(t, err)
	assert.Equal(t, CapabilitySet{"go", "rust"}, s)
	assert.True(t, s.Contains("RUST"))
	assert.True(t, s.ContainsAll(MustCapabilities("go")))
	assert.Equal(t, CapabilitySet{"rust"}, s.Intersect(MustCapabilities("rust", "testing")))
	assert.Equal(t, CapabilitySet{"testing"}, s.Missing(MustCapabilities("rust", "testing")))

	_, err = NewCapabilitySet("ok", "  ")
	assert.True(t, IsCode(err, ErrValidation))
}

func TestAgentProfile_Validate(t *testing.T) {
	a := AgentProfile{
		Name:               "agent-a",
		Capabilities:       MustCapabilities("rust", "testing"),
		Specializations:    MustCapabilities("testing"),
		MaxConcurrentTasks: 2,
		Status:             AgentIdle,
		ReputationScore:    0.5,
	}
	require.NoError(t, a.Validate())
	assert.True(t, a.Available())

	a.CurrentLoad = 2
	assert.False(t, a.Available())

	a.Specializations = MustCapabilities("python")
	assert.Error(t, a.Validate())
}
