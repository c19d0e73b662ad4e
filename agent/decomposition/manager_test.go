package decomposition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
)

type harness struct {
	manager *Manager
	tasks   *tasks.Service
	agents  *discovery.Registry
	events  *events.Recorder
}

func newHarness(t require.TestingT) *harness {
	rec := events.NewRecorder()
	runner := unit.NewRunner(persistence.NewMemoryStore(), zap.NewNop(), unit.WithPublisher(rec))
	agents := discovery.NewRegistry(runner, discovery.DefaultRegistryConfig(), nil, zap.NewNop())
	svc := tasks.NewService(runner, agents, tasks.DefaultConfig(), zap.NewNop())
	m := NewManager(runner, svc, zap.NewNop())
	svc.OnComplete(m.AggregateTx)
	h := &harness{manager: m, tasks: svc, agents: agents, events: rec}
	for _, name := range []string{"owner-agent", "worker"} {
		_, err := agents.Register(context.Background(), discovery.RegisterRequest{
			Name:               name,
			Capabilities:       []string{"go"},
			MaxConcurrentTasks: 50,
		})
		require.NoError(t, err)
	}
	return h
}

// owned creates code and lets agent claim it.
func (h *harness) owned(t require.TestingT, code, agent string) {
	ctx := context.Background()
	_, err := h.tasks.Create(ctx, tasks.CreateRequest{Code: code})
	require.NoError(t, err)
	_, err = h.tasks.Claim(ctx, code, agent)
	require.NoError(t, err)
}

// finish drives a subtask from Created to Done.
func (h *harness) finish(t require.TestingT, code string) {
	ctx := context.Background()
	_, err := h.tasks.Claim(ctx, code, "worker")
	require.NoError(t, err)
	_, err = h.tasks.SubmitForReview(ctx, code, "worker")
	require.NoError(t, err)
	_, err = h.tasks.Complete(ctx, code, "reviewer")
	require.NoError(t, err)
}

func (h *harness) state(t require.TestingT, code string) types.TaskState {
	task, err := h.tasks.Get(context.Background(), code)
	require.NoError(t, err)
	return task.State
}

func (h *harness) load(t require.TestingT, name string) int {
	a, err := h.agents.Get(context.Background(), name)
	require.NoError(t, err)
	return a.CurrentLoad
}

func specs(n int) []SubtaskSpec {
	out := make([]SubtaskSpec, n)
	for i := range out {
		out[i] = SubtaskSpec{Title: "part", RequiredCapabilities: []string{"go"}}
	}
	return out
}

// Scenario D: only the owner may decompose, and a refused call creates nothing.
func TestManager_DecomposeRequiresOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.owned(t, "FEAT-001", "worker")

	_, err := h.manager.Decompose(ctx, "FEAT-001", specs(3), "owner-agent")
	assert.True(t, types.IsCode(err, types.ErrNotOwner))

	subs, err := h.manager.Subtasks(ctx, "FEAT-001")
	require.NoError(t, err)
	assert.Empty(t, subs)
	_, err = h.tasks.Get(ctx, "FEAT-001-001")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	assert.Equal(t, types.TaskInProgress, h.state(t, "FEAT-001"))
}

func TestManager_Decompose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.owned(t, "FEAT-001", "owner-agent")

	_, err := h.manager.Decompose(ctx, "FEAT-001", nil, "owner-agent")
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = h.manager.Decompose(ctx, "FEAT-001", []SubtaskSpec{{}, {RequiredCapabilities: []string{" "}}}, "owner-agent")
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = h.tasks.Get(ctx, "FEAT-001-001")
	assert.True(t, types.IsCode(err, types.ErrNotFound), "failed decomposition must not leave subtasks")

	subs, err := h.manager.Decompose(ctx, "FEAT-001", specs(3), "owner-agent")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, "FEAT-001-001", subs[0].Code)
	assert.Equal(t, "FEAT-001-003", subs[2].Code)
	for _, s := range subs {
		assert.Equal(t, types.TaskCreated, s.State)
		require.NotNil(t, s.ParentID)
	}
	assert.Equal(t, types.TaskPendingDecomposition, h.state(t, "FEAT-001"))
	assert.Len(t, h.events.OfType(events.TaskDecomposed), 1)

	_, err = h.manager.Decompose(ctx, "FEAT-001", specs(1), "owner-agent")
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestManager_ParentClosesAfterLastSubtask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.owned(t, "P", "owner-agent")
	_, err := h.manager.Decompose(ctx, "P", specs(2), "owner-agent")
	require.NoError(t, err)

	h.finish(t, "P-001")
	assert.Equal(t, types.TaskPendingDecomposition, h.state(t, "P"))
	progress, err := h.manager.Progress(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Done)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, h.load(t, "owner-agent"))

	h.finish(t, "P-002")
	parent, err := h.tasks.Get(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, parent.State)
	assert.NotNil(t, parent.CompletedAt)
	assert.Equal(t, 0, h.load(t, "owner-agent"))
	assert.Equal(t, 0, h.load(t, "worker"))

	closed, err := h.manager.OnSubtaskCompleted(ctx, "P-002")
	require.NoError(t, err)
	assert.Nil(t, closed, "aggregation is idempotent")

	_, err = h.manager.OnSubtaskCompleted(ctx, "P")
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

// Only the aggregation closes a decomposed parent; an explicit completion is
// refused while subtasks are open.
func TestManager_ExplicitCompleteCannotCloseParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.owned(t, "P", "owner-agent")
	_, err := h.manager.Decompose(ctx, "P", specs(2), "owner-agent")
	require.NoError(t, err)

	_, err = h.tasks.Complete(ctx, "P", "lead")
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	assert.Equal(t, types.TaskPendingDecomposition, h.state(t, "P"))
	assert.Equal(t, 1, h.load(t, "owner-agent"))

	h.finish(t, "P-001")
	_, err = h.tasks.Complete(ctx, "P", "owner-agent")
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	progress, err := h.manager.Progress(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Done)
	assert.Equal(t, types.TaskPendingDecomposition, h.state(t, "P"))

	h.finish(t, "P-002")
	assert.Equal(t, types.TaskDone, h.state(t, "P"))
	_, err = h.tasks.Complete(ctx, "P", "lead")
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestManager_NestedDecomposition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.owned(t, "ROOT", "owner-agent")
	_, err := h.manager.Decompose(ctx, "ROOT", specs(1), "owner-agent")
	require.NoError(t, err)

	_, err = h.tasks.Claim(ctx, "ROOT-001", "worker")
	require.NoError(t, err)
	_, err = h.manager.Decompose(ctx, "ROOT-001", specs(2), "worker")
	require.NoError(t, err)

	h.finish(t, "ROOT-001-001")
	h.finish(t, "ROOT-001-002")

	assert.Equal(t, types.TaskDone, h.state(t, "ROOT-001"))
	assert.Equal(t, types.TaskDone, h.state(t, "ROOT"))
	assert.Equal(t, 0, h.load(t, "owner-agent"))
	assert.Equal(t, 0, h.load(t, "worker"))
}

func TestManager_ArchivedSubtaskKeepsParentOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.owned(t, "P", "owner-agent")
	_, err := h.manager.Decompose(ctx, "P", specs(2), "owner-agent")
	require.NoError(t, err)

	_, err = h.tasks.Archive(ctx, "P-001", "admin", "obsolete")
	require.NoError(t, err)
	h.finish(t, "P-002")

	assert.Equal(t, types.TaskPendingDecomposition, h.state(t, "P"))
	progress, err := h.manager.Progress(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Archived)
	assert.False(t, progress.Complete())
}

func TestProperty_CompletionOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(rt)
		ctx := context.Background()
		n := rapid.IntRange(1, 6).Draw(rt, "subtasks")
		h.owned(rt, "P", "owner-agent")
		subs, err := h.manager.Decompose(ctx, "P", specs(n), "owner-agent")
		require.NoError(rt, err)

		codes := make([]string, len(subs))
		for i, s := range subs {
			codes[i] = s.Code
		}
		order := rapid.Permutation(codes).Draw(rt, "order")
		for i, code := range order {
			h.finish(rt, code)
			if i < len(order)-1 {
				require.Equal(rt, types.TaskPendingDecomposition, h.state(rt, "P"))
			}
		}
		require.Equal(rt, types.TaskDone, h.state(rt, "P"))
		require.Equal(rt, 0, h.load(rt, "owner-agent"))
	})
}
