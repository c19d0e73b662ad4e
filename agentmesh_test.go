package agentmesh

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/decomposition"
	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/handoff"
	"github.com/BaSui01/agentmesh/agent/knowledge"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow"
)

func stores(t *testing.T) map[string]persistence.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]persistence.Store{
		"memory": persistence.NewMemoryStore(),
		"redis":  persistence.NewRedisStoreWithClient(client, "mesh:", zap.NewNop()),
	}
}

func register(t *testing.T, m *Orchestrator, name string, caps ...string) {
	t.Helper()
	_, err := m.RegisterAgent(context.Background(), discovery.RegisterRequest{
		Name:               name,
		Capabilities:       caps,
		MaxConcurrentTasks: 3,
	})
	require.NoError(t, err)
}

func taskRequest(code string) tasks.CreateRequest {
	return tasks.CreateRequest{Code: code, Title: "task " + code}
}

// A task travels through a two-step workflow across two agents and is
// accepted by a reviewer at the end.
func TestOrchestrator_WorkflowLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := events.NewRecorder()
			provider := knowledge.NewMemoryProvider(0, zap.NewNop())
			reg := prometheus.NewRegistry()
			m := New(store,
				WithPublisher(rec),
				WithKnowledge(provider),
				WithMetrics(metrics.NewCollectorWithRegistry(reg, "mesh", zap.NewNop())),
			)
			t.Cleanup(func() { _ = m.Close() })
			require.NoError(t, m.Ping(ctx))

			register(t, m, "agent-a", "go")
			register(t, m, "agent-b", "review")

			def, err := m.RegisterWorkflow(ctx, &types.WorkflowDefinition{
				Name: "feature",
				Steps: []types.WorkflowStep{
					{Name: "implement", RequiredCapabilities: types.MustCapabilities("go")},
					{Name: "review", RequiredCapabilities: types.MustCapabilities("review")},
				},
			})
			require.NoError(t, err)

			task, err := m.AssignWorkflow(ctx, workflow.AssignRequest{TaskCode: "T1", WorkflowID: def.ID})
			require.NoError(t, err)
			assert.Equal(t, "agent-a", task.Owner)

			_, err = m.RecordKnowledge(ctx, "T1", "agent-a", knowledge.KindDecision, "use a ring buffer")
			require.NoError(t, err)

			res, err := m.Advance(ctx, workflow.AdvanceRequest{TaskCode: "T1", CompletedBy: "agent-a", Output: "implemented", Confidence: 0.9})
			require.NoError(t, err)
			require.True(t, res.HandoffCreated)

			open, err := m.ListOpenHandoffs(ctx, persistence.HandoffFilter{TaskCode: "T1"})
			require.NoError(t, err)
			require.Len(t, open, 1)

			_, err = m.AcceptHandoff(ctx, res.Handoff.ID, "agent-b")
			require.NoError(t, err)
			require.NotEmpty(t, res.Handoff.Context.Knowledge)
			assert.Contains(t, string(res.Handoff.Context.Knowledge), "use a ring buffer")
			entries := provider.Entries("T1")
			require.Len(t, entries, 2)
			assert.Equal(t, "agent-a", entries[0].Author)
			assert.Equal(t, "agent-b", entries[1].Author)
			assert.Equal(t, entries[0].ID, entries[1].ImportedFrom)

			res, err = m.Advance(ctx, workflow.AdvanceRequest{TaskCode: "T1", CompletedBy: "agent-b", Output: "approved", Confidence: 0.8})
			require.NoError(t, err)
			assert.True(t, res.Completed)

			done, total, err := m.WorkflowProgress(ctx, "T1")
			require.NoError(t, err)
			assert.Equal(t, 2, done)
			assert.Equal(t, 2, total)

			task, err = m.CompleteTask(ctx, "T1", "lead")
			require.NoError(t, err)
			assert.Equal(t, types.TaskDone, task.State)

			for _, agent := range []string{"agent-a", "agent-b"} {
				p, err := m.GetAgent(ctx, agent)
				require.NoError(t, err)
				assert.Zero(t, p.CurrentLoad, agent)
			}

			assert.Len(t, rec.OfType(events.HandoffAccepted), 1)
			assert.Len(t, rec.OfType(events.WorkflowCompleted), 1)

			families, err := reg.Gather()
			require.NoError(t, err)
			assert.NotEmpty(t, families)
		})
	}
}

func TestOrchestrator_Decomposition(t *testing.T) {
	ctx := context.Background()
	m := New(persistence.NewMemoryStore())
	register(t, m, "lead", "plan")
	register(t, m, "worker", "go")

	_, err := m.CreateTask(ctx, taskRequest("P1"))
	require.NoError(t, err)
	_, err = m.ClaimTask(ctx, "P1", "lead")
	require.NoError(t, err)

	subs, err := m.Decompose(ctx, "P1", []decomposition.SubtaskSpec{
		{Title: "one", RequiredCapabilities: []string{"go"}},
		{Title: "two", RequiredCapabilities: []string{"go"}},
	}, "lead")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	for _, sub := range subs {
		_, err = m.ClaimTask(ctx, sub.Code, "worker")
		require.NoError(t, err)
		_, err = m.SubmitForReview(ctx, sub.Code, "worker")
		require.NoError(t, err)
		_, err = m.CompleteTask(ctx, sub.Code, "lead")
		require.NoError(t, err)
	}

	progress, err := m.DecompositionProgress(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, progress.Complete())

	parent, err := m.GetTask(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, parent.State)

	// already closed by the completion hook
	closed, err := m.OnSubtaskCompleted(ctx, subs[0].Code)
	require.NoError(t, err)
	assert.Nil(t, closed)
}

func TestOrchestrator_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := New(persistence.NewMemoryStore(), WithClock(clock))
	register(t, m, "agent-a", "go")

	now = now.Add(time.Hour)
	swept, err := m.SweepUnresponsive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a"}, swept)

	p, err := m.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, types.AgentUnresponsive, p.Status)

	_, err = m.Heartbeat(ctx, "agent-a")
	require.NoError(t, err)
	candidates, err := m.MatchAgents(ctx, []string{"go"})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestOrchestrator_HandoffErrors(t *testing.T) {
	ctx := context.Background()
	m := New(persistence.NewMemoryStore())
	register(t, m, "agent-a", "go")

	_, err := m.CreateHandoff(ctx, handoff.CreateRequest{
		TaskCode:  "missing",
		FromAgent: "agent-a",
		Target:    types.AgentTarget("agent-b"),
		Summary:   "x",
	})
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	_, err = m.AcceptHandoff(ctx, 42, "agent-a")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestOrchestrator_KnowledgeJournal(t *testing.T) {
	ctx := context.Background()
	m := New(persistence.NewMemoryStore())
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.CreateTask(ctx, taskRequest("T1"))
	require.NoError(t, err)

	entry, err := m.RecordKnowledge(ctx, "T1", "agent-a", "", "schema lives in migrations/")
	require.NoError(t, err)
	assert.Equal(t, knowledge.KindMessage, entry.Kind)

	entries, err := m.KnowledgeEntries(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)

	tests := []struct {
		name  string
		code  string
		agent string
		kind  string
		body  string
		want  types.ErrorCode
	}{
		{"unknown task", "missing", "agent-a", "", "x", types.ErrNotFound},
		{"missing agent", "T1", "", "", "x", types.ErrValidation},
		{"missing content", "T1", "agent-a", "", "", types.ErrValidation},
		{"unknown kind", "T1", "agent-a", "gossip", "x", types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.RecordKnowledge(ctx, tt.code, tt.agent, tt.kind, tt.body)
			assert.True(t, types.IsCode(err, tt.want), "got %v", err)
		})
	}

	_, err = m.KnowledgeEntries(ctx, "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	nop := New(persistence.NewMemoryStore(), WithKnowledge(knowledge.Nop))
	t.Cleanup(func() { _ = nop.Close() })
	_, err = nop.CreateTask(ctx, taskRequest("T1"))
	require.NoError(t, err)
	_, err = nop.RecordKnowledge(ctx, "T1", "agent-a", "", "x")
	assert.True(t, types.IsCode(err, types.ErrValidation))
	entries, err = nop.KnowledgeEntries(ctx, "T1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrchestrator_AcceptImportsKnowledgeForNewOwner(t *testing.T) {
	ctx := context.Background()
	m := New(persistence.NewMemoryStore())
	t.Cleanup(func() { _ = m.Close() })
	register(t, m, "agent-a", "go")
	register(t, m, "agent-b", "go")

	_, err := m.CreateTask(ctx, taskRequest("T1"))
	require.NoError(t, err)
	_, err = m.ClaimTask(ctx, "T1", "agent-a")
	require.NoError(t, err)
	_, err = m.RecordKnowledge(ctx, "T1", "agent-a", knowledge.KindDecision, "keep the v1 wire format")
	require.NoError(t, err)

	pkg, err := m.CreateHandoff(ctx, handoff.CreateRequest{
		TaskCode:  "T1",
		FromAgent: "agent-a",
		Target:    types.AgentTarget("agent-b"),
		Summary:   "over to you",
	})
	require.NoError(t, err)
	require.NotEmpty(t, pkg.Context.Knowledge)

	_, err = m.AcceptHandoff(ctx, pkg.ID, "agent-b")
	require.NoError(t, err)

	entries, err := m.KnowledgeEntries(ctx, "T1")
	require.NoError(t, err)
	var copies []knowledge.Entry
	for _, e := range entries {
		if e.Author == "agent-b" {
			copies = append(copies, e)
		}
	}
	require.Len(t, copies, 1)
	assert.Equal(t, "keep the v1 wire format", copies[0].Content)
	assert.Equal(t, knowledge.KindDecision, copies[0].Kind)
	assert.NotEmpty(t, copies[0].ImportedFrom)
}
