package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh"
	"github.com/BaSui01/agentmesh/agent/decomposition"
	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/knowledge"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow"
)

type envelope[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data"`
	Error   *ErrorInfo `json:"error"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mesh := agentmesh.New(persistence.NewMemoryStore())
	t.Cleanup(func() { _ = mesh.Close() })

	mux := http.NewServeMux()
	Mount(mux, mesh, zap.NewNop())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func call[T any](t *testing.T, srv *httptest.Server, method, path string, body any) (int, envelope[T]) {
	t.Helper()
	var reader io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
		contentType = "application/yaml"
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

const twoStepTemplate = `
version: "1"
workflows:
  - name: feature
    steps:
      - name: implement
        required_capabilities: [go]
      - name: review
        required_capabilities: [review]
`

func TestAPI_WorkflowLifecycle(t *testing.T) {
	srv := newTestServer(t)

	for name, caps := range map[string][]string{"agent-a": {"go"}, "agent-b": {"review"}} {
		status, env := call[types.AgentProfile](t, srv, http.MethodPost, "/v1/agents", discovery.RegisterRequest{
			Name: name, Capabilities: caps, MaxConcurrentTasks: 2,
		})
		require.Equal(t, http.StatusCreated, status, name)
		assert.Equal(t, name, env.Data.Name)
	}

	status, defs := call[[]types.WorkflowDefinition](t, srv, http.MethodPost, "/v1/workflows", twoStepTemplate)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, defs.Data, 1)
	wfID := defs.Data[0].ID

	status, task := call[types.Task](t, srv, http.MethodPost, "/v1/workflows/assign", workflow.AssignRequest{
		TaskCode: "T1", WorkflowID: wfID,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "agent-a", task.Data.Owner)
	assert.Equal(t, types.TaskInProgress, task.Data.State)

	status, adv := call[workflow.AdvanceResult](t, srv, http.MethodPost, "/v1/workflows/advance", workflow.AdvanceRequest{
		TaskCode: "T1", CompletedBy: "agent-a", Output: "done", Confidence: 0.9,
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, adv.Data.HandoffCreated)
	require.NotNil(t, adv.Data.Handoff)

	status, open := call[[]types.HandoffPackage](t, srv, http.MethodGet, "/v1/handoffs?task=T1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, open.Data, 1)
	name, _ := open.Data[0].Target.Agent()
	assert.Equal(t, "agent-b", name)

	status, accepted := call[types.HandoffPackage](t, srv, http.MethodPost,
		fmt.Sprintf("/v1/handoffs/%d/accept", adv.Data.Handoff.ID), AgentActionRequest{Agent: "agent-b"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "agent-b", accepted.Data.AcceptedBy)

	status, again := call[types.HandoffPackage](t, srv, http.MethodPost,
		fmt.Sprintf("/v1/handoffs/%d/accept", adv.Data.Handoff.ID), AgentActionRequest{Agent: "agent-b"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(types.ErrAlreadyResolved), again.Error.Code)

	status, progress := call[ProgressResponse](t, srv, http.MethodGet, "/v1/tasks/T1/progress", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, progress.Data.Done)
	assert.Equal(t, 2, progress.Data.Total)

	status, history := call[[]types.CompletedStepRecord](t, srv, http.MethodGet, "/v1/tasks/T1/history", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, history.Data, 1)
	assert.Equal(t, "implement", history.Data[0].StepName)

	status, owned := call[[]types.Task](t, srv, http.MethodGet, "/v1/tasks?owner=agent-b&state=in_progress", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, owned.Data, 1)
	assert.Equal(t, "T1", owned.Data[0].Code)

	status, matches := call[[]discovery.Candidate](t, srv, http.MethodGet, "/v1/agents/match?capabilities=go", nil)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, matches.Data)
	assert.Equal(t, "agent-a", matches.Data[0].Agent.Name)
}

func TestAPI_BlockersAndDecomposition(t *testing.T) {
	srv := newTestServer(t)

	status, _ := call[types.AgentProfile](t, srv, http.MethodPost, "/v1/agents", discovery.RegisterRequest{
		Name: "lead", Capabilities: []string{"plan", "go"}, MaxConcurrentTasks: 4,
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = call[types.Task](t, srv, http.MethodPost, "/v1/tasks", map[string]any{"code": "P1", "title": "parent"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = call[types.Task](t, srv, http.MethodPost, "/v1/tasks/P1/claim", AgentActionRequest{Agent: "lead"})
	require.Equal(t, http.StatusOK, status)

	status, blocker := call[types.Blocker](t, srv, http.MethodPost, "/v1/tasks/P1/blockers", BlockerRequest{
		Agent: "lead", Description: "waiting on schema",
	})
	require.Equal(t, http.StatusCreated, status)

	status, blocked := call[types.Task](t, srv, http.MethodGet, "/v1/tasks/P1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.TaskBlocked, blocked.Data.State)

	status, blockers := call[[]types.Blocker](t, srv, http.MethodGet, "/v1/tasks/P1/blockers", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, blockers.Data, 1)

	status, _ = call[types.Blocker](t, srv, http.MethodPost,
		fmt.Sprintf("/v1/blockers/%d/resolve", blocker.Data.ID), AgentActionRequest{Agent: "lead"})
	require.Equal(t, http.StatusOK, status)

	status, subs := call[[]types.Task](t, srv, http.MethodPost, "/v1/tasks/P1/decompose", DecomposeRequest{
		Agent: "lead",
		Subtasks: []decomposition.SubtaskSpec{
			{Title: "one", RequiredCapabilities: []string{"go"}},
			{Title: "two", RequiredCapabilities: []string{"go"}},
		},
	})
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, subs.Data, 2)

	status, progress := call[decomposition.Progress](t, srv, http.MethodGet, "/v1/tasks/P1/subtasks/progress", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, progress.Data.Total)
	assert.False(t, progress.Data.Complete())

	status, listed := call[[]types.Task](t, srv, http.MethodGet, "/v1/tasks/P1/subtasks", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, listed.Data, 2)
}

func TestAPI_Errors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"unknown task", http.MethodGet, "/v1/tasks/missing", nil, http.StatusNotFound, types.ErrNotFound},
		{"unknown agent", http.MethodGet, "/v1/agents/ghost", nil, http.StatusNotFound, types.ErrNotFound},
		{"bad handoff id", http.MethodGet, "/v1/handoffs/abc", nil, http.StatusBadRequest, types.ErrValidation},
		{"unknown field", http.MethodPost, "/v1/agents", map[string]any{"name": "x", "bogus": 1}, http.StatusBadRequest, types.ErrValidation},
		{"missing code", http.MethodPost, "/v1/tasks", map[string]any{"title": "x"}, http.StatusBadRequest, types.ErrValidation},
		{"bad state filter", http.MethodGet, "/v1/tasks?state=sleeping", nil, http.StatusBadRequest, types.ErrValidation},
		{"bad template", http.MethodPost, "/v1/workflows", "workflows: [", http.StatusBadRequest, types.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := call[json.RawMessage](t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, string(tt.wantCode), env.Error.Code)
		})
	}
}

func TestAPI_KnowledgeJournal(t *testing.T) {
	srv := newTestServer(t)

	status, _ := call[types.Task](t, srv, http.MethodPost, "/v1/tasks", map[string]any{"code": "K1", "title": "journal"})
	require.Equal(t, http.StatusCreated, status)

	status, entry := call[knowledge.Entry](t, srv, http.MethodPost, "/v1/tasks/K1/knowledge", RecordKnowledgeRequest{
		Agent: "agent-a", Kind: knowledge.KindDecision, Content: "retry on TRANSIENT only",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "K1", entry.Data.TaskCode)
	assert.NotEmpty(t, entry.Data.ID)

	status, list := call[[]knowledge.Entry](t, srv, http.MethodGet, "/v1/tasks/K1/knowledge", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list.Data, 1)
	assert.Equal(t, knowledge.KindDecision, list.Data[0].Kind)

	status, bad := call[json.RawMessage](t, srv, http.MethodPost, "/v1/tasks/K1/knowledge", RecordKnowledgeRequest{
		Agent: "agent-a", Kind: "gossip", Content: "x",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, bad.Error)
	assert.Equal(t, string(types.ErrValidation), bad.Error.Code)

	status, missing := call[json.RawMessage](t, srv, http.MethodGet, "/v1/tasks/nope/knowledge", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, missing.Error)
	assert.Equal(t, string(types.ErrNotFound), missing.Error.Code)
}
