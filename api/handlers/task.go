package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/decomposition"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/types"
)

// =============================================================================
// Task Handler
// =============================================================================

// TaskHandler serves the task store, blockers and decomposition.
type TaskHandler struct {
	tasks  TaskService
	logger *zap.Logger
}

// AgentActionRequest carries the acting agent of a state change.
type AgentActionRequest struct {
	Agent string `json:"agent"`
}

// ReasonRequest carries an actor and a free-text reason.
type ReasonRequest struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

// BlockerRequest raises a blocker on a task.
type BlockerRequest struct {
	Agent       string `json:"agent"`
	Description string `json:"description"`
}

// DecomposeRequest splits a task into subtasks.
type DecomposeRequest struct {
	Agent    string                      `json:"agent"`
	Subtasks []decomposition.SubtaskSpec `json:"subtasks"`
}

// NewTaskHandler creates a Task handler
func NewTaskHandler(tasks TaskService, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{tasks: tasks, logger: logger}
}

// HandleCreateTask creates a task in the created state
// @Summary Create task
// @Tags task
// @Accept json
// @Produce json
// @Param request body tasks.CreateRequest true "Task"
// @Success 201 {object} Response{data=types.Task}
// @Router /v1/tasks [post]
func (h *TaskHandler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	task, err := h.tasks.CreateTask(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, task)
}

// HandleListTasks lists tasks. Query: state (repeatable or comma-separated),
// owner, parent_id, workflow_id, limit.
// @Summary List tasks
// @Tags task
// @Produce json
// @Success 200 {object} Response{data=[]types.Task}
// @Router /v1/tasks [get]
func (h *TaskHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTaskFilter(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	list, err := h.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if list == nil {
		list = []*types.Task{}
	}
	WriteSuccess(w, list)
}

func parseTaskFilter(r *http.Request) (persistence.TaskFilter, error) {
	q := r.URL.Query()
	var filter persistence.TaskFilter
	for _, raw := range q["state"] {
		for _, s := range strings.Split(raw, ",") {
			state := types.TaskState(strings.TrimSpace(s))
			if !state.Valid() {
				return filter, types.ValidationError("unknown task state %q", s)
			}
			filter.States = append(filter.States, state)
		}
	}
	filter.Owner = q.Get("owner")
	for _, key := range []string{"parent_id", "workflow_id"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, types.ValidationError("%s must be an integer, got %q", key, raw)
		}
		if key == "parent_id" {
			filter.ParentID = &id
		} else {
			filter.WorkflowID = &id
		}
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}

// HandleGetTask gets a task by code
// @Summary Get task
// @Tags task
// @Produce json
// @Param code path string true "Task code"
// @Success 200 {object} Response{data=types.Task}
// @Failure 404 {object} Response "Task not found"
// @Router /v1/tasks/{code} [get]
func (h *TaskHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.GetTask(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, task)
}

// HandleTaskHistory lists the completed workflow steps of a task
// @Summary Task step history
// @Tags task
// @Produce json
// @Param code path string true "Task code"
// @Success 200 {object} Response{data=[]types.CompletedStepRecord}
// @Router /v1/tasks/{code}/history [get]
func (h *TaskHandler) HandleTaskHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.tasks.TaskHistory(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if records == nil {
		records = []*types.CompletedStepRecord{}
	}
	WriteSuccess(w, records)
}

// HandleClaim assigns a task to an agent and starts it
// @Router /v1/tasks/{code}/claim [post]
func (h *TaskHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	var req AgentActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	task, err := h.tasks.ClaimTask(r.Context(), r.PathValue("code"), req.Agent)
	h.writeTask(w, task, err)
}

// HandleSubmitForReview moves a task to review
// @Router /v1/tasks/{code}/review [post]
func (h *TaskHandler) HandleSubmitForReview(w http.ResponseWriter, r *http.Request) {
	var req AgentActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	task, err := h.tasks.SubmitForReview(r.Context(), r.PathValue("code"), req.Agent)
	h.writeTask(w, task, err)
}

// HandleComplete marks a task done
// @Router /v1/tasks/{code}/complete [post]
func (h *TaskHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req AgentActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	task, err := h.tasks.CompleteTask(r.Context(), r.PathValue("code"), req.Agent)
	h.writeTask(w, task, err)
}

// HandleArchive archives a task from any non-terminal state
// @Router /v1/tasks/{code}/archive [post]
func (h *TaskHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	task, err := h.tasks.ArchiveTask(r.Context(), r.PathValue("code"), req.Agent, req.Reason)
	h.writeTask(w, task, err)
}

// HandleReportFailure counts a failed attempt against the retry policy
// @Router /v1/tasks/{code}/failures [post]
func (h *TaskHandler) HandleReportFailure(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	task, err := h.tasks.ReportFailure(r.Context(), r.PathValue("code"), req.Agent, req.Reason)
	h.writeTask(w, task, err)
}

// HandleRaiseBlocker blocks a task
// @Router /v1/tasks/{code}/blockers [post]
func (h *TaskHandler) HandleRaiseBlocker(w http.ResponseWriter, r *http.Request) {
	var req BlockerRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	blocker, err := h.tasks.RaiseBlocker(r.Context(), r.PathValue("code"), req.Agent, req.Description)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, blocker)
}

// HandleListBlockers lists a task's blockers; ?open=false includes resolved ones
// @Router /v1/tasks/{code}/blockers [get]
func (h *TaskHandler) HandleListBlockers(w http.ResponseWriter, r *http.Request) {
	openOnly, err := queryBool(r, "open", true)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	blockers, err := h.tasks.ListBlockers(r.Context(), r.PathValue("code"), openOnly)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if blockers == nil {
		blockers = []*types.Blocker{}
	}
	WriteSuccess(w, blockers)
}

// HandleResolveBlocker resolves a blocker by id
// @Router /v1/blockers/{id}/resolve [post]
func (h *TaskHandler) HandleResolveBlocker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id", h.logger)
	if !ok {
		return
	}
	var req AgentActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	blocker, err := h.tasks.ResolveBlocker(r.Context(), id, req.Agent)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, blocker)
}

// HandleDecompose splits a task into subtasks
// @Router /v1/tasks/{code}/decompose [post]
func (h *TaskHandler) HandleDecompose(w http.ResponseWriter, r *http.Request) {
	var req DecomposeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	subtasks, err := h.tasks.Decompose(r.Context(), r.PathValue("code"), req.Subtasks, req.Agent)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, subtasks)
}

// HandleSubtasks lists the subtasks of a parent
// @Router /v1/tasks/{code}/subtasks [get]
func (h *TaskHandler) HandleSubtasks(w http.ResponseWriter, r *http.Request) {
	subtasks, err := h.tasks.Subtasks(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if subtasks == nil {
		subtasks = []*types.Task{}
	}
	WriteSuccess(w, subtasks)
}

// HandleDecompositionProgress summarizes subtask completion
// @Router /v1/tasks/{code}/subtasks/progress [get]
func (h *TaskHandler) HandleDecompositionProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.tasks.DecompositionProgress(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, progress)
}

func (h *TaskHandler) writeTask(w http.ResponseWriter, task *types.Task, err error) {
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, task)
}
