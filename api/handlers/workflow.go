package handlers

import (
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow"
	"github.com/BaSui01/agentmesh/workflow/dsl"
)

// =============================================================================
// Workflow Handler
// =============================================================================

// WorkflowHandler serves workflow definitions and step progression.
type WorkflowHandler struct {
	workflows WorkflowService
	parser    *dsl.Parser
	logger    *zap.Logger
}

// CloneRequest names the copy of a workflow.
type CloneRequest struct {
	Name string `json:"name"`
}

// ProgressResponse reports how far a task is through its workflow.
type ProgressResponse struct {
	TaskCode string `json:"task_code"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
}

// NewWorkflowHandler creates a Workflow handler
func NewWorkflowHandler(workflows WorkflowService, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{workflows: workflows, parser: dsl.NewParser(), logger: logger}
}

// HandleRegisterWorkflow registers workflow definitions. A JSON body holds
// one definition; an application/yaml body is a template file and may hold
// several.
// @Summary Register workflow
// @Tags workflow
// @Accept json
// @Accept application/yaml
// @Produce json
// @Success 201 {object} Response{data=types.WorkflowDefinition}
// @Router /v1/workflows [post]
func (h *WorkflowHandler) HandleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	if isYAML(r) {
		h.registerTemplates(w, r)
		return
	}

	var def types.WorkflowDefinition
	if err := DecodeJSONBody(w, r, &def, h.logger); err != nil {
		return
	}
	stored, err := h.workflows.RegisterWorkflow(r.Context(), &def)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, stored)
}

func (h *WorkflowHandler) registerTemplates(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, types.ValidationError("read template: %v", err), h.logger)
		return
	}
	defs, err := h.parser.Parse(data)
	if err != nil {
		WriteError(w, types.ValidationError("%v", err), h.logger)
		return
	}

	stored := make([]*types.WorkflowDefinition, 0, len(defs))
	for _, def := range defs {
		out, err := h.workflows.RegisterWorkflow(r.Context(), def)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		stored = append(stored, out)
	}
	WriteCreated(w, stored)
}

func isYAML(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return true
	}
	return false
}

// HandleListWorkflows lists workflow definitions
// @Router /v1/workflows [get]
func (h *WorkflowHandler) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := h.workflows.ListWorkflows(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if defs == nil {
		defs = []*types.WorkflowDefinition{}
	}
	WriteSuccess(w, defs)
}

// HandleGetWorkflow gets one definition
// @Router /v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id", h.logger)
	if !ok {
		return
	}
	def, err := h.workflows.GetWorkflow(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleUpdateWorkflow replaces a definition no task has used yet
// @Router /v1/workflows/{id} [put]
func (h *WorkflowHandler) HandleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id", h.logger)
	if !ok {
		return
	}
	var def types.WorkflowDefinition
	if err := DecodeJSONBody(w, r, &def, h.logger); err != nil {
		return
	}
	def.ID = id
	updated, err := h.workflows.UpdateWorkflow(r.Context(), &def)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, updated)
}

// HandleCloneWorkflow copies a definition under a new name
// @Router /v1/workflows/{id}/clone [post]
func (h *WorkflowHandler) HandleCloneWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id", h.logger)
	if !ok {
		return
	}
	var req CloneRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	clone, err := h.workflows.CloneWorkflow(r.Context(), id, req.Name)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, clone)
}

// HandleAssign starts a task on a workflow
// @Summary Assign workflow
// @Tags workflow
// @Accept json
// @Produce json
// @Param request body workflow.AssignRequest true "Assignment"
// @Success 200 {object} Response{data=types.Task}
// @Router /v1/workflows/assign [post]
func (h *WorkflowHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var req workflow.AssignRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	task, err := h.workflows.AssignWorkflow(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, task)
}

// HandleAdvance records the current step as finished and hands the task on
// @Summary Advance workflow
// @Tags workflow
// @Accept json
// @Produce json
// @Param request body workflow.AdvanceRequest true "Step completion"
// @Success 200 {object} Response{data=workflow.AdvanceResult}
// @Router /v1/workflows/advance [post]
func (h *WorkflowHandler) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	var req workflow.AdvanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	result, err := h.workflows.Advance(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}

// HandleProgress reports completed steps over total steps
// @Router /v1/tasks/{code}/progress [get]
func (h *WorkflowHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	done, total, err := h.workflows.WorkflowProgress(r.Context(), code)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ProgressResponse{TaskCode: code, Done: done, Total: total})
}
