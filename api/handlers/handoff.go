package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/handoff"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/types"
)

// =============================================================================
// Handoff Handler
// =============================================================================

// HandoffHandler serves handoff packages.
type HandoffHandler struct {
	handoffs HandoffService
	logger   *zap.Logger
}

// NewHandoffHandler creates a Handoff handler
func NewHandoffHandler(handoffs HandoffService, logger *zap.Logger) *HandoffHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandoffHandler{handoffs: handoffs, logger: logger}
}

// HandleCreateHandoff proposes a transfer of task ownership
// @Summary Create handoff
// @Tags handoff
// @Accept json
// @Produce json
// @Param request body handoff.CreateRequest true "Handoff"
// @Success 201 {object} Response{data=types.HandoffPackage}
// @Router /v1/handoffs [post]
func (h *HandoffHandler) HandleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoff.CreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	pkg, err := h.handoffs.CreateHandoff(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, pkg)
}

// HandleListOpen lists unresolved packages. Query: task, to_agent,
// to_capability, unaddressed, limit.
// @Router /v1/handoffs [get]
func (h *HandoffHandler) HandleListOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.HandoffFilter{
		TaskCode:       q.Get("task"),
		ToAgent:        q.Get("to_agent"),
		ToCapability:   q.Get("to_capability"),
		UnresolvedOnly: true,
	}
	unaddressed, err := queryBool(r, "unaddressed", false)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	filter.UnaddressedOnly = unaddressed
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	list, err := h.handoffs.ListOpenHandoffs(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if list == nil {
		list = []*types.HandoffPackage{}
	}
	WriteSuccess(w, list)
}

// HandleGetHandoff gets one package
// @Router /v1/handoffs/{id} [get]
func (h *HandoffHandler) HandleGetHandoff(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id", h.logger)
	if !ok {
		return
	}
	pkg, err := h.handoffs.GetHandoff(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pkg)
}

// HandleAccept transfers ownership to the accepting agent
// @Router /v1/handoffs/{id}/accept [post]
func (h *HandoffHandler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id", h.logger)
	if !ok {
		return
	}
	var req AgentActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	pkg, err := h.handoffs.AcceptHandoff(r.Context(), id, req.Agent)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pkg)
}

// HandleReject returns the task to the sending agent
// @Router /v1/handoffs/{id}/reject [post]
func (h *HandoffHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id", h.logger)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	pkg, err := h.handoffs.RejectHandoff(r.Context(), id, req.Agent, req.Reason)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pkg)
}
