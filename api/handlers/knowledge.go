package handlers

import (
	"net/http"

	"go.uber.org/zap"
)

// =============================================================================
// Knowledge Handler
// =============================================================================

// KnowledgeHandler serves the context journal of a task. Entries recorded here
// are packed into the snapshot of the next handoff.
type KnowledgeHandler struct {
	journal KnowledgeService
	logger  *zap.Logger
}

// RecordKnowledgeRequest adds one entry to a task journal.
type RecordKnowledgeRequest struct {
	Agent   string `json:"agent"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}

// NewKnowledgeHandler creates a Knowledge handler
func NewKnowledgeHandler(journal KnowledgeService, logger *zap.Logger) *KnowledgeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeHandler{journal: journal, logger: logger}
}

// HandleRecord appends an entry. kind defaults to "message".
// @Summary Record knowledge
// @Tags knowledge
// @Accept json
// @Produce json
// @Param code path string true "Task code"
// @Param request body RecordKnowledgeRequest true "Entry"
// @Success 201 {object} Response{data=knowledge.Entry}
// @Router /v1/tasks/{code}/knowledge [post]
func (h *KnowledgeHandler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordKnowledgeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	entry, err := h.journal.RecordKnowledge(r.Context(), r.PathValue("code"), req.Agent, req.Kind, req.Content)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, entry)
}

// HandleListEntries returns the journal in insertion order.
// @Router /v1/tasks/{code}/knowledge [get]
func (h *KnowledgeHandler) HandleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.journal.KnowledgeEntries(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, entries)
}
