package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/types"
)

// =============================================================================
// Agent Registry Handler
// =============================================================================

// AgentHandler serves the agent registry.
type AgentHandler struct {
	agents AgentService
	logger *zap.Logger
}

// AgentStatusRequest sets an agent's availability.
type AgentStatusRequest struct {
	Status types.AgentStatus `json:"status"`
}

// ReputationRequest adjusts an agent's reputation by a signed delta.
type ReputationRequest struct {
	Delta float64 `json:"delta"`
}

// MatchRequest asks for the agents that can serve a capability set.
type MatchRequest struct {
	Capabilities []string `json:"capabilities"`
}

// NewAgentHandler creates an Agent handler
func NewAgentHandler(agents AgentService, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{agents: agents, logger: logger}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleListAgents lists all registered agents
// @Summary List agents
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=[]types.AgentProfile} "Agent list"
// @Router /v1/agents [get]
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, agents)
}

// HandleRegisterAgent registers a new agent
// @Summary Register agent
// @Tags agent
// @Accept json
// @Produce json
// @Param request body discovery.RegisterRequest true "Agent profile"
// @Success 201 {object} Response{data=types.AgentProfile} "Registered agent"
// @Failure 400 {object} Response "Invalid request"
// @Router /v1/agents [post]
func (h *AgentHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req discovery.RegisterRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	profile, err := h.agents.RegisterAgent(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, profile)
}

// HandleGetAgent gets a single agent's profile
// @Summary Get agent
// @Tags agent
// @Produce json
// @Param name path string true "Agent name"
// @Success 200 {object} Response{data=types.AgentProfile} "Agent profile"
// @Failure 404 {object} Response "Agent not found"
// @Router /v1/agents/{name} [get]
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	profile, err := h.agents.GetAgent(r.Context(), r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, profile)
}

// HandleHeartbeat records a liveness signal
// @Summary Agent heartbeat
// @Tags agent
// @Produce json
// @Param name path string true "Agent name"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Router /v1/agents/{name}/heartbeat [post]
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	profile, err := h.agents.Heartbeat(r.Context(), r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, profile)
}

// HandleSetStatus changes an agent's availability
// @Summary Set agent status
// @Tags agent
// @Accept json
// @Produce json
// @Param name path string true "Agent name"
// @Param request body AgentStatusRequest true "New status"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Router /v1/agents/{name}/status [put]
func (h *AgentHandler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req AgentStatusRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	profile, err := h.agents.SetAgentStatus(r.Context(), r.PathValue("name"), req.Status)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, profile)
}

// HandleAdjustReputation applies a reputation delta
// @Summary Adjust agent reputation
// @Tags agent
// @Accept json
// @Produce json
// @Param name path string true "Agent name"
// @Param request body ReputationRequest true "Delta"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Router /v1/agents/{name}/reputation [post]
func (h *AgentHandler) HandleAdjustReputation(w http.ResponseWriter, r *http.Request) {
	var req ReputationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	profile, err := h.agents.AdjustReputation(r.Context(), r.PathValue("name"), req.Delta)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, profile)
}

// HandleMatch ranks the agents able to serve a capability set. Capabilities
// come from the JSON body on POST or a comma-separated ?capabilities= on GET.
// @Summary Match agents
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=[]discovery.Candidate}
// @Router /v1/agents/match [post]
func (h *AgentHandler) HandleMatch(w http.ResponseWriter, r *http.Request) {
	var required []string
	if r.Method == http.MethodGet {
		if raw := r.URL.Query().Get("capabilities"); raw != "" {
			required = strings.Split(raw, ",")
		}
	} else {
		var req MatchRequest
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
		required = req.Capabilities
	}

	candidates, err := h.agents.MatchAgents(r.Context(), required)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if candidates == nil {
		candidates = []discovery.Candidate{}
	}
	WriteSuccess(w, candidates)
}
