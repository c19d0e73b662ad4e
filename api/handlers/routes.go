package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/events"
)

// Mount registers the /v1 API of mesh on mux.
func Mount(mux *http.ServeMux, mesh Orchestrator, logger *zap.Logger) {
	agents := NewAgentHandler(mesh, logger)
	mux.HandleFunc("GET /v1/agents", agents.HandleListAgents)
	mux.HandleFunc("POST /v1/agents", agents.HandleRegisterAgent)
	mux.HandleFunc("GET /v1/agents/match", agents.HandleMatch)
	mux.HandleFunc("POST /v1/agents/match", agents.HandleMatch)
	mux.HandleFunc("GET /v1/agents/{name}", agents.HandleGetAgent)
	mux.HandleFunc("POST /v1/agents/{name}/heartbeat", agents.HandleHeartbeat)
	mux.HandleFunc("PUT /v1/agents/{name}/status", agents.HandleSetStatus)
	mux.HandleFunc("POST /v1/agents/{name}/reputation", agents.HandleAdjustReputation)

	tasks := NewTaskHandler(mesh, logger)
	mux.HandleFunc("GET /v1/tasks", tasks.HandleListTasks)
	mux.HandleFunc("POST /v1/tasks", tasks.HandleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{code}", tasks.HandleGetTask)
	mux.HandleFunc("GET /v1/tasks/{code}/history", tasks.HandleTaskHistory)
	mux.HandleFunc("POST /v1/tasks/{code}/claim", tasks.HandleClaim)
	mux.HandleFunc("POST /v1/tasks/{code}/review", tasks.HandleSubmitForReview)
	mux.HandleFunc("POST /v1/tasks/{code}/complete", tasks.HandleComplete)
	mux.HandleFunc("POST /v1/tasks/{code}/archive", tasks.HandleArchive)
	mux.HandleFunc("POST /v1/tasks/{code}/failures", tasks.HandleReportFailure)
	mux.HandleFunc("GET /v1/tasks/{code}/blockers", tasks.HandleListBlockers)
	mux.HandleFunc("POST /v1/tasks/{code}/blockers", tasks.HandleRaiseBlocker)
	mux.HandleFunc("POST /v1/blockers/{id}/resolve", tasks.HandleResolveBlocker)
	mux.HandleFunc("POST /v1/tasks/{code}/decompose", tasks.HandleDecompose)
	mux.HandleFunc("GET /v1/tasks/{code}/subtasks", tasks.HandleSubtasks)
	mux.HandleFunc("GET /v1/tasks/{code}/subtasks/progress", tasks.HandleDecompositionProgress)

	notes := NewKnowledgeHandler(mesh, logger)
	mux.HandleFunc("GET /v1/tasks/{code}/knowledge", notes.HandleListEntries)
	mux.HandleFunc("POST /v1/tasks/{code}/knowledge", notes.HandleRecord)

	workflows := NewWorkflowHandler(mesh, logger)
	mux.HandleFunc("GET /v1/workflows", workflows.HandleListWorkflows)
	mux.HandleFunc("POST /v1/workflows", workflows.HandleRegisterWorkflow)
	mux.HandleFunc("POST /v1/workflows/assign", workflows.HandleAssign)
	mux.HandleFunc("POST /v1/workflows/advance", workflows.HandleAdvance)
	mux.HandleFunc("GET /v1/workflows/{id}", workflows.HandleGetWorkflow)
	mux.HandleFunc("PUT /v1/workflows/{id}", workflows.HandleUpdateWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/clone", workflows.HandleCloneWorkflow)
	mux.HandleFunc("GET /v1/tasks/{code}/progress", workflows.HandleProgress)

	handoffs := NewHandoffHandler(mesh, logger)
	mux.HandleFunc("GET /v1/handoffs", handoffs.HandleListOpen)
	mux.HandleFunc("POST /v1/handoffs", handoffs.HandleCreateHandoff)
	mux.HandleFunc("GET /v1/handoffs/{id}", handoffs.HandleGetHandoff)
	mux.HandleFunc("POST /v1/handoffs/{id}/accept", handoffs.HandleAccept)
	mux.HandleFunc("POST /v1/handoffs/{id}/reject", handoffs.HandleReject)
}

// MountEventStream exposes the live event feed of bus at /v1/events/stream.
// The returned handler must be closed before the HTTP server shuts down.
func MountEventStream(mux *http.ServeMux, bus *events.Bus, logger *zap.Logger) *EventStreamHandler {
	stream := NewEventStreamHandler(bus, logger)
	mux.HandleFunc("GET /v1/events/stream", stream.HandleStream)
	return stream
}
