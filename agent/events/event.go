// Package events is the append-only event log of the orchestrator. Events are
// collected while an operation runs and published after it commits; delivery
// is fire-and-forget and never affects the operation's outcome.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type 事件类型
type Type string

const (
	TaskCreated          Type = "task.created"
	TaskTransitioned     Type = "task.transitioned"
	TaskClaimed          Type = "task.claimed"
	TaskAssigned         Type = "task.assigned"
	TaskFailureReported  Type = "task.failure_reported"
	TaskDecomposed       Type = "task.decomposed"
	BlockerRaised        Type = "blocker.raised"
	BlockerResolved      Type = "blocker.resolved"
	WorkflowRegistered   Type = "workflow.registered"
	WorkflowStepComplete Type = "workflow.step_completed"
	WorkflowCompleted    Type = "workflow.completed"
	HandoffCreated       Type = "handoff.created"
	HandoffAccepted      Type = "handoff.accepted"
	HandoffRejected      Type = "handoff.rejected"
	AgentRegistered      Type = "agent.registered"
	AgentStatusChanged   Type = "agent.status_changed"
	AgentReputation      Type = "agent.reputation_changed"
)

// Event is one notification in the log.
type Event struct {
	ID        string         `json:"id" bson:"_id"`
	Type      Type           `json:"type" bson:"type"`
	Actor     string         `json:"actor,omitempty" bson:"actor,omitempty"`
	TaskCode  string         `json:"task_code,omitempty" bson:"task_code,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(typ Type, actor, taskCode string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Actor:     actor,
		TaskCode:  taskCode,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives published events. Errors are logged by the emitter and never
// returned to the operation that produced the event.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// Publisher accepts committed events.
type Publisher interface {
	Publish(events ...Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(...Event) {}

// Batch collects the events of one unit of work until it commits.
type Batch struct {
	events []Event
}

// Add appends an event to the batch.
func (b *Batch) Add(typ Type, actor, taskCode string, payload map[string]any) {
	b.events = append(b.events, New(typ, actor, taskCode, payload))
}

// Events returns the collected events in order.
func (b *Batch) Events() []Event {
	return b.events
}

// Len returns the number of collected events.
func (b *Batch) Len() int { return len(b.events) }

// Reset drops every collected event.
func (b *Batch) Reset() { b.events = b.events[:0] }
