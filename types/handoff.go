package types

import (
	"encoding/json"
	"time"
)

// HandoffTarget addresses a handoff to exactly one of a named agent or an
// open capability call. The zero value is invalid.
type HandoffTarget struct {
	agent      string
	capability string
}

// AgentTarget addresses a handoff to a named agent.
func AgentTarget(name string) HandoffTarget {
	return HandoffTarget{agent: name}
}

// CapabilityTarget opens a handoff to any agent holding tag.
func CapabilityTarget(tag string) HandoffTarget {
	return HandoffTarget{capability: tag}
}

// Agent returns the named recipient.
func (t HandoffTarget) Agent() (string, bool) { return t.agent, t.agent != "" }

// Capability returns the capability of an open call.
func (t HandoffTarget) Capability() (string, bool) { return t.capability, t.capability != "" }

// IsZero reports whether no target was set.
func (t HandoffTarget) IsZero() bool { return t.agent == "" && t.capability == "" }

// Validate enforces the agent XOR capability invariant.
func (t HandoffTarget) Validate() error {
	switch {
	case t.agent != "" && t.capability != "":
		return ValidationError("handoff target must name an agent or a capability, not both")
	case t.agent == "" && t.capability == "":
		return ValidationError("handoff target is required")
	}
	return nil
}

func (t HandoffTarget) String() string {
	if t.agent != "" {
		return "agent:" + t.agent
	}
	return "capability:" + t.capability
}

type handoffTargetJSON struct {
	Agent      string `json:"agent,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// MarshalJSON encodes {"agent": ...} or {"capability": ...}.
func (t HandoffTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(handoffTargetJSON{Agent: t.agent, Capability: t.capability})
}

// UnmarshalJSON rejects payloads that set both or neither field.
func (t *HandoffTarget) UnmarshalJSON(data []byte) error {
	var raw handoffTargetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := HandoffTarget{agent: raw.Agent, capability: raw.Capability}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*t = decoded
	return nil
}

// HandoffContext is the payload carried across the ownership boundary.
type HandoffContext struct {
	Summary string `json:"summary"`
	// Knowledge is the opaque snapshot produced by the knowledge provider.
	Knowledge json.RawMessage `json:"knowledge,omitempty"`
}

// HandoffResolution is the terminal outcome of a package.
type HandoffResolution string

const (
	HandoffPending  HandoffResolution = "pending"
	HandoffAccepted HandoffResolution = "accepted"
	HandoffRejected HandoffResolution = "rejected"
)

// HandoffPackage is a proposed transfer of task ownership.
type HandoffPackage struct {
	ID        int64          `json:"id"`
	TaskCode  string         `json:"task_code"`
	FromAgent string         `json:"from_agent"`
	Target    HandoffTarget  `json:"target"`
	Context   HandoffContext `json:"context"`
	// Addressed is false when no capable agent existed at creation time.
	Addressed       bool       `json:"addressed"`
	ConfidenceScore float64    `json:"confidence_score"`
	CreatedAt       time.Time  `json:"created_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	AcceptedBy      string     `json:"accepted_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// Resolution reports the current outcome.
func (h *HandoffPackage) Resolution() HandoffResolution {
	switch {
	case h.AcceptedAt != nil:
		return HandoffAccepted
	case h.RejectedAt != nil:
		return HandoffRejected
	}
	return HandoffPending
}

// Resolved reports whether the package is immutable.
func (h *HandoffPackage) Resolved() bool { return h.Resolution() != HandoffPending }

func (h *HandoffPackage) alreadyResolved() *Error {
	return Errorf(ErrAlreadyResolved, "handoff %d already %s", h.ID, h.Resolution())
}

// MarkAccepted stamps acceptance.
func (h *HandoffPackage) MarkAccepted(by string, at time.Time) error {
	if h.Resolved() {
		return h.alreadyResolved()
	}
	h.AcceptedAt = &at
	h.AcceptedBy = by
	return nil
}

// MarkRejected stamps rejection.
func (h *HandoffPackage) MarkRejected(by, reason string, at time.Time) error {
	if h.Resolved() {
		return h.alreadyResolved()
	}
	h.RejectedAt = &at
	h.RejectedBy = by
	h.RejectionReason = reason
	return nil
}

// Clone returns a deep copy.
func (h *HandoffPackage) Clone() *HandoffPackage {
	c := *h
	if h.Context.Knowledge != nil {
		c.Context.Knowledge = append(json.RawMessage(nil), h.Context.Knowledge...)
	}
	c.AcceptedAt = cloneTime(h.AcceptedAt)
	c.RejectedAt = cloneTime(h.RejectedAt)
	return &c
}
