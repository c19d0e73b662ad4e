package types

import (
	"time"
	"unicode/utf8"
)

// AgentStatus is the availability of a registered agent.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentActive       AgentStatus = "active"
	AgentBlocked      AgentStatus = "blocked"
	AgentUnresponsive AgentStatus = "unresponsive"
	AgentOffline      AgentStatus = "offline"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentActive, AgentBlocked, AgentUnresponsive, AgentOffline:
		return true
	}
	return false
}

// MaxAgentNameLength bounds agent names.
const MaxAgentNameLength = 128

// AgentProfile describes a registered agent. Profiles are never deleted.
type AgentProfile struct {
	// ID is assigned at registration and doubles as registration order.
	ID                 int64         `json:"id"`
	Name               string        `json:"name"`
	Capabilities       CapabilitySet `json:"capabilities"`
	Specializations    CapabilitySet `json:"specializations"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	CurrentLoad        int           `json:"current_load"`
	Status             AgentStatus   `json:"status"`
	ReputationScore    float64       `json:"reputation_score"`
	LastHeartbeat      time.Time     `json:"last_heartbeat"`
	RegisteredAt       time.Time     `json:"registered_at"`
}

// Available reports whether the agent may receive new work.
func (a *AgentProfile) Available() bool {
	return (a.Status == AgentIdle || a.Status == AgentActive) && a.CurrentLoad < a.MaxConcurrentTasks
}

// Clone returns a deep copy.
func (a *AgentProfile) Clone() *AgentProfile {
	c := *a
	c.Capabilities = a.Capabilities.Clone()
	c.Specializations = a.Specializations.Clone()
	return &c
}

// Validate checks the structural invariants of the profile.
func (a *AgentProfile) Validate() error {
	if err := ValidateAgentName(a.Name); err != nil {
		return err
	}
	if a.Capabilities.Len() == 0 {
		return ValidationError("agent %s must declare at least one capability", a.Name)
	}
	if missing := a.Capabilities.Missing(a.Specializations); missing.Len() > 0 {
		return ValidationError("agent %s specializations %v are not capabilities", a.Name, []string(missing))
	}
	if a.MaxConcurrentTasks < 1 {
		return ValidationError("agent %s max_concurrent_tasks must be at least 1", a.Name)
	}
	if a.CurrentLoad < 0 || a.CurrentLoad > a.MaxConcurrentTasks {
		return ValidationError("agent %s load %d outside [0, %d]", a.Name, a.CurrentLoad, a.MaxConcurrentTasks)
	}
	if a.ReputationScore < 0 || a.ReputationScore > 1 {
		return ValidationError("agent %s reputation %.3f outside [0, 1]", a.Name, a.ReputationScore)
	}
	if !a.Status.Valid() {
		return ValidationError("agent %s has unknown status %q", a.Name, a.Status)
	}
	return nil
}

// ValidateAgentName checks an agent identifier.
func ValidateAgentName(name string) error {
	if name == "" {
		return ValidationError("agent name is required")
	}
	if utf8.RuneCountInString(name) > MaxAgentNameLength {
		return ValidationError("agent name exceeds %d characters", MaxAgentNameLength)
	}
	return nil
}

// ClampScore limits v to [0, 1].
func ClampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
