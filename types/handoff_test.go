package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffTarget_XOR(t *testing.T) {
	assert.NoError(t, AgentTarget("agent-b").Validate())
	assert.NoError(t, CapabilityTarget("rust").Validate())
	assert.Error(t, HandoffTarget{}.Validate())

	var target HandoffTarget
	require.NoError(t, json.Unmarshal([]byte(`{"capability":"rust"}`), &target))
	tag, ok := target.Capability()
	assert.True(t, ok)
	assert.Equal(t, "rust", tag)
	_, ok = target.Agent()
	assert.False(t, ok)

	err := json.Unmarshal([]byte(`{"agent":"a","capability":"rust"}`), &target)
	assert.True(t, IsCode(err, ErrValidation))
	err = json.Unmarshal([]byte(`{}`), &target)
	assert.True(t, IsCode(err, ErrValidation))

	out, err := json.Marshal(AgentTarget("agent-b"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent":"agent-b"}`, string(out))
}

func TestHandoffPackage_ResolveOnce(t *testing.T) {
	now := time.Now()

	h := &HandoffPackage{ID: 5, TaskCode: "T2", FromAgent: "agent-a", Target: AgentTarget("agent-b")}
	assert.Equal(t, HandoffPending, h.Resolution())

	require.NoError(t, h.MarkRejected("agent-b", "not my area", now))
	assert.Equal(t, HandoffRejected, h.Resolution())

	err := h.MarkAccepted("agent-b", now)
	assert.True(t, IsCode(err, ErrAlreadyResolved))
	err = h.MarkRejected("agent-b", "again", now)
	assert.True(t, IsCode(err, ErrAlreadyResolved))

	assert.Nil(t, h.AcceptedAt)
	assert.Equal(t, "not my area", h.RejectionReason)
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "review-flow",
		Steps: []WorkflowStep{
			{Name: "implement", RequiredCapabilities: MustCapabilities("rust")},
			{Name: "review", RequiredCapabilities: MustCapabilities("review")},
		},
	}
	require.NoError(t, def.Validate())

	clone := def.Clone()
	clone.Steps[0].Name = "changed"
	assert.Equal(t, "implement", def.Steps[0].Name)

	def.Steps = append(def.Steps, WorkflowStep{Name: "review"})
	assert.Error(t, def.Validate())

	assert.Error(t, (&WorkflowDefinition{Name: "empty"}).Validate())
}
