package types

import "time"

// MaxWorkflowSteps bounds the length of a workflow.
const MaxWorkflowSteps = 256

// WorkflowStep is one capability-tagged stage of a workflow.
type WorkflowStep struct {
	Name                 string        `json:"name" yaml:"name"`
	RequiredCapabilities CapabilitySet `json:"required_capabilities" yaml:"required_capabilities"`
	EstimatedMinutes     int           `json:"estimated_minutes" yaml:"estimated_minutes"`
	Instructions         string        `json:"instructions,omitempty" yaml:"instructions"`
}

// RetryPolicy bounds how many failures a task absorbs before it is blocked.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// WorkflowDefinition is an ordered sequence of steps. A definition becomes
// immutable once a task has been assigned to it.
type WorkflowDefinition struct {
	ID    int64          `json:"id" yaml:"-"`
	Name  string         `json:"name" yaml:"name"`
	Steps []WorkflowStep `json:"steps" yaml:"steps"`
	// ParallelExecution is stored but steps always run linearly.
	ParallelExecution bool        `json:"parallel_execution" yaml:"parallel_execution"`
	RetryPolicy       RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
	InUse             bool        `json:"in_use" yaml:"-"`
	ClonedFrom        *int64      `json:"cloned_from,omitempty" yaml:"-"`
	CreatedAt         time.Time   `json:"created_at" yaml:"-"`
}

// Step returns the step at index i.
func (w *WorkflowDefinition) Step(i int) (WorkflowStep, bool) {
	if i < 0 || i >= len(w.Steps) {
		return WorkflowStep{}, false
	}
	return w.Steps[i], true
}

// Clone returns a deep copy.
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *w
	c.Steps = make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		s.RequiredCapabilities = s.RequiredCapabilities.Clone()
		c.Steps[i] = s
	}
	c.ClonedFrom = cloneInt64(w.ClonedFrom)
	return &c
}

// Validate checks the definition before it is stored.
func (w *WorkflowDefinition) Validate() error {
	if w.Name == "" {
		return ValidationError("workflow name is required")
	}
	if len(w.Steps) == 0 {
		return ValidationError("workflow %s must have at least one step", w.Name)
	}
	if len(w.Steps) > MaxWorkflowSteps {
		return ValidationError("workflow %s exceeds %d steps", w.Name, MaxWorkflowSteps)
	}
	seen := make(map[string]struct{}, len(w.Steps))
	for i, s := range w.Steps {
		if s.Name == "" {
			return ValidationError("workflow %s step %d has no name", w.Name, i)
		}
		if _, dup := seen[s.Name]; dup {
			return ValidationError("workflow %s has duplicate step %q", w.Name, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.EstimatedMinutes < 0 {
			return ValidationError("workflow %s step %q has negative estimate", w.Name, s.Name)
		}
	}
	if w.RetryPolicy.MaxRetries < 0 {
		return ValidationError("workflow %s retry policy must not be negative", w.Name)
	}
	return nil
}

// CompletedStepRecord is the append-only audit entry for a finished step.
type CompletedStepRecord struct {
	ID          int64         `json:"id"`
	TaskID      int64         `json:"task_id"`
	TaskCode    string        `json:"task_code"`
	WorkflowID  int64         `json:"workflow_id"`
	StepIndex   int           `json:"step_index"`
	StepName    string        `json:"step_name"`
	CompletedBy string        `json:"completed_by"`
	Output      string        `json:"output,omitempty"`
	Confidence  float64       `json:"confidence"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}
