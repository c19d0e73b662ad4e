package agentmesh

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/discovery"
	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/handoff"
	"github.com/BaSui01/agentmesh/agent/knowledge"
	"github.com/BaSui01/agentmesh/agent/tasks"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/workflow"
)

// Metrics is everything the orchestrator reports. *metrics.Collector
// satisfies it.
type Metrics interface {
	unit.Metrics
	discovery.Metrics
	handoff.Metrics
	workflow.Metrics
}

// Config groups the settings of every component.
type Config struct {
	Registry          discovery.RegistryConfig `json:"registry" yaml:"registry"`
	Tasks             tasks.Config             `json:"tasks" yaml:"tasks"`
	Handoff           handoff.Config           `json:"handoff" yaml:"handoff"`
	WorkflowCacheSize int                      `json:"workflow_cache_size" yaml:"workflow_cache_size"`
}

// DefaultConfig returns the default component settings.
func DefaultConfig() Config {
	return Config{
		Registry:          discovery.DefaultRegistryConfig(),
		Tasks:             tasks.DefaultConfig(),
		Handoff:           handoff.DefaultConfig(),
		WorkflowCacheSize: workflow.DefaultCacheSize,
	}
}

// Option configures the orchestrator created by New.
type Option func(*options)

type options struct {
	config    Config
	logger    *zap.Logger
	publisher events.Publisher
	metrics   Metrics
	knowledge knowledge.Provider
	tracer    trace.Tracer
	clock     func() time.Time
}

// WithConfig replaces the component settings.
func WithConfig(c Config) Option {
	return func(o *options) { o.config = c }
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPublisher receives the events of every committed operation.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithMetrics enables metrics reporting.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithKnowledge sets the context snapshot provider used by handoffs.
func WithKnowledge(p knowledge.Provider) Option {
	return func(o *options) { o.knowledge = p }
}

// WithTracer overrides the tracer of operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}
