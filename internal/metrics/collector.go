// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 编排操作指标
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	taskTransitions   *prometheus.CounterVec
	handoffsTotal     *prometheus.CounterVec
	workflowSteps     *prometheus.CounterVec

	// Agent 指标
	agentLoad       *prometheus.GaugeVec
	agentReputation *prometheus.GaugeVec

	// 事件日志指标
	eventsPublished   *prometheus.CounterVec
	eventSinkFailures *prometheus.CounterVec
	eventsDropped     prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建注册到默认 Registry 的指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWithRegistry 创建注册到指定 Registry 的指标收集器
func NewCollectorWithRegistry(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 编排操作指标
	c.operationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of orchestration operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Orchestration operation duration in seconds, lock wait included",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	c.taskTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_state_transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of handoff packages by lifecycle event",
		},
		[]string{"event"}, // created, unaddressed, accepted, rejected
	)

	c.workflowSteps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_completed_total",
			Help:      "Total number of completed workflow steps",
		},
		[]string{"workflow_id"},
	)

	// Agent 指标
	c.agentLoad = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_current_load",
			Help:      "Current number of non-terminal tasks owned by an agent",
		},
		[]string{"agent"},
	)

	c.agentReputation = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_reputation_score",
			Help:      "Current reputation score of an agent",
		},
		[]string{"agent"},
	)

	// 事件日志指标
	c.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events delivered to sinks",
		},
		[]string{"sink"},
	)

	c.eventSinkFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Total number of failed event sink writes",
		},
		[]string{"sink"},
	)

	c.eventsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because the buffer was full",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔀 编排指标记录
// =============================================================================

// RecordOperation 记录一次编排操作，outcome 为 ok 或错误码
func (c *Collector) RecordOperation(operation, outcome string, duration time.Duration) {
	c.operationsTotal.WithLabelValues(operation, outcome).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTaskTransition 记录任务状态转换
func (c *Collector) RecordTaskTransition(fromState, toState string) {
	c.taskTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordHandoff 记录交接包生命周期事件
func (c *Collector) RecordHandoff(event string) {
	c.handoffsTotal.WithLabelValues(event).Inc()
}

// RecordWorkflowStep 记录完成的工作流步骤
func (c *Collector) RecordWorkflowStep(workflowID int64) {
	c.workflowSteps.WithLabelValues(strconv.FormatInt(workflowID, 10)).Inc()
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordAgentLoad 记录 Agent 负载
func (c *Collector) RecordAgentLoad(agent string, load int) {
	c.agentLoad.WithLabelValues(agent).Set(float64(load))
}

// RecordAgentReputation 记录 Agent 信誉
func (c *Collector) RecordAgentReputation(agent string, score float64) {
	c.agentReputation.WithLabelValues(agent).Set(score)
}

// =============================================================================
// 📝 事件日志指标记录
// =============================================================================

// RecordEventPublished 记录事件投递成功
func (c *Collector) RecordEventPublished(sink string) {
	c.eventsPublished.WithLabelValues(sink).Inc()
}

// RecordEventSinkFailure 记录事件投递失败
func (c *Collector) RecordEventSinkFailure(sink string) {
	c.eventSinkFailures.WithLabelValues(sink).Inc()
}

// RecordEventDropped 记录因缓冲区满而丢弃的事件
func (c *Collector) RecordEventDropped() {
	c.eventsDropped.Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
