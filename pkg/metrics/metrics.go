package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 路线图流水线各阶段结果
	PipelineStageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadmap_pipeline_stage_total",
			Help: "Roadmap pipeline stage outcomes",
		},
		[]string{"stage", "outcome"}, // outcome: success, retry, failed
	)

	// 路线图流水线整体耗时（秒）
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roadmap_pipeline_duration_seconds",
			Help:    "End-to-end roadmap pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"result"},
	)

	// 级联状态转换计数
	CascadeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progression_transitions_total",
			Help: "Milestone and goal transitions applied by the progression engine",
		},
		[]string{"entity", "to"},
	)

	// 级联失败计数（不影响任务更新本身）
	CascadeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progression_cascade_failures_total",
			Help: "Cascade steps that failed after the task mutation committed",
		},
		[]string{"step"},
	)

	// 循环规则物化的任务数
	MaterializedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurrence_materialized_tasks_total",
			Help: "Tasks produced by recurrence materialization",
		},
		[]string{"result"}, // result: created, duplicate
	)

	// 循环规则失败计数
	RecurrenceRuleFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurrence_rule_failures_total",
			Help: "Recurrence rules that failed during a materialization run",
		},
	)

	// Planner 调用延迟（毫秒）
	PlannerCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planner_call_latency_ms",
			Help:    "Planner call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"operation", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordPipelineStage 记录流水线阶段结果
func RecordPipelineStage(stage, outcome string) {
	PipelineStageTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordPipelineDuration 记录流水线整体耗时
func RecordPipelineDuration(result string, duration time.Duration) {
	PipelineDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordTransition 记录一次级联状态转换
func RecordTransition(entity, to string) {
	CascadeTransitions.WithLabelValues(entity, to).Inc()
}

// RecordCascadeFailure 记录一次级联失败
func RecordCascadeFailure(step string) {
	CascadeFailures.WithLabelValues(step).Inc()
}

// AddMaterializedTasks 累加物化任务数
func AddMaterializedTasks(created, duplicates int) {
	MaterializedTasks.WithLabelValues("created").Add(float64(created))
	MaterializedTasks.WithLabelValues("duplicate").Add(float64(duplicates))
}

// RecordPlannerCall 记录 Planner 调用延迟
func RecordPlannerCall(operation, status string, duration time.Duration) {
	PlannerCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordRuleFailure 记录一次循环规则失败
func RecordRuleFailure() {
	RecurrenceRuleFailures.Inc()
}
