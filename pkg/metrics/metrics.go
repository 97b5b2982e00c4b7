package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"routing_key", "queue"},
	)

	// AI 会话调用延迟（毫秒）
	AssistantCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assistant_call_latency_ms",
			Help:    "AI session API call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		},
		[]string{"operation", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 邮件处理结果计数, outcome: processed, timeout, upstream_ai, parse_error, ...
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_pipeline_outcomes_total",
			Help: "Per-item pipeline outcomes by kind",
		},
		[]string{"outcome"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "email_pipeline_tasks_in_flight",
			Help: "Processing tasks currently running",
		},
	)

	PollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assistant_run_poll_attempts",
			Help:    "Status polls needed before a run reached a terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	PushSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_subscribers",
			Help: "Connected push subscribers",
		},
	)

	PushDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_messages_dropped_total",
			Help: "Push messages dropped because a subscriber buffer was full",
		},
		[]string{"reason"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events relayed to the broker",
		},
		[]string{"result"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordAssistantCallLatency 记录 AI 会话调用延迟
func RecordAssistantCallLatency(operation, status string, duration time.Duration) {
	AssistantCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery(operation string) {
	SlowQueryCount.WithLabelValues(operation).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementPipelineOutcome 增加邮件处理结果计数
func IncrementPipelineOutcome(outcome string) {
	PipelineOutcomes.WithLabelValues(outcome).Inc()
}

func ObservePollAttempts(n int) {
	PollAttempts.Observe(float64(n))
}

func IncrementPushDropped(reason string) {
	PushDropped.WithLabelValues(reason).Inc()
}

func IncrementOutboxPublished(result string) {
	OutboxPublished.WithLabelValues(result).Inc()
}
