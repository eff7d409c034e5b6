package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "strata"

var (
	// StepTransitions — переходы шагов по фазе и новому статусу.
	StepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_transitions_total",
		Help:      "Step status transitions by phase and status",
	}, []string{"phase", "status"})

	// StepDuration — длительность действий шагов.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of step actions by operation and phase",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"operation", "phase"})

	// TransportRetries — повторы вызовов адаптера после транспортных ошибок.
	TransportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_retries_total",
		Help:      "Adapter calls retried after a transport fault",
	}, []string{"operation"})

	// WorkflowsFinished — завершённые графы по итоговому статусу.
	WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_finished_total",
		Help:      "Finished workflows by terminal status",
	}, []string{"status"})

	// ActiveWorkflows — графы, которые сейчас ведёт движок.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workflows",
		Help:      "Workflows currently driven by the engine",
	})

	// PollResults — результаты опроса job.
	PollResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_polls_total",
		Help:      "Job polls by result",
	}, []string{"result"})

	// PendingJobs — job, которые сейчас опрашивает Poller.
	PendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_jobs",
		Help:      "Asynchronous jobs being polled",
	})

	// LockWait — время ожидания блокировок ресурсов.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for resource locks",
		Buckets:   prometheus.DefBuckets,
	})

	// WorkflowsArchived — архивированные графы.
	WorkflowsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_archived_total",
		Help:      "Finished workflows archived by the scheduler",
	})

	// MessagesConsumed — сообщения RabbitMQ по очереди и результату обработки.
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_consumed_total",
		Help:      "Messages consumed from RabbitMQ by queue and result",
	}, []string{"queue", "result"})

	// HTTPRequests — запросы API по шаблону маршрута и коду ответа.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route and status code",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
