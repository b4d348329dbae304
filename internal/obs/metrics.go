// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/flyingrobots/judge-platform/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "evaluations_submitted_total",
        Help: "Total number of evaluation jobs submitted",
    })
    JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "evaluations_claimed_total",
        Help: "Total number of evaluation jobs claimed by workers",
    })
    JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "evaluations_completed_total",
        Help: "Total number of successfully completed evaluation jobs",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "evaluations_failed_total",
        Help: "Total number of failed evaluation jobs",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "evaluations_retried_total",
        Help: "Total number of evaluation job retries",
    })
    JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "evaluations_dead_letter_total",
        Help: "Total number of evaluation jobs moved to the dead letter queue",
    })
    JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "evaluation_duration_seconds",
        Help:    "Histogram of end-to-end evaluation durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current length of Redis priority queues",
    }, []string{"queue"})
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of jobs recovered by the reaper from processing lists",
    })
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })
    SandboxExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "sandbox_executions_total",
        Help: "Total number of sandbox executions by verdict",
    }, []string{"verdict"})
    PluginCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "plugin_host_calls_total",
        Help: "Total number of plugin host-function calls by capability and result",
    }, []string{"capability", "result"})
    PolicyDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "policy_decisions_total",
        Help: "Total number of ABAC policy decisions",
    }, []string{"decision"})
)

func init() {
    prometheus.MustRegister(JobsSubmitted, JobsClaimed, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter,
        JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, WorkerActive,
        SandboxExecutions, PluginCalls, PolicyDecisions)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
