package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	registry       *prom.Registry
	taskOutcomes   *prom.CounterVec
	batchOutcomes  *prom.CounterVec
	taskDuration   *prom.HistogramVec
	batchDuration  prom.Histogram
	queueDepth     prom.Gauge
	workersBusy    prom.Gauge
	commentResults *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the engine metrics on reg
// (a fresh registry when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	p := &PrometheusRecorder{registry: reg}
	p.taskOutcomes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "reviewd",
		Name:      "task_outcomes_total",
		Help:      "Finished review tasks by final status",
	}, []string{"outcome"})
	p.batchOutcomes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "reviewd",
		Name:      "batch_outcomes_total",
		Help:      "Assistant batches by result",
	}, []string{"outcome"})
	p.taskDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: "reviewd",
		Name:      "task_duration_seconds",
		Help:      "End-to-end review task processing time",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"repo"})
	p.batchDuration = prom.NewHistogram(prom.HistogramOpts{
		Namespace: "reviewd",
		Name:      "batch_duration_seconds",
		Help:      "Duration of individual assistant invocations",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800},
	})
	p.queueDepth = prom.NewGauge(prom.GaugeOpts{
		Namespace: "reviewd",
		Name:      "queue_depth",
		Help:      "Tasks waiting for a worker slot",
	})
	p.workersBusy = prom.NewGauge(prom.GaugeOpts{
		Namespace: "reviewd",
		Name:      "workers_busy",
		Help:      "Occupied worker slots",
	})
	p.commentResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "reviewd",
		Name:      "comment_posts_total",
		Help:      "Review comment deliveries by result",
	}, []string{"result"})
	reg.MustRegister(p.taskOutcomes, p.batchOutcomes, p.taskDuration, p.batchDuration,
		p.queueDepth, p.workersBusy, p.commentResults)
	return p
}

// Handler serves the registry for the /metrics endpoint.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) IncTaskOutcome(outcome string) {
	p.taskOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncBatchOutcome(outcome string) {
	p.batchOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveTaskDuration(repo string, d time.Duration) {
	p.taskDuration.WithLabelValues(repo).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBatchDuration(d time.Duration) {
	p.batchDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetWorkersBusy(n int) {
	p.workersBusy.Set(float64(n))
}

func (p *PrometheusRecorder) IncCommentPost(success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	p.commentResults.WithLabelValues(result).Inc()
}
