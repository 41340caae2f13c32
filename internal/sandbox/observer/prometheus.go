package observer

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codesandbox"

// Prometheus implements MetricsRecorder with client_golang collectors.
type Prometheus struct {
	compiles       *prometheus.CounterVec
	runs           *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	memory         *prometheus.HistogramVec
	queueWait      *prometheus.HistogramVec
	rateLimited    prometheus.Counter
	inFlight       prometheus.Gauge
	liveWorkspaces prometheus.Gauge
}

// NewPrometheus registers the sandbox collectors on reg. A nil reg uses the
// default registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		compiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compiles_total",
			Help:      "Compile steps by language and outcome",
		}, []string{"language", "ok"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Run steps by language and termination kind",
		}, []string{"language", "termination"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Finished submissions by language and failure kind",
		}, []string{"language", "failure"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_ms",
			Help:      "Wall time in milliseconds",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}, []string{"language", "phase"}),
		memory: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_peak_kb",
			Help:      "Peak memory per process tree in KB",
			Buckets:   []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288},
		}, []string{"language", "phase"}),
		queueWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_ms",
			Help:      "Time spent waiting for an execution slot",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"admitted"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Submissions holding an execution slot",
		}),
		liveWorkspaces: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_workspaces",
			Help:      "Workspaces that exist on disk",
		}),
	}
}

func (p *Prometheus) ObserveCompile(_ context.Context, languageID string, ok bool, wall time.Duration, memoryKB int64) {
	p.compiles.WithLabelValues(languageID, strconv.FormatBool(ok)).Inc()
	p.duration.WithLabelValues(languageID, "compile").Observe(millis(wall))
	if memoryKB > 0 {
		p.memory.WithLabelValues(languageID, "compile").Observe(float64(memoryKB))
	}
}

func (p *Prometheus) ObserveRun(_ context.Context, languageID string, termination string, wall time.Duration, memoryKB int64) {
	p.runs.WithLabelValues(languageID, termination).Inc()
	p.duration.WithLabelValues(languageID, "run").Observe(millis(wall))
	if memoryKB > 0 {
		p.memory.WithLabelValues(languageID, "run").Observe(float64(memoryKB))
	}
}

func (p *Prometheus) ObserveSubmission(_ context.Context, languageID string, failure string, total time.Duration) {
	if failure == "" {
		failure = "none"
	}
	p.submissions.WithLabelValues(languageID, failure).Inc()
	p.duration.WithLabelValues(languageID, "total").Observe(millis(total))
}

func (p *Prometheus) ObserveQueueWait(_ context.Context, wait time.Duration, admitted bool) {
	p.queueWait.WithLabelValues(strconv.FormatBool(admitted)).Observe(millis(wait))
}

func (p *Prometheus) ObserveRateLimited(context.Context) {
	p.rateLimited.Inc()
}

func (p *Prometheus) SetInFlight(n int) {
	p.inFlight.Set(float64(n))
}

func (p *Prometheus) SetLiveWorkspaces(n int) {
	p.liveWorkspaces.Set(float64(n))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
