package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PushMetrics captures coordinator, worker and trigger counters.
type PushMetrics interface {
	IncPushStarted()
	IncWorkUnitCompleted(repo, status string)
	ObserveStage(stage string, durationSeconds float64)
	IncTitlesSkipped(count int)
	IncMessagesRejected(reason string)
}

// Noop implements PushMetrics without emitting anything.
type Noop struct{}

func (Noop) IncPushStarted()                     {}
func (Noop) IncWorkUnitCompleted(string, string) {}
func (Noop) ObserveStage(string, float64)        {}
func (Noop) IncTitlesSkipped(int)                {}
func (Noop) IncMessagesRejected(string)          {}

// Prom implements PushMetrics backed by Prometheus collectors.
type Prom struct {
	pushesStarted    prometheus.Counter
	unitsCompleted   *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	titlesSkipped    prometheus.Counter
	messagesRejected *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		pushesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_started_total",
			Help:      "Pushes accepted by the coordinator",
		}),
		unitsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_units_completed_total",
			Help:      "Work units finished by repo and status",
		}, []string{"repo", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Worker stage duration by stage",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 1800, 3600},
		}, []string{"stage"}),
		titlesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "titles_skipped_total",
			Help:      "Update titles that did not resolve in the catalog",
		}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound trigger messages dropped by reason",
		}, []string{"reason"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.pushesStarted, p.unitsCompleted, p.stageDuration, p.titlesSkipped, p.messagesRejected)
	})
}

func (p *Prom) IncPushStarted() {
	p.pushesStarted.Inc()
}

func (p *Prom) IncWorkUnitCompleted(repo, status string) {
	p.unitsCompleted.WithLabelValues(repo, status).Inc()
}

func (p *Prom) ObserveStage(stage string, durationSeconds float64) {
	p.stageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

func (p *Prom) IncTitlesSkipped(count int) {
	if count <= 0 {
		return
	}
	p.titlesSkipped.Add(float64(count))
}

func (p *Prom) IncMessagesRejected(reason string) {
	p.messagesRejected.WithLabelValues(reason).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
