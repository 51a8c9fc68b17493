package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments of the job pipeline. A nil
// *Metrics records nothing.
type Metrics struct {
	TaskOutcomes  *prometheus.CounterVec
	TaskRetries   *prometheus.CounterVec
	EngineLatency *prometheus.HistogramVec
	EngineActive  *prometheus.GaugeVec
	SampleResults *prometheus.CounterVec
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Finished task runs by queue and outcome.",
		}, []string{"queue", "outcome"}),
		TaskRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Task runs handed back to the queue for another attempt.",
		}, []string{"queue", "reason"}),
		EngineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_call_seconds",
			Help:      "Wall-clock duration of engine adapter calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
		}, []string{"engine", "op"}),
		EngineActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_calls_in_flight",
			Help:      "Engine adapter calls currently running in this process.",
		}, []string{"engine"}),
		SampleResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_samples_total",
			Help:      "Voice samples processed during preparation by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) TaskOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) TaskRetry(queue, reason string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) Sample(outcome string) {
	if m == nil {
		return
	}
	m.SampleResults.WithLabelValues(outcome).Inc()
}

// EngineCall marks a call as started and returns the func that records its
// end.
func (m *Metrics) EngineCall(engine, op string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	g := m.EngineActive.WithLabelValues(engine)
	g.Inc()
	return func() {
		g.Dec()
		m.EngineLatency.WithLabelValues(engine, op).Observe(time.Since(start).Seconds())
	}
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
