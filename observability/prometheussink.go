package observability

import "github.com/prometheus/client_golang/prometheus"

// PrometheusSink records predictor activity as Prometheus metrics, labeled
// by signature and event kind.
type PrometheusSink struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	attempts *prometheus.HistogramVec
}

// NewPrometheusSink registers its metrics against reg and returns a Sink.
// Passing prometheus.DefaultRegisterer matches the common case of a
// process-wide /metrics endpoint.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptbridge",
			Name:      "events_total",
			Help:      "Count of promptbridge predictor events by signature and kind.",
		}, []string{"signature", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptbridge",
			Name:      "call_duration_seconds",
			Help:      "Duration of foreign predictor calls, by signature and kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"signature", "kind"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptbridge",
			Name:      "attempts",
			Help:      "Attempt number reached by a completed Predict call, by signature.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"signature"}),
	}

	for _, c := range []prometheus.Collector{s.events, s.duration, s.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *PrometheusSink) Emit(e Event) {
	s.events.WithLabelValues(e.Signature, string(e.Kind)).Inc()
	if e.Duration > 0 {
		s.duration.WithLabelValues(e.Signature, string(e.Kind)).Observe(e.Duration.Seconds())
	}
	if e.Kind == EventPredictSuccess || e.Kind == EventPredictFailure {
		s.attempts.WithLabelValues(e.Signature).Observe(float64(e.Attempt))
	}
}
