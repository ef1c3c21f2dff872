// Package observability defines the Sink a predictor reports events to,
// per spec §4.10, plus logiface- and Prometheus-backed implementations.
package observability

import (
	"time"

	"github.com/joeycumines/promptbridge/fingerprint"
)

// EventKind tags what a predictor was doing when it reported an Event.
type EventKind string

const (
	EventPredictStart        EventKind = "predict_start"
	EventPredictAttempt      EventKind = "predict_attempt"
	EventPredictSuccess      EventKind = "predict_success"
	EventPredictFailure      EventKind = "predict_failure"
	EventCacheHit            EventKind = "cache_hit"
	EventCacheMiss           EventKind = "cache_miss"
	EventCacheStore          EventKind = "cache_store"
	EventRetry               EventKind = "retry"
	EventFallback            EventKind = "fallback"
	EventForeignLockAcquired EventKind = "foreign_lock_acquired"
	EventForeignLockReleased EventKind = "foreign_lock_released"
	EventCoroutineCancelled  EventKind = "coroutine_cancelled"
)

// Event describes a single observable occurrence, keyed to the fingerprint
// of the call it's part of so logs/metrics/traces for one Predict call can
// be correlated without threading a request id through every layer.
type Event struct {
	Kind        EventKind
	Signature   string
	Fingerprint fingerprint.Digest
	Attempt     int
	Duration    time.Duration
	Err         error
}

// CorrelationID derives a short id for grouping every Event belonging to
// one Predict call, independent of attempt number.
func (e Event) CorrelationID() string {
	return e.Fingerprint.String()[:16]
}

// Sink receives Events. Implementations must not block the caller for long;
// Predict calls Sink synchronously on the goroutine driving the call.
type Sink interface {
	Emit(Event)
}

// NopSink discards every Event. It is the default when no Sink is
// configured.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans an Event out to every underlying Sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
