package observability

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNopSinkDiscardsEverything(t *testing.T) {
	require.NotPanics(t, func() {
		NopSink{}.Emit(Event{Kind: EventPredictSuccess})
	})
}

func TestMultiSinkFansOut(t *testing.T) {
	var calls []EventKind
	rec := recorderSink(func(e Event) { calls = append(calls, e.Kind) })
	m := MultiSink{rec, rec}

	m.Emit(Event{Kind: EventCacheHit})
	require.Equal(t, []EventKind{EventCacheHit, EventCacheHit}, calls)
}

type recorderSink func(Event)

func (r recorderSink) Emit(e Event) { r(e) }

func TestLogifaceSinkWritesStructuredLog(t *testing.T) {
	var buf bytes.Buffer
	z := zerolog.New(&buf)
	sink := NewLogifaceSink(z)

	sink.Emit(Event{
		Kind:      EventPredictFailure,
		Signature: "question -> answer",
		Attempt:   2,
		Duration:  50 * time.Millisecond,
		Err:       errors.New("boom"),
	})

	out := buf.String()
	require.Contains(t, out, "predict_failure")
	require.Contains(t, out, "question -> answer")
	require.Contains(t, out, "boom")
}

func TestPrometheusSinkIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	sink.Emit(Event{Kind: EventPredictSuccess, Signature: "q -> a", Attempt: 1, Duration: 10 * time.Millisecond})

	families, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "promptbridge_events_total" {
			found = f
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	require.Equal(t, float64(1), found.Metric[0].GetCounter().GetValue())
}
