package observability

import (
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// LogifaceSink logs every Event through a logiface.Logger, following the
// same builder-chain idiom izerolog itself uses to bridge logiface onto
// zerolog.
type LogifaceSink struct {
	logger *logiface.Logger[*izerolog.Event]
}

// NewLogifaceSink wraps a zerolog.Logger behind a logiface logger, the way
// izerolog.L.New(izerolog.L.WithZerolog(...)) is used throughout the
// zerolog backend's own test suite.
func NewLogifaceSink(z zerolog.Logger) *LogifaceSink {
	return &LogifaceSink{
		logger: izerolog.L.New(izerolog.L.WithZerolog(z), izerolog.L.WithLevel(izerolog.L.LevelTrace())),
	}
}

func (s *LogifaceSink) Emit(e Event) {
	var b *logiface.Builder[*izerolog.Event]
	switch e.Kind {
	case EventPredictFailure:
		b = s.logger.Err()
	case EventRetry, EventFallback, EventCacheMiss:
		b = s.logger.Warning()
	default:
		b = s.logger.Info()
	}

	b = b.Str("signature", e.Signature).
		Str("fingerprint", e.CorrelationID()).
		Int("attempt", e.Attempt).
		Dur("duration", e.Duration)

	if e.Err != nil {
		b = b.Err(e.Err)
	}

	b.Log(string(e.Kind))
}
