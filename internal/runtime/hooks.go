package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/chimpflow/internal/runtime/logging"
	"github.com/drblury/chimpflow/internal/runtime/metrics"
	"github.com/drblury/chimpflow/internal/runtime/protocol"
)

// JobContext describes the job a hook is called for.
type JobContext struct {
	// JobID is empty for failures that happen before a job exists, such as
	// a malformed result.
	JobID string
	Plate uuid.UUID
	Well  int32
	// PublishedAt is zero when the job was not published by this dispatcher.
	PublishedAt time.Time
	// Duration is the time since PublishedAt, set for result and
	// submission hooks when PublishedAt is known.
	Duration time.Duration
	Context  context.Context
}

// DispatchHooks are callbacks for job lifecycle events. Nil hooks are skipped.
// Hooks run on the dispatch goroutine and must not block.
type DispatchHooks struct {
	OnJobPublished        func(ctx JobContext)
	OnResult              func(ctx JobContext, result protocol.Result)
	OnPredictionSubmitted func(ctx JobContext, predictionID string)
	OnFailure             func(ctx JobContext, stage Stage, err error)
}

// Merge combines two DispatchHooks. The hooks from other run after h's.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnJobPublished:        chain(h.OnJobPublished, other.OnJobPublished),
		OnResult:              chain2(h.OnResult, other.OnResult),
		OnPredictionSubmitted: chain2(h.OnPredictionSubmitted, other.OnPredictionSubmitted),
		OnFailure:             chainFailure(h.OnFailure, other.OnFailure),
	}
}

func chain[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chain2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func chainFailure(a, b func(JobContext, Stage, error)) func(JobContext, Stage, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, stage Stage, err error) {
		a(ctx, stage, err)
		b(ctx, stage, err)
	}
}

// LoggingHooks returns hooks that log each lifecycle event.
func LoggingHooks(logger logging.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnJobPublished: func(ctx JobContext) {
			logger.Info("Job published", logging.LogFields{
				"job_id": ctx.JobID,
				"plate":  ctx.Plate.String(),
				"well":   ctx.Well,
			})
		},
		OnResult: func(ctx JobContext, result protocol.Result) {
			logger.Info("Job result received", logging.LogFields{
				"job_id":      ctx.JobID,
				"outcome":     protocol.Tag(result),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnPredictionSubmitted: func(ctx JobContext, predictionID string) {
			logger.Info("Prediction recorded", logging.LogFields{
				"job_id":        ctx.JobID,
				"prediction_id": predictionID,
				"duration_ms":   ctx.Duration.Milliseconds(),
			})
		},
		OnFailure: func(ctx JobContext, stage Stage, err error) {
			logger.Error("Dispatch step failed", err, logging.LogFields{
				"job_id": ctx.JobID,
				"stage":  string(stage),
			})
		},
	}
}

// MetricsHooks returns hooks that feed the dispatch collectors. The
// Dispatcher records through these when DispatcherDependencies.Metrics is set.
func MetricsHooks(m *metrics.DispatchMetrics) DispatchHooks {
	if m == nil {
		return DispatchHooks{}
	}
	return DispatchHooks{
		OnResult: func(_ JobContext, result protocol.Result) {
			m.RecordResult(outcomeOf(result))
		},
		OnFailure: func(_ JobContext, stage Stage, _ error) {
			m.RecordFailure(string(stage))
		},
	}
}

func outcomeOf(result protocol.Result) string {
	switch result.(type) {
	case protocol.Success:
		return metrics.OutcomeSuccess
	case protocol.NoDetection:
		return metrics.OutcomeNoDetection
	default:
		return metrics.OutcomeFailure
	}
}

func (h DispatchHooks) runFailure(ctx JobContext, stage Stage, err error) {
	if h.OnFailure != nil {
		h.OnFailure(ctx, stage, err)
	}
}
