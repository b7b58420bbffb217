package runtime

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/drblury/chimpflow/internal/runtime/metrics"
	"github.com/drblury/chimpflow/internal/runtime/protocol"
)

func TestDispatchHooks_MergeCallsBothInOrder(t *testing.T) {
	var order []string

	a := DispatchHooks{
		OnJobPublished: func(JobContext) { order = append(order, "a.published") },
		OnFailure:      func(JobContext, Stage, error) { order = append(order, "a.failure") },
	}
	b := DispatchHooks{
		OnJobPublished:        func(JobContext) { order = append(order, "b.published") },
		OnResult:              func(JobContext, protocol.Result) { order = append(order, "b.result") },
		OnPredictionSubmitted: func(JobContext, string) { order = append(order, "b.submitted") },
		OnFailure:             func(JobContext, Stage, error) { order = append(order, "b.failure") },
	}

	merged := a.Merge(b)
	merged.OnJobPublished(JobContext{})
	merged.OnResult(JobContext{}, protocol.NoDetection{})
	merged.OnPredictionSubmitted(JobContext{}, "id")
	merged.OnFailure(JobContext{}, StageSubmit, errors.New("x"))

	assert.Equal(t, []string{
		"a.published", "b.published",
		"b.result",
		"b.submitted",
		"a.failure", "b.failure",
	}, order)
}

func TestDispatchHooks_MergeEmpty(t *testing.T) {
	merged := DispatchHooks{}.Merge(DispatchHooks{})
	assert.Nil(t, merged.OnJobPublished)
	assert.Nil(t, merged.OnResult)
	assert.Nil(t, merged.OnPredictionSubmitted)
	assert.Nil(t, merged.OnFailure)

	assert.NotPanics(t, func() {
		merged.runFailure(JobContext{}, StageDecode, errors.New("x"))
	})
}

func TestLoggingHooks(t *testing.T) {
	logger := &recordingLogger{}
	hooks := LoggingHooks(logger)

	hooks.OnJobPublished(JobContext{JobID: "job-1", Well: 3})
	hooks.OnResult(JobContext{JobID: "job-1"}, protocol.Failure{JobID: "job-1", Error: "bad image"})
	hooks.OnPredictionSubmitted(JobContext{JobID: "job-1"}, "p-1")
	hooks.OnFailure(JobContext{JobID: "job-1"}, StagePublish, errors.New("nack"))

	msgs := logger.messages()
	assert.Equal(t, []string{"Job published", "Job result received", "Prediction recorded", "Dispatch step failed"}, msgs)
	assert.Equal(t, protocol.TagFailure, logger.entries[1].fields["outcome"])
	assert.Equal(t, "publish", logger.entries[3].fields["stage"])
	assert.EqualError(t, logger.entries[3].err, "nack")
}

func TestMetricsHooks(t *testing.T) {
	assert.Nil(t, MetricsHooks(nil).OnResult)

	m := metrics.New(prometheus.NewRegistry())
	hooks := MetricsHooks(m)
	hooks.OnResult(JobContext{}, protocol.Success{})
	hooks.OnResult(JobContext{}, protocol.NoDetection{})
	hooks.OnResult(JobContext{}, protocol.Failure{})
	hooks.OnFailure(JobContext{}, StageSubmit, errors.New("x"))

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.Results[metrics.OutcomeSuccess])
	assert.Equal(t, uint64(1), snap.Results[metrics.OutcomeNoDetection])
	assert.Equal(t, uint64(1), snap.Results[metrics.OutcomeFailure])
	assert.Equal(t, uint64(1), snap.Failures["submit"])
}
