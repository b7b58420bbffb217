package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	m.RecordEvent()
	m.RecordEvent()
	m.RecordPublished(20 * time.Millisecond)
	m.RecordResult(OutcomeSuccess)
	m.RecordResult(OutcomeNoDetection)
	m.RecordResult(OutcomeNoDetection)
	m.RecordSubmitted(100 * time.Millisecond)
	m.RecordFailure("submit")
	m.RecordUnmatched()
	m.RecordExpired(3)
	m.RecordExpired(0)
	m.SetInFlight(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resultsTotal.WithLabelValues(OutcomeNoDetection)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues("submit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.expiredTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.inFlight))

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.EventsReceived)
	assert.Equal(t, uint64(1), s.JobsPublished)
	assert.Equal(t, uint64(1), s.Results[OutcomeSuccess])
	assert.Equal(t, uint64(1), s.PredictionsSubmitted)
	assert.Equal(t, uint64(1), s.Failures["submit"])
	assert.Equal(t, uint64(1), s.UnmatchedResults)
	assert.Equal(t, uint64(3), s.ExpiredJobs)
	assert.Equal(t, 4, s.InFlight)
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New(reg).Register())
	// a second instance hits AlreadyRegisteredError, which is tolerated
	m := New(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordFailure("publish")

	s := m.Snapshot()
	s.Failures["publish"] = 99

	assert.Equal(t, uint64(1), m.Snapshot().Failures["publish"])
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())
	m.RecordEvent()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "chimpflow_dispatch_events_received_total 1")
}
