// Package metrics exposes the dispatcher's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result outcomes used as the "outcome" label.
const (
	OutcomeSuccess     = "success"
	OutcomeNoDetection = "no_detection"
	OutcomeFailure     = "failure"
)

// DispatchMetrics counts what flows through the dispatcher.
type DispatchMetrics struct {
	mu       sync.Mutex
	snapshot Snapshot

	eventsTotal     prometheus.Counter
	publishedTotal  prometheus.Counter
	resultsTotal    *prometheus.CounterVec
	submittedTotal  prometheus.Counter
	failuresTotal   *prometheus.CounterVec
	unmatchedTotal  prometheus.Counter
	expiredTotal    prometheus.Counter
	inFlight        prometheus.Gauge
	publishDuration prometheus.Histogram
	submitDuration  prometheus.Histogram
	registerer      prometheus.Registerer
	registered      bool
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	EventsReceived       uint64            `json:"events_received"`
	JobsPublished        uint64            `json:"jobs_published"`
	Results              map[string]uint64 `json:"results"`
	PredictionsSubmitted uint64            `json:"predictions_submitted"`
	Failures             map[string]uint64 `json:"failures"`
	UnmatchedResults     uint64            `json:"unmatched_results"`
	ExpiredJobs          uint64            `json:"expired_jobs"`
	InFlight             int               `json:"in_flight"`
}

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

const (
	namespace = "chimpflow"
	subsystem = "dispatch"
)

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func newHistogram(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: latencyBuckets})
}

// New creates the collectors. A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DispatchMetrics{
		snapshot: Snapshot{
			Results:  make(map[string]uint64),
			Failures: make(map[string]uint64),
		},
		registerer:     registerer,
		eventsTotal:    newCounter("events_received_total", "imageCreated events received from the targeting service"),
		publishedTotal: newCounter("jobs_published_total", "Jobs published to the job queue"),
		resultsTotal:   newCounterVec("results_received_total", "Worker results received, by outcome", []string{"outcome"}),
		submittedTotal: newCounter("predictions_submitted_total", "Predictions recorded with the targeting service"),
		failuresTotal:  newCounterVec("failures_total", "Failed dispatcher steps, by stage", []string{"stage"}),
		unmatchedTotal: newCounter("unmatched_results_total", "Results whose job id was not pending"),
		expiredTotal:   newCounter("expired_jobs_total", "Pending jobs dropped after the job timeout"),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "jobs_in_flight", Help: "Jobs published and awaiting a result",
		}),
		publishDuration: newHistogram("publish_duration_seconds", "Time to publish a job including the broker confirm"),
		submitDuration:  newHistogram("submit_duration_seconds", "Time to record a prediction"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DispatchMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.eventsTotal,
		m.publishedTotal,
		m.resultsTotal,
		m.submittedTotal,
		m.failuresTotal,
		m.unmatchedTotal,
		m.expiredTotal,
		m.inFlight,
		m.publishDuration,
		m.submitDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *DispatchMetrics) RecordEvent() {
	m.mu.Lock()
	m.snapshot.EventsReceived++
	m.mu.Unlock()
	m.eventsTotal.Inc()
}

func (m *DispatchMetrics) RecordPublished(d time.Duration) {
	m.mu.Lock()
	m.snapshot.JobsPublished++
	m.mu.Unlock()
	m.publishedTotal.Inc()
	m.publishDuration.Observe(d.Seconds())
}

func (m *DispatchMetrics) RecordResult(outcome string) {
	m.mu.Lock()
	m.snapshot.Results[outcome]++
	m.mu.Unlock()
	m.resultsTotal.WithLabelValues(outcome).Inc()
}

func (m *DispatchMetrics) RecordSubmitted(d time.Duration) {
	m.mu.Lock()
	m.snapshot.PredictionsSubmitted++
	m.mu.Unlock()
	m.submittedTotal.Inc()
	m.submitDuration.Observe(d.Seconds())
}

func (m *DispatchMetrics) RecordFailure(stage string) {
	m.mu.Lock()
	m.snapshot.Failures[stage]++
	m.mu.Unlock()
	m.failuresTotal.WithLabelValues(stage).Inc()
}

func (m *DispatchMetrics) RecordUnmatched() {
	m.mu.Lock()
	m.snapshot.UnmatchedResults++
	m.mu.Unlock()
	m.unmatchedTotal.Inc()
}

func (m *DispatchMetrics) RecordExpired(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.snapshot.ExpiredJobs += uint64(n)
	m.mu.Unlock()
	m.expiredTotal.Add(float64(n))
}

func (m *DispatchMetrics) SetInFlight(n int) {
	m.mu.Lock()
	m.snapshot.InFlight = n
	m.mu.Unlock()
	m.inFlight.Set(float64(n))
}

// Snapshot returns a copy of the current counters.
func (m *DispatchMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.snapshot
	s.Results = make(map[string]uint64, len(m.snapshot.Results))
	for k, v := range m.snapshot.Results {
		s.Results[k] = v
	}
	s.Failures = make(map[string]uint64, len(m.snapshot.Failures))
	for k, v := range m.snapshot.Failures {
		s.Failures[k] = v
	}
	return s
}
