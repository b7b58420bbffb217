package chimpflow

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	runtimepkg "github.com/drblury/chimpflow/internal/runtime"
	configpkg "github.com/drblury/chimpflow/internal/runtime/config"
	errspkg "github.com/drblury/chimpflow/internal/runtime/errors"
	"github.com/drblury/chimpflow/internal/runtime/failure"
	idspkg "github.com/drblury/chimpflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/chimpflow/internal/runtime/logging"
	metricspkg "github.com/drblury/chimpflow/internal/runtime/metrics"
	"github.com/drblury/chimpflow/internal/runtime/protocol"
	"github.com/drblury/chimpflow/internal/runtime/sink"
	"github.com/drblury/chimpflow/internal/runtime/subscription"
	"github.com/drblury/chimpflow/transport"
)

type (
	Config = configpkg.Config

	Dispatcher             = runtimepkg.Dispatcher
	DispatcherDependencies = runtimepkg.DispatcherDependencies
	DispatchHooks          = runtimepkg.DispatchHooks
	JobContext             = runtimepkg.JobContext
	EventSource            = runtimepkg.EventSource
	JobQueue               = runtimepkg.JobQueue
	PredictionSink         = runtimepkg.PredictionSink
	FatalError             = runtimepkg.FatalError
	Stage                  = runtimepkg.Stage
	State                  = runtimepkg.State

	// Wire types
	Request     = protocol.Request
	Result      = protocol.Result
	Success     = protocol.Success
	NoDetection = protocol.NoDetection
	Failure     = protocol.Failure
	Point       = protocol.Point
	Circle      = protocol.Circle
	BBox        = protocol.BBox
	DecodeError = protocol.DecodeError

	ImageCreated = subscription.ImageCreated
	Prediction   = sink.Prediction

	FailurePolicy = failure.Policy
	FailedItem    = failure.Item
	RetryConfig   = failure.RetryConfig

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	MetricsSnapshot = metricspkg.Snapshot
	Status          = metricspkg.Status

	ConfigValidationError = errspkg.ConfigValidationError

	// Dead-letter transport capabilities
	Capabilities = transport.Capabilities
)

var (
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrEventSourceRequired = errspkg.ErrEventSourceRequired
	ErrJobQueueRequired    = errspkg.ErrJobQueueRequired
	ErrSinkRequired        = errspkg.ErrSinkRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrDispatcherStarted   = errspkg.ErrDispatcherStarted
	ErrMalformedResult     = protocol.ErrMalformedResult
)

const (
	StageSubscribe = runtimepkg.StageSubscribe
	StagePublish   = runtimepkg.StagePublish
	StageConsume   = runtimepkg.StageConsume
	StageDecode    = runtimepkg.StageDecode
	StageSubmit    = runtimepkg.StageSubmit
)

const (
	StateIdle    = runtimepkg.StateIdle
	StateRunning = runtimepkg.StateRunning
	StateFailed  = runtimepkg.StateFailed
	StateStopped = runtimepkg.StateStopped
)

const (
	FailurePolicyFatal      = configpkg.FailurePolicyFatal
	FailurePolicyRetry      = configpkg.FailurePolicyRetry
	FailurePolicyDeadLetter = configpkg.FailurePolicyDeadLetter

	CorrelationQueue  = configpkg.CorrelationQueue
	CorrelationStrict = configpkg.CorrelationStrict
)

// NewDispatcher builds a Dispatcher over caller-supplied collaborators.
func NewDispatcher(events EventSource, queue JobQueue, predictions PredictionSink, deps DispatcherDependencies) (*Dispatcher, error) {
	return runtimepkg.NewDispatcher(events, queue, predictions, deps)
}

func LoggingHooks(logger ServiceLogger) DispatchHooks {
	return runtimepkg.LoggingHooks(logger)
}

func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(log)
}

// NewJSONServiceLogger writes JSON lines to stdout at the named level.
func NewJSONServiceLogger(level string) (ServiceLogger, error) {
	lvl, err := loggingpkg.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return loggingpkg.NewJSONServiceLogger(os.Stdout, lvl), nil
}

// LoadConfig reads the optional YAML file at path, overlays CHIMP_*
// variables from lookup and fills defaults. The result is not validated;
// NewController does that.
func LoadConfig(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := configpkg.Load(path)
	if err != nil {
		return nil, err
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}
	cfg.Defaults()
	return cfg, nil
}

// ValidateConfig returns a ConfigValidationError listing every problem in cfg.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return ErrConfigRequired
	}
	return errspkg.NewConfigValidationError(cfg.Validate())
}

// FatalFailurePolicy stops the dispatcher on the first failed step.
func FatalFailurePolicy() FailurePolicy {
	return failure.Fatal()
}

// RetryFailurePolicy repeats failed publish and submit steps with exponential backoff.
func RetryFailurePolicy(cfg RetryConfig) FailurePolicy {
	return failure.Retry(cfg)
}

// CreateJobID returns a new lexicographically sortable job id.
func CreateJobID() string {
	return idspkg.CreateULID()
}

// ServeMetrics runs handler on port until ctx is cancelled. Controller.Handler
// provides /metrics and /status; MetricsHandler provides /metrics alone.
func ServeMetrics(ctx context.Context, port int, handler http.Handler, logger ServiceLogger) error {
	return metricspkg.Serve(ctx, port, handler, logger)
}

// MetricsHandler serves gatherer at /metrics. A nil gatherer serves the
// default registry.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return metricspkg.Mux(gatherer, nil)
}

// TransportCapabilities returns the capabilities of a registered dead-letter transport.
func TransportCapabilities(name string) Capabilities {
	return transport.GetCapabilities(name)
}
