package chimpflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	runtimepkg "github.com/drblury/chimpflow/internal/runtime"
	configpkg "github.com/drblury/chimpflow/internal/runtime/config"
	"github.com/drblury/chimpflow/internal/runtime/failure"
	loggingpkg "github.com/drblury/chimpflow/internal/runtime/logging"
	metricspkg "github.com/drblury/chimpflow/internal/runtime/metrics"
	"github.com/drblury/chimpflow/internal/runtime/sink"
	"github.com/drblury/chimpflow/internal/runtime/subscription"
	"github.com/drblury/chimpflow/internal/runtime/workqueue"
	"github.com/drblury/chimpflow/transport"
	_ "github.com/drblury/chimpflow/transport/transports"
)

// ControllerDependencies holds optional collaborators for NewController.
type ControllerDependencies struct {
	// Registerer receives the dispatch and broker collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Hooks      DispatchHooks
	// HTTPClient is used for createPrediction calls.
	HTTPClient *http.Client
	// Policy overrides the policy selected by Config.FailurePolicy.
	Policy FailurePolicy
}

// Controller owns the connections to the targeting service and RabbitMQ and
// the dispatcher running over them.
type Controller struct {
	conf       *Config
	logger     ServiceLogger
	gatherer   prometheus.Gatherer
	metrics    *metricspkg.DispatchMetrics
	events     *subscription.Client
	queue      *workqueue.Client
	deadLetter transport.Transport
	dispatcher *runtimepkg.Dispatcher

	closeOnce sync.Once
	closeErr  error
}

// NewController validates conf, connects to RabbitMQ, subscribes to
// imageCreated and prepares the dispatcher. Call Run to start dispatching
// and Close to release the connections.
func NewController(ctx context.Context, conf *Config, logger ServiceLogger, deps ControllerDependencies) (*Controller, error) {
	if conf == nil {
		return nil, ErrConfigRequired
	}
	if logger == nil {
		return nil, ErrLoggerRequired
	}
	conf.Defaults()
	if err := ValidateConfig(conf); err != nil {
		return nil, err
	}

	logger.Info("Creating chimp controller", LogFields{"config": conf.String()})

	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c := &Controller{
		conf:     conf,
		logger:   logger,
		gatherer: gatherer,
		metrics:  metricspkg.New(reg),
	}
	if conf.MetricsEnabled {
		if err := c.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	policy := deps.Policy
	if policy == nil {
		var err error
		policy, c.deadLetter, err = NewFailurePolicy(ctx, conf, logger)
		if err != nil {
			return nil, err
		}
	}

	var err error
	c.queue, err = workqueue.New(ctx, workqueue.Config{
		URL:               conf.RabbitMQURL,
		JobQueue:          conf.JobQueue,
		ReplyQueuePrefix:  conf.ReplyQueuePrefix,
		ConsumerTag:       conf.ConsumerTag,
		MetricsEnabled:    conf.MetricsEnabled,
		MetricsRegisterer: reg,
	}, logger.With(LogFields{"component": "workqueue"}))
	if err != nil {
		return nil, c.abort(err)
	}

	predictions, err := sink.New(sink.Config{
		URL:        conf.TargetingURL,
		AuthToken:  conf.AuthToken,
		Timeout:    conf.SinkTimeout,
		HTTPClient: deps.HTTPClient,
	}, logger.With(LogFields{"component": "sink"}))
	if err != nil {
		return nil, c.abort(err)
	}

	c.events, err = subscription.Dial(ctx, subscription.Config{
		URL:        conf.TargetingSubscriptionURL,
		AuthToken:  conf.AuthToken,
		AckTimeout: conf.SubscriptionAckTimeout,
	}, logger.With(LogFields{"component": "subscription"}))
	if err != nil {
		return nil, c.abort(&FatalError{Stage: StageSubscribe, Err: err})
	}

	c.dispatcher, err = runtimepkg.NewDispatcher(c.events, c.queue, predictions, runtimepkg.DispatcherDependencies{
		Logger:          logger.With(LogFields{"component": "dispatcher"}),
		Metrics:         c.metrics,
		Policy:          policy,
		Hooks:           deps.Hooks,
		CorrelationMode: conf.CorrelationMode,
		JobTimeout:      conf.JobTimeout,
	})
	if err != nil {
		return nil, c.abort(err)
	}

	return c, nil
}

func (c *Controller) abort(err error) error {
	if closeErr := c.Close(); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

// Run dispatches until a fatal error (*FatalError) or until ctx is cancelled (nil).
func (c *Controller) Run(ctx context.Context) error {
	return c.dispatcher.Run(ctx)
}

// State reports the dispatcher state.
func (c *Controller) State() State {
	return c.dispatcher.State()
}

// ReplyQueue returns the name of the exclusive reply queue.
func (c *Controller) ReplyQueue() string {
	return c.queue.ReplyQueue()
}

// Metrics returns a snapshot of the dispatch counters.
func (c *Controller) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Status reports the dispatcher state, reply queue and counters.
func (c *Controller) Status() Status {
	return Status{
		State:      c.dispatcher.State().String(),
		ReplyQueue: c.queue.ReplyQueue(),
		Counters:   c.metrics.Snapshot(),
	}
}

// Handler serves /metrics from the controller's registry and /status.
func (c *Controller) Handler() http.Handler {
	return metricspkg.Mux(c.gatherer, metricspkg.StatusHandler(c.Status, c.logger))
}

// Close closes the subscription, the broker connection and the dead-letter
// transport. Safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.events != nil {
			errs = append(errs, c.events.Close())
		}
		if c.queue != nil {
			errs = append(errs, c.queue.Close())
		}
		errs = append(errs, c.deadLetter.Close())
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// NewFailurePolicy builds the policy named by conf.FailurePolicy. For the
// dead-letter policy it also returns the transport it publishes to, which the
// caller must close.
func NewFailurePolicy(ctx context.Context, conf *Config, logger ServiceLogger) (FailurePolicy, transport.Transport, error) {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	switch conf.FailurePolicy {
	case "", configpkg.FailurePolicyFatal:
		return failure.Fatal(), transport.Transport{}, nil
	case configpkg.FailurePolicyRetry:
		return failure.Retry(failure.RetryConfig{
			MaxRetries:      conf.RetryMaxRetries,
			InitialInterval: conf.RetryInitialInterval,
			MaxInterval:     conf.RetryMaxInterval,
			Logger:          logger,
		}), transport.Transport{}, nil
	case configpkg.FailurePolicyDeadLetter:
		return newDeadLetterPolicy(ctx, conf, logger)
	default:
		return nil, transport.Transport{}, fmt.Errorf("unknown failure policy %q", conf.FailurePolicy)
	}
}

func newDeadLetterPolicy(ctx context.Context, conf *Config, logger ServiceLogger) (FailurePolicy, transport.Transport, error) {
	tr, err := transport.Build(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return nil, transport.Transport{}, err
	}

	caps := transport.GetCapabilities(conf.DeadLetterSystem)
	if !caps.Durable {
		logger.Info("Dead-letter transport does not persist messages", LogFields{"transport": caps.Name})
	}

	policy, err := failure.DeadLetter(tr.Publisher, conf.DeadLetterTopic, logger)
	if err != nil {
		_ = tr.Close()
		return nil, transport.Transport{}, err
	}
	return fitPayload(policy, caps, logger), tr, nil
}

// fitPayload drops payloads the transport cannot carry; stage and error
// metadata are still published.
func fitPayload(policy FailurePolicy, caps Capabilities, logger ServiceLogger) FailurePolicy {
	return failure.PolicyFunc(func(ctx context.Context, item FailedItem, retry failure.Operation) error {
		if !caps.Accepts(len(item.Payload)) {
			loggingpkg.WithJob(logger, item.JobID).Info("Dead-letter payload too large; sending metadata only", LogFields{
				"size":  len(item.Payload),
				"limit": caps.MaxMessageSize,
			})
			item.Payload = nil
		}
		return policy.Handle(ctx, item, retry)
	})
}
