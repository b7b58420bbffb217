// Package failure decides what the dispatcher does when publishing a job,
// decoding a result or submitting a prediction fails.
package failure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/chimpflow/internal/runtime/errors"
	"github.com/drblury/chimpflow/internal/runtime/logging"
	"github.com/drblury/chimpflow/internal/runtime/metadata"
)

// Stage names the dispatcher step an error came from.
type Stage string

const (
	StageSubscribe Stage = "subscribe"
	StagePublish   Stage = "publish"
	StageConsume   Stage = "consume"
	StageDecode    Stage = "decode"
	StageSubmit    Stage = "submit"
)

// Item describes one failed step.
type Item struct {
	Stage Stage
	JobID string
	// Payload is the encoded job, raw result, or encoded prediction.
	Payload []byte
	Err     error
}

// Operation re-runs the failed step.
type Operation func(ctx context.Context) error

// Policy absorbs a failure by returning nil, or returns the error that stops
// the dispatcher. retry is nil when the step cannot be repeated.
type Policy interface {
	Handle(ctx context.Context, item Item, retry Operation) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, item Item, retry Operation) error

func (f PolicyFunc) Handle(ctx context.Context, item Item, retry Operation) error {
	return f(ctx, item, retry)
}

// Fatal stops on the first failure.
func Fatal() Policy {
	return PolicyFunc(func(_ context.Context, item Item, _ Operation) error {
		return item.Err
	})
}

// RetryConfig customises the retry policy.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf limits which errors are retried. Decode failures never are.
	RetryIf func(error) bool
	Logger  logging.ServiceLogger
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return cfg
}

// Retry repeats the failed step with exponential backoff and gives up with
// the last error once MaxRetries attempts have failed.
func Retry(cfg RetryConfig) Policy {
	cfg = cfg.withDefaults()
	return PolicyFunc(func(ctx context.Context, item Item, retry Operation) error {
		if retry == nil || item.Stage == StageDecode {
			return item.Err
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(item.Err) {
			return item.Err
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval

		log := logging.WithJob(cfg.Logger, item.JobID).With(logging.LogFields{"stage": string(item.Stage)})
		attempt := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempt++
			err := retry(ctx)
			if err != nil && cfg.RetryIf != nil && !cfg.RetryIf(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(cfg.MaxRetries)),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Info("Retrying failed step", logging.LogFields{"attempt": attempt, "error": err.Error(), "next_in": next.String()})
			}),
		)
		if err != nil {
			return fmt.Errorf("giving up after %d retries: %w", attempt, err)
		}
		log.Info("Step succeeded after retry", logging.LogFields{"attempt": attempt})
		return nil
	})
}

// DeadLetter publishes the failed item to topic and lets the dispatcher carry
// on. A failure to publish the dead letter is returned together with the
// original error.
func DeadLetter(publisher message.Publisher, topic string, logger logging.ServiceLogger) (Policy, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return PolicyFunc(func(ctx context.Context, item Item, _ Operation) error {
		msg := NewDeadLetterMessage(item)
		msg.SetContext(ctx)

		if err := publisher.Publish(topic, msg); err != nil {
			return errors.Join(item.Err, fmt.Errorf("dead-letter publish to %s: %w", topic, err))
		}
		logging.WithJob(logger, item.JobID).Info("Dead-lettered failed step", logging.LogFields{
			"stage":   string(item.Stage),
			"topic":   topic,
			"error":   errString(item.Err),
			"message": msg.UUID,
		})
		return nil
	}), nil
}

// NewDeadLetterMessage builds the message DeadLetter publishes: the payload
// unchanged plus stage, error, job id and timestamp metadata.
func NewDeadLetterMessage(item Item) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), item.Payload)
	msg.Metadata = metadata.ToWatermill(metadata.Metadata{}.
		With(metadata.KeyFailureStage, string(item.Stage)).
		With(metadata.KeyFailureError, errString(item.Err)).
		With(metadata.KeyJobID, item.JobID).
		With(metadata.KeyFailedAt, time.Now().UTC().Format(time.RFC3339Nano)))
	return msg
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
