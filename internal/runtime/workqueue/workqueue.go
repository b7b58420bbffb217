// Package workqueue publishes jobs to the CHiMP job queue and reads worker
// results from a private reply queue.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/chimpflow/internal/runtime/ids"
	"github.com/drblury/chimpflow/internal/runtime/logging"
	"github.com/drblury/chimpflow/internal/runtime/metadata"
	"github.com/drblury/chimpflow/internal/runtime/protocol"
)

const (
	DefaultReplyQueuePrefix = "chimp_controller"
	DefaultConsumerTag      = "chimp_controller"
)

// ErrResultStreamClosed is wrapped when the reply queue delivery channel ends.
var ErrResultStreamClosed = errors.New("result stream closed")

// TransportError reports a broker failure. Op is "connect", "publish" or "consume".
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("workqueue %s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	// URL is the AMQP broker address.
	URL string
	// JobQueue is the pre-existing queue jobs are routed to through the default exchange.
	JobQueue string
	// ReplyQueuePrefix prefixes the generated reply queue name.
	ReplyQueuePrefix string
	ConsumerTag      string

	MetricsEnabled bool
	// MetricsRegisterer defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Client owns one broker connection shared by the job publisher and the
// reply queue subscriber.
type Client struct {
	conn       *amqp.ConnectionWrapper
	publisher  message.Publisher
	subscriber message.Subscriber
	results    <-chan *message.Message

	jobQueue   string
	replyQueue string
	logger     logging.ServiceLogger

	closeOnce sync.Once
	closeErr  error
}

// New connects, declares the exclusive reply queue and starts consuming it.
// The subscription lives until ctx is cancelled or Close is called.
func New(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, &TransportError{Op: "connect", Err: errors.New("broker URL is required")}
	}
	if strings.TrimSpace(cfg.JobQueue) == "" {
		return nil, &TransportError{Op: "connect", Err: errors.New("job queue is required")}
	}
	if cfg.ReplyQueuePrefix == "" {
		cfg.ReplyQueuePrefix = DefaultReplyQueuePrefix
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = DefaultConsumerTag
	}

	replyQueue := ids.ReplyQueueName(cfg.ReplyQueuePrefix)
	logger = logger.With(logging.LogFields{"job_queue": cfg.JobQueue, "reply_queue": replyQueue})
	adapter := logging.NewWatermillAdapter(logger)

	amqpConfig := newAMQPConfig(cfg, replyQueue)

	conn, err := ConnectionFactory(amqpConfig.Connection, adapter)
	if err != nil {
		return nil, &TransportError{Op: "connect", Queue: cfg.JobQueue, Err: err}
	}

	c := &Client{
		conn:       conn,
		jobQueue:   cfg.JobQueue,
		replyQueue: replyQueue,
		logger:     logger,
	}

	c.publisher, err = PublisherFactory(amqpConfig, adapter, conn)
	if err != nil {
		_ = c.Close()
		return nil, &TransportError{Op: "connect", Queue: cfg.JobQueue, Err: err}
	}
	c.subscriber, err = SubscriberFactory(amqpConfig, adapter, conn)
	if err != nil {
		_ = c.Close()
		return nil, &TransportError{Op: "connect", Queue: replyQueue, Err: err}
	}

	if cfg.MetricsEnabled {
		if err := c.decorateWithMetrics(cfg.MetricsRegisterer); err != nil {
			_ = c.Close()
			return nil, &TransportError{Op: "connect", Queue: cfg.JobQueue, Err: err}
		}
	}

	c.results, err = c.subscriber.Subscribe(ctx, replyQueue)
	if err != nil {
		_ = c.Close()
		return nil, &TransportError{Op: "consume", Queue: replyQueue, Err: err}
	}

	logger.Info("Work queue client ready", logging.LogFields{"consumer_tag": cfg.ConsumerTag})
	return c, nil
}

func (c *Client) decorateWithMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := metrics.NewPrometheusMetricsBuilder(reg, "chimpflow", "workqueue")

	pub, err := builder.DecoratePublisher(c.publisher)
	if err != nil {
		return fmt.Errorf("decorate publisher: %w", err)
	}
	sub, err := builder.DecorateSubscriber(c.subscriber)
	if err != nil {
		return fmt.Errorf("decorate subscriber: %w", err)
	}
	c.publisher, c.subscriber = pub, sub
	return nil
}

// newAMQPConfig routes jobs through the default exchange (routing key = queue
// name) and declares the reply queue exclusive, auto-delete and non-durable.
func newAMQPConfig(cfg Config, replyQueue string) amqp.Config {
	sameAsTopic := func(topic string) string { return topic }
	return amqp.Config{
		Connection: amqp.ConnectionConfig{
			AmqpURI:   cfg.URL,
			Reconnect: amqp.DefaultReconnectConfig(),
		},
		Marshaler: newMarshaler(replyQueue),
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(string) string { return "" },
		},
		Queue: amqp.QueueConfig{
			GenerateName: amqp.GenerateQueueNameTopicName,
			Durable:      false,
			AutoDelete:   true,
			Exclusive:    true,
		},
		QueueBind: amqp.QueueBindConfig{
			GenerateRoutingKey: sameAsTopic,
		},
		Publish: amqp.PublishConfig{
			GenerateRoutingKey: sameAsTopic,
			ConfirmDelivery:    true,
			ChannelPoolSize:    1,
		},
		Consume: amqp.ConsumeConfig{
			Consumer:  cfg.ConsumerTag,
			Exclusive: true,
			Qos: amqp.QosConfig{
				PrefetchCount: 1,
			},
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}
}

// Publish sends one job and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, req protocol.Request) error {
	ctx, span := otel.Tracer("chimpflow").Start(ctx, "workqueue.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("chimpflow.job_id", req.ID),
		attribute.String("messaging.destination", c.jobQueue),
	)

	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return &TransportError{Op: "publish", Queue: c.jobQueue, Err: err}
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata = metadata.ToWatermill(metadata.New(
		metadata.KeyJobID, req.ID,
		metadata.KeyContentType, "application/json",
	))
	msg.SetContext(ctx)

	if err := c.publisher.Publish(c.jobQueue, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return &TransportError{Op: "publish", Queue: c.jobQueue, Err: err}
	}

	logging.WithJob(c.logger, req.ID).Debug("Job published", logging.LogFields{"download_url": req.DownloadURL})
	return nil
}

// NextResult blocks until the next reply arrives. A *protocol.DecodeError
// leaves the stream usable; a *TransportError wrapping ErrResultStreamClosed
// does not.
func (c *Client) NextResult(ctx context.Context) (protocol.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.results:
		if !ok {
			return nil, &TransportError{Op: "consume", Queue: c.replyQueue, Err: ErrResultStreamClosed}
		}
		// fire-and-forget: nothing is redelivered once received
		msg.Ack()

		result, err := protocol.DecodeResult(msg.Payload)
		if err != nil {
			c.logger.Error("Malformed result", err, logging.LogFields{"message_uuid": msg.UUID})
			return nil, err
		}
		return withCorrelationID(result, msg.Metadata.Get(metadata.KeyJobID)), nil
	}
}

// withCorrelationID fills an empty job id from the AMQP correlation id.
func withCorrelationID(result protocol.Result, correlationID string) protocol.Result {
	if correlationID == "" || result.ResultJobID() != "" {
		return result
	}
	switch r := result.(type) {
	case protocol.Success:
		r.JobID = correlationID
		return r
	case protocol.NoDetection:
		r.JobID = correlationID
		return r
	case protocol.Failure:
		r.JobID = correlationID
		return r
	default:
		return result
	}
}

// ReplyQueue returns the generated reply queue name.
func (c *Client) ReplyQueue() string { return c.replyQueue }

// JobQueue returns the queue jobs are published to.
func (c *Client) JobQueue() string { return c.jobQueue }

// Close stops consuming and releases the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.results != nil {
			// a decorated subscriber cannot close while a reply waits to be read
			go discard(c.results)
		}
		if c.subscriber != nil {
			errs = append(errs, c.subscriber.Close())
		}
		if c.publisher != nil {
			errs = append(errs, c.publisher.Close())
		}
		if c.conn != nil {
			errs = append(errs, c.conn.Close())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// discard acks replies nobody will read until the subscriber closes results.
func discard(results <-chan *message.Message) {
	for msg := range results {
		msg.Ack()
	}
}
