/*
Package runtime hosts the dispatch loop that bridges the targeting service and
the CHiMP workers.

# Architecture Overview

A Dispatcher reads two independent streams: imageCreated events from an
EventSource and worker results from a JobQueue. Each event becomes one job
request published to the job queue. Each Success result becomes one
createPrediction call on the PredictionSink. NoDetection and Failure results
are logged and counted only.

Both streams are read by their own goroutine and handed to Run over
unbuffered channels, so a busy stream cannot starve the other one. All
dispatcher state, including the set of pending jobs, lives on the Run
goroutine.

# Failures

Every failure is tagged with the Stage it came from. Stream failures
(subscribe, consume) always stop the dispatcher. Publish, decode and submit
failures go through a failure.Policy: the default stops the dispatcher, the
retry policy repeats the step with exponential backoff and the dead-letter
policy parks the item on a watermill publisher and carries on. Run returns a
*FatalError naming the stage.

# Sub-packages

  - config/: startup configuration, YAML and CHIMP_* environment loading
  - errors/: sentinel errors and ConfigValidationError
  - failure/: failure policies
  - graphql/: GraphQL request and response envelopes
  - ids/: ULID job ids and reply queue names
  - jsoncodec/: JSON marshaling on sonic
  - logging/: ServiceLogger and watermill adapters
  - metadata/: message metadata keys and helpers
  - metrics/: Prometheus collectors and the /metrics server
  - protocol/: job request and result wire types
  - sink/: createPrediction client
  - subscription/: graphql-transport-ws subscription client
  - workqueue/: RabbitMQ job publisher and reply consumer

# Usage Example

	d, err := runtime.NewDispatcher(events, queue, predictions, runtime.DispatcherDependencies{
		Logger:  logger,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
*/
package runtime
