// Package chimpflow bridges the targeting service and the CHiMP image
// analysis workers. It subscribes to the imageCreated GraphQL subscription,
// publishes one job per new image to a RabbitMQ job queue with an exclusive
// reply queue as the reply address, consumes the workers' results and records
// every successful detection with the createPrediction mutation.
//
// Controller wires the real clients from a Config; Dispatcher is the loop on
// its own and accepts any EventSource, JobQueue and PredictionSink. A minimal
// setup loads a Config, creates a Controller and calls Run:
//
//	cfg, err := chimpflow.LoadConfig("chimp.yaml", os.LookupEnv)
//	if err != nil {
//		return err
//	}
//	ctrl, err := chimpflow.NewController(ctx, cfg, logger, chimpflow.ControllerDependencies{})
//	if err != nil {
//		return err
//	}
//	defer ctrl.Close()
//	return ctrl.Run(ctx)
//
// # Failure handling
//
// Every failure is tagged with a Stage. The default policy stops the
// dispatcher at the first failure and Run returns a *FatalError. The retry
// policy repeats publish and submit steps with exponential backoff. The
// dead-letter policy publishes the failed item through one of the registered
// transports and keeps going:
//   - rabbitmq: durable queue named after the topic
//   - nats: NATS Core subject
//   - kafka: Kafka topic
//   - http: POST to <url>/<topic>
//   - aws: SNS topic, LocalStack supported
//   - channel: in-memory, for tests
//
// # Correlation
//
// Jobs carry a ULID job id which workers echo in their result. In the default
// "queue" mode results are trusted because the reply queue is exclusive to
// the process; "strict" mode drops results for jobs this process did not
// publish. JobTimeout expires jobs that never got an answer.
package chimpflow
