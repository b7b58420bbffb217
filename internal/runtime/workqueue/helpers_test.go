package workqueue

import (
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// amqpDelivery mimics a reply from a worker that only sets correlation_id.
func amqpDelivery(body, correlationID string) amqp091.Delivery {
	return amqp091.Delivery{
		Body:          []byte(body),
		CorrelationId: correlationID,
		ContentType:   "application/json",
	}
}
