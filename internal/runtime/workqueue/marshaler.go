package workqueue

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/chimpflow/internal/runtime/metadata"
)

// marshaler stamps reply_to and correlation_id on outgoing jobs and maps the
// correlation_id of incoming replies back onto the job id metadata key.
type marshaler struct {
	amqp.DefaultMarshaler
}

func newMarshaler(replyQueue string) marshaler {
	return marshaler{
		DefaultMarshaler: amqp.DefaultMarshaler{
			NotPersistentDeliveryMode: true,
			PostprocessPublishing: func(p amqp091.Publishing) amqp091.Publishing {
				p.ReplyTo = replyQueue
				p.ContentType = "application/json"
				if jobID, ok := p.Headers[metadata.KeyJobID].(string); ok {
					p.CorrelationId = jobID
				}
				return p
			},
		},
	}
}

func (m marshaler) Unmarshal(d amqp091.Delivery) (*message.Message, error) {
	// workers do not set watermill headers; give every delivery a message uuid
	if _, ok := d.Headers[amqp.DefaultMessageUUIDHeaderKey]; !ok {
		headers := make(amqp091.Table, len(d.Headers)+1)
		for k, v := range d.Headers {
			headers[k] = v
		}
		id := d.MessageId
		if id == "" {
			id = watermill.NewUUID()
		}
		headers[amqp.DefaultMessageUUIDHeaderKey] = id
		d.Headers = headers
	}

	msg, err := m.DefaultMarshaler.Unmarshal(d)
	if err != nil {
		return nil, err
	}
	if d.CorrelationId != "" && msg.Metadata.Get(metadata.KeyJobID) == "" {
		msg.Metadata.Set(metadata.KeyJobID, d.CorrelationId)
	}
	return msg, nil
}
