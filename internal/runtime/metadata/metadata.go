// Package metadata defines the headers chimpflow attaches to broker messages:
// job requests on the work queue and failed items on the dead-letter topic.
package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Header keys. Watermill copies them into AMQP headers, Kafka headers, NATS
// headers, or HTTP headers depending on the transport.
const (
	// KeyJobID carries the job id of the request a message belongs to.
	KeyJobID = "chimp_job_id"

	// KeyReplyTo records the reply queue the result is expected on.
	KeyReplyTo = "chimp_reply_to"

	// KeyFailureStage names the dispatcher stage that failed (dead-letter only).
	KeyFailureStage = "chimp_failure_stage"

	// KeyFailureError holds the error text of the failure (dead-letter only).
	KeyFailureError = "chimp_failure_error"

	// KeyFailedAt is the RFC3339 time of the failure (dead-letter only).
	KeyFailedAt = "chimp_failed_at"

	// KeyContentType mirrors the body encoding.
	KeyContentType = "content_type"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
// Empty values are skipped so optional headers never appear blank.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromWatermill converts watermill metadata into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts Metadata into a watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
