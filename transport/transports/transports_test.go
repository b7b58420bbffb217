package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/chimpflow/transport"
)

func TestAllTransportsRegistered(t *testing.T) {
	assert.Equal(t,
		[]string{"aws", "channel", "http", "kafka", "nats", "rabbitmq"},
		transport.DefaultRegistry.Names(),
	)
}
