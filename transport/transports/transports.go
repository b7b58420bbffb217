// Package transports imports the dead-letter transports for registration.
package transports

import (
	_ "github.com/drblury/chimpflow/transport/aws"
	_ "github.com/drblury/chimpflow/transport/channel"
	_ "github.com/drblury/chimpflow/transport/http"
	_ "github.com/drblury/chimpflow/transport/kafka"
	_ "github.com/drblury/chimpflow/transport/nats"
	_ "github.com/drblury/chimpflow/transport/rabbitmq"
)
