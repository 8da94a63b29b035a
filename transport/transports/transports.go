// Package transports imports all built-in transports for auto-registration.
// Import this package to have every hookrelay transport registered with the
// default registry.
package transports

import (
	_ "github.com/drblury/hookrelay/transport/channel"
	_ "github.com/drblury/hookrelay/transport/kafka"
	_ "github.com/drblury/hookrelay/transport/nats"
	_ "github.com/drblury/hookrelay/transport/rabbitmq"
)
