// Package transport defines the broker bindings hookrelay runs on. Each
// transport (kafka, nats, rabbitmq, channel) lives in its own sub-package
// and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// Conn is an optional shared connection closed after the pub/sub pair.
	Conn io.Closer
}

// Close closes the publisher, the subscriber and the shared connection. A
// pub/sub pair backed by the same value is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Conn != nil {
		errs = append(errs, t.Conn.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the connection settings transports need without
// depending on the full config package.
type Config interface {
	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
