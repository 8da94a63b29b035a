// Package hookrelay relays domain events to HTTP webhooks as CloudEvents.
//
// A Service runs any combination of three roles, selected in Config:
//
//   - api: the subscription registry and its HTTP API. Registering a
//     subscription stores a callback URL, a topic and a signing secret.
//     Triggering an event fans one envelope per active subscription out to
//     the "<topic>.producer-core" queue.
//   - gateway: consumes producer events from the stream topic ("events" by
//     default, Kafka or NATS), picks the outbound CloudEvent type and
//     republishes the envelope on the subscriber queue.
//   - dispatcher: consumes the subscriber queues (RabbitMQ in production)
//     and POSTs each envelope to its callback URL using the CloudEvents
//     HTTP binding, signing the body with the subscription secret.
//
// Each role is a Watermill router handler. Transports are selected by name
// ("channel", "kafka", "nats" or "rabbitmq") and resolved through the
// transport registry, so custom brokers can be plugged in with
// RegisterTransport.
//
// # Middleware
//
// The default router middleware chain adds correlation IDs, structured
// logging with secrets redacted, OpenTelemetry tracing, Prometheus metrics,
// retries with exponential backoff, dead-lettering of undecodable messages
// and panic recovery. Dependencies.Middlewares appends to it.
//
// # Job Hooks
//
// JobHooks provides OnJobStart, OnJobDone and OnJobError callbacks around
// every handler call for custom logging, metrics or alerting.
//
// # Delivery
//
// Each subscriber gets its own delivery lane, so a slow or hung endpoint
// only delays its own deliveries. Deliveries are retried with backoff,
// deduplicated per event and subscription through a delivery ledger
// (in-memory or Redis) and dead-lettered once attempts are exhausted.
package hookrelay
