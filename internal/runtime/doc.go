/*
Package runtime wires hookrelay's components onto a Watermill router.

# Service (service.go)

Service builds, per configured role:
  - api: the subscription registry, the fan-out publisher and the HTTP API
    (api.go).
  - gateway: a router handler consuming the stream topic and republishing
    on the queue binding, plus the optional sample producer (producer.go).
  - dispatcher: one router handler per subscriber queue feeding the webhook
    dispatcher. Queues for topics registered at runtime are added on the fly
    by EnsureDispatchTopic.

Backends for the registry and the delivery ledger are chosen in
backends.go; transports come from the transport registry.

# Middleware (middleware.go, hooks.go)

The default chain, outermost first:
  - CorrelationID
  - LogMessages, with secrets redacted
  - Tracer (OpenTelemetry)
  - Metrics (Prometheus router metrics)
  - Retry, skipping errors bound for the dead-letter queue
  - PoisonQueue, or a logging drop when no dead-letter queue is set
  - Recoverer

JobHooks run after the defaults, then Dependencies.Middlewares.

# Introspection (stats.go, webui.go)

Every handler keeps processed and failed counts, latency and categorised
errors. The web UI endpoint returns them together with process and
delivery stats; Prometheus metrics are served on the metrics port.

# Sub-packages

  - cloudevents/: the canonical envelope, extensions and error types
  - codec/: stream, queue and HTTP bindings of the envelope
  - config/: configuration, validation and loading
  - domain/: the equipment event
  - errors/: sentinel errors
  - fanout/: per-subscriber fan-out
  - gateway/: stream to queue bridging and type selection
  - ids/: ULID and UUID generation
  - jsoncodec/: JSON encoding
  - logging/: logger interface and adapters
  - metrics/: delivery and HTTP metrics
  - registry/: subscriptions and their stores
  - webhook/: delivery lanes, ledger and the HTTP sender

# Usage Example

	conf, err := config.Load("hookrelay.yaml")
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, conf, logger, runtime.Dependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.Start(ctx)
*/
package runtime
