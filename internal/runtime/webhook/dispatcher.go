// Package webhook delivers queue-binding envelopes to subscriber callback
// URLs as CloudEvents HTTP requests.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	metricspkg "github.com/drblury/hookrelay/internal/runtime/metrics"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultMaxAttempts     = 1
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultLaneBuffer      = 64
	DefaultLaneIdleTimeout = time.Minute
)

// Config tunes delivery.
type Config struct {
	// Timeout bounds every single POST attempt.
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	LaneBuffer      int
	LaneIdleTimeout time.Duration

	// DeadLetterQueue receives exhausted deliveries when set.
	DeadLetterQueue string

	// NackOnFullLane makes Consume fail with ErrLaneFull instead of waiting.
	// Only useful when the queue transport redelivers nacked messages.
	NackOnFullLane bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.LaneBuffer < 1 {
		c.LaneBuffer = DefaultLaneBuffer
	}
	if c.LaneIdleTimeout <= 0 {
		c.LaneIdleTimeout = DefaultLaneIdleTimeout
	}
	return c
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the client used for callbacks. Its Timeout is
// overwritten by Config.Timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithLedger replaces the in-memory delivery ledger.
func WithLedger(ledger Ledger) Option {
	return func(d *Dispatcher) {
		if ledger != nil {
			d.ledger = ledger
		}
	}
}

// WithDeadLetterPublisher sets where exhausted deliveries are published.
func WithDeadLetterPublisher(pub message.Publisher) Option {
	return func(d *Dispatcher) {
		d.dlq = pub
	}
}

// WithMetrics records deliveries in m.
func WithMetrics(m *metricspkg.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

type delivery struct {
	env            ce.Envelope
	subscriptionID string
	callbackURL    string
	secret         string
	topic          string
}

func (d delivery) laneKey() string {
	if d.subscriptionID != "" {
		return d.subscriptionID
	}
	return d.callbackURL
}

func (d delivery) logFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"event_id":        d.env.ID,
		"event_type":      d.env.Type,
		"subscription_id": d.subscriptionID,
		"callback_url":    d.callbackURL,
	}
}

// Dispatcher consumes per-subscriber envelopes and POSTs them.
type Dispatcher struct {
	cfg     Config
	logger  loggingpkg.ServiceLogger
	client  *http.Client
	sender  *sender
	ledger  Ledger
	dlq     message.Publisher
	metrics *metricspkg.Metrics
	lanes   *lanePool
}

// New builds a Dispatcher and starts no goroutines until the first Consume.
func New(cfg Config, logger loggingpkg.ServiceLogger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	d := &Dispatcher{
		cfg:    cfg.withDefaults(),
		logger: logger,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ledger == nil {
		d.ledger = NewMemoryLedger(24 * time.Hour)
	}

	client := *d.client
	client.Timeout = d.cfg.Timeout
	s, err := newSender(&client, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("create webhook publisher: %w", err)
	}
	d.sender = s
	d.lanes = newLanePool(d.cfg.LaneBuffer, d.cfg.LaneIdleTimeout, d.deliver, d.metrics)
	return d, nil
}

// Consume decodes msg and queues its delivery on the subscriber's lane.
// Undecodable messages are returned as a DecodeError and never POSTed.
func (d *Dispatcher) Consume(msg *message.Message) error {
	env, err := codec.Decode(msg, codec.QueueBinding)
	if err != nil {
		d.logger.Error("Failed to decode queued event", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
		})
		return err
	}

	callbackURL := env.Extension(ce.ExtCallbackURL)
	if callbackURL == "" {
		err := &ce.DecodeError{
			Binding:   codec.QueueBinding.Name,
			Attribute: ce.ExtCallbackURL,
			Reason:    "is missing",
			Cause:     errspkg.ErrCallbackURLMissing,
		}
		d.logger.Error("Queued event has no callback URL", err, env.LogFields())
		return err
	}

	dl := delivery{
		env:            env,
		subscriptionID: env.Extension(ce.ExtSubscriptionID),
		callbackURL:    callbackURL,
		secret:         env.Extension(ce.ExtSecret),
		topic:          env.Extension(ce.ExtTopic),
	}
	d.logger.Debug("Queued webhook delivery", dl.logFields())
	return d.lanes.enqueue(msg.Context(), dl.laneKey(), dl, !d.cfg.NackOnFullLane)
}

func (d *Dispatcher) deliver(dl delivery) {
	ctx := context.Background()
	log := d.logger.With(dl.logFields())
	topic := dl.topic
	if topic == "" {
		topic = "unknown"
	}
	key := LedgerKey(dl.env.ID, dl.laneKey())

	seen, err := d.ledger.Seen(ctx, key)
	if err != nil {
		log.Error("Delivery ledger lookup failed", err, nil)
	}
	if seen {
		log.Debug("Event already delivered to subscriber, skipping", nil)
		d.metrics.RecordDelivery(topic, metricspkg.OutcomeDuplicate, 0, 0)
		return
	}

	started := time.Now()
	attempts, err := d.send(ctx, dl)
	elapsed := time.Since(started)
	if err == nil {
		d.metrics.RecordDelivery(topic, metricspkg.OutcomeDelivered, attempts, elapsed)
		log.Info("Webhook delivered", loggingpkg.LogFields{"attempts": attempts})
		if err := d.ledger.Mark(ctx, key); err != nil {
			log.Error("Failed to record delivery", err, nil)
		}
		return
	}

	d.metrics.RecordDelivery(topic, metricspkg.OutcomeFailed, attempts, elapsed)
	log.Error("Webhook delivery failed", err, loggingpkg.LogFields{"attempts": attempts})
	d.deadLetter(ctx, dl, err, attempts, log)
}

// send POSTs dl with retries and returns the number of attempts made.
func (d *Dispatcher) send(ctx context.Context, dl delivery) (int, error) {
	msg, err := request(dl.env, dl.secret)
	if err != nil {
		return 0, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialInterval
	policy.MaxInterval = d.cfg.MaxInterval

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := d.sender.post(ctx, dl.callbackURL, msg)
		if err == nil {
			return struct{}{}, nil
		}
		var derr *DeliveryError
		if errors.As(err, &derr) && !derr.Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempts < d.cfg.MaxAttempts {
			d.logger.Debug("Webhook attempt failed, retrying", loggingpkg.LogFields{
				"attempt":         attempts,
				"subscription_id": dl.subscriptionID,
				"error":           err.Error(),
			})
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(d.cfg.MaxAttempts)))
	return attempts, err
}

func (d *Dispatcher) deadLetter(ctx context.Context, dl delivery, reason error, attempts int, log loggingpkg.ServiceLogger) {
	if d.dlq == nil || d.cfg.DeadLetterQueue == "" {
		return
	}
	msg, err := codec.Encode(ce.PrepareForDLQ(dl.env, reason, attempts), codec.QueueBinding)
	if err != nil {
		log.Error("Failed to encode dead letter", err, nil)
		return
	}
	msg.SetContext(ctx)
	if err := d.dlq.Publish(d.cfg.DeadLetterQueue, msg); err != nil {
		log.Error("Failed to publish dead letter", err, loggingpkg.LogFields{"queue": d.cfg.DeadLetterQueue})
		return
	}
	d.metrics.RecordDeadLetter(d.cfg.DeadLetterQueue, "delivery")
	log.Info("Exhausted delivery sent to dead letter queue", loggingpkg.LogFields{"queue": d.cfg.DeadLetterQueue})
}

// ActiveLanes returns the number of subscriber lanes currently running.
func (d *Dispatcher) ActiveLanes() int {
	return d.lanes.size()
}

// Close stops intake, waits for queued deliveries and closes the HTTP
// publisher.
func (d *Dispatcher) Close() error {
	d.lanes.close()
	return d.sender.close()
}
