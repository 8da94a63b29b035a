// Package fanout sends one event to every interested subscriber as a
// separate per-subscriber envelope on the queue binding.
package fanout

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	"github.com/drblury/hookrelay/internal/runtime/domain"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	metricspkg "github.com/drblury/hookrelay/internal/runtime/metrics"
	"github.com/drblury/hookrelay/internal/runtime/registry"
)

// DefaultDestinationSuffix is appended to a topic to name its subscriber queue.
const DefaultDestinationSuffix = "producer-core"

// Subscriptions is the part of the registry the publisher needs.
type Subscriptions interface {
	LookupByTopic(ctx context.Context, topic string) ([]registry.Subscription, error)
	Active(ctx context.Context) ([]registry.Subscription, error)
}

// Config describes the envelopes the publisher produces.
type Config struct {
	Source            string
	EventType         string
	DestinationSuffix string
}

// Failure records one subscription that could not be sent.
type Failure struct {
	SubscriptionID string
	Err            error
}

// Result summarises a fan-out call.
type Result struct {
	Sent     int
	Failures []Failure
}

// Failed returns the number of subscriptions that were not sent.
func (r Result) Failed() int {
	return len(r.Failures)
}

// Publisher encodes and sends per-subscriber envelopes.
type Publisher struct {
	pub     message.Publisher
	subs    Subscriptions
	cfg     Config
	logger  loggingpkg.ServiceLogger
	metrics *metricspkg.Metrics
}

// New builds a Publisher. subs may be nil when only Publish is used.
func New(pub message.Publisher, subs Subscriptions, cfg Config, logger loggingpkg.ServiceLogger, metrics *metricspkg.Metrics) (*Publisher, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.DestinationSuffix == "" {
		cfg.DestinationSuffix = DefaultDestinationSuffix
	}
	return &Publisher{pub: pub, subs: subs, cfg: cfg, logger: logger, metrics: metrics}, nil
}

// Destination returns the queue name for topic.
func (p *Publisher) Destination(topic string) string {
	return Destination(topic, p.cfg.DestinationSuffix)
}

// Destination joins topic and suffix with a dot.
func Destination(topic, suffix string) string {
	return strings.TrimSuffix(topic, ".") + "." + suffix
}

// Publish sends event once to every subscription. A failed subscription is
// logged and counted without stopping the others.
func (p *Publisher) Publish(ctx context.Context, event domain.Event, subs []registry.Subscription) Result {
	var result Result
	template := ce.Envelope{
		ID:              event.ID,
		Source:          p.cfg.Source,
		Type:            p.cfg.EventType,
		Time:            ce.Now(),
		DataContentType: ce.ContentTypeJSON,
	}

	for _, sub := range subs {
		log := p.logger.With(sub.LogFields())
		topic := p.Destination(sub.Topic())

		err := p.send(ctx, event, template, sub, topic)
		p.metrics.RecordPublish(sub.Topic(), err)
		if err != nil {
			log.Error("Failed to publish event to subscriber", err, loggingpkg.LogFields{
				"event_id":    event.ID,
				"destination": topic,
			})
			result.Failures = append(result.Failures, Failure{SubscriptionID: sub.ID, Err: err})
			continue
		}
		log.Debug("Event published to subscriber", loggingpkg.LogFields{
			"event_id":    event.ID,
			"destination": topic,
		})
		result.Sent++
	}
	return result
}

func (p *Publisher) send(ctx context.Context, event domain.Event, template ce.Envelope, sub registry.Subscription, topic string) error {
	extensions := ce.Extensions{
		ce.ExtCallbackURL:    sub.CallbackURL,
		ce.ExtSubscriptionID: sub.ID,
		ce.ExtSecret:         sub.Secret,
		ce.ExtTopic:          sub.Topic(),
	}
	msg, err := codec.EncodeEvent(event, extensions, template, codec.QueueBinding)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := p.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// PublishToTopic sends event to every active subscription of topic.
func (p *Publisher) PublishToTopic(ctx context.Context, topic string, event domain.Event) (Result, error) {
	if p.subs == nil {
		return Result{}, errspkg.ErrRegistryRequired
	}
	subs, err := p.subs.LookupByTopic(ctx, topic)
	if err != nil {
		return Result{}, err
	}
	return p.Publish(ctx, event, subs), nil
}

// Trigger publishes a freshly generated sample event to every active
// subscription regardless of topic.
func (p *Publisher) Trigger(ctx context.Context) (Result, error) {
	if p.subs == nil {
		return Result{}, errspkg.ErrRegistryRequired
	}
	subs, err := p.subs.Active(ctx)
	if err != nil {
		return Result{}, err
	}
	event := domain.SampleEvent()
	p.logger.Info("Triggering sample event", loggingpkg.LogFields{
		"event_id":      event.ID,
		"subscriptions": len(subs),
	})
	return p.Publish(ctx, event, subs), nil
}
