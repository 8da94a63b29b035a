package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	"github.com/drblury/hookrelay/internal/runtime/domain"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	idspkg "github.com/drblury/hookrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

// SampleConfig controls the events emitted by a SampleProducer.
type SampleConfig struct {
	// Topic is the stream topic the events are published to.
	Topic  string
	Source string
	// CallbackURL and SubscribeOn become the callbackurl and topic
	// extensions, so the gateway routes the events to a subscriber queue.
	CallbackURL string
	SubscribeOn string
	// Secret becomes the secret extension when set.
	Secret   string
	Interval time.Duration
}

// SampleProducer stands in for an upstream producer. It publishes sample
// equipment events on the stream binding, alternating the requested event
// version between v1 and v2.
type SampleProducer struct {
	pub    message.Publisher
	cfg    SampleConfig
	logger loggingpkg.ServiceLogger
	count  atomic.Uint64
}

// NewSampleProducer builds a producer publishing through pub.
func NewSampleProducer(pub message.Publisher, cfg SampleConfig, logger loggingpkg.ServiceLogger) *SampleProducer {
	return &SampleProducer{pub: pub, cfg: cfg, logger: logger}
}

// Run emits one event per interval until ctx is cancelled.
func (p *SampleProducer) Run(ctx context.Context) {
	if p.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Emit(ctx); err != nil {
				p.logger.Error("Failed to emit sample event", err, loggingpkg.LogFields{"topic": p.cfg.Topic})
			}
		}
	}
}

// Emit publishes a single sample event and returns its envelope.
func (p *SampleProducer) Emit(ctx context.Context) (ce.Envelope, error) {
	if p.pub == nil {
		return ce.Envelope{}, errspkg.ErrPublisherRequired
	}
	if p.cfg.Topic == "" {
		return ce.Envelope{}, errspkg.ErrTopicRequired
	}

	n := p.count.Add(1)
	env, err := ce.New("org.dcsa.sample.event", p.cfg.Source, domain.SampleEvent())
	if err != nil {
		return ce.Envelope{}, err
	}
	env = env.
		WithExtension(ce.ExtEventVersion, fmt.Sprintf("v%d", 2-n%2)).
		WithExtension(ce.ExtSubscriptionID, idspkg.NewUUID())
	if p.cfg.CallbackURL != "" {
		env = env.WithExtension(ce.ExtCallbackURL, p.cfg.CallbackURL)
	}
	if p.cfg.SubscribeOn != "" {
		env = env.WithExtension(ce.ExtTopic, p.cfg.SubscribeOn)
	}
	if p.cfg.Secret != "" {
		env = env.WithExtension(ce.ExtSecret, p.cfg.Secret)
	}

	msg, err := codec.Encode(env, codec.StreamBinding)
	if err != nil {
		return ce.Envelope{}, err
	}
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.cfg.Topic, msg); err != nil {
		return ce.Envelope{}, fmt.Errorf("publish sample event: %w", err)
	}

	p.logger.Debug("Emitted sample event", env.LogFields())
	return env, nil
}
