// Package gateway bridges producer events arriving on the stream binding to
// the queue binding consumed by the webhook dispatcher.
package gateway

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/codec"
	errspkg "github.com/drblury/hookrelay/internal/runtime/errors"
	idspkg "github.com/drblury/hookrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

// DefaultForwardedExtensions are copied from the inbound envelope.
var DefaultForwardedExtensions = []string{ce.ExtCallbackURL, ce.ExtSubscriptionID, ce.ExtTopic}

// Config controls how republished envelopes look.
type Config struct {
	// Source replaces the inbound source.
	Source string
	// Forward lists the extensions to copy. Nil selects DefaultForwardedExtensions.
	Forward []string
	// DestinationSuffix and OutputQueue feed DefaultDestination.
	DestinationSuffix string
	OutputQueue       string
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithTypeSelector replaces the default VersionedType selector.
func WithTypeSelector(sel TypeSelector) Option {
	return func(g *Gateway) {
		if sel != nil {
			g.selectType = sel
		}
	}
}

// WithDestination replaces the routing function.
func WithDestination(dest Destination) Option {
	return func(g *Gateway) {
		if dest != nil {
			g.destination = dest
		}
	}
}

// WithIDGenerator replaces the id generator for republished envelopes.
func WithIDGenerator(gen idspkg.Generator) Option {
	return func(g *Gateway) {
		if gen != nil {
			g.newID = gen
		}
	}
}

// Gateway republishes stream-binding envelopes on the queue binding.
type Gateway struct {
	pub         message.Publisher
	cfg         Config
	logger      loggingpkg.ServiceLogger
	selectType  TypeSelector
	destination Destination
	newID       idspkg.Generator
}

// New builds a Gateway. pub may be nil when every envelope is consume-only.
func New(pub message.Publisher, cfg Config, logger loggingpkg.ServiceLogger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Forward == nil {
		cfg.Forward = DefaultForwardedExtensions
	}
	g := &Gateway{
		pub:         pub,
		cfg:         cfg,
		logger:      logger,
		selectType:  VersionedType,
		destination: DefaultDestination(cfg.DestinationSuffix, cfg.OutputQueue),
		newID:       idspkg.CreateULID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Translate builds the outbound envelope for in.
func (g *Gateway) Translate(in ce.Envelope) ce.Envelope {
	source := g.cfg.Source
	if source == "" {
		source = in.Source
	}
	out := ce.Envelope{
		ID:              g.newID(),
		Source:          source,
		Type:            g.selectType(in),
		Time:            in.Time,
		DataContentType: in.DataContentType,
		Data:            in.Clone().Data,
		Extensions:      in.Extensions.Pick(g.cfg.Forward...),
	}
	if out.Time.IsZero() {
		out.Time = ce.Now()
	}
	return out
}

// Consume handles one stream-binding message. Decode failures are returned
// so the router can dead-letter them.
func (g *Gateway) Consume(msg *message.Message) error {
	in, err := codec.Decode(msg, codec.StreamBinding)
	if err != nil {
		g.logger.Error("Failed to decode inbound event", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
		})
		return err
	}

	log := g.logger.With(in.LogFields())
	log.Info("Received event", nil)

	out := g.Translate(in)
	dest := g.destination(out)
	if dest == "" {
		log.Debug("No destination for event, consumed only", nil)
		return nil
	}
	if g.pub == nil {
		return errspkg.ErrPublisherRequired
	}

	outMsg, err := codec.Encode(out, codec.QueueBinding)
	if err != nil {
		return fmt.Errorf("re-encode event %s: %w", in.ID, err)
	}
	outMsg.SetContext(msg.Context())
	if err := g.pub.Publish(dest, outMsg); err != nil {
		return fmt.Errorf("republish event %s to %s: %w", in.ID, dest, err)
	}

	log.Debug("Event republished", loggingpkg.LogFields{
		"destination":  dest,
		"out_event_id": out.ID,
		"out_type":     out.Type,
	})
	return nil
}
