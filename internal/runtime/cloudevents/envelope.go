// Package cloudevents defines the transport-neutral CloudEvents v1.0 envelope
// that every hookrelay component works with. Binding-specific attribute
// naming lives in the codec package; nothing here knows about prefixes.
package cloudevents

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	idspkg "github.com/drblury/hookrelay/internal/runtime/ids"
	"github.com/drblury/hookrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentTypeJSON is the only data content type hookrelay produces.
const ContentTypeJSON = "application/json"

// Envelope is the canonical CloudEvent passed between components.
// See https://github.com/cloudevents/spec/blob/v1.0/spec.md.
type Envelope struct {
	// ID uniquely identifies the event for its source. Webhook deliveries
	// use it as the idempotency key.
	ID string

	// Source identifies the context in which the event happened (URI-reference).
	Source string

	// Type is a versioned event type such as "org.dcsa.v1.event".
	Type string

	Time            time.Time
	DataContentType string

	// Data holds the serialized domain event, passed through untouched.
	Data json.RawMessage

	Extensions Extensions
}

// New creates an envelope around data serialized as JSON. ID is a fresh ULID
// and Time is the current UTC time. Extensions stay nil until one is set.
func New(eventType, source string, data any) (Envelope, error) {
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize event data: %w", err)
	}
	return Envelope{
		ID:              idspkg.CreateULID(),
		Source:          source,
		Type:            eventType,
		Time:            Now(),
		DataContentType: ContentTypeJSON,
		Data:            raw,
	}, nil
}

// WithExtension returns a copy of the envelope with name set to value.
func (e Envelope) WithExtension(name, value string) Envelope {
	e.Extensions = e.Extensions.With(name, value)
	return e
}

// Extension returns the named extension or "".
func (e Envelope) Extension(name string) string {
	return e.Extensions.Get(name)
}

// Validate checks the attributes an envelope needs before it is encoded.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source != "" {
		if _, err := url.Parse(e.Source); err != nil {
			return fmt.Errorf("source must be a URI-reference: %w", err)
		}
	}
	return e.Extensions.Validate()
}

// Clone returns a deep copy of the envelope.
func (e Envelope) Clone() Envelope {
	cloned := e
	if e.Data != nil {
		cloned.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Extensions != nil {
		cloned.Extensions = e.Extensions.Clone()
	}
	return cloned
}

// UnmarshalData decodes the JSON data into v.
func (e Envelope) UnmarshalData(v any) error {
	return jsoncodec.Unmarshal(e.Data, v)
}

// LogFields describes the envelope for structured logs with secrets redacted.
func (e Envelope) LogFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"event_id":     e.ID,
		"event_type":   e.Type,
		"event_source": e.Source,
	}
	if len(e.Extensions) > 0 {
		fields["extensions"] = loggingpkg.RedactMetadata(e.Extensions)
	}
	return fields
}
