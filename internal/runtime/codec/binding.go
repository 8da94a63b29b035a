// Package codec translates the canonical CloudEvents envelope to and from
// watermill messages for each protocol binding hookrelay speaks. The
// message metadata carries the attributes; the transport marshalers turn
// metadata into Kafka record headers, AMQP headers, NATS headers or HTTP
// headers.
package codec

import (
	"fmt"
	"net/url"
	"strings"
)

// Binding describes how one transport family names CloudEvent attributes.
type Binding struct {
	// Name identifies the binding in logs and errors.
	Name string

	// AttributePrefix is prepended to every attribute name.
	AttributePrefix string

	// ContentTypeKey is the native content type header of the transport.
	ContentTypeKey string

	// PercentEncode escapes header values per the CloudEvents HTTP binding.
	PercentEncode bool
}

var (
	// StreamBinding is the binary-mode Kafka binding used on the producer
	// facing "events" topic. NATS shares it.
	StreamBinding = Binding{Name: "stream", AttributePrefix: "ce_", ContentTypeKey: "content-type"}

	// QueueBinding is the AMQP binding used on the per-subscriber
	// "<topic>.producer-core" queues.
	QueueBinding = Binding{Name: "queue", AttributePrefix: "cloudEvents:", ContentTypeKey: "contentType"}

	// HTTPBinding is the binary-mode HTTP binding used for webhook calls.
	HTTPBinding = Binding{Name: "http", AttributePrefix: "ce-", ContentTypeKey: "Content-Type", PercentEncode: true}
)

// Bindings lists every supported binding.
func Bindings() []Binding {
	return []Binding{StreamBinding, QueueBinding, HTTPBinding}
}

// BindingFor resolves a binding by name.
func BindingFor(name string) (Binding, error) {
	for _, b := range Bindings() {
		if b.Name == name {
			return b, nil
		}
	}
	return Binding{}, fmt.Errorf("unknown binding %q", name)
}

// Key returns the on-wire key for attribute.
func (b Binding) Key(attribute string) string {
	return b.AttributePrefix + attribute
}

// attributeName returns the attribute name carried by key, if key belongs to
// this binding. Matching ignores case because HTTP canonicalises header keys.
func (b Binding) attributeName(key string) (string, bool) {
	if len(key) <= len(b.AttributePrefix) || !strings.EqualFold(key[:len(b.AttributePrefix)], b.AttributePrefix) {
		return "", false
	}
	return strings.ToLower(key[len(b.AttributePrefix):]), true
}

func (b Binding) encodeValue(v string) string {
	if !b.PercentEncode {
		return v
	}
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c <= ' ' || c >= 0x7f || c == '"' || c == '%' {
			fmt.Fprintf(&sb, "%%%02X", c)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func (b Binding) decodeValue(v string) (string, error) {
	if !b.PercentEncode || !strings.Contains(v, "%") {
		return v, nil
	}
	return url.PathUnescape(v)
}
