package codec

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	idspkg "github.com/drblury/hookrelay/internal/runtime/ids"
	"github.com/drblury/hookrelay/internal/runtime/jsoncodec"
)

// Standard attribute names as they appear after the binding prefix.
const (
	attrSpecVersion     = "specversion"
	attrID              = "id"
	attrSource          = "source"
	attrType            = "type"
	attrTime            = "time"
	attrDataContentType = "datacontenttype"
)

// Encode turns env into a watermill message on binding b. The payload is
// the envelope data; every attribute and extension becomes metadata.
func Encode(env ce.Envelope, b Binding) (*message.Message, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s binding: %w", b.Name, err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), message.Payload(env.Data))
	set := func(attr, value string) {
		msg.Metadata.Set(b.Key(attr), b.encodeValue(value))
	}

	set(attrSpecVersion, ce.SpecVersion)
	set(attrID, env.ID)
	set(attrType, env.Type)
	if env.Source != "" {
		set(attrSource, env.Source)
	}
	if !env.Time.IsZero() {
		set(attrTime, ce.FormatTime(env.Time))
	}
	if env.DataContentType != "" {
		set(attrDataContentType, env.DataContentType)
		msg.Metadata.Set(b.ContentTypeKey, env.DataContentType)
	}
	for name, value := range env.Extensions {
		set(name, value)
	}
	return msg, nil
}

// EncodeEvent serializes event as JSON into template.Data, merges
// extensions into its extension set and encodes the result.
func EncodeEvent(event any, extensions ce.Extensions, template ce.Envelope, b Binding) (*message.Message, error) {
	data, err := jsoncodec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s binding: serialize event: %w", b.Name, err)
	}
	env := template.Clone()
	env.Data = data
	if env.DataContentType == "" {
		env.DataContentType = ce.ContentTypeJSON
	}
	for name, value := range extensions {
		env = env.WithExtension(name, value)
	}
	return Encode(env, b)
}

// Decode reads the envelope carried by msg on binding b. Metadata keys that
// do not belong to b are ignored.
func Decode(msg *message.Message, b Binding) (ce.Envelope, error) {
	if msg == nil {
		return ce.Envelope{}, decodeError(b, "data", "is missing", nil)
	}

	attrs := make(map[string]string, len(msg.Metadata))
	for key, raw := range msg.Metadata {
		name, ok := b.attributeName(key)
		if !ok {
			continue
		}
		value, err := b.decodeValue(raw)
		if err != nil {
			return ce.Envelope{}, decodeError(b, name, "is not percent-encoded correctly", err)
		}
		attrs[name] = value
	}

	if v, ok := attrs[attrSpecVersion]; ok && v != ce.SpecVersion {
		return ce.Envelope{}, decodeError(b, attrSpecVersion, fmt.Sprintf("has unsupported value %q", v), nil)
	}

	env := ce.Envelope{
		ID:     attrs[attrID],
		Type:   attrs[attrType],
		Source: attrs[attrSource],
	}
	if env.ID == "" {
		return ce.Envelope{}, decodeError(b, attrID, "is missing", nil)
	}
	if env.Type == "" {
		return ce.Envelope{}, decodeError(b, attrType, "is missing", nil)
	}

	if raw, ok := attrs[attrTime]; ok && raw != "" {
		t, err := ce.ParseTime(raw)
		if err != nil {
			return ce.Envelope{}, decodeError(b, attrTime, "is unparsable", err)
		}
		env.Time = t
	}

	env.DataContentType = attrs[attrDataContentType]
	if env.DataContentType == "" {
		env.DataContentType = msg.Metadata.Get(b.ContentTypeKey)
	}

	if len(msg.Payload) > 0 {
		if env.DataContentType == ce.ContentTypeJSON && !jsoncodec.Valid(msg.Payload) {
			return ce.Envelope{}, decodeError(b, "data", "is not valid JSON", nil)
		}
		env.Data = append([]byte(nil), msg.Payload...)
	}

	for name, value := range attrs {
		if ce.IsStandardAttribute(name) {
			continue
		}
		if env.Extensions == nil {
			env.Extensions = make(ce.Extensions)
		}
		env.Extensions[name] = value
	}
	return env, nil
}

func decodeError(b Binding, attribute, reason string, cause error) error {
	return &ce.DecodeError{Binding: b.Name, Attribute: attribute, Reason: reason, Cause: cause}
}
