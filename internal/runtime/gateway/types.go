package gateway

import (
	"fmt"
	"regexp"

	ce "github.com/drblury/hookrelay/internal/runtime/cloudevents"
	"github.com/drblury/hookrelay/internal/runtime/fanout"
)

// TypeSelector picks the type of the republished envelope. It must be a
// pure function of its input.
type TypeSelector func(ce.Envelope) string

// KeepType forwards the inbound type unchanged.
func KeepType(env ce.Envelope) string {
	return env.Type
}

// FixedType always answers eventType.
func FixedType(eventType string) TypeSelector {
	return func(ce.Envelope) string {
		return eventType
	}
}

// DefaultEventVersion is used when an envelope carries neither a usable
// version nor a type.
const DefaultEventVersion = "v1"

var eventVersionPattern = regexp.MustCompile(`^v[0-9]+$`)

// VersionedType derives "org.dcsa.<version>.event" from the eventversion
// extension. Without a usable version the inbound type is kept.
func VersionedType(env ce.Envelope) string {
	version := env.Extension(ce.ExtEventVersion)
	if !eventVersionPattern.MatchString(version) {
		if env.Type != "" {
			return env.Type
		}
		version = DefaultEventVersion
	}
	return fmt.Sprintf("org.dcsa.%s.event", version)
}

// Destination picks the queue an envelope is republished to. An empty
// answer means the envelope is only consumed.
type Destination func(ce.Envelope) string

// DefaultDestination routes by the topic extension plus suffix, then to
// outputQueue.
func DefaultDestination(suffix, outputQueue string) Destination {
	return func(env ce.Envelope) string {
		if topic := env.Extension(ce.ExtTopic); topic != "" && suffix != "" {
			return fanout.Destination(topic, suffix)
		}
		return outputQueue
	}
}
