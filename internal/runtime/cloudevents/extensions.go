package cloudevents

import (
	"fmt"
	"strconv"
)

// Extension attributes used by hookrelay.
const (
	// ExtCallbackURL is the webhook target of a per-subscriber envelope.
	ExtCallbackURL = "callbackurl"

	// ExtSubscriptionID identifies the subscription an envelope belongs to.
	ExtSubscriptionID = "subscriptionid"

	// ExtSecret carries the subscription secret used to sign the delivery.
	ExtSecret = "secret"

	// ExtTopic is the subscription topic, kept so routing can be re-derived.
	ExtTopic = "topic"

	// ExtEventVersion lets producers ask the gateway for a type version.
	ExtEventVersion = "eventversion"

	// ExtDeadLetterReason records why an envelope was dead-lettered.
	ExtDeadLetterReason = "deadletterreason"

	// ExtDeliveryAttempts records how many webhook attempts were made.
	ExtDeliveryAttempts = "deliveryattempts"
)

// Standard attribute names. Extensions may not reuse them.
var reservedAttributes = map[string]struct{}{
	"specversion":     {},
	"id":              {},
	"source":          {},
	"type":            {},
	"time":            {},
	"datacontenttype": {},
	"dataschema":      {},
	"subject":         {},
	"data":            {},
	"data_base64":     {},
}

// IsStandardAttribute reports whether name is a CloudEvents context attribute.
func IsStandardAttribute(name string) bool {
	_, ok := reservedAttributes[name]
	return ok
}

// Extensions maps extension attribute names to their string values.
type Extensions map[string]string

func (x Extensions) cloneWithExtra(extra int) Extensions {
	cloned := make(Extensions, len(x)+extra)
	for k, v := range x {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy.
func (x Extensions) Clone() Extensions {
	return x.cloneWithExtra(0)
}

// With returns a copy containing name=value.
func (x Extensions) With(name, value string) Extensions {
	cloned := x.cloneWithExtra(1)
	cloned[name] = value
	return cloned
}

// Get returns the value of name, or "".
func (x Extensions) Get(name string) string {
	return x[name]
}

// Pick returns a copy holding only the listed names that are present.
func (x Extensions) Pick(names ...string) Extensions {
	picked := make(Extensions, len(names))
	for _, name := range names {
		if v, ok := x[name]; ok {
			picked[name] = v
		}
	}
	return picked
}

// Validate checks every name against the CloudEvents naming rules:
// lowercase ASCII letters or digits, not shadowing a standard attribute.
func (x Extensions) Validate() error {
	for name := range x {
		if err := ValidateExtensionName(name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateExtensionName validates a single extension attribute name.
func ValidateExtensionName(name string) error {
	if name == "" {
		return &InvalidExtensionError{Name: name, Reason: "name is empty"}
	}
	if IsStandardAttribute(name) {
		return &InvalidExtensionError{Name: name, Reason: "name is a standard attribute"}
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return &InvalidExtensionError{Name: name, Reason: fmt.Sprintf("invalid character %q", c)}
		}
	}
	return nil
}

// PrepareForDLQ returns a copy of env annotated with the dead-letter reason
// and the number of delivery attempts made.
func PrepareForDLQ(env Envelope, reason error, attempts int) Envelope {
	out := env.Clone()
	if reason != nil {
		out = out.WithExtension(ExtDeadLetterReason, reason.Error())
	}
	if attempts > 0 {
		out = out.WithExtension(ExtDeliveryAttempts, strconv.Itoa(attempts))
	}
	return out
}
