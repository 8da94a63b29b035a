// Package domain holds the equipment event carried by hookrelay envelopes.
package domain

import idspkg "github.com/drblury/hookrelay/internal/runtime/ids"

// Event is an equipment event. hookrelay treats it as opaque: it is
// serialized as the CloudEvent data and never inspected.
type Event struct {
	ID                     string `json:"id"`
	EventClassifierCode    string `json:"eventClassifierCode"`
	EquipmentEventTypeCode string `json:"equipmentEventTypeCode"`
	EmptyIndicatorCode     string `json:"emptyIndicatorCode"`
}

// SampleEvent returns the actual/load/laden event used by the demo trigger
// and the sample producer, with a fresh id.
func SampleEvent() Event {
	return Event{
		ID:                     idspkg.NewUUID(),
		EventClassifierCode:    "ACT",
		EquipmentEventTypeCode: "LOAD",
		EmptyIndicatorCode:     "LADEN",
	}
}
