package cloudevents

import (
	"time"
)

// TimeFormat is the layout used when writing the CloudEvents time attribute.
const TimeFormat = time.RFC3339Nano

var fallbackLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses a CloudEvents time attribute. RFC 3339 with or without
// fractional seconds is accepted, plus zone-less timestamps (read as UTC)
// emitted by some producers.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	for _, layout := range fallbackLayouts {
		if parsed, ferr := time.Parse(layout, s); ferr == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, err
}

// FormatTime formats t in UTC, or returns "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// Now returns the current UTC time without a monotonic clock reading, so it
// compares equal to its own formatted-and-parsed value.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}
