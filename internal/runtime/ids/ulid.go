// Package ids generates identifiers for events and subscriptions.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces a new identifier on every call.
type Generator func() string

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Event envelopes minted by hookrelay use it as their CloudEvent id.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewUUID returns a random (v4) UUID string. Subscriptions and sample
// events use it.
func NewUUID() string {
	return uuid.NewString()
}
