// Package clockid provides the timestamps and identifiers shared by every
// other component: UTC-with-millisecond-precision clock reads and 128-bit
// random IDs rendered as 36-character strings.
package clockid

import (
	"time"

	"github.com/google/uuid"
)

// Now returns the current UTC time truncated to millisecond precision, the
// resolution the wire format and the store both use.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewID returns a random 128-bit identifier rendered as a 36-character
// string (8-4-4-4-12 hex with dashes).
func NewID() string {
	return uuid.NewString()
}

// Expired reports whether a deadline has passed relative to Now.
func Expired(deadline time.Time) bool {
	return !deadline.IsZero() && Now().After(deadline)
}

// TTLDeadline computes the expiration instant for a time-to-live duration.
// A zero or negative ttl means "no expiration".
func TTLDeadline(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := Now().Add(ttl)
	return &t
}
