// Package ids provides the ULID-based identifiers used on the wire and for
// optimistic placeholders.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempPrefix marks client-generated placeholder message ids.
const TempPrefix = "tmp-"

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewClientMsgID returns the idempotency key sent with a message write.
func NewClientMsgID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewTempID returns a placeholder message id derived from a client message id.
func NewTempID(clientMsgID string) string {
	return TempPrefix + clientMsgID
}

// IsTemp reports whether id was produced by NewTempID.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Time extracts the timestamp encoded in a ULID. ok is false for non-ULIDs.
func Time(id string) (t time.Time, ok bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
