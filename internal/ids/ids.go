// Package ids generates the identifiers used across the sync layer.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks client-generated placeholder ids.
const TempPrefix = "tmp-"

// NewMessageID returns a ULID for a persisted message. ULIDs sort by creation
// time, which keeps store-assigned ids roughly aligned with createdAt.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewConversationID returns a random conversation id.
func NewConversationID() string {
	return uuid.NewString()
}

// NewTempID returns a placeholder id for an optimistic message.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// NewOrigin returns an id that identifies one realtime subscriber or handle.
func NewOrigin() string {
	return uuid.NewString()
}
