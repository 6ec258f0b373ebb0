package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is a persisted chat message. An empty Recipient marks a public
// message.
type Record struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsPrivate reports whether the record has a recipient.
func (r Record) IsPrivate() bool {
	return r.Recipient != ""
}

// VisibleTo reports whether username may see the record.
func (r Record) VisibleTo(username string) bool {
	return !r.IsPrivate() || r.Sender == username || r.Recipient == username
}

// prepare fills in the ID and creation time. Timestamps are kept in UTC at
// millisecond precision so every backend orders them the same way.
func prepare(rec Record, now time.Time) Record {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	return rec
}
