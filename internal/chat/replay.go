package chat

import (
	"context"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Replayer sends a user's visible history to one connection.
type Replayer struct {
	store   store.Store
	channel Channel
}

func NewReplayer(st store.Store, ch Channel) *Replayer {
	return &Replayer{store: st, channel: ch}
}

// Replay emits every record visible to username to connID, in store order.
// It returns the number of records sent.
func (r *Replayer) Replay(ctx context.Context, connID, username string) (int, error) {
	records, err := r.store.QueryVisibleTo(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("failed to load history for %s: %w", username, err)
	}

	for _, rec := range records {
		if rec.IsPrivate() {
			r.channel.EmitTo(connID, NewPrivateMessage(rec))
		} else {
			r.channel.EmitTo(connID, NewPublicMessage(rec))
		}
	}
	return len(records), nil
}
