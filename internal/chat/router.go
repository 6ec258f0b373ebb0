// Package chat implements the relay's session state machine: joining,
// public and private messaging, typing notices, disconnects and history
// replay. Delivery goes through the Channel interface.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/chatrelay/internal/audit"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Publisher forwards stored records to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, rec store.Record) error
}

// Options tune the Router.
type Options struct {
	MaxUsernameLength int
	// NotifyUndeliverable tells the sender when a private message target is
	// offline instead of dropping the message silently.
	NotifyUndeliverable bool
	Now                 func() time.Time
}

const defaultMaxUsernameLength = 32

// Router handles every inbound event for every connection. It is safe for
// concurrent use; calls for one connection are expected to be serial.
type Router struct {
	registry  *presence.Registry
	store     store.Store
	channel   Channel
	publisher Publisher
	replayer  *Replayer
	opts      Options
}

// NewRouter wires a Router. publisher may be nil.
func NewRouter(reg *presence.Registry, st store.Store, ch Channel, pub Publisher, opts Options) *Router {
	if opts.MaxUsernameLength <= 0 {
		opts.MaxUsernameLength = defaultMaxUsernameLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		registry:  reg,
		store:     st,
		channel:   ch,
		publisher: pub,
		replayer:  NewReplayer(st, ch),
		opts:      opts,
	}
}

func (r *Router) notice(text string) PublicMessageEvent {
	return NewSystemNotice(text, r.opts.Now())
}

func (r *Router) roster() RosterEvent {
	return NewRoster(r.registry.Usernames())
}

func (r *Router) validUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: username is required", ErrMalformedEvent)
	case len([]rune(name)) > r.opts.MaxUsernameLength:
		return "", fmt.Errorf("%w: username longer than %d characters", ErrMalformedEvent, r.opts.MaxUsernameLength)
	case strings.EqualFold(name, SystemSender):
		return "", fmt.Errorf("%w: username %q is reserved", ErrMalformedEvent, SystemSender)
	}
	return name, nil
}

func (r *Router) joined(connID string) (string, error) {
	name, ok := r.registry.Username(connID)
	if !ok {
		return "", ErrNotJoined
	}
	return name, nil
}

// Join binds connID to username, announces it and replays history to the
// joiner. A connection already holding the name is left untouched. A
// different connection holding the name is evicted.
func (r *Router) Join(ctx context.Context, connID, username string) error {
	name, err := r.validUsername(username)
	if err != nil {
		return err
	}

	reg := r.registry.Register(connID, name)
	if reg.Unchanged {
		return nil
	}

	if reg.Evicted != "" {
		r.channel.EmitTo(reg.Evicted, r.notice(fmt.Sprintf("%s joined from another connection", name)))
		r.channel.Close(reg.Evicted)
		audit.LogWithDetail(ctx, audit.ActionEvict, name, reg.Evicted, "Previous connection evicted")
	}
	if reg.Previous != "" {
		r.channel.BroadcastExcept(connID, r.notice(reg.Previous+" left the chat"))
		audit.LogWithDetail(ctx, audit.ActionRebind, name, reg.Previous, "Connection renamed")
	} else {
		audit.Log(ctx, audit.ActionJoin, name, "User joined")
	}

	r.channel.BroadcastExcept(connID, r.notice(name+" joined the chat"))
	r.channel.BroadcastAll(r.roster())

	n, err := r.replayer.Replay(ctx, connID, name)
	if err != nil {
		return err
	}
	l := logging.Ctx(ctx)
	l.Debug().Str(logging.FieldUsername, name).Int("records", n).Msg("History replayed")
	return nil
}

// PublicMessage stores text from the connection's user and delivers it to
// every connection, the sender included.
func (r *Router) PublicMessage(ctx context.Context, connID, text string) error {
	name, err := r.joined(connID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is required", ErrMalformedEvent)
	}

	rec, err := r.store.Append(ctx, store.Record{Sender: name, Content: text})
	if err != nil {
		return fmt.Errorf("failed to store public message: %w", err)
	}

	r.channel.BroadcastAll(NewPublicMessage(rec))
	audit.LogWithDetail(ctx, audit.ActionPublicMessage, name, rec.ID, "Public message sent")
	r.publish(ctx, rec)
	return nil
}

// PrivateMessage stores text and delivers it to the connection of to only.
// When to is offline nothing is stored or delivered.
func (r *Router) PrivateMessage(ctx context.Context, connID, to, text string) error {
	name, err := r.joined(connID)
	if err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("%w: toUsername is required", ErrMalformedEvent)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is required", ErrMalformedEvent)
	}

	target, ok := r.registry.Resolve(to)
	if !ok {
		audit.LogDirected(ctx, audit.ActionUndeliverable, name, to, "Private message target offline")
		if r.opts.NotifyUndeliverable {
			r.channel.EmitTo(connID, r.notice(to+" is not online"))
		}
		return nil
	}

	rec, err := r.store.Append(ctx, store.Record{Sender: name, Recipient: to, Content: text})
	if err != nil {
		return fmt.Errorf("failed to store private message: %w", err)
	}

	r.channel.EmitTo(target, NewPrivateMessage(rec))
	audit.LogDirected(ctx, audit.ActionPrivateMessage, name, to, "Private message sent")
	r.publish(ctx, rec)
	return nil
}

// Typing tells every other connection that the user is typing.
func (r *Router) Typing(ctx context.Context, connID string) error {
	name, err := r.joined(connID)
	if err != nil {
		return err
	}
	r.channel.BroadcastExcept(connID, NewTyping(name))
	return nil
}

// Disconnect releases the connection's session. Others are told only when the
// user actually went offline.
func (r *Router) Disconnect(ctx context.Context, connID string) {
	name, released := r.registry.Unregister(connID)
	if !released {
		return
	}

	r.channel.BroadcastExcept(connID, r.notice(name+" left the chat"))
	r.channel.BroadcastExcept(connID, r.roster())
	audit.Log(ctx, audit.ActionLeave, name, "User left")
}

// Dispatch decodes raw and runs the matching operation. A failed operation
// is reported to the sender as an error event and returned.
func (r *Router) Dispatch(ctx context.Context, connID string, raw []byte) error {
	err := r.dispatch(ctx, connID, raw)
	if err == nil {
		return nil
	}

	l := logging.Ctx(ctx)
	if errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrNotJoined) {
		l.Debug().Err(err).Msg("Rejected client event")
	} else {
		l.Error().Err(err).Msg("Failed to handle client event")
	}
	r.channel.EmitTo(connID, ErrorFor(err))
	return err
}

func (r *Router) dispatch(ctx context.Context, connID string, raw []byte) error {
	in, err := DecodeInbound(raw)
	if err != nil {
		return err
	}

	switch in.Type {
	case TypeJoin:
		return r.Join(ctx, connID, in.Username)
	case TypePublicMessage:
		return r.PublicMessage(ctx, connID, in.Body())
	case TypePrivateMessage:
		return r.PrivateMessage(ctx, connID, in.ToUsername, in.Body())
	case TypeTyping:
		return r.Typing(ctx, connID)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, in.Type)
	}
}

// Usernames returns the current roster.
func (r *Router) Usernames() []string {
	return r.registry.Usernames()
}

func (r *Router) publish(ctx context.Context, rec store.Record) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, rec); err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Str("record_id", rec.ID).Msg("Failed to publish record")
	}
}
