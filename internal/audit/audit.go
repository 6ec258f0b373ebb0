// Package audit emits structured audit log entries for session lifecycle and
// message routing decisions.
package audit

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/logging"
)

// Audit actions for the relay.
const (
	ActionJoin           = "chat.join"
	ActionRebind         = "chat.rebind"
	ActionEvict          = "chat.evict"
	ActionLeave          = "chat.leave"
	ActionPublicMessage  = "chat.public_message"
	ActionPrivateMessage = "chat.private_message"
	ActionUndeliverable  = "chat.undeliverable"
	ActionPurge          = "chat.purge"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, username, msg string) {
	l := logging.Ctx(ctx)
	l.Info().
		Str(logging.FieldLogType, logging.LogTypeAudit).
		Str(FieldAction, action).
		Str(logging.FieldUsername, username).
		Msg(msg)
}

// LogWithDetail emits an audit log with an extra detail field.
func LogWithDetail(ctx context.Context, action, username, detail, msg string) {
	l := logging.Ctx(ctx)
	l.Info().
		Str(logging.FieldLogType, logging.LogTypeAudit).
		Str(FieldAction, action).
		Str(logging.FieldUsername, username).
		Str(FieldDetail, detail).
		Msg(msg)
}

// LogDirected emits an audit log for an action aimed at another user.
func LogDirected(ctx context.Context, action, username, recipient, msg string) {
	l := logging.Ctx(ctx)
	l.Info().
		Str(logging.FieldLogType, logging.LogTypeAudit).
		Str(FieldAction, action).
		Str(logging.FieldUsername, username).
		Str(logging.FieldRecipient, recipient).
		Msg(msg)
}
