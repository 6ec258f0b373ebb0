package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/store"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		name string
		rec  store.Record
		want string
	}{
		{"public", store.Record{Sender: "alice", Content: "hi"}, RoutingKeyPublic},
		{"private", store.Record{Sender: "alice", Recipient: "bob", Content: "hi"}, RoutingKeyPrivate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoutingKey(tt.rec); got != tt.want {
				t.Errorf("RoutingKey() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := store.Record{ID: "01HX", Sender: "alice", Recipient: "bob", Content: "secret", CreatedAt: at}

	msg, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("Unexpected publishing headers: %+v", msg)
	}
	if msg.MessageId != "01HX" || !msg.Timestamp.Equal(at) {
		t.Errorf("Unexpected id or timestamp: %s %s", msg.MessageId, msg.Timestamp)
	}

	var body RecordMessage
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if body.Sender != "alice" || body.Recipient != "bob" || body.Content != "secret" {
		t.Errorf("Unexpected body: %+v", body)
	}
}

func TestEncodeOmitsRecipientForPublic(t *testing.T) {
	msg, err := Encode(store.Record{ID: "01HX", Sender: "alice", Content: "hi"})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(msg.Body, &raw); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if _, ok := raw["recipient"]; ok {
		t.Errorf("Expected no recipient field, got %v", raw)
	}
}

func TestNop(t *testing.T) {
	var n Nop
	if err := n.Publish(context.Background(), store.Record{}); err != nil {
		t.Errorf("Nop.Publish() error: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Nop.Close() error: %v", err)
	}
}
