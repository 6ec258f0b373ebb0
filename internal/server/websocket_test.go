package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/store"
	"github.com/gorilla/websocket"
)

func TestChatScenario(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t)
	alice.joinAs(t, "alice", "alice")

	bob := env.dial(t)
	bob.joinAs(t, "bob", "alice", "bob")
	alice.readUntil(t, "bob's join notice", isPublic("System", "bob joined the chat"))
	alice.readUntil(t, "roster with bob", isRoster("alice", "bob"))

	alice.send(t, map[string]string{"type": "publicMessage", "text": "hi"})
	bob.readUntil(t, "alice's message", isPublic("alice", "hi"))
	alice.readUntil(t, "own message", isPublic("alice", "hi"))

	carol := env.dial(t)
	carol.joinAs(t, "carol", "alice", "bob", "carol")
	carol.readUntil(t, "replayed message", isPublic("alice", "hi"))

	alice.drain(100 * time.Millisecond)
	bob.drain(100 * time.Millisecond)
	carol.drain(100 * time.Millisecond)

	alice.send(t, map[string]string{"type": "privateMessage", "toUsername": "bob", "text": "psst"})
	bob.readUntil(t, "private message", isPrivate("alice", "psst"))
	alice.expectNoMessage(t, 200*time.Millisecond)
	carol.expectNoMessage(t, 50*time.Millisecond)
	bob.expectNoMessage(t, 50*time.Millisecond)

	if err := carol.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("Failed to close carol: %v", err)
	}
	alice.readUntil(t, "carol's leave notice", isPublic("System", "carol left the chat"))
	alice.readUntil(t, "roster without carol", isRoster("alice", "bob"))
}

func TestPrivateMessageToOfflineUser(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t)
	alice.joinAs(t, "alice", "alice")
	bob := env.dial(t)
	bob.joinAs(t, "bob", "alice", "bob")
	alice.drain(100 * time.Millisecond)

	before := env.store.Len()
	alice.send(t, map[string]string{"type": "privateMessage", "toUsername": "dave", "text": "hello?"})

	alice.expectNoMessage(t, 200*time.Millisecond)
	bob.expectNoMessage(t, 50*time.Millisecond)
	if env.store.Len() != before {
		t.Errorf("Expected store size %d, got %d", before, env.store.Len())
	}
}

func TestTypingIndicator(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t)
	alice.joinAs(t, "alice", "alice")
	bob := env.dial(t)
	bob.joinAs(t, "bob", "alice", "bob")
	alice.drain(100 * time.Millisecond)

	alice.send(t, map[string]string{"type": "typing", "username": "someone-else"})
	ev := bob.readUntil(t, "typing event", isType("typing"))
	if ev.str("username") != "alice" {
		t.Errorf("Expected typing from alice, got %q", ev.str("username"))
	}
	alice.expectNoMessage(t, 100*time.Millisecond)
}

func TestErrorEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.dial(t)

	client.send(t, map[string]string{"type": "publicMessage", "text": "too early"})
	ev := client.readUntil(t, "not joined error", isType("error"))
	if ev.str("code") != "NOT_JOINED" {
		t.Errorf("Expected NOT_JOINED, got %v", ev)
	}

	if err := client.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	ev = client.readUntil(t, "bad request error", isType("error"))
	if ev.str("code") != "BAD_REQUEST" {
		t.Errorf("Expected BAD_REQUEST, got %v", ev)
	}

	client.send(t, map[string]string{"type": "join", "username": "System"})
	ev = client.readUntil(t, "reserved name error", isType("error"))
	if ev.str("code") != "BAD_REQUEST" {
		t.Errorf("Expected BAD_REQUEST, got %v", ev)
	}
}

func TestDuplicateUsernameEvictsOldConnection(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.dial(t)
	first.joinAs(t, "alice", "alice")

	second := env.dial(t)
	second.joinAs(t, "alice", "alice")

	first.readUntil(t, "eviction notice", func(ev wireEvent) bool {
		return ev.str("type") == "publicMessage" && ev.str("from") == "System"
	})
	first.waitClosed(t)

	// The replacement stays joined.
	second.send(t, map[string]string{"type": "publicMessage", "text": "still here"})
	second.readUntil(t, "own message", isPublic("alice", "still here"))

	resp := MakeRequest(t, http.MethodGet, env.http.URL+"/api/roster")
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Usernames []string `json:"usernames"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode roster: %v", err)
	}
	if len(body.Usernames) != 1 || body.Usernames[0] != "alice" {
		t.Errorf("Expected roster [alice], got %v", body.Usernames)
	}
}

func TestAnonymousDisconnectIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.dial(t)
	alice.joinAs(t, "alice", "alice")

	lurker := env.dial(t)
	_ = lurker.conn.Close()

	alice.expectNoMessage(t, 300*time.Millisecond)
}

func TestWebSocketOriginValidation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://chat.example"}
	})

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"allowed origin", "https://chat.example", true},
		{"case insensitive", "HTTPS://CHAT.EXAMPLE", true},
		{"other origin", "https://evil.example", false},
		{"missing origin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL, newOriginHeader(tt.origin))
			if resp != nil {
				defer func() { _ = resp.Body.Close() }()
			}
			if tt.allowed {
				if err != nil {
					t.Fatalf("Expected connection to succeed: %v", err)
				}
				_ = conn.Close()
				return
			}
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected connection to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected 403 response, got %v", resp)
			}
		})
	}
}

func TestWebSocketMessageSizeLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.WebSocket.MaxMessageSize = 64
	})

	client := env.dial(t)
	client.joinAs(t, "alice", "alice")

	client.send(t, map[string]string{"type": "publicMessage", "text": strings.Repeat("x", 200)})
	client.waitClosed(t)

	if env.store.Len() != 0 {
		t.Errorf("Expected oversized message to be dropped, store has %d records", env.store.Len())
	}
}

func TestWebSocketRateLimiting(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Minute}
	})

	client := env.dial(t)
	client.joinAs(t, "alice", "alice")

	for _, text := range []string{"first", "second", "third"} {
		client.send(t, map[string]string{"type": "publicMessage", "text": text})
	}

	client.readUntil(t, "first message", isPublic("alice", "first"))
	for i := 0; i < 2; i++ {
		ev := client.readUntil(t, "rate limit error", isType("error"))
		if ev.str("code") != "RATE_LIMITED" {
			t.Errorf("Expected RATE_LIMITED, got %v", ev)
		}
	}
	client.expectNoMessage(t, 300*time.Millisecond)
	if env.store.Len() != 1 {
		t.Errorf("Expected 1 stored record, got %d", env.store.Len())
	}
}

func TestGracefulShutdownWithClients(t *testing.T) {
	env := newTestEnv(t, nil)

	clients := make([]*testClient, 3)
	for i := range clients {
		clients[i] = env.dial(t)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.Hub().ClientCount() != len(clients) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	for _, c := range clients {
		c.waitClosed(t)
	}
	if n := env.srv.Hub().ClientCount(); n != 0 {
		t.Errorf("Expected no clients after shutdown, got %d", n)
	}
}

func TestReplayLongerThanSendBuffer(t *testing.T) {
	const buffer = 8
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.WebSocket.SendBuffer = buffer
	})

	const records = 50 * buffer
	ctx := context.Background()
	for i := 0; i < records; i++ {
		rec := store.Record{Sender: "old", Content: fmt.Sprintf("message %d", i)}
		if _, err := env.store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	bob := env.dial(t)
	bob.joinAs(t, "bob", "bob")

	fromOld := func(ev wireEvent) bool {
		return ev.str("type") == "publicMessage" && ev.str("from") == "old"
	}
	for replayed := 0; replayed < records; replayed++ {
		ev := bob.readUntil(t, fmt.Sprintf("replayed record %d", replayed), fromOld)
		if want := fmt.Sprintf("message %d", replayed); ev.str("content") != want {
			t.Fatalf("Replay out of order: expected %q, got %q", want, ev.str("content"))
		}
	}
	if n := env.srv.Hub().ClientCount(); n != 1 {
		t.Errorf("Expected bob to stay connected, got %d clients", n)
	}
}
