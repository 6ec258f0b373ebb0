package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewAddsServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", ServiceName: "relay"}, &buf)
	logger.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry[FieldService] != "relay" {
		t.Errorf("Expected service field, got %v", entry)
	}
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{}, &buf)
	ctx := WithLogger(context.Background(), logger)

	l := Ctx(ctx)
	l.Info().Msg("scoped")
	if buf.Len() == 0 {
		t.Error("Expected context logger to be used")
	}

	// Must not panic without a stored logger.
	_ = Ctx(context.Background())
}

func TestGinMiddlewareSetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(New(Config{}, &buf)))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", http.NoBody))
		if w.Header().Get(headerRequestID) == "" {
			t.Error("Expected generated request id header")
		}
	})

	t.Run("propagated", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
		req.Header.Set(headerRequestID, "abc-123")
		r.ServeHTTP(w, req)
		if got := w.Header().Get(headerRequestID); got != "abc-123" {
			t.Errorf("Expected request id abc-123, got %q", got)
		}
	})

	if !bytes.Contains(buf.Bytes(), []byte("request completed")) {
		t.Error("Expected completion log line")
	}
}
