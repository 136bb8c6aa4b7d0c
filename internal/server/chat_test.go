package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/agent/stream"
)

type fakeTurns struct {
	gotInput model.QueryInput
	run      func(emitter *stream.Emitter) error
}

func (f *fakeTurns) ProcessTurn(_ context.Context, in model.QueryInput, emitter *stream.Emitter) error {
	f.gotInput = in
	if f.run != nil {
		return f.run(emitter)
	}
	return nil
}

func TestChatStreamsSSE(t *testing.T) {
	turns := &fakeTurns{run: func(e *stream.Emitter) error {
		_ = e.Delta("Hello")
		_ = e.ToolProgress("crm_upsert_lead", "succeeded")
		return e.Done(map[string]any{"response": "Hello"})
	}}
	srv := New(":0", turns)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"conversation_id": "conv-1", "message": "hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "conv-1", turns.gotInput.ConversationID)
	assert.Equal(t, "hi", turns.gotInput.Query)

	body := rec.Body.String()
	assert.Contains(t, body, "event: delta\n")
	assert.Contains(t, body, "event: tool\n")
	assert.Contains(t, body, "event: done\n")

	// data lines decode back into fragments
	var sawDelta bool
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frag stream.Fragment
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frag))
		if frag.Type == stream.FragmentDelta {
			sawDelta = true
			assert.Equal(t, "Hello", frag.Text)
		}
	}
	assert.True(t, sawDelta)
}

func TestChatGeneratesConversationID(t *testing.T) {
	turns := &fakeTurns{run: func(e *stream.Emitter) error { return e.Done(nil) }}
	srv := New(":0", turns)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message": "hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, turns.gotInput.ConversationID)
}

func TestChatRejectsBadRequests(t *testing.T) {
	srv := New(":0", &fakeTurns{})

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"not json", `hello`},
		{"missing message", `{"conversation_id": "conv-1"}`},
		{"blank message", `{"message": "   "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealthz(t *testing.T) {
	srv := New(":0", &fakeTurns{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
