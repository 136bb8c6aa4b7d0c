package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/agent/stream"
)

const maxChatBody = 64 * 1024

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// handleChat runs one turn and streams fragments back as server-sent events.
// Each fragment becomes one SSE message: the fragment type is the event name
// and the JSON-encoded fragment is the data line.
func handleChat(turns TurnProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Message = strings.TrimSpace(req.Message)
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		if req.ConversationID == "" {
			req.ConversationID = uuid.NewString()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		emitter := stream.NewEmitter(newSSESink(w, flusher))
		in := model.QueryInput{ConversationID: req.ConversationID, Query: req.Message}
		if err := turns.ProcessTurn(r.Context(), in, emitter); err != nil {
			// the emitter already delivered a user-safe terminal fragment
			logx.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("turn ended with error")
		}
	}
}

// sseSink writes fragments in SSE wire format. Sends are serialized by the
// emitter, but the mutex also covers the handler's own writes.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) Send(frag stream.Fragment) error {
	data, err := json.Marshal(frag)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write([]byte("event: " + string(frag.Type) + "\n")); err != nil {
		return err
	}
	if _, err := s.w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
