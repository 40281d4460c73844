package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"goa.design/clue/log"

	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/messages"
)

// relay drives the bounded-queue consumer loop translating §9's original
// "streaming coroutine" into a read-dispatch-ack cycle against the session
// egress stream, flushing each entry as one SSE frame until a terminal
// message type arrives, the client disconnects, or ctx's deadline elapses.
func (s *Server) relay(ctx context.Context, w http.ResponseWriter, stream, group, consumer, sessionID, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeBusError(w, fmt.Errorf("orchestrator: streaming unsupported by response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		if ctx.Err() != nil {
			writeSSEFrame(w, flusher, "error", map[string]string{"error": "timeout"})
			return
		}
		entries, err := s.bus.ReadNew(ctx, stream, group, consumer, 10, s.streamBlock)
		if err != nil {
			if ctx.Err() != nil {
				writeSSEFrame(w, flusher, "error", map[string]string{"error": "timeout"})
				return
			}
			log.Error(ctx, err, log.KV{K: "stage", V: "relay-read"})
			writeSSEFrame(w, flusher, "error", map[string]string{"error": err.Error()})
			return
		}
		for _, e := range entries {
			done := s.relayOne(ctx, w, flusher, stream, group, e)
			if done {
				s.trimSession(ctx, stream)
				return
			}
		}
	}
}

// trimSession caps the now-finished turn's egress stream at approximately
// streamTrimLen entries, bounding per-session memory the way bus.Trim's
// docstring describes, without requiring exact accounting of every past
// turn on this stream.
func (s *Server) trimSession(ctx context.Context, stream string) {
	if s.streamTrimLen <= 0 {
		return
	}
	if err := s.bus.Trim(ctx, stream, s.streamTrimLen); err != nil {
		log.Error(ctx, err, log.KV{K: "stage", V: "relay-trim"}, log.KV{K: "stream", V: stream})
	}
}

// relayOne decodes, acks, and forwards one bus entry as an SSE frame,
// reporting whether the turn's stream is now complete.
func (s *Server) relayOne(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, stream, group string, e bus.Entry) bool {
	defer func() {
		if err := s.bus.Ack(ctx, stream, group, e.ID); err != nil {
			log.Error(ctx, err, log.KV{K: "stage", V: "relay-ack"}, log.KV{K: "id", V: e.ID})
		}
	}()

	env, err := messages.FromFields(e.Fields)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "stage", V: "relay-decode"}, log.KV{K: "id", V: e.ID})
		return false
	}

	// The SSE data line mirrors the bus fields verbatim (type, session_id,
	// request_id, timestamp, agent_name, payload), not just the inner
	// payload, so a client can always tell which session/turn a frame
	// belongs to.
	writeSSEFrame(w, flusher, env.Type, env)
	return isTurnTerminal(env)
}

// isTurnTerminal reports whether env ends the turn's SSE relay.
// classification_result is only terminal when the classifier judged the
// question unanswerable with no agent to hand off to; otherwise the
// pipeline continues on to clarification or answer generation and the
// relay keeps reading.
func isTurnTerminal(env messages.Envelope) bool {
	if env.Type == messages.TypeClassificationResult {
		var result messages.ClassificationResult
		if err := env.Decode(&result); err != nil {
			return false
		}
		return result.ClassificationResult.Quality == "unanswerable"
	}
	return messages.IsTerminal(env.Type)
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{"error":"encode failure"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	flusher.Flush()
}
