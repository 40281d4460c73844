// Package orchestrator implements the HTTP edge: a chi router that accepts
// a chat turn, kicks off the agent pipeline (or the free-pass path) over
// the bus, and relays that turn's egress stream back to the client as
// Server-Sent Events.
//
// Grounded on dohr-michael-ozzie's internal/gateway.Server (chi.NewRouter
// plus chi/v5/middleware.Recoverer/RealIP, a struct-held *http.Server with
// Start/Shutdown) for the router shape, and on
// original_source/back/app/api/controllers/maice_controller.py's
// StreamingResponse(media_type="text/event-stream") handler for the
// kickoff-then-relay behavior. SSE framing follows the
// sseWriter/http.ResponseController pattern in
// telnet2-opencode/go-opencode/internal/server/sse.go, the one SSE
// implementation present anywhere in the retrieved pack.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"goa.design/clue/log"

	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/errs"
	"maice.ai/orchestrator/messages"
	"maice.ai/orchestrator/mode"
	"maice.ai/orchestrator/store"
)

// Server is the orchestrator's HTTP edge.
type Server struct {
	bus   *bus.Bus
	store *store.Store
	mode  *mode.Assigner

	requestTimeout time.Duration
	streamBlock    time.Duration
	streamTrimLen  int64

	httpServer *http.Server
}

// Config configures a Server.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	StreamBlock    time.Duration
	// StreamTrimLen bounds each session's egress stream to approximately
	// this many entries once a turn completes, per §5's backpressure
	// policy. Zero disables trimming.
	StreamTrimLen int64
}

// New builds an orchestrator Server wired to the bus, session store and
// mode assigner.
func New(b *bus.Bus, st *store.Store, assigner *mode.Assigner, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.StreamBlock <= 0 {
		cfg.StreamBlock = time.Second
	}

	s := &Server{
		bus:            b,
		store:          st,
		mode:           assigner,
		requestTimeout: cfg.RequestTimeout,
		streamBlock:    cfg.StreamBlock,
		streamTrimLen:  cfg.StreamTrimLen,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/chat", s.handleChat)
	r.Post("/v1/chat/{session_id}/clarify", s.handleClarify)
	r.Mount("/metrics", metricsHandler())

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// chatRequest is the POST /v1/chat body.
type chatRequest struct {
	UserID              string                        `json:"user_id"`
	SessionID           string                        `json:"session_id,omitempty"`
	Question            string                        `json:"question"`
	Context             string                        `json:"context,omitempty"`
	IsNewQuestion       bool                          `json:"is_new_question,omitempty"`
	ConversationHistory []messages.ConversationTurn `json:"conversation_history,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, &errs.ValidationError{Field: "body", Msg: err.Error()})
		return
	}
	if req.UserID == "" || req.Question == "" {
		writeValidationError(w, &errs.ValidationError{Field: "user_id/question", Msg: "both are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	now := time.Now().UTC()
	chosenMode, err := s.mode.GetOrAssign(ctx, req.UserID)
	if err != nil {
		writeBusError(w, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, err := s.store.CreateSession(ctx, sessionID, req.UserID, now); err != nil {
		writeBusError(w, err)
		return
	}
	if err := s.store.AppendMessage(ctx, store.Message{
		SessionID: sessionID, Sender: "user", Content: req.Question, MessageType: "question", CreatedAt: now,
	}); err != nil {
		log.Error(ctx, err, log.KV{K: "stage", V: "append-message"})
	}

	requestID := uuid.NewString()
	egress := bus.EgressStream(sessionID)
	consumerGroup := "orchestrator"
	consumer := "req-" + requestID
	if err := s.bus.EnsureGroup(ctx, egress, consumerGroup); err != nil {
		writeBusError(w, err)
		return
	}

	if err := s.publishKickoff(ctx, chosenMode, sessionID, requestID, req); err != nil {
		writeBusError(w, err)
		return
	}

	s.relay(ctx, w, egress, consumerGroup, consumer, sessionID, requestID)
}

// publishKickoff publishes the mode-dependent ingress message that starts
// this turn: classify_question for agent mode, freepass_request for
// free-pass mode.
func (s *Server) publishKickoff(ctx context.Context, chosenMode mode.Mode, sessionID, requestID string, req chatRequest) error {
	var env messages.Envelope
	var err error
	switch chosenMode {
	case mode.ModeFreepass:
		env, err = messages.Encode(messages.TypeFreepassRequest, sessionID, requestID, messages.FreepassRequest{
			Question:            req.Question,
			ConversationHistory: req.ConversationHistory,
			UserID:               req.UserID,
			MessageID:            requestID,
		}, time.Now().UTC())
		if err == nil {
			env.TargetAgent = messages.AgentFreeTalker
		}
	default:
		env, err = messages.Encode(messages.TypeClassifyQuestion, sessionID, requestID, messages.ClassifyQuestion{
			Question:      req.Question,
			Context:       req.Context,
			IsNewQuestion: req.IsNewQuestion,
		}, time.Now().UTC())
		if err == nil {
			env.TargetAgent = messages.AgentQuestionClassifier
		}
	}
	if err != nil {
		return err
	}
	_, err = s.bus.Publish(ctx, bus.IngressStream, env.ToFields())
	return err
}

// clarifyRequest is the POST /v1/chat/{session_id}/clarify body.
type clarifyRequest struct {
	RequestID           string `json:"request_id"`
	ClarificationAnswer string `json:"clarification_answer"`
	QuestionIndex       int    `json:"question_index"`
	TotalQuestions      int    `json:"total_questions"`
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, &errs.ValidationError{Field: "body", Msg: err.Error()})
		return
	}
	if req.RequestID == "" {
		writeValidationError(w, &errs.ValidationError{Field: "request_id", Msg: "is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	env, err := messages.Encode(messages.TypeUserClarificationAnswer, sessionID, req.RequestID, messages.UserClarificationResponse{
		ClarificationAnswer: req.ClarificationAnswer,
		QuestionIndex:       req.QuestionIndex,
		TotalQuestions:      req.TotalQuestions,
	}, time.Now().UTC())
	if err != nil {
		writeBusError(w, err)
		return
	}
	env.TargetAgent = messages.AgentQuestionImprover
	if _, err := s.bus.Publish(ctx, bus.IngressStream, env.ToFields()); err != nil {
		writeBusError(w, err)
		return
	}

	egress := bus.EgressStream(sessionID)
	consumerGroup := "orchestrator"
	consumer := "req-" + req.RequestID
	if err := s.bus.EnsureGroup(ctx, egress, consumerGroup); err != nil {
		writeBusError(w, err)
		return
	}
	s.relay(ctx, w, egress, consumerGroup, consumer, sessionID, req.RequestID)
}

func writeValidationError(w http.ResponseWriter, err *errs.ValidationError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeBusError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf("%v", err)})
}
