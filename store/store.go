// Package store persists sessions, session messages, classification and
// clarification records, session summaries/titles, and per-user mode
// assignment against a relational database via database/sql and the
// lib/pq driver, following the schema-as-SQL-constants and row-struct
// pattern of kadirpekel-hector's v2/session.SQLSessionService, generalized
// from its app/user/session triple to this service's session+user tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const (
	createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    title TEXT,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    stage VARCHAR(32) NOT NULL DEFAULT 'active',
    updated_at TIMESTAMP NOT NULL
)`

	createSessionMessagesSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL REFERENCES sessions(session_id),
    sender VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    message_type VARCHAR(32) NOT NULL,
    parent_message_id BIGINT,
    created_at TIMESTAMP NOT NULL
)`

	createClassificationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS agent_question_classifications (
    request_id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    knowledge_code VARCHAR(8) NOT NULL,
    quality VARCHAR(16) NOT NULL,
    missing_fields_json TEXT,
    reasoning TEXT,
    created_at TIMESTAMP NOT NULL
)`

	createClarificationTurnsSchemaSQL = `
CREATE TABLE IF NOT EXISTS agent_clarification_turns (
    request_id VARCHAR(64) NOT NULL,
    turn_number INTEGER NOT NULL,
    focus_field VARCHAR(64),
    question TEXT,
    answer TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (request_id, turn_number)
)`

	createSessionSummariesSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id VARCHAR(64) PRIMARY KEY,
    conversation_summary TEXT NOT NULL,
    student_status_json TEXT,
    updated_at TIMESTAMP NOT NULL
)`

	createSessionTitlesSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_titles (
    session_id VARCHAR(64) PRIMARY KEY,
    title TEXT NOT NULL
)`

	createUsersSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    user_id VARCHAR(64) PRIMARY KEY,
    assigned_mode VARCHAR(16),
    mode_assigned_at TIMESTAMP
)`
)

// Session mirrors a row in the sessions table.
type Session struct {
	SessionID string
	UserID    string
	Title     string
	IsActive  bool
	Stage     string
	UpdatedAt time.Time
}

// Message mirrors a row in the session_messages table.
type Message struct {
	ID              int64
	SessionID       string
	Sender          string
	Content         string
	MessageType     string
	ParentMessageID *int64
	CreatedAt       time.Time
}

// ErrSessionNotFound indicates the referenced session does not exist.
var ErrSessionNotFound = errors.New("store: session not found")

// Store is the Postgres-backed persistence facade used by the orchestrator
// and agent workers, shaped after runtime/agent/session.Store's repository
// interface but widened to the full set of MAICE tables in §6.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and ensures all tables exist.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range []string{
		createSessionsSchemaSQL,
		createSessionMessagesSchemaSQL,
		createClassificationsSchemaSQL,
		createClarificationTurnsSchemaSQL,
		createSessionSummariesSchemaSQL,
		createSessionTitlesSchemaSQL,
		createUsersSchemaSQL,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new active session, or returns the existing one
// if sessionID already exists (idempotent on the happy path).
func (s *Store) CreateSession(ctx context.Context, sessionID, userID string, now time.Time) (Session, error) {
	existing, err := s.LoadSession(ctx, sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, is_active, stage, updated_at)
		VALUES ($1, $2, TRUE, 'active', $3)
		ON CONFLICT (session_id) DO NOTHING`, sessionID, userID, now)
	if err != nil {
		return Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return s.LoadSession(ctx, sessionID)
}

// LoadSession loads a session by ID.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var title sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, title, is_active, stage, updated_at
		FROM sessions WHERE session_id = $1`, sessionID)
	if err := row.Scan(&sess.SessionID, &sess.UserID, &title, &sess.IsActive, &sess.Stage, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("store: load session: %w", err)
	}
	sess.Title = title.String
	return sess, nil
}

// AppendMessage records a conversational turn against a session.
func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, sender, content, message_type, parent_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.SessionID, msg.Sender, msg.Content, msg.MessageType, msg.ParentMessageID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// UpsertClassification records the classifier's terminal record for a
// request, keyed by request_id so redelivery of the same request is a
// no-op overwrite rather than a duplicate row.
func (s *Store) UpsertClassification(ctx context.Context, requestID, sessionID, knowledgeCode, quality, missingFieldsJSON, reasoning string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_question_classifications
			(request_id, session_id, knowledge_code, quality, missing_fields_json, reasoning, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO UPDATE SET
			knowledge_code = EXCLUDED.knowledge_code,
			quality = EXCLUDED.quality,
			missing_fields_json = EXCLUDED.missing_fields_json,
			reasoning = EXCLUDED.reasoning`,
		requestID, sessionID, knowledgeCode, quality, missingFieldsJSON, reasoning, now)
	if err != nil {
		return fmt.Errorf("store: upsert classification: %w", err)
	}
	return nil
}

// UpsertClarificationTurn records one turn of the clarify sub-protocol.
func (s *Store) UpsertClarificationTurn(ctx context.Context, requestID string, turnNumber int, focusField, question, answer string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_clarification_turns (request_id, turn_number, focus_field, question, answer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id, turn_number) DO UPDATE SET
			focus_field = EXCLUDED.focus_field,
			question = EXCLUDED.question,
			answer = EXCLUDED.answer`,
		requestID, turnNumber, focusField, question, answer, now)
	if err != nil {
		return fmt.Errorf("store: upsert clarification turn: %w", err)
	}
	return nil
}

// UpsertSessionSummary records or replaces the Observer's rolling summary
// for a session.
func (s *Store) UpsertSessionSummary(ctx context.Context, sessionID, summary, studentStatusJSON string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, conversation_summary, student_status_json, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			conversation_summary = EXCLUDED.conversation_summary,
			student_status_json = EXCLUDED.student_status_json,
			updated_at = EXCLUDED.updated_at`,
		sessionID, summary, studentStatusJSON, now)
	if err != nil {
		return fmt.Errorf("store: upsert session summary: %w", err)
	}
	return nil
}

// UpsertSessionTitle sets a session's title if one is not already present.
func (s *Store) UpsertSessionTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_titles (session_id, title)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`, sessionID, title)
	if err != nil {
		return fmt.Errorf("store: upsert session title: %w", err)
	}
	return nil
}

func (s *Store) DB() *sql.DB { return s.db }
