// Package mode implements the sticky, population-balanced mode assignment
// described in spec.md §4.9: a user's first contact is assigned to
// whichever of "agent"/"freepass" currently has fewer users, persisted so
// later reads are stable. Grounded on the Session Store's repository-facade
// shape (runtime/agent/session.Store) applied to a users table, using the
// same *sql.DB the Store opens so both share one connection pool.
package mode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Mode is one of the two user-facing chat modes.
type Mode string

const (
	ModeAgent    Mode = "agent"
	ModeFreepass Mode = "freepass"
)

// Assigner assigns and persists per-user mode, balancing population across
// the two modes and tolerating concurrent first-contact races via upsert.
type Assigner struct {
	db *sql.DB
}

// New builds an Assigner over db, the same connection pool the session
// Store manages.
func New(db *sql.DB) *Assigner {
	return &Assigner{db: db}
}

// GetOrAssign returns userID's persisted mode, assigning one on first
// contact. Concurrent first-contact calls for the same user converge on a
// single value via INSERT ... ON CONFLICT DO NOTHING followed by a
// read-back, per spec.md's "tolerate-the-race, converge-on-read" posture.
func (a *Assigner) GetOrAssign(ctx context.Context, userID string) (Mode, error) {
	if existing, err := a.load(ctx, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	chosen, err := a.chooseMinorityMode(ctx)
	if err != nil {
		return "", err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO users (user_id, assigned_mode, mode_assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`, userID, string(chosen), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("mode: assign: %w", err)
	}

	return a.load(ctx, userID)
}

func (a *Assigner) load(ctx context.Context, userID string) (Mode, error) {
	var assigned sql.NullString
	row := a.db.QueryRowContext(ctx, `SELECT assigned_mode FROM users WHERE user_id = $1`, userID)
	if err := row.Scan(&assigned); err != nil {
		return "", err
	}
	if !assigned.Valid || assigned.String == "" {
		return "", sql.ErrNoRows
	}
	return Mode(assigned.String), nil
}

// chooseMinorityMode counts current users per mode and picks the minority;
// ties are broken uniformly at random.
func (a *Assigner) chooseMinorityMode(ctx context.Context) (Mode, error) {
	var agentCount, freepassCount int64
	row := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE assigned_mode = $1),
			COUNT(*) FILTER (WHERE assigned_mode = $2)
		FROM users`, string(ModeAgent), string(ModeFreepass))
	if err := row.Scan(&agentCount, &freepassCount); err != nil {
		return "", fmt.Errorf("mode: count: %w", err)
	}
	switch {
	case agentCount < freepassCount:
		return ModeAgent, nil
	case freepassCount < agentCount:
		return ModeFreepass, nil
	default:
		if rand.Intn(2) == 0 { //nolint:gosec // mode assignment has no security relevance
			return ModeAgent, nil
		}
		return ModeFreepass, nil
	}
}
