/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store persists experiment sessions, pairings and round settlements
// to SQLite for post-hoc export.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Session struct {
	ID               string
	CurrencyPerPoint string
	CreatedAt        time.Time
}

type Participant struct {
	ID        string
	SessionID string
	Username  string
	Pair      int
	Role      string
}

// Payoff is one participant's share of a settled round.
type Payoff struct {
	ParticipantID    string
	RoundPayoff      int
	CumulativePayoff int
}

// Round is everything written when a round settles: the logged decision and
// the payoff credited to each participant of the pair.
type Round struct {
	SessionID string
	Pair      int
	Round     int
	K         int
	Actor     string
	Decision  string
	Payoffs   []Payoff
}

// PayoffRow is one participant's view of one settled round, as exported.
type PayoffRow struct {
	SessionID        string `json:"session"`
	Pair             int    `json:"pair"`
	ParticipantID    string `json:"participant"`
	Username         string `json:"username"`
	Role             string `json:"role"`
	Round            int    `json:"round"`
	Actor            string `json:"actor"`
	Decision         string `json:"action"`
	K                int    `json:"k"`
	RoundPayoff      int    `json:"round_payoff"`
	CumulativePayoff int    `json:"cumulative_payoff"`
}

// HistoryRow is one logged decision of a pair, in the order it was made.
type HistoryRow struct {
	SessionID string    `json:"session"`
	Pair      int       `json:"pair"`
	Round     int       `json:"round"`
	Actor     string    `json:"actor"`
	Decision  string    `json:"action"`
	K         int       `json:"k"`
	CreatedAt time.Time `json:"created_at"`
}

type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at path. An empty path opens a private
// in-memory database.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	memory := path == "" || path == ":memory:"
	if memory {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			currency_per_point TEXT NOT NULL DEFAULT '0',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			username TEXT NOT NULL,
			pair INTEGER NOT NULL,
			role TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			pair INTEGER NOT NULL,
			round INTEGER NOT NULL,
			actor TEXT NOT NULL,
			decision TEXT NOT NULL,
			k INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (session_id, pair, round),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS payoffs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			pair INTEGER NOT NULL,
			round INTEGER NOT NULL,
			participant_id TEXT NOT NULL,
			round_payoff INTEGER NOT NULL,
			cumulative_payoff INTEGER NOT NULL,
			UNIQUE (participant_id, round),
			FOREIGN KEY (participant_id) REFERENCES participants(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payoffs_session ON payoffs(session_id, pair, round)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (s *SQLiteDB) SaveSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.CurrencyPerPoint == "" {
		sess.CurrencyPerPoint = "0"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, currency_per_point, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.CurrencyPerPoint, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}

	return nil
}

// SaveParticipants records the fixed pairing of a session in one transaction.
func (s *SQLiteDB) SaveParticipants(ctx context.Context, participants []*Participant) error {
	if len(participants) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO participants (id, session_id, username, pair, role) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, pair = excluded.pair, role = excluded.role`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range participants {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}

		if _, err := stmt.ExecContext(ctx, p.ID, p.SessionID, p.Username, p.Pair, p.Role); err != nil {
			return fmt.Errorf("failed to save participant %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// SaveRound writes a settled round. Writing the same round twice is a no-op.
func (s *SQLiteDB) SaveRound(ctx context.Context, r Round) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO decisions (id, session_id, pair, round, actor, decision, k, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), r.SessionID, r.Pair, r.Round, r.Actor, r.Decision, r.K, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	for _, p := range r.Payoffs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO payoffs (session_id, pair, round, participant_id, round_payoff, cumulative_payoff)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.SessionID, r.Pair, r.Round, p.ParticipantID, p.RoundPayoff, p.CumulativePayoff,
		)
		if err != nil {
			return fmt.Errorf("failed to save payoff for %s: %w", p.ParticipantID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteDB) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}

	err := s.db.QueryRowContext(ctx,
		`SELECT id, currency_per_point, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.CurrencyPerPoint, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// ListPayoffs returns every participant's payoff for every settled round of a
// session, ordered by pair, round and role.
func (s *SQLiteDB) ListPayoffs(ctx context.Context, sessionID string) ([]PayoffRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.session_id, p.pair, p.participant_id, pt.username, pt.role,
		        p.round, d.actor, d.decision, d.k, p.round_payoff, p.cumulative_payoff
		 FROM payoffs p
		 JOIN participants pt ON pt.id = p.participant_id
		 JOIN decisions d ON d.session_id = p.session_id AND d.pair = p.pair AND d.round = p.round
		 WHERE p.session_id = ?
		 ORDER BY p.pair, p.round, pt.role`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payoffs: %w", err)
	}
	defer rows.Close()

	var out []PayoffRow
	for rows.Next() {
		var r PayoffRow
		if err := rows.Scan(
			&r.SessionID, &r.Pair, &r.ParticipantID, &r.Username, &r.Role,
			&r.Round, &r.Actor, &r.Decision, &r.K, &r.RoundPayoff, &r.CumulativePayoff,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// ListHistory returns the decision log of a session, ordered by pair and round.
func (s *SQLiteDB) ListHistory(ctx context.Context, sessionID string) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, pair, round, actor, decision, k, created_at
		 FROM decisions
		 WHERE session_id = ?
		 ORDER BY pair, round`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.SessionID, &r.Pair, &r.Round, &r.Actor, &r.Decision, &r.K, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}
