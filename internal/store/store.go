package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studytrace/internal/model"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("session not found")

// MaxRound is the last study round.
const MaxRound = 2

// Session is the server-side study state for one participant.
type Session struct {
	ID                    string
	Scenario              string
	CurrentRound          int
	Condition             string
	EmotionRegulationType string
	SuppScore             float64
	CreatedAt             time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions(
	  id                      TEXT PRIMARY KEY,
	  scenario                TEXT    NOT NULL,
	  current_round           INTEGER NOT NULL DEFAULT 1,
	  condition               TEXT    NOT NULL DEFAULT 'unknown',
	  emotion_regulation_type TEXT    NOT NULL DEFAULT 'unknown',
	  supp_score              REAL    NOT NULL DEFAULT 0,
	  created_at              TEXT    NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tracking_logs(
	  session_id   TEXT    NOT NULL REFERENCES sessions(id),
	  round        INTEGER NOT NULL,
	  received_at  TEXT    NOT NULL,
	  payload_json TEXT    NOT NULL CHECK (json_valid(payload_json)),
	  PRIMARY KEY (session_id, round)
	);
	CREATE TABLE IF NOT EXISTS surveys(
	  session_id   TEXT NOT NULL REFERENCES sessions(id),
	  kind         TEXT NOT NULL,
	  received_at  TEXT NOT NULL,
	  payload_json TEXT NOT NULL CHECK (json_valid(payload_json)),
	  PRIMARY KEY (session_id, kind)
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession starts a participant session in round 1.
func (s *Store) CreateSession(ctx context.Context, scenario string) (*Session, error) {
	sess := &Session{
		ID:                    uuid.NewString(),
		Scenario:              scenario,
		CurrentRound:          1,
		Condition:             "unknown",
		EmotionRegulationType: "unknown",
		CreatedAt:             time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, scenario, current_round, condition, emotion_regulation_type, supp_score, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		sess.ID, sess.Scenario, sess.CurrentRound, sess.Condition, sess.EmotionRegulationType, sess.SuppScore,
		sess.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

func (s *Store) Session(ctx context.Context, id string) (*Session, error) {
	var (
		sess    Session
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scenario, current_round, condition, emotion_regulation_type, supp_score, created_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Scenario, &sess.CurrentRound, &sess.Condition, &sess.EmotionRegulationType, &sess.SuppScore, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &sess, nil
}

// AdvanceRound moves the session to the next round, capped at MaxRound,
// and returns the new round.
func (s *Store) AdvanceRound(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET current_round = MIN(current_round + 1, ?) WHERE id = ?`, MaxRound, id)
	if err != nil {
		return 0, fmt.Errorf("failed to advance round: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrSessionNotFound
	}
	sess, err := s.Session(ctx, id)
	if err != nil {
		return 0, err
	}
	return sess.CurrentRound, nil
}

// SetRegulation records the pre-task classification of the participant.
func (s *Store) SetRegulation(ctx context.Context, id, regulationType string, suppScore float64) error {
	return s.update(ctx, `UPDATE sessions SET emotion_regulation_type = ?, supp_score = ? WHERE id = ?`,
		regulationType, suppScore, id)
}

// SetCondition records the round-2 condition assigned to the session.
func (s *Store) SetCondition(ctx context.Context, id, condition string) error {
	return s.update(ctx, `UPDATE sessions SET condition = ? WHERE id = ?`, condition, id)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SaveTracking stores rec for its (session, round). A later save for the
// same round replaces the earlier one, so duplicate deliveries converge.
func (s *Store) SaveTracking(ctx context.Context, rec *model.TrackingRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal tracking record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tracking_logs(session_id, round, received_at, payload_json) VALUES(?,?,?,json(?))
		 ON CONFLICT(session_id, round) DO UPDATE SET received_at = excluded.received_at, payload_json = excluded.payload_json`,
		rec.SessionID, rec.Round, rec.ReceivedAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to store tracking record: %w", err)
	}
	return nil
}

func (s *Store) Tracking(ctx context.Context, sessionID string, round int) (*model.TrackingRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM tracking_logs WHERE session_id = ? AND round = ?`, sessionID, round).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no tracking log for %s round %d: %w", sessionID, round, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking record: %w", err)
	}
	var rec model.TrackingRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode tracking record: %w", err)
	}
	return &rec, nil
}

// SaveSurvey stores one survey submission, replacing an earlier one of the
// same kind.
func (s *Store) SaveSurvey(ctx context.Context, sessionID, kind string, data map[string]any, at time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal survey: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO surveys(session_id, kind, received_at, payload_json) VALUES(?,?,?,json(?))
		 ON CONFLICT(session_id, kind) DO UPDATE SET received_at = excluded.received_at, payload_json = excluded.payload_json`,
		sessionID, kind, at.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("failed to store survey: %w", err)
	}
	return nil
}

func (s *Store) Survey(ctx context.Context, sessionID, kind string) (map[string]any, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM surveys WHERE session_id = ? AND kind = ?`, sessionID, kind).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to load survey %s: %w", kind, err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("failed to decode survey: %w", err)
	}
	return data, nil
}
