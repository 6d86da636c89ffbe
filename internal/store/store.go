// Package store persists session records, flags and alert logs in SQLite so
// that flags survive restarts and the admin dashboard can list completed
// sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/invisible-tech/proctor-sensor/internal/types"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Store provides SQLite-backed persistence for exam sessions.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at dbPath and creates tables if they don't exist.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLite from returning "database is locked".
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL,
		flagged INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		submitted_at DATETIME,
		reason TEXT,
		time_remaining INTEGER,
		violation_counts TEXT
	);

	CREATE TABLE IF NOT EXISTS flags (
		session_id TEXT PRIMARY KEY,
		flagged_at DATETIME NOT NULL,
		reason TEXT NOT NULL,
		alert_id TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		source_kind TEXT NOT NULL,
		signal TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL,
		class TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id, timestamp);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordStart inserts a running session.
func (s *Store) RecordStart(ctx context.Context, sessionID, studentID string, startedAt time.Time, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, student_id, status, duration_seconds, started_at)
		 VALUES (?, ?, 'active', ?, ?)`,
		sessionID, studentID, int(duration/time.Second), startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ReportFlag persists a flag. Flags are never retracted; a second notice for
// the same session keeps the first.
func (s *Store) ReportFlag(ctx context.Context, n types.FlagNotice) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flag: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET flagged = 1 WHERE id = ?`, n.SessionID)
	if err != nil {
		return fmt.Errorf("flag session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("flag %s: %w", n.SessionID, ErrNotFound)
	}

	var alertID sql.NullString
	if n.Alert != nil {
		alertID = sql.NullString{String: n.Alert.ID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO flags (session_id, flagged_at, reason, alert_id) VALUES (?, ?, ?, ?)`,
		n.SessionID, n.FlaggedAt.UTC(), n.Reason, alertID,
	); err != nil {
		return fmt.Errorf("insert flag: %w", err)
	}
	return tx.Commit()
}

// DeliverSubmission stores the final state and the full alert log.
// Redelivery of the same submission is harmless.
func (s *Store) DeliverSubmission(ctx context.Context, sub types.Submission) error {
	counts, err := json.Marshal(sub.ViolationCounts)
	if err != nil {
		return fmt.Errorf("marshal violation counts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'completed', submitted_at = ?, reason = ?, time_remaining = ?,
		 flagged = MAX(flagged, ?), violation_counts = ? WHERE id = ?`,
		sub.SubmittedAt.UTC(), string(sub.Reason), sub.TimeRemaining, boolInt(sub.Flagged), string(counts), sub.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("submit %s: %w", sub.SessionID, ErrNotFound)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, session_id, seq, timestamp, source_kind, signal, message, severity, class, rule_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare alert insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range sub.AlertLog {
		if _, err := stmt.ExecContext(ctx,
			a.ID, sub.SessionID, a.Seq, a.Timestamp.UTC(), a.SourceKind.String(), a.Signal.String(),
			a.Message, a.Severity.String(), string(a.Class), a.RuleID,
		); err != nil {
			return fmt.Errorf("insert alert %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// Session returns the dashboard row for one session.
func (s *Store) Session(ctx context.Context, id string) (types.SessionSummary, error) {
	rows, err := s.querySummaries(ctx, `WHERE s.id = ?`, id)
	if err != nil {
		return types.SessionSummary{}, err
	}
	if len(rows) == 0 {
		return types.SessionSummary{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return rows[0], nil
}

// ListSessions returns every stored session, most recently started first.
func (s *Store) ListSessions(ctx context.Context) ([]types.SessionSummary, error) {
	return s.querySummaries(ctx, ``)
}

func (s *Store) querySummaries(ctx context.Context, where string, args ...interface{}) ([]types.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.student_id, s.status, s.flagged, s.started_at, s.submitted_at, COALESCE(s.reason, ''),
		       (SELECT COUNT(*) FROM alerts a WHERE a.session_id = s.id),
		       COALESCE((SELECT a.timestamp || '|' || a.message FROM alerts a WHERE a.session_id = s.id
		                 ORDER BY a.seq DESC LIMIT 1), '')
		FROM sessions s `+where+`
		ORDER BY s.started_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var (
			sum       types.SessionSummary
			flagged   int
			submitted sql.NullTime
			reason    string
			latest    string
		)
		if err := rows.Scan(&sum.SessionID, &sum.StudentID, &sum.Status, &flagged, &sum.StartedAt,
			&submitted, &reason, &sum.AlertCount, &latest); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Flagged = flagged != 0
		sum.Reason = types.SubmitReason(reason)
		if submitted.Valid {
			t := submitted.Time
			sum.SubmittedAt = &t
		}
		sum.LatestAlert = latestAlert(latest)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Alerts returns the stored alert log of a session in chronological order.
func (s *Store) Alerts(ctx context.Context, sessionID string) ([]types.Alert, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("alerts %s: %w", sessionID, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, timestamp, source_kind, signal, message, severity, class, rule_id
		 FROM alerts WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := []types.Alert{}
	for rows.Next() {
		var (
			a                      types.Alert
			kind, signal, severity string
			class                  string
		)
		if err := rows.Scan(&a.ID, &a.Seq, &a.Timestamp, &kind, &signal, &a.Message, &severity, &class, &a.RuleID); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if err := a.SourceKind.UnmarshalText([]byte(kind)); err != nil {
			return nil, err
		}
		if err := a.Signal.UnmarshalText([]byte(signal)); err != nil {
			return nil, err
		}
		if err := a.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, err
		}
		a.Class = types.ErrorClass(class)
		out = append(out, a)
	}
	return out, rows.Err()
}

// latestAlert turns "timestamp|message" into the panel rendering. Subquery
// results carry no column type, so the timestamp arrives as driver text.
func latestAlert(raw string) string {
	ts, msg, ok := strings.Cut(raw, "|")
	if !ok {
		return raw
	}
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.Parse(layout, ts); err == nil {
			return types.Alert{Timestamp: t, Message: msg}.String()
		}
	}
	return msg
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
