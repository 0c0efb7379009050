package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteSink keeps a local ledger of attempts and failures. Indexed columns
// hold what queries filter on; the full record is stored msgpack-encoded.
type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		path = "diagmend-telemetry.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS repair_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			sim_id TEXT NOT NULL,
			step_index INTEGER,
			tier INTEGER NOT NULL,
			tier_name TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			input_hash TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS repair_attempts_session ON repair_attempts(session_id)`,
		`CREATE TABLE IF NOT EXISTS repair_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			sim_id TEXT NOT NULL,
			step_index INTEGER,
			code_hash TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteSink{db: db}, nil
}

func nullableStep(step *int) any {
	if step == nil {
		return nil
	}
	return *step
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteSink) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	rec = rec.fill()
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO repair_attempts
		(session_id, sim_id, step_index, tier, tier_name, attempt_number, success, duration_ms, input_hash, created_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.SimID, nullableStep(rec.StepIndex), rec.Tier, rec.TierName, rec.AttemptNumber,
		boolInt(rec.Success), rec.DurationMS, rec.InputHash, int64(rec.TimestampMS), payload)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *SQLiteSink) ReportFailure(ctx context.Context, rep FailureReport) error {
	rep = rep.fill()
	payload, err := msgpack.Marshal(&rep)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO repair_failures
		(session_id, sim_id, step_index, code_hash, created_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rep.SessionID, rep.SimID, nullableStep(rep.StepIndex), rep.CodeHash, int64(rep.TimestampMS), payload)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// Attempts returns the recorded attempts of a session in insertion order. An
// empty sessionID returns every attempt.
func (s *SQLiteSink) Attempts(ctx context.Context, sessionID string) ([]AttemptRecord, error) {
	q := `SELECT payload FROM repair_attempts ORDER BY id`
	args := []any{}
	if sessionID != "" {
		q = `SELECT payload FROM repair_attempts WHERE session_id = ? ORDER BY id`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []AttemptRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var rec AttemptRecord
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Failures(ctx context.Context) ([]FailureReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM repair_failures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select failures: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []FailureReport
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var rep FailureReport
		if err := msgpack.Unmarshal(payload, &rep); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// SuccessRate returns successes/attempts per tier name.
func (s *SQLiteSink) SuccessRate(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier_name, AVG(success) FROM repair_attempts GROUP BY tier_name`)
	if err != nil {
		return nil, fmt.Errorf("select success rate: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]float64{}
	for rows.Next() {
		var name string
		var rate float64
		if err := rows.Scan(&name, &rate); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[name] = rate
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
