package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/evovariant/internal/types"
)

// SQLiteSink appends records to a SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the telemetry database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS telemetry (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		event       TEXT NOT NULL,
		agent       TEXT NOT NULL,
		task_type   TEXT NOT NULL,
		variant_id  TEXT NOT NULL,
		q_value     REAL NOT NULL,
		exploration INTEGER NOT NULL,
		reward      REAL NOT NULL,
		status      TEXT NOT NULL DEFAULT '',
		ts          INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: migrate: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_telemetry_key ON telemetry(agent, task_type, variant_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: index: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Emit(ctx context.Context, rec types.TelemetryRecord) error {
	explore := 0
	if rec.Exploration {
		explore = 1
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO telemetry
		(event, agent, task_type, variant_id, q_value, exploration, reward, status, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Event), rec.Agent, rec.TaskType, rec.VariantID,
		rec.QValue, explore, rec.Reward, string(rec.Status), ts.UnixNano())
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]types.TelemetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event, agent, task_type, variant_id, q_value, exploration, reward, status, ts
		FROM telemetry ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var out []types.TelemetryRecord
	for rows.Next() {
		var (
			rec           types.TelemetryRecord
			event, status string
			explore       int
			ts            int64
		)
		if err := rows.Scan(&event, &rec.Agent, &rec.TaskType, &rec.VariantID,
			&rec.QValue, &explore, &rec.Reward, &status, &ts); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		rec.Event = types.TelemetryEvent(event)
		rec.Status = types.Status(status)
		rec.Exploration = explore == 1
		rec.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExplorationRate returns the fraction of selection records that explored.
func (s *SQLiteSink) ExplorationRate(ctx context.Context) (float64, int, error) {
	var total int
	var explored sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(exploration) FROM telemetry WHERE event = ?`,
		string(types.EventSelection)).Scan(&total, &explored)
	if err != nil {
		return 0, 0, fmt.Errorf("query exploration rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(explored.Int64) / float64(total), total, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
