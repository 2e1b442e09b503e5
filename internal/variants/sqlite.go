package variants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/evovariant/internal/types"
)

// SQLiteStore persists variant metrics and retirement flags in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("variants: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("variants: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("variants: busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("variants: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS variants (
			agent        TEXT NOT NULL,
			variant_id   TEXT NOT NULL,
			retired      INTEGER NOT NULL DEFAULT 0,
			invocations  INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 0,
			avg_quality  REAL NOT NULL DEFAULT 0,
			avg_duration REAL NOT NULL DEFAULT 0,
			avg_errors   REAL NOT NULL DEFAULT 0,
			by_task_type TEXT NOT NULL DEFAULT '{}',
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (agent, variant_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_variants_agent ON variants(agent)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// SaveVariant upserts the metrics of v.
func (s *SQLiteStore) SaveVariant(ctx context.Context, v types.Variant) error {
	byTask, err := json.Marshal(v.Metrics.ByTaskType)
	if err != nil {
		return fmt.Errorf("variants: encode task metrics: %w", err)
	}
	m := v.Metrics.Overall
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO variants(agent, variant_id, retired, invocations, success_rate, avg_quality, avg_duration, avg_errors, by_task_type, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent, variant_id) DO UPDATE SET
			retired = excluded.retired,
			invocations = excluded.invocations,
			success_rate = excluded.success_rate,
			avg_quality = excluded.avg_quality,
			avg_duration = excluded.avg_duration,
			avg_errors = excluded.avg_errors,
			by_task_type = excluded.by_task_type,
			updated_at = excluded.updated_at`,
		v.Agent, v.ID, boolToInt(v.Retired), m.Invocations, m.SuccessRate, m.AvgQuality, m.AvgDuration, m.AvgErrors,
		string(byTask), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("variants: save %s/%s: %w", v.Agent, v.ID, err)
	}
	return nil
}

// LoadVariants returns the persisted metrics. Only identity, retirement and
// metrics fields are populated.
func (s *SQLiteStore) LoadVariants(ctx context.Context) ([]types.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, variant_id, retired, invocations, success_rate, avg_quality, avg_duration, avg_errors, by_task_type
		FROM variants ORDER BY agent, variant_id`)
	if err != nil {
		return nil, fmt.Errorf("variants: query: %w", err)
	}
	defer rows.Close()

	var out []types.Variant
	for rows.Next() {
		var (
			v       types.Variant
			retired int
			byTask  string
		)
		m := &v.Metrics.Overall
		if err := rows.Scan(&v.Agent, &v.ID, &retired, &m.Invocations, &m.SuccessRate, &m.AvgQuality, &m.AvgDuration, &m.AvgErrors, &byTask); err != nil {
			return nil, fmt.Errorf("variants: scan: %w", err)
		}
		v.Retired = retired != 0
		if byTask != "" && byTask != "null" {
			if err := json.Unmarshal([]byte(byTask), &v.Metrics.ByTaskType); err != nil {
				return nil, fmt.Errorf("variants: decode task metrics for %s/%s: %w", v.Agent, v.ID, err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
