package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink archives snapshots into a local SQLite database. Traces
// are upserted by id so repeated exports of the same session are
// idempotent; steps are replaced wholesale with their trace.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (and initializes) the archive database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	s := &SQLiteSink{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traces (
		id              TEXT PRIMARY KEY,
		kind            TEXT NOT NULL,
		method          TEXT,
		path            TEXT,
		query_key       TEXT NOT NULL,
		tags            TEXT,
		started_at      DATETIME NOT NULL,
		ended_at        DATETIME,
		duration_ms     INTEGER DEFAULT 0,
		active          INTEGER NOT NULL DEFAULT 0,
		response        TEXT,
		meta            TEXT
	);

	CREATE TABLE IF NOT EXISTS steps (
		trace_id        TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		plugin          TEXT NOT NULL,
		stage           TEXT NOT NULL,
		color           TEXT NOT NULL,
		timestamp       DATETIME NOT NULL,
		reason          TEXT,
		diff            TEXT,
		info            TEXT,
		PRIMARY KEY (trace_id, seq)
	);

	CREATE TABLE IF NOT EXISTS events (
		plugin          TEXT NOT NULL,
		message         TEXT NOT NULL,
		timestamp       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invalidations (
		tags            TEXT NOT NULL,
		keys            TEXT,
		total_listeners INTEGER DEFAULT 0,
		timestamp       DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_traces_query_key ON traces(query_key);
	CREATE INDEX IF NOT EXISTS idx_traces_started ON traces(started_at);
	CREATE INDEX IF NOT EXISTS idx_steps_trace ON steps(trace_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Export writes the snapshot within one transaction.
func (s *SQLiteSink) Export(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, tr := range snap.Traces {
		if err := upsertTrace(tx, tr); err != nil {
			return fmt.Errorf("failed to archive trace %s: %w", tr.ID, err)
		}
	}
	for _, ev := range snap.Events {
		if _, err := tx.Exec(`INSERT INTO events (plugin, message, timestamp) VALUES (?, ?, ?)`,
			ev.Plugin, ev.Message, ev.Timestamp); err != nil {
			return fmt.Errorf("failed to archive event: %w", err)
		}
	}
	for _, inv := range snap.Invalidations {
		if _, err := tx.Exec(`INSERT INTO invalidations (tags, keys, total_listeners, timestamp) VALUES (?, ?, ?, ?)`,
			joinTags(inv.Tags), nullStr(string(inv.Keys)), inv.TotalListeners, inv.Timestamp); err != nil {
			return fmt.Errorf("failed to archive invalidation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	return nil
}

func upsertTrace(tx *sql.Tx, tr TraceRecord) error {
	_, err := tx.Exec(`INSERT INTO traces (id, kind, method, path, query_key, tags, started_at, ended_at, duration_ms, active, response, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			active = excluded.active,
			response = excluded.response,
			meta = excluded.meta`,
		tr.ID, tr.Kind, tr.Method, tr.Path, tr.QueryKey, joinTags(tr.Tags),
		tr.StartedAt, tr.EndedAt, tr.DurationMs, boolInt(tr.Active),
		nullStr(string(tr.Response)), nullStr(string(tr.Meta)),
	)
	if err != nil {
		return err
	}

	// Steps are append-only on the live trace; replacing them keeps the
	// archive consistent with the latest snapshot.
	if _, err := tx.Exec(`DELETE FROM steps WHERE trace_id = ?`, tr.ID); err != nil {
		return err
	}
	for i, st := range tr.Steps {
		if _, err := tx.Exec(`INSERT INTO steps (trace_id, seq, plugin, stage, color, timestamp, reason, diff, info)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, i, st.Plugin, st.Stage, st.Color, st.Timestamp,
			nullStr(st.Reason), nullStr(string(st.Diff)), nullStr(string(st.Info)),
		); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down the archive database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// TraceCount returns the number of archived traces. Used by the status
// surface and tests.
func (s *SQLiteSink) TraceCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
