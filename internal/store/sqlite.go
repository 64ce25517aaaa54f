package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/decode"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	source_name     TEXT NOT NULL,
	catalog_version TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	summary         TEXT,
	error           TEXT,
	started_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at    DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source_started ON runs(source_name, started_at);

CREATE TABLE IF NOT EXISTS records (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	line_number INTEGER NOT NULL,
	tag         TEXT NOT NULL,
	status      TEXT NOT NULL,
	fields      TEXT NOT NULL,
	warnings    TEXT,
	raw         TEXT NOT NULL,
	PRIMARY KEY (run_id, line_number)
);

CREATE INDEX IF NOT EXISTS idx_records_tag ON records(tag);

CREATE TABLE IF NOT EXISTS batch_groups (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	header_tag   TEXT,
	first_line   INTEGER NOT NULL,
	last_line    INTEGER NOT NULL,
	child_count  INTEGER NOT NULL,
	unclassified INTEGER NOT NULL DEFAULT 0,
	rollups      TEXT NOT NULL,
	counts       TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StartRun(ctx context.Context, sourceName, catalogVersion string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source_name, catalog_version, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, sourceName, catalogVersion, string(RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start run for %s", sourceName)
	}

	return &Run{
		ID:             id,
		SourceName:     sourceName,
		CatalogVersion: catalogVersion,
		Status:         RunStatusRunning,
		StartedAt:      now,
	}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, sum stream.Summary) error {
	return s.finishRun(ctx, runID, RunStatusComplete, sum, "")
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, sum stream.Summary, errMsg string) error {
	return s.finishRun(ctx, runID, RunStatusFailed, sum, errMsg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status RunStatus, sum stream.Summary, errMsg string) error {
	sumJSON, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), string(sumJSON), nullable(errMsg), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: finish run %s", runID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_name, catalog_version, status, summary, error, started_at, completed_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, source_name, catalog_version, status, summary, error, started_at, completed_at FROM runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceName != "" {
		query += ` AND source_name = ?`
		args = append(args, filter.SourceName)
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.StartedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) LastSuccess(ctx context.Context, sourceName string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM runs WHERE source_name = ? AND status = 'complete' ORDER BY started_at DESC LIMIT 1`,
		sourceName,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last success for %s", sourceName)
	}
	return &t, nil
}

func (s *SQLiteStore) SaveRecords(ctx context.Context, runID string, recs []decode.DecodedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO records (run_id, line_number, tag, status, fields, warnings, raw) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert record")
	}
	defer stmt.Close()

	for _, rec := range recs {
		fields, warnings, err := marshalRecord(rec)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal record %d", rec.LineNumber)
		}
		var warnArg any
		if warnings != nil {
			warnArg = string(warnings)
		}
		if _, err := stmt.ExecContext(ctx, runID, rec.LineNumber, rec.Tag, string(rec.Status), string(fields), warnArg, rec.Raw); err != nil {
			return eris.Wrapf(err, "sqlite: insert record %d", rec.LineNumber)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit records")
}

func (s *SQLiteStore) SaveGroups(ctx context.Context, runID string, firstSeq int, groups []aggregate.BatchGroup) error {
	if len(groups) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for i, g := range groups {
		gr := toGroupRow(runID, firstSeq+i, g)
		rollups, counts, err := marshalGroup(gr)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal group %d", gr.Seq)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_groups (run_id, seq, header_tag, first_line, last_line, child_count, unclassified, rollups, counts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, seq) DO UPDATE SET
			   header_tag = excluded.header_tag, first_line = excluded.first_line, last_line = excluded.last_line,
			   child_count = excluded.child_count, unclassified = excluded.unclassified,
			   rollups = excluded.rollups, counts = excluded.counts`,
			gr.RunID, gr.Seq, nullable(gr.HeaderTag), gr.FirstLine, gr.LastLine,
			gr.ChildCount, gr.Unclassified, string(rollups), string(counts),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert group %d", gr.Seq)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit groups")
}

func (s *SQLiteStore) ListGroups(ctx context.Context, runID string, limit int) ([]GroupRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, header_tag, first_line, last_line, child_count, unclassified, rollups, counts
		 FROM batch_groups WHERE run_id = ? ORDER BY seq LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list groups for run %s", runID)
	}
	defer rows.Close()

	var out []GroupRow
	for rows.Next() {
		var g GroupRow
		var headerTag sql.NullString
		var rollups, counts string
		if err := rows.Scan(&g.RunID, &g.Seq, &headerTag, &g.FirstLine, &g.LastLine,
			&g.ChildCount, &g.Unclassified, &rollups, &counts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group")
		}
		g.HeaderTag = headerTag.String
		if err := unmarshalGroup(&g, []byte(rollups), []byte(counts)); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal group")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CountRecords returns how many records a run persisted.
func (s *SQLiteStore) CountRecords(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE run_id = ?`, runID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count records for run %s", runID)
}
