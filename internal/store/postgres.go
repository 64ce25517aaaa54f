package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/db"
	"github.com/sells-group/tddf-cli/internal/decode"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgSchema = "tddf"

var recordColumns = []string{"run_id", "line_number", "tag", "status", "fields", "warnings", "raw"}

var groupColumns = []string{
	"run_id", "seq", "header_tag", "first_line", "last_line",
	"child_count", "unclassified", "rollups", "counts",
}

var (
	recordsTable = db.Table{Schema: pgSchema, Name: "records"}
	groupUpsert  = db.Upsert{
		Table:   db.Table{Schema: pgSchema, Name: "batch_groups"},
		Columns: groupColumns,
		Keys:    []string{"run_id", "seq"},
	}
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS tddf;

CREATE TABLE IF NOT EXISTS tddf.runs (
	id              TEXT PRIMARY KEY,
	source_name     TEXT NOT NULL,
	catalog_version TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	summary         JSONB,
	error           TEXT,
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON tddf.runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source_started ON tddf.runs(source_name, started_at DESC);

CREATE TABLE IF NOT EXISTS tddf.records (
	run_id      TEXT NOT NULL REFERENCES tddf.runs(id) ON DELETE CASCADE,
	line_number INTEGER NOT NULL,
	tag         TEXT NOT NULL,
	status      TEXT NOT NULL,
	fields      JSONB NOT NULL,
	warnings    JSONB,
	raw         TEXT NOT NULL,
	PRIMARY KEY (run_id, line_number)
);

CREATE INDEX IF NOT EXISTS idx_records_tag ON tddf.records(tag);
CREATE INDEX IF NOT EXISTS idx_records_status ON tddf.records(status) WHERE status <> 'decoded';

CREATE TABLE IF NOT EXISTS tddf.batch_groups (
	run_id       TEXT NOT NULL REFERENCES tddf.runs(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	header_tag   TEXT,
	first_line   INTEGER NOT NULL,
	last_line    INTEGER NOT NULL,
	child_count  INTEGER NOT NULL,
	unclassified BOOLEAN NOT NULL DEFAULT false,
	rollups      JSONB NOT NULL,
	counts       JSONB NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) StartRun(ctx context.Context, sourceName, catalogVersion string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tddf.runs (id, source_name, catalog_version, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, sourceName, catalogVersion, string(RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start run for %s", sourceName)
	}

	return &Run{
		ID:             id,
		SourceName:     sourceName,
		CatalogVersion: catalogVersion,
		Status:         RunStatusRunning,
		StartedAt:      now,
	}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, sum stream.Summary) error {
	return s.finishRun(ctx, runID, RunStatusComplete, sum, "")
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, sum stream.Summary, errMsg string) error {
	return s.finishRun(ctx, runID, RunStatusFailed, sum, errMsg)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status RunStatus, sum stream.Summary, errMsg string) error {
	sumJSON, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tddf.runs SET status = $1, summary = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), sumJSON, nullable(errMsg), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: finish run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_name, catalog_version, status, summary, error, started_at, completed_at FROM tddf.runs WHERE id = $1`,
		runID,
	)
	r, err := scanRun(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, source_name, catalog_version, status, summary, error, started_at, completed_at FROM tddf.runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SourceName != "" {
		query += fmt.Sprintf(` AND source_name = $%d`, argIdx)
		args = append(args, filter.SourceName)
		argIdx++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.StartedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LastSuccess returns the start time of the most recent complete run for a
// source, or nil if it has never completed.
func (s *PostgresStore) LastSuccess(ctx context.Context, sourceName string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM tddf.runs WHERE source_name = $1 AND status = 'complete' ORDER BY started_at DESC LIMIT 1`,
		sourceName,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last success for %s", sourceName)
	}
	return &t, nil
}

// SaveRecords bulk-loads records with COPY.
func (s *PostgresStore) SaveRecords(ctx context.Context, runID string, recs []decode.DecodedRecord) error {
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		fields, warnings, err := marshalRecord(rec)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal record %d", rec.LineNumber)
		}
		rows = append(rows, []any{
			runID, rec.LineNumber, rec.Tag, string(rec.Status), fields, warnings, rec.Raw,
		})
	}
	if _, err := db.Copy(ctx, s.pool, recordsTable, recordColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: save records for run %s", runID)
	}
	return nil
}

// SaveGroups upserts groups keyed on (run_id, seq) so a re-flushed batch replaces itself.
func (s *PostgresStore) SaveGroups(ctx context.Context, runID string, firstSeq int, groups []aggregate.BatchGroup) error {
	rows := make([][]any, 0, len(groups))
	for i, g := range groups {
		gr := toGroupRow(runID, firstSeq+i, g)
		rollups, counts, err := marshalGroup(gr)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal group %d", gr.Seq)
		}
		rows = append(rows, []any{
			gr.RunID, gr.Seq, nullable(gr.HeaderTag), gr.FirstLine, gr.LastLine,
			gr.ChildCount, gr.Unclassified, rollups, counts,
		})
	}
	if _, err := groupUpsert.Run(ctx, s.pool, rows); err != nil {
		return eris.Wrapf(err, "postgres: save groups for run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, runID string, limit int) ([]GroupRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, header_tag, first_line, last_line, child_count, unclassified, rollups, counts
		 FROM tddf.batch_groups WHERE run_id = $1 ORDER BY seq LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list groups for run %s", runID)
	}
	defer rows.Close()

	var out []GroupRow
	for rows.Next() {
		var g GroupRow
		var headerTag *string
		var rollups, counts []byte
		if err := rows.Scan(&g.RunID, &g.Seq, &headerTag, &g.FirstLine, &g.LastLine,
			&g.ChildCount, &g.Unclassified, &rollups, &counts); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group")
		}
		if headerTag != nil {
			g.HeaderTag = *headerTag
		}
		if err := unmarshalGroup(&g, rollups, counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal group")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// scanRun reads one tddf.runs row through the given scan function.
func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var sumJSON []byte
	var errStr *string
	if err := scan(&r.ID, &r.SourceName, &r.CatalogVersion, &r.Status, &sumJSON, &errStr, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	if errStr != nil {
		r.Error = *errStr
	}
	if len(sumJSON) > 0 {
		r.Summary = &stream.Summary{}
		if err := json.Unmarshal(sumJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &r, nil
}

func marshalRecord(rec decode.DecodedRecord) (fields, warnings []byte, err error) {
	fields, err = json.Marshal(rec.Fields)
	if err != nil {
		return nil, nil, err
	}
	if len(rec.Warnings) > 0 {
		warnings, err = json.Marshal(rec.Warnings)
		if err != nil {
			return nil, nil, err
		}
	}
	return fields, warnings, nil
}

func marshalGroup(g GroupRow) (rollups, counts []byte, err error) {
	rollups, err = json.Marshal(g.Rollups)
	if err != nil {
		return nil, nil, err
	}
	counts, err = json.Marshal(g.Counts)
	if err != nil {
		return nil, nil, err
	}
	return rollups, counts, nil
}

func unmarshalGroup(g *GroupRow, rollups, counts []byte) error {
	if err := json.Unmarshal(rollups, &g.Rollups); err != nil {
		return err
	}
	return json.Unmarshal(counts, &g.Counts)
}
