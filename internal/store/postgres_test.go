package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/catalog"
	"github.com/sells-group/tddf-cli/internal/decode"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var runColumns = []string{"id", "source_name", "catalog_version", "status", "summary", "error", "started_at", "completed_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS tddf`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO tddf.runs`).
		WithArgs(pgxmock.AnyArg(), "daily.TSYSO", "2025.2", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.StartRun(context.Background(), "daily.TSYSO", "2025.2")
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE tddf.runs SET status = \$1`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", stream.Summary{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	msg := "aggregate: rollup went negative"
	mock.ExpectExec(`UPDATE tddf.runs SET status = \$1`).
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailRun(context.Background(), "run-1", stream.Summary{TotalRecords: 3}, msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, source_name, catalog_version, status, summary, error, started_at, completed_at FROM tddf.runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	summary := []byte(`{"source_id":"a","total_records":4,"rollups":{"transaction_amount":12.50}}`)

	mock.ExpectQuery(`FROM tddf.runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "a.txt", "2025.2", RunStatusComplete, summary, (*string)(nil), started, &completed))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", run.SourceName)
	assert.Equal(t, RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 4, run.Summary.TotalRecords)
	assert.Equal(t, "12.50", run.Summary.Rollups["transaction_amount"].StringFixed(2))
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, completed, *run.CompletedAt)
	assert.Empty(t, run.Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE true AND status = \$1 AND source_name = \$2 ORDER BY started_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", "b.txt", 10, 20).
		WillReturnRows(pgxmock.NewRows(runColumns))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: RunStatusFailed, SourceName: "b.txt", Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`ORDER BY started_at DESC LIMIT \$1`).
		WithArgs(100).
		WillReturnError(errors.New("connection refused"))

	_, err := s.ListRuns(context.Background(), RunFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: list runs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastSuccess_Never(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT started_at FROM tddf.runs`).
		WithArgs("new.txt").
		WillReturnError(pgx.ErrNoRows)

	last, err := s.LastSuccess(context.Background(), "new.txt")
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRecords_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	recs := []decode.DecodedRecord{
		{Tag: "BH", LineNumber: 1, Status: decode.StatusDecoded, Fields: decode.Fields{}, Raw: "BH"},
		decode.Unclassified(decode.RawRecord{LineNumber: 2, Content: "x"}),
	}
	mock.ExpectCopyFrom(pgx.Identifier{"tddf", "records"}, recordColumns).WillReturnResult(2)

	require.NoError(t, s.SaveRecords(context.Background(), "run-1", recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveGroups_Upserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	c, err := catalog.Default()
	require.NoError(t, err)
	groups, err := aggregate.Aggregate(c, []decode.DecodedRecord{
		decode.Unclassified(decode.RawRecord{LineNumber: 1, Content: "x"}),
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_tddf_batch_groups"}, groupColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "tddf"."batch_groups"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveGroups(context.Background(), "run-1", 0, groups))
	assert.NoError(t, mock.ExpectationsWereMet())
}
