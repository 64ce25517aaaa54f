package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var groups = Table{Schema: "tddf", Name: "batch_groups"}

func TestTable(t *testing.T) {
	assert.Equal(t, "tddf.batch_groups", groups.String())
	assert.Equal(t, `"tddf"."batch_groups"`, groups.Identifier().Sanitize())

	bare := Table{Name: "runs"}
	assert.Equal(t, "runs", bare.String())
	assert.Equal(t, pgx.Identifier{"runs"}, bare.Identifier())
}

func TestCopy_EmptyRows(t *testing.T) {
	n, err := Copy(context.Background(), nil, groups, []string{"a"}, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestCopy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	records := Table{Schema: "tddf", Name: "records"}
	mock.ExpectCopyFrom(pgx.Identifier{"tddf", "records"}, []string{"run_id", "line_number"}).WillReturnResult(3)

	n, err := Copy(context.Background(), mock, records, []string{"run_id", "line_number"},
		[][]any{{"r1", 1}, {"r1", 2}, {"r1", 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopy_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"tddf", "records"}, []string{"run_id"}).WillReturnError(errors.New("permission denied"))

	_, err = Copy(context.Background(), mock, Table{Schema: "tddf", Name: "records"}, []string{"run_id"}, [][]any{{"r1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into tddf.records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_Validate(t *testing.T) {
	tests := []struct {
		name string
		u    Upsert
		want string
	}{
		{"no table", Upsert{Columns: []string{"a"}, Keys: []string{"a"}}, "no table"},
		{"no columns", Upsert{Table: groups, Keys: []string{"a"}}, "no columns"},
		{"no keys", Upsert{Table: groups, Columns: []string{"a"}}, "no conflict keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.u.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Upsert{Table: groups, Columns: []string{"a"}, Keys: []string{"a"}}.Validate())
}

func TestUpsert_EmptyRows(t *testing.T) {
	n, err := Upsert{}.Run(context.Background(), nil, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsert_MergeSQL(t *testing.T) {
	u := Upsert{Table: groups, Columns: []string{"run_id", "seq", "rollups"}, Keys: []string{"run_id", "seq"}}
	assert.Equal(t,
		`INSERT INTO "tddf"."batch_groups" ("run_id", "seq", "rollups") SELECT "run_id", "seq", "rollups" `+
			`FROM "stage_tddf_batch_groups" ON CONFLICT ("run_id", "seq") DO UPDATE SET "rollups" = EXCLUDED."rollups"`,
		u.mergeSQL())

	keysOnly := Upsert{Table: groups, Columns: []string{"run_id"}, Keys: []string{"run_id"}}
	assert.Contains(t, keysOnly.mergeSQL(), "DO NOTHING")
}

func TestUpsert_Run(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"run_id", "seq", "rollups"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "stage_tddf_batch_groups" \(LIKE "tddf"."batch_groups"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_tddf_batch_groups"}, cols).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("run_id", "seq"\) DO UPDATE SET "rollups" = EXCLUDED."rollups"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Upsert{Table: groups, Columns: cols, Keys: []string{"run_id", "seq"}}.
		Run(context.Background(), mock, [][]any{{"r1", 0, `{}`}, {"r1", 1, `{}`}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_StageFails(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_tddf_batch_groups"}, []string{"run_id", "seq"}).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = Upsert{Table: groups, Columns: []string{"run_id", "seq"}, Keys: []string{"run_id", "seq"}}.
		Run(context.Background(), mock, [][]any{{"r1", 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert tddf.batch_groups: stage rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}
