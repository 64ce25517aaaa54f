// Package db holds the pgx bulk-load helpers the Postgres store writes through.
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Table is an optionally schema-qualified table name.
type Table struct {
	Schema string
	Name   string
}

// Identifier returns the table as a pgx identifier.
func (t Table) Identifier() pgx.Identifier {
	if t.Schema == "" {
		return pgx.Identifier{t.Name}
	}
	return pgx.Identifier{t.Schema, t.Name}
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Copy loads rows into t with the COPY protocol.
func Copy(ctx context.Context, pool Pool, t Table, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := pool.CopyFrom(ctx, t.Identifier(), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", t)
	}
	return n, nil
}

// Upsert merges rows into Table, replacing rows whose Keys already exist.
// Rows are staged with COPY in a transaction-scoped temp table first, so a
// flush is a single round of COPY plus one INSERT ... ON CONFLICT.
type Upsert struct {
	Table   Table
	Columns []string
	Keys    []string
	// Update lists the columns replaced on conflict; nil means every non-key column.
	Update []string
}

// Validate reports a malformed upsert.
func (u Upsert) Validate() error {
	switch {
	case u.Table.Name == "":
		return eris.New("db: upsert: no table")
	case len(u.Columns) == 0:
		return eris.Errorf("db: upsert %s: no columns", u.Table)
	case len(u.Keys) == 0:
		return eris.Errorf("db: upsert %s: no conflict keys", u.Table)
	}
	return nil
}

// Run stages rows and merges them into the table, returning rows affected.
func (u Upsert) Run(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := u.Validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: begin", u.Table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := u.stage()
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), u.Table.Identifier().Sanitize(),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: create staging table", u.Table)
	}
	if _, err := tx.CopyFrom(ctx, stage, u.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: stage rows", u.Table)
	}

	tag, err := tx.Exec(ctx, u.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: merge", u.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: commit", u.Table)
	}
	return tag.RowsAffected(), nil
}

func (u Upsert) stage() pgx.Identifier {
	return pgx.Identifier{"stage_" + strings.ReplaceAll(u.Table.String(), ".", "_")}
}

func (u Upsert) updateColumns() []string {
	if u.Update != nil {
		return u.Update
	}
	keys := make(map[string]bool, len(u.Keys))
	for _, k := range u.Keys {
		keys[k] = true
	}
	var out []string
	for _, c := range u.Columns {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}

func (u Upsert) mergeSQL() string {
	cols := identList(u.Columns)
	var sets []string
	for _, c := range u.updateColumns() {
		id := pgx.Identifier{c}.Sanitize()
		sets = append(sets, id+" = EXCLUDED."+id)
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		u.Table.Identifier().Sanitize(), cols, cols, u.stage().Sanitize(), identList(u.Keys), action)
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}
