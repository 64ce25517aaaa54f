package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/decode"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// ErrNotFound is returned (wrapped) when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of an ingest run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one ingested stream.
type Run struct {
	ID             string          `json:"id"`
	SourceName     string          `json:"source_name"`
	CatalogVersion string          `json:"catalog_version"`
	Status         RunStatus       `json:"status"`
	Summary        *stream.Summary `json:"summary,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// GroupRow is the persisted shape of a BatchGroup without its records.
type GroupRow struct {
	RunID        string                     `json:"run_id"`
	Seq          int                        `json:"seq"`
	HeaderTag    string                     `json:"header_tag,omitempty"`
	FirstLine    int                        `json:"first_line"`
	LastLine     int                        `json:"last_line"`
	ChildCount   int                        `json:"child_count"`
	Unclassified bool                       `json:"unclassified"`
	Rollups      map[string]decimal.Decimal `json:"rollups"`
	Counts       map[string]int             `json:"counts"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       RunStatus `json:"status,omitempty"`
	SourceName   string    `json:"source_name,omitempty"`
	StartedAfter time.Time `json:"started_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for decoded TDDF streams.
type Store interface {
	// Run ledger
	StartRun(ctx context.Context, sourceName, catalogVersion string) (*Run, error)
	CompleteRun(ctx context.Context, runID string, sum stream.Summary) error
	FailRun(ctx context.Context, runID string, sum stream.Summary, errMsg string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	LastSuccess(ctx context.Context, sourceName string) (*time.Time, error)

	// Output
	SaveRecords(ctx context.Context, runID string, recs []decode.DecodedRecord) error
	SaveGroups(ctx context.Context, runID string, firstSeq int, groups []aggregate.BatchGroup) error
	ListGroups(ctx context.Context, runID string, limit int) ([]GroupRow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// toGroupRow flattens a group for persistence.
func toGroupRow(runID string, seq int, g aggregate.BatchGroup) GroupRow {
	first, last := g.Lines()
	row := GroupRow{
		RunID:        runID,
		Seq:          seq,
		FirstLine:    first,
		LastLine:     last,
		ChildCount:   len(g.Children),
		Unclassified: g.Unclassified,
		Rollups:      g.Rollups,
		Counts:       g.Counts,
	}
	if g.Header != nil {
		row.HeaderTag = g.Header.Tag
	}
	return row
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
