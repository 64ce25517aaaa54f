package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tddf-cli/internal/store"
)

// Snapshot is a point-in-time view of the run ledger.
type Snapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Totals over the summaries of finished runs.
	Records      int `json:"records"`
	Warnings     int `json:"warnings"`
	Unclassified int `json:"unclassified"`
	Groups       int `json:"groups"`

	// StaleRuns are runs still "running" long after they started, which
	// usually means the ingesting process died mid-stream.
	StaleRuns []string `json:"stale_runs,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
}

// Collector gathers run ledger metrics.
type Collector struct {
	runs RunLister
	// StaleAfter is how long a run may stay running before it is reported
	// as stale. Default: 2h.
	StaleAfter time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs}
}

// Collect summarizes the runs started within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		StartedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	staleAfter := c.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case store.RunStatusComplete:
			snap.RunsComplete++
		case store.RunStatusFailed:
			snap.RunsFailed++
		case store.RunStatusRunning:
			snap.RunsRunning++
			if now.Sub(r.StartedAt) > staleAfter {
				snap.StaleRuns = append(snap.StaleRuns, r.ID)
			}
		}
		if r.Summary != nil {
			snap.Records += r.Summary.TotalRecords
			snap.Warnings += r.Summary.TotalWarnings
			snap.Unclassified += r.Summary.Unclassified + r.Summary.UnknownType
			snap.Groups += r.Summary.Groups
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap, nil
}
