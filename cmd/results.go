package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tddf-cli/internal/stream"
)

// formatResults writes one line per processed stream to w.
func formatResults(out io.Writer, results []stream.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tRECORDS\tGROUPS\tWARNINGS\tUNCLASSIFIED\tDURATION\tSTATUS")
	_, _ = fmt.Fprintln(w, "------\t-------\t------\t--------\t------------\t--------\t------")

	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "failed: " + truncate(r.Err.Error(), 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Source.Name,
			r.Summary.TotalRecords,
			r.Summary.Groups,
			r.Summary.TotalWarnings,
			r.Summary.Unclassified+r.Summary.UnknownType,
			r.Duration.Round(time.Millisecond),
			status,
		)
	}
	_ = w.Flush()
}

// failures returns an error naming how many streams failed, or nil.
func failures(action string, results []stream.Result) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return eris.Errorf("%s: %d of %d streams failed", action, failed, len(results))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
