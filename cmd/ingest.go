package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tddf-cli/internal/config"
	"github.com/sells-group/tddf-cli/internal/monitoring"
	"github.com/sells-group/tddf-cli/internal/store"
	"github.com/sells-group/tddf-cli/internal/stream"
)

type ingestOptions struct {
	skipDone    bool
	concurrency int
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <source>...",
	Short: "Decode TDDF files and persist them to the store",
	Long: "Decodes each source and records it as a run with its records and batch groups. " +
		"Each source is independent: one failing stream does not stop the others.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		opts := ingestOptions{}
		opts.skipDone, _ = cmd.Flags().GetBool("skip-done")
		opts.concurrency, _ = cmd.Flags().GetInt("concurrency")

		return runIngest(ctx, cfg, st, args, opts, os.Stdout)
	},
}

func runIngest(ctx context.Context, c *config.Config, st store.Store, inputs []string, opts ingestOptions, out io.Writer) error {
	log := zap.L().With(zap.String("component", "ingest"))

	proc, err := newProcessor(c)
	if err != nil {
		return err
	}
	f, err := newFetcher(c)
	if err != nil {
		return err
	}
	defer f.Cleanup() //nolint:errcheck

	sources, err := f.Sources(ctx, inputs)
	if err != nil {
		return err
	}

	if opts.skipDone {
		pending := sources[:0]
		for _, src := range sources {
			last, err := st.LastSuccess(ctx, src.Name)
			if err != nil {
				return err
			}
			if last != nil {
				log.Info("skipping already ingested source", zap.String("source", src.Name), zap.Time("completed", *last))
				continue
			}
			pending = append(pending, src)
		}
		sources = pending
	}
	if len(sources) == 0 {
		log.Info("nothing to ingest")
		return nil
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = c.Ingest.Concurrency
	}
	sinks := store.SinkFactory(st, proc.Catalog().Version(), c.Ingest.FlushSize)
	results := stream.NewRunner(proc, sinks, concurrency).Run(ctx, sources)

	alerter := monitoring.NewAlerter(c.Monitoring)
	var alerts []monitoring.Alert
	for _, r := range results {
		alerts = append(alerts, alerter.Evaluate(r.Summary)...)
	}
	if len(alerts) > 0 {
		sent := alerter.SendAlerts(ctx, alerts)
		log.Warn("ingest raised alerts", zap.Int("alerts", len(alerts)), zap.Int("sent", sent))
	}

	formatResults(out, results)
	return failures("ingest", results)
}

func init() {
	ingestCmd.Flags().Bool("skip-done", false, "skip sources whose name already has a complete run")
	ingestCmd.Flags().Int("concurrency", 0, "streams ingested at once (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
