package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tddf-cli/internal/config"
	"github.com/sells-group/tddf-cli/internal/inbox"
	"github.com/sells-group/tddf-cli/internal/store"
	"github.com/sells-group/tddf-cli/internal/stream"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Drain a watched folder of TDDF files",
	Long: "Processes every file in <folder>/inbox, either locally into the store or by uploading " +
		"to a tddf server when upload.url is set. Finished files move to <folder>/processed " +
		"and a report is written to <folder>/logs.",
}

// -- inbox run --

var inboxRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the files currently in the inbox",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if folder, _ := cmd.Flags().GetString("folder"); folder != "" {
			cfg.Inbox.Folder = folder
		}
		if err := cfg.Validate("inbox"); err != nil {
			return err
		}
		ctx := cmd.Context()

		handler, closeFn, err := newInboxHandler(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		in := inbox.New(inbox.Options{
			Root:      cfg.Inbox.Folder,
			LockStale: time.Duration(cfg.Inbox.LockStaleMinutes) * time.Minute,
		}, handler)

		report, err := in.Run(ctx)
		if err != nil {
			return err
		}
		formatInboxReport(os.Stdout, report)
		if report.Failed > 0 || report.Stuck > 0 {
			return eris.Errorf("inbox: %d file(s) failed, %d stuck", report.Failed, report.Stuck)
		}
		return nil
	},
}

// -- inbox ping --

var inboxPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the upload server is reachable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newUploadClient(cfg)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := client.Ping(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s is reachable (%s)\n", cfg.Upload.URL, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// -- inbox status --

var inboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the upload server's most recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newUploadClient(cfg)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := client.Status(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func newUploadClient(c *config.Config) (*inbox.Client, error) {
	if c.Upload.URL == "" {
		return nil, eris.New("upload.url is required (TDDF_UPLOAD_URL)")
	}
	return inbox.NewClient(inbox.ClientOptions{
		BaseURL:     c.Upload.URL,
		Timeout:     time.Duration(c.Upload.TimeoutSecs) * time.Second,
		MaxAttempts: c.Upload.MaxAttempts,
	})
}

// newInboxHandler picks remote mode when upload.url is set, local mode otherwise.
func newInboxHandler(ctx context.Context, c *config.Config) (inbox.Handler, func(), error) {
	if c.Upload.URL != "" {
		client, err := newUploadClient(c)
		if err != nil {
			return nil, nil, err
		}
		return &inbox.RemoteHandler{Client: client}, func() {}, nil
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	proc, err := newProcessor(c)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	runner := stream.NewRunner(proc, store.SinkFactory(st, proc.Catalog().Version(), c.Ingest.FlushSize), 1)
	closeFn := func() { _ = st.Close() }
	return &inbox.LocalHandler{Runner: runner, Ledger: st}, closeFn, nil
}

// formatInboxReport writes the per-file outcome of an inbox run to w.
func formatInboxReport(out io.Writer, r *inbox.Report) {
	if len(r.Files) == 0 {
		_, _ = fmt.Fprintln(out, "Inbox is empty.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tSTATUS\tRECORDS\tGROUPS\tWARNINGS\tDETAIL")
	_, _ = fmt.Fprintln(w, "----\t------\t-------\t------\t--------\t------")
	for _, f := range r.Files {
		detail := f.ProcessedAs
		if f.Error != "" {
			detail = truncate(f.Error, 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", f.Name, f.Status, f.Records, f.Groups, f.Warnings, detail)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d succeeded, %d duplicate, %d failed, %d stuck, %d skipped (%s mode)\n",
		r.Successful, r.Duplicates, r.Failed, r.Stuck, r.Skipped, r.Mode)
	if r.Path != "" {
		_, _ = fmt.Fprintf(out, "Report: %s\n", r.Path)
	}
}

func init() {
	inboxRunCmd.Flags().String("folder", "", "inbox root folder (default from config)")
	inboxStatusCmd.Flags().Int("limit", 20, "max number of runs to display")

	inboxCmd.AddCommand(inboxRunCmd)
	inboxCmd.AddCommand(inboxPingCmd)
	inboxCmd.AddCommand(inboxStatusCmd)
	rootCmd.AddCommand(inboxCmd)
}
