package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tddf-cli/internal/config"
	"github.com/sells-group/tddf-cli/internal/export"
	"github.com/sells-group/tddf-cli/internal/stream"
)

type decodeOptions struct {
	out         string // JSON Lines path, "-" for stdout, "" for none
	xlsx        string
	concurrency int
}

var decodeCmd = &cobra.Command{
	Use:   "decode <source>...",
	Short: "Decode TDDF files and export records, batches and summaries",
	Long: "Decodes each source (file, directory, zip, file://, http(s):// or ftp:// URL) " +
		"and writes JSON Lines and/or an XLSX workbook. Nothing is persisted.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("decode"); err != nil {
			return err
		}

		opts := decodeOptions{}
		opts.out, _ = cmd.Flags().GetString("out")
		opts.xlsx, _ = cmd.Flags().GetString("xlsx")
		opts.concurrency, _ = cmd.Flags().GetInt("concurrency")
		if opts.xlsx != "" && !cmd.Flags().Changed("out") {
			opts.out = ""
		}

		return runDecode(cmd.Context(), cfg, args, opts, os.Stdout, os.Stderr)
	},
}

func runDecode(ctx context.Context, c *config.Config, inputs []string, opts decodeOptions, stdout, stderr io.Writer) error {
	if opts.out == "" && opts.xlsx == "" {
		return eris.New("decode: nothing to write; set --out or --xlsx")
	}

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

	var factories []stream.SinkFactory
	switch opts.out {
	case "":
	case "-":
		factories = append(factories, export.NewJSONL(stdout).Factory())
	default:
		file, err := os.Create(opts.out)
		if err != nil {
			return eris.Wrapf(err, "decode: create %s", opts.out)
		}
		defer file.Close() //nolint:errcheck
		factories = append(factories, export.NewJSONL(file).Factory())
	}

	var book *export.Workbook
	if opts.xlsx != "" {
		if book, err = export.NewWorkbook(); err != nil {
			return err
		}
		factories = append(factories, book.Factory())
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = c.Ingest.Concurrency
	}
	results := stream.NewRunner(proc, stream.TeeFactory(factories...), concurrency).Run(ctx, sources)

	if book != nil {
		if err := book.Save(opts.xlsx); err != nil {
			return err
		}
	}

	formatResults(stderr, results)
	return failures("decode", results)
}

func init() {
	decodeCmd.Flags().String("out", "-", `JSON Lines output path ("-" for stdout)`)
	decodeCmd.Flags().String("xlsx", "", "also write an XLSX workbook to this path")
	decodeCmd.Flags().Int("concurrency", 0, "streams decoded at once (default from config)")
	rootCmd.AddCommand(decodeCmd)
}
