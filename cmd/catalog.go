package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/tddf-cli/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect record type definitions",
	Long:  "Commands for listing and validating the field catalog used to decode TDDF lines.",
}

// -- catalog list --

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known record types",
	RunE: func(_ *cobra.Command, _ []string) error {
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		formatCatalog(os.Stdout, cat)
		return nil
	},
}

// -- catalog show --

var catalogShowCmd = &cobra.Command{
	Use:   "show <tag>",
	Short: "Show the fields of one record type",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		rt, err := cat.Lookup(args[0])
		if err != nil {
			return err
		}
		formatRecordType(os.Stdout, rt, cat.Format().Layout)
		return nil
	},
}

// -- catalog validate --

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check a catalog definition file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := cfg.Catalog.Path
		if len(args) == 1 {
			path = args[0]
		}
		return validateCatalog(os.Stdout, path)
	},
}

// validateCatalog loads path (or the built-in catalog when empty) and reports
// every problem found.
func validateCatalog(out io.Writer, path string) error {
	var (
		cat *catalog.Catalog
		err error
	)
	if path == "" {
		cat, err = catalog.Default()
	} else {
		cat, err = catalog.Load(path)
	}
	if err != nil {
		var verr *catalog.ValidationError
		if errors.As(err, &verr) {
			for _, p := range verr.Problems {
				_, _ = fmt.Fprintf(out, "  - %s\n", p)
			}
		}
		return err
	}
	_, _ = fmt.Fprintf(out, "catalog %s is valid: %d record types, %d rollups\n",
		cat.Version(), len(cat.Tags()), len(cat.Hierarchy().Rollups))
	return nil
}

// formatCatalog writes one line per record type to w.
func formatCatalog(out io.Writer, cat *catalog.Catalog) {
	_, _ = fmt.Fprintf(out, "Catalog %s (%s)\n\n", cat.Version(), cat.Format().Layout)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TAG\tROLE\tFIELDS\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "---\t----\t------\t-----------")
	for _, tag := range cat.Tags() {
		rt, err := cat.Lookup(tag)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rt.Tag, rt.Role, len(rt.Fields), rt.Description)
	}
	_ = w.Flush()
}

// formatRecordType writes the field table of one record type to w.
func formatRecordType(out io.Writer, rt *catalog.RecordType, layout catalog.Layout) {
	_, _ = fmt.Fprintf(out, "%s  %s (%s)\n\n", rt.Tag, rt.Description, rt.Role)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tPOSITION\tKIND\tDETAIL")
	_, _ = fmt.Fprintln(w, "-----\t--------\t----\t------")
	for _, f := range rt.Fields {
		pos := f.Position()
		if layout == catalog.LayoutDelimited {
			pos = "col " + strconv.Itoa(f.Column+1)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Name, pos, f.Kind, fieldDetail(f))
	}
	_ = w.Flush()
}

func fieldDetail(f catalog.FieldSpec) string {
	switch {
	case f.AliasOf != "":
		return "alias of " + f.AliasOf
	case f.Sign != nil:
		return fmt.Sprintf("scale %d, sign from %s", f.Scale, f.Sign.Field)
	case f.Pattern != "":
		return f.Pattern
	case f.Scale > 0:
		return "scale " + strconv.Itoa(f.Scale)
	}
	return ""
}

func init() {
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogShowCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}
