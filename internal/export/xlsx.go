package export

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/decode"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// Sheet names in an exported workbook.
const (
	SheetRecords = "records"
	SheetGroups  = "groups"
	SheetSummary = "summary"
)

// maxSheetRows is the XLSX row limit per sheet.
const maxSheetRows = 1 << 20

var (
	recordHeader  = []string{"source", "line", "tag", "status", "warnings", "fields"}
	groupHeader   = []string{"source", "seq", "header_tag", "first_line", "last_line", "children", "unclassified", "rollups", "counts"}
	summaryHeader = []string{"source", "records", "blank_lines", "records_with_warnings", "warnings", "unclassified", "unknown_type", "groups", "singletons", "rollups", "error"}
)

// Workbook accumulates decoded streams and saves them as one XLSX file with
// a records sheet, a groups sheet and a summary sheet. Sheets are capped at
// the format's row limit; rows past it are dropped and counted.
type Workbook struct {
	mu      sync.Mutex
	file    *xlsx.File
	sheets  map[string]*xlsx.Sheet
	dropped map[string]int
}

// NewWorkbook creates an empty workbook with header rows.
func NewWorkbook() (*Workbook, error) {
	w := &Workbook{
		file:    xlsx.NewFile(),
		sheets:  map[string]*xlsx.Sheet{},
		dropped: map[string]int{},
	}
	for _, s := range []struct {
		name   string
		header []string
	}{
		{SheetRecords, recordHeader},
		{SheetGroups, groupHeader},
		{SheetSummary, summaryHeader},
	} {
		sheet, err := w.file.AddSheet(s.name)
		if err != nil {
			return nil, eris.Wrapf(err, "export: add sheet %s", s.name)
		}
		w.sheets[s.name] = sheet
		addRow(sheet, s.header...)
	}
	return w, nil
}

// Factory returns a SinkFactory producing one sink per stream.
func (w *Workbook) Factory() stream.SinkFactory {
	return func(_ context.Context, src stream.Source) (stream.StreamSink, error) {
		return &workbookSink{book: w, source: src.Name}, nil
	}
}

// Dropped returns how many rows were dropped per sheet because it was full.
func (w *Workbook) Dropped() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.dropped))
	for k, v := range w.dropped {
		out[k] = v
	}
	return out
}

// Save writes the workbook to path.
func (w *Workbook) Save(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sheet, n := range w.dropped {
		zap.L().Warn("export: sheet row limit reached",
			zap.String("sheet", sheet),
			zap.Int("dropped_rows", n),
		)
	}
	return eris.Wrapf(w.file.Save(path), "export: save workbook %s", path)
}

func (w *Workbook) append(sheet string, values ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sheets[sheet]
	if len(s.Rows) >= maxSheetRows {
		w.dropped[sheet]++
		return
	}
	addRow(s, values...)
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

type workbookSink struct {
	book   *Workbook
	source string
	seq    int
}

func (s *workbookSink) Record(_ context.Context, rec decode.DecodedRecord) error {
	s.book.append(SheetRecords,
		s.source,
		strconv.Itoa(rec.LineNumber),
		rec.Tag,
		string(rec.Status),
		formatWarnings(rec.Warnings),
		formatFields(rec.Fields),
	)
	return nil
}

func (s *workbookSink) Group(_ context.Context, g aggregate.BatchGroup) error {
	eg := NewGroup(s.seq, g)
	s.seq++
	s.book.append(SheetGroups,
		s.source,
		strconv.Itoa(eg.Seq),
		eg.HeaderTag,
		strconv.Itoa(eg.FirstLine),
		strconv.Itoa(eg.LastLine),
		strconv.Itoa(len(g.Children)),
		strconv.FormatBool(eg.Unclassified),
		formatDecimals(eg.Rollups),
		formatCounts(eg.Counts),
	)
	return nil
}

func (s *workbookSink) Finish(_ context.Context, sum stream.Summary, streamErr error) error {
	errMsg := ""
	if streamErr != nil {
		errMsg = streamErr.Error()
	}
	s.book.append(SheetSummary,
		s.source,
		strconv.Itoa(sum.TotalRecords),
		strconv.Itoa(sum.BlankLines),
		strconv.Itoa(sum.RecordsWithWarnings),
		strconv.Itoa(sum.TotalWarnings),
		strconv.Itoa(sum.Unclassified),
		strconv.Itoa(sum.UnknownType),
		strconv.Itoa(sum.Groups),
		strconv.Itoa(sum.Singletons),
		formatDecimals(sum.Rollups),
		errMsg,
	)
	return nil
}

func formatFields(fs decode.Fields) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		parts = append(parts, f.Name+"="+f.Value.String())
	}
	return strings.Join(parts, "; ")
}

func formatWarnings(ws []decode.Warning) string {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		if w.Field != "" {
			parts = append(parts, string(w.Code)+"("+w.Field+")")
		} else {
			parts = append(parts, string(w.Code))
		}
	}
	return strings.Join(parts, "; ")
}

func formatDecimals(m map[string]decimal.Decimal) string {
	keys := sortedKeys(m)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+decode.FormatAmount(m[k]))
	}
	return strings.Join(parts, "; ")
}

func formatCounts(m map[string]int) string {
	keys := sortedKeys(m)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, "; ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
