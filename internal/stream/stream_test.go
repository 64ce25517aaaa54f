package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/catalog"
	"github.com/sells-group/tddf-cli/internal/decode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// tddfLine builds a 300-byte line for the built-in catalog. Positions in set
// are 1-based, as printed in the file layout.
func tddfLine(tag string, set map[int]string) string {
	b := []byte(strings.Repeat("0", 300))
	put := func(pos int, s string) { copy(b[pos-1:], s) }
	put(18, tag)
	switch tag {
	case "BH":
		put(56, "03152024")
		put(104, "03152024")
	case "DT":
		put(85, "03142024")
		put(216, "D")
	}
	for pos, s := range set {
		put(pos, s)
	}
	return string(b)
}

func amount(cents string) map[int]string {
	return map[int]string{93: strings.Repeat("0", 11-len(cents)) + cents}
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	p, err := NewProcessor(c, 0)
	require.NoError(t, err)
	return p
}

func TestProcess_BatchesAndSingletons(t *testing.T) {
	p := newTestProcessor(t)
	credit := amount("100")
	credit[216] = "C"
	input := strings.Join([]string{
		tddfLine("BH", nil),
		tddfLine("DT", amount("500")),
		tddfLine("DT", amount("750")),
		"junk",
		"",
		tddfLine("BH", nil),
		tddfLine("DT", credit),
	}, "\r\n") + "\r\n"

	var col Collector
	sum, err := p.Process(context.Background(), "src-1", strings.NewReader(input), &col)
	require.NoError(t, err)

	assert.Equal(t, 6, sum.TotalRecords)
	assert.Equal(t, 1, sum.BlankLines)
	assert.Equal(t, 1, sum.Unclassified)
	assert.Equal(t, 1, sum.RecordsWithWarnings)
	assert.Equal(t, map[string]int{"BH": 2, "DT": 3}, sum.ByTag)
	assert.Equal(t, 3, sum.Groups)
	assert.Equal(t, 1, sum.Singletons)
	assert.Equal(t, "13.50", sum.Rollups["transaction_amount"].StringFixed(2))
	assert.Equal(t, "11.50", sum.Rollups["net_amount"].StringFixed(2))

	require.Len(t, col.Records, 6)
	assert.Equal(t, 7, col.Records[5].LineNumber)
	assert.Len(t, col.Records[5].Raw, 300, "CR must be stripped")

	require.Len(t, col.Groups, 3)
	assert.True(t, col.Groups[0].Unclassified)
	assert.Equal(t, "12.50", col.Groups[1].Rollups["transaction_amount"].StringFixed(2))
	assert.Equal(t, "-1.00", col.Groups[2].Rollups["net_amount"].StringFixed(2))
}

func TestProcess_UnknownTagPassesThrough(t *testing.T) {
	p := newTestProcessor(t)
	var col Collector
	sum, err := p.Process(context.Background(), "s", strings.NewReader(tddfLine("Q9", nil)+"\n"), &col)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.UnknownType)
	require.Len(t, col.Records, 1)
	assert.Equal(t, decode.StatusUnknownType, col.Records[0].Status)
	assert.Equal(t, "Q9", col.Records[0].Tag)
	assert.InDelta(t, 1.0, sum.UnclassifiedRate(), 1e-9)
}

func TestProcess_FieldWarningsCounted(t *testing.T) {
	p := newTestProcessor(t)
	bad := tddfLine("DT", map[int]string{93: "0000000ABCD", 85: "99999999"})

	var col Collector
	sum, err := p.Process(context.Background(), "s", strings.NewReader(bad), &col)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.RecordsWithWarnings)
	// transaction_amount, signed_amount, transaction_date
	assert.Equal(t, 3, sum.TotalWarnings)
	assert.Equal(t, 3, sum.WarningsByCode[string(decode.CodeFieldFormatInvalid)])
	assert.InDelta(t, 1.0, sum.WarningRate(), 1e-9)
}

type failingSink struct{ Collector }

func (f *failingSink) Group(context.Context, aggregate.BatchGroup) error {
	return errors.New("disk full")
}

func TestProcess_SinkErrorStopsStream(t *testing.T) {
	p := newTestProcessor(t)
	input := "junk\n" + tddfLine("BH", nil) + "\n"

	var sink failingSink
	sum, err := p.Process(context.Background(), "s", strings.NewReader(input), &sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, sum.TotalRecords)
}

func TestProcess_OverlongLineKeepsBatchOpen(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)
	p, err := NewProcessor(c, 400)
	require.NoError(t, err)

	input := strings.Join([]string{
		tddfLine("BH", nil),
		tddfLine("DT", amount("500")),
		strings.Repeat("#", 500),
		tddfLine("DT", amount("700")),
		tddfLine("BH", nil),
	}, "\n") + "\n"

	var col Collector
	sum, err := p.Process(context.Background(), "f", strings.NewReader(input), &col)
	require.NoError(t, err)

	assert.Equal(t, 5, sum.TotalRecords)
	assert.Equal(t, 1, sum.Unclassified)
	assert.Equal(t, 1, sum.WarningsByCode[string(decode.CodeLineTooLong)])
	require.Len(t, col.Records, 5)

	long := col.Records[2]
	assert.Equal(t, 3, long.LineNumber)
	assert.Equal(t, decode.StatusUnclassified, long.Status)
	assert.Len(t, long.Raw, 400)
	assert.Equal(t, 5, col.Records[4].LineNumber)

	require.Len(t, col.Groups, 3)
	assert.True(t, col.Groups[0].Singleton())
	assert.True(t, col.Groups[0].Unclassified)
	assert.Len(t, col.Groups[1].Children, 2)
	assert.Equal(t, "12.00", col.Groups[1].Rollups["transaction_amount"].StringFixed(2))
	assert.Equal(t, 5, col.Groups[2].Header.LineNumber)
}

func TestReadLine(t *testing.T) {
	type line struct {
		text string
		long bool
	}
	tests := []struct {
		name  string
		input string
		want  []line
	}{
		{"lf", "ab\ncd\n", []line{{"ab", false}, {"cd", false}}},
		{"crlf", "ab\r\ncd\r\n", []line{{"ab", false}, {"cd", false}}},
		{"unterminated", "ab\ncd", []line{{"ab", false}, {"cd", false}}},
		{"blank", "\n\nab\n", []line{{"", false}, {"", false}, {"ab", false}}},
		{"at limit", "12345678\n", []line{{"12345678", false}}},
		{"at limit crlf", "12345678\r\n", []line{{"12345678", false}}},
		{"one over", "123456789\nab\n", []line{{"12345678", true}, {"ab", false}}},
		{"far over", strings.Repeat("x", 100) + "\nab", []line{{"xxxxxxxx", true}, {"ab", false}}},
		{"over at eof", strings.Repeat("x", 100), []line{{"xxxxxxxx", true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			var got []line
			for {
				b, long, err := readLine(br, 8, nil)
				if len(b) > 0 || long || err == nil {
					got = append(got, line{string(b), long})
				}
				if err != nil {
					require.ErrorIs(t, err, io.EOF)
					break
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcess_InconsistencyIsTerminal(t *testing.T) {
	c, err := catalog.Parse([]byte(`
format: { layout: fixed, tag_position: 1-2 }
hierarchy:
  rollups:
    - { metric: net, tag: DD, field: signed, non_negative: true }
record_types:
  - { tag: HH, role: header, max_length: 2 }
  - tag: DD
    role: detail
    max_length: 8
    fields:
      - { name: amount, position: 3-7, kind: decimal, scale: 2 }
      - { name: dc, position: "8" }
      - { name: signed, position: 3-7, kind: decimal, scale: 2, alias_of: amount, sign: { field: dc, negative: [C], positive: [D] } }
`))
	require.NoError(t, err)
	p, err := NewProcessor(c, 0)
	require.NoError(t, err)

	var col Collector
	sum, err := p.Process(context.Background(), "s",
		strings.NewReader("HH\nDD00100D\nDD00500C\nDD00100D\n"), &col)
	require.Error(t, err)

	var ise *aggregate.InconsistentStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, 3, ise.LineNumber)
	assert.NotEmpty(t, sum.Inconsistency)
	assert.Equal(t, 3, sum.TotalRecords)
	assert.Empty(t, col.Groups)
}

type memSource struct {
	mu      sync.Mutex
	sinks   map[string]*Collector
	created int
}

func (m *memSource) factory(_ context.Context, src Source) (StreamSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	col := &Collector{}
	m.sinks[src.ID] = col
	return col, nil
}

func source(id, content string) Source {
	return Source{ID: id, Name: id + ".txt", Open: func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}}
}

func TestRunner_IsolatesFailures(t *testing.T) {
	p := newTestProcessor(t)
	mem := &memSource{sinks: map[string]*Collector{}}
	r := NewRunner(p, mem.factory, 2)

	broken := Source{ID: "b", Name: "b.txt", Open: func(context.Context) (io.ReadCloser, error) {
		return nil, errors.New("no such file")
	}}
	results := r.Run(context.Background(), []Source{
		source("a", tddfLine("BH", nil)+"\n"+tddfLine("DT", amount("500"))+"\n"),
		broken,
		source("c", "junk\n"),
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "a", results[0].Source.ID)
	assert.Equal(t, 2, results[0].Summary.TotalRecords)
	assert.Equal(t, "5.00", results[0].Summary.Rollups["transaction_amount"].StringFixed(2))

	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "no such file")
	assert.Equal(t, results[1].Err, mem.sinks["b"].Err, "failed stream is still finished")

	assert.NoError(t, results[2].Err)
	assert.Equal(t, 1, results[2].Summary.Unclassified)
	assert.Equal(t, 1, mem.sinks["c"].Summary.Unclassified)
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	p := newTestProcessor(t)
	mem := &memSource{sinks: map[string]*Collector{}}
	r := NewRunner(p, mem.factory, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := r.Run(ctx, []Source{source("a", "junk\n"), source("b", "junk\n")})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Zero(t, mem.created)
}

func TestTee_FinishesAll(t *testing.T) {
	a, b := &Collector{}, &Collector{}
	tee := Tee{a, b}

	require.NoError(t, tee.Record(context.Background(), decode.DecodedRecord{Tag: "BH"}))
	require.NoError(t, tee.Finish(context.Background(), Summary{TotalRecords: 1}, nil))
	assert.Len(t, a.Records, 1)
	assert.Len(t, b.Records, 1)
	assert.Equal(t, 1, b.Summary.TotalRecords)
}

func TestTeeFactory(t *testing.T) {
	p := newTestProcessor(t)
	first := &memSource{sinks: map[string]*Collector{}}
	second := &memSource{sinks: map[string]*Collector{}}

	r := NewRunner(p, TeeFactory(first.factory, second.factory), 1)
	results := r.Run(context.Background(), []Source{source("a", "junk\n")})
	require.NoError(t, results[0].Err)
	assert.Len(t, first.sinks["a"].Records, 1)
	assert.Len(t, second.sinks["a"].Records, 1)
}

func TestTeeFactory_FinishesOpenedSinksOnError(t *testing.T) {
	opened := &memSource{sinks: map[string]*Collector{}}
	failing := func(context.Context, Source) (StreamSink, error) {
		return nil, errors.New("disk full")
	}

	_, err := TeeFactory(opened.factory, failing)(context.Background(), source("a", ""))
	require.Error(t, err)
	require.Contains(t, opened.sinks, "a")
	assert.EqualError(t, opened.sinks["a"].Err, "disk full")
}
