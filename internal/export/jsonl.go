// Package export writes decoded TDDF streams to files: JSON Lines for
// machine consumption and XLSX workbooks for review.
package export

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/shopspring/decimal"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/decode"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// Line kinds in a JSON Lines export.
const (
	KindRecord  = "record"
	KindGroup   = "group"
	KindSummary = "summary"
)

// Group is the exported view of a BatchGroup. Member records are referenced
// by line number; the records themselves are exported as their own lines.
type Group struct {
	Seq          int                        `json:"seq"`
	HeaderTag    string                     `json:"header_tag,omitempty"`
	FirstLine    int                        `json:"first_line"`
	LastLine     int                        `json:"last_line"`
	Lines        []int                      `json:"lines"`
	Unclassified bool                       `json:"unclassified"`
	Rollups      map[string]decimal.Decimal `json:"rollups"`
	Counts       map[string]int             `json:"counts"`
}

// NewGroup flattens g for export.
func NewGroup(seq int, g aggregate.BatchGroup) Group {
	first, last := g.Lines()
	out := Group{
		Seq:          seq,
		FirstLine:    first,
		LastLine:     last,
		Unclassified: g.Unclassified,
		Rollups:      g.Rollups,
		Counts:       g.Counts,
	}
	if g.Header != nil {
		out.HeaderTag = g.Header.Tag
	}
	for _, rec := range g.Records() {
		out.Lines = append(out.Lines, rec.LineNumber)
	}
	return out
}

type jsonLine struct {
	Kind    string                `json:"kind"`
	Source  string                `json:"source"`
	Record  *decode.DecodedRecord `json:"record,omitempty"`
	Group   *Group                `json:"group,omitempty"`
	Summary *stream.Summary       `json:"summary,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// JSONL writes every stream to one JSON Lines writer. Lines of concurrent
// streams interleave but each line names its source, and each stream's own
// lines stay in input order.
type JSONL struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONL creates a JSON Lines exporter writing to w.
func NewJSONL(w io.Writer) *JSONL {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONL{enc: enc}
}

func (j *JSONL) write(l jsonLine) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return eris.Wrapf(j.enc.Encode(l), "export: write %s line for %s", l.Kind, l.Source)
}

// Factory returns a SinkFactory producing one sink per stream.
func (j *JSONL) Factory() stream.SinkFactory {
	return func(_ context.Context, src stream.Source) (stream.StreamSink, error) {
		return &jsonlSink{out: j, source: src.Name}, nil
	}
}

type jsonlSink struct {
	out    *JSONL
	source string
	seq    int
}

func (s *jsonlSink) Record(_ context.Context, rec decode.DecodedRecord) error {
	return s.out.write(jsonLine{Kind: KindRecord, Source: s.source, Record: &rec})
}

func (s *jsonlSink) Group(_ context.Context, g aggregate.BatchGroup) error {
	eg := NewGroup(s.seq, g)
	s.seq++
	return s.out.write(jsonLine{Kind: KindGroup, Source: s.source, Group: &eg})
}

func (s *jsonlSink) Finish(_ context.Context, sum stream.Summary, streamErr error) error {
	l := jsonLine{Kind: KindSummary, Source: s.source, Summary: &sum}
	if streamErr != nil {
		l.Error = streamErr.Error()
	}
	return s.out.write(l)
}
