// Package stream runs the classify, decode, and aggregate pipeline over input streams.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/catalog"
	"github.com/sells-group/tddf-cli/internal/classify"
	"github.com/sells-group/tddf-cli/internal/decode"
)

// DefaultMaxLineBytes bounds a single input line. Longer lines are kept as
// truncated unclassified records rather than failing the stream.
const DefaultMaxLineBytes = 1 << 20

// Sink receives decoded records and closed batch groups in input order.
type Sink interface {
	Record(ctx context.Context, rec decode.DecodedRecord) error
	Group(ctx context.Context, g aggregate.BatchGroup) error
}

// Processor decodes one stream at a time. It shares the immutable catalog and
// decoder across streams and builds a fresh aggregator per stream.
type Processor struct {
	cat          *catalog.Catalog
	classifier   classify.Classifier
	decoder      *decode.Decoder
	maxLineBytes int
}

// NewProcessor builds a Processor for the catalog's input format.
func NewProcessor(c *catalog.Catalog, maxLineBytes int) (*Processor, error) {
	cl, err := classify.FromFormat(c.Format())
	if err != nil {
		return nil, eris.Wrap(err, "stream: build classifier")
	}
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Processor{
		cat:          c,
		classifier:   cl,
		decoder:      decode.New(c.Format()),
		maxLineBytes: maxLineBytes,
	}, nil
}

// Catalog returns the catalog the processor decodes with.
func (p *Processor) Catalog() *catalog.Catalog {
	return p.cat
}

// DecodeLine classifies and decodes one line.
func (p *Processor) DecodeLine(sourceID string, lineNumber int, line string) decode.DecodedRecord {
	raw := decode.RawRecord{SourceID: sourceID, LineNumber: lineNumber, Content: line}
	res := p.classifier.Classify(line)
	if !res.OK {
		return decode.Unclassified(raw)
	}
	raw.DetectedTag = res.Tag

	def, err := p.cat.Lookup(res.Tag)
	if err != nil {
		return decode.Unknown(raw)
	}
	return p.decoder.Decode(def, raw)
}

// Process reads r line by line, in order, and feeds each line through the
// pipeline into sink. Empty lines are counted but are not records. A line
// longer than the processor's limit becomes an unclassified record holding
// its first bytes, and reading resumes at the next line.
//
// An aggregate.InconsistentStateError stops the stream; the returned Summary
// still describes everything processed up to that point.
func (p *Processor) Process(ctx context.Context, sourceID string, r io.Reader, sink Sink) (Summary, error) {
	sum := newSummary(sourceID)
	agg := aggregate.New(p.cat)

	emit := func(groups []aggregate.BatchGroup) error {
		for _, g := range groups {
			sum.addGroup(g)
			if err := sink.Group(ctx, g); err != nil {
				return eris.Wrapf(err, "stream: write group for %s", sourceID)
			}
		}
		return nil
	}

	br := bufio.NewReaderSize(r, min(64*1024, p.maxLineBytes))
	var buf []byte

	lineNumber := 0
	for {
		b, long, readErr := readLine(br, p.maxLineBytes, buf)
		buf = b
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return sum, eris.Wrapf(readErr, "stream: read %s after line %d", sourceID, lineNumber)
		}
		eof := readErr != nil
		if len(b) == 0 && !long {
			if eof {
				break
			}
			lineNumber++
			sum.BlankLines++
			continue
		}
		lineNumber++

		var rec decode.DecodedRecord
		if long {
			rec = decode.Oversized(decode.RawRecord{
				SourceID:   sourceID,
				LineNumber: lineNumber,
				Content:    string(b),
			}, p.maxLineBytes)
		} else {
			rec = p.DecodeLine(sourceID, lineNumber, string(b))
		}
		sum.addRecord(rec)
		if err := sink.Record(ctx, rec); err != nil {
			return sum, eris.Wrapf(err, "stream: write record %s:%d", sourceID, lineNumber)
		}

		groups, err := agg.Add(rec)
		if err != nil {
			return sum, inconsistent(&sum, err)
		}
		if err := emit(groups); err != nil {
			return sum, err
		}
		if eof {
			break
		}
	}

	groups, err := agg.Flush()
	if err != nil {
		return sum, inconsistent(&sum, err)
	}
	return sum, emit(groups)
}

var newline = []byte("\n")

// readLine returns the next line of br without its terminator, reusing buf.
// A line longer than limit is consumed to its end but only its first limit
// bytes are returned, flagged as long. At end of input it returns io.EOF
// alongside any final unterminated line.
func readLine(br *bufio.Reader, limit int, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	dropped := false
	for {
		frag, err := br.ReadSlice('\n')
		// Keep two spare bytes so a CRLF terminator can still be stripped.
		if room := limit + 2 - len(buf); len(frag) > room {
			frag, dropped = frag[:room], true
		}
		buf = append(buf, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !dropped {
			buf = bytes.TrimSuffix(buf, newline)
			buf = bytes.TrimSuffix(buf, []byte("\r"))
		}
		if dropped || len(buf) > limit {
			return buf[:limit], true, err
		}
		return buf, false, err
	}
}

func inconsistent(sum *Summary, err error) error {
	var ise *aggregate.InconsistentStateError
	if errors.As(err, &ise) {
		sum.Inconsistency = ise.Error()
	}
	return err
}
