// Package classify determines the record type tag of a raw line.
package classify

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tddf-cli/internal/catalog"
)

// Result is the outcome of classifying one line. OK is false when the line is
// unclassified, in which case Tag is empty.
type Result struct {
	Tag string
	OK  bool
}

// Unclassified is the zero Result.
var Unclassified = Result{}

// Classifier reads the record type tag of a line. Implementations never fail:
// a line whose tag cannot be read is reported as Unclassified.
type Classifier interface {
	Classify(line string) Result
}

// FixedOffset reads the tag from a fixed byte range.
type FixedOffset struct {
	Start  int
	Length int
}

// Classify implements Classifier.
func (c FixedOffset) Classify(line string) Result {
	if c.Start < 0 || c.Length <= 0 || len(line) < c.Start+c.Length {
		return Unclassified
	}
	return tag(line[c.Start : c.Start+c.Length])
}

// Delimited reads the tag from one column of a delimited line.
type Delimited struct {
	Delimiter string
	Column    int
}

// Classify implements Classifier.
func (c Delimited) Classify(line string) Result {
	if c.Delimiter == "" || c.Column < 0 {
		return Unclassified
	}
	cols := strings.SplitN(line, c.Delimiter, c.Column+2)
	if c.Column >= len(cols) {
		return Unclassified
	}
	return tag(cols[c.Column])
}

func tag(s string) Result {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unclassified
	}
	return Result{Tag: s, OK: true}
}

// FromFormat returns the classifier configured for an input format.
func FromFormat(f catalog.Format) (Classifier, error) {
	switch f.Layout {
	case catalog.LayoutFixed, "":
		if f.TagLength <= 0 {
			return nil, eris.New("classify: fixed layout needs a positive tag length")
		}
		return FixedOffset{Start: f.TagStart, Length: f.TagLength}, nil
	case catalog.LayoutDelimited:
		if f.Delimiter == "" {
			return nil, eris.New("classify: delimited layout needs a delimiter")
		}
		return Delimited{Delimiter: f.Delimiter, Column: f.TagColumn}, nil
	default:
		return nil, eris.Errorf("classify: unknown layout %q", f.Layout)
	}
}
