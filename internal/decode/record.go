// Package decode turns raw TDDF lines into structured records using catalog definitions.
package decode

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/tddf-cli/internal/catalog"
)

// Status describes how far decoding of a line got.
type Status string

const (
	StatusDecoded      Status = "decoded"
	StatusUnknownType  Status = "unknown_type"
	StatusUnclassified Status = "unclassified"
)

// WarningCode classifies a non-fatal decode problem.
type WarningCode string

const (
	CodeFieldOutOfRange    WarningCode = "field_out_of_range"
	CodeFieldFormatInvalid WarningCode = "field_format_invalid"
	CodeUnknownRecordType  WarningCode = "unknown_record_type"
	CodeUnclassifiedRecord WarningCode = "unclassified_record"
	CodeLineTooLong        WarningCode = "line_too_long"
)

// Warning is one non-fatal problem found while decoding a line.
type Warning struct {
	Code    WarningCode `json:"code"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message"`
}

// RawRecord is one input line, byte-exact.
type RawRecord struct {
	SourceID    string
	LineNumber  int
	Content     string
	DetectedTag string
}

// Value is a decoded field value. Only the member matching Kind is meaningful.
type Value struct {
	Kind   catalog.Kind
	Str    string
	Int    int64
	Amount decimal.Decimal
	Date   time.Time
}

// Numeric returns integer and decimal values as a decimal.
func (v Value) Numeric() (decimal.Decimal, bool) {
	switch v.Kind {
	case catalog.KindDecimal:
		return v.Amount, true
	case catalog.KindInteger:
		return decimal.New(v.Int, 0), true
	default:
		return decimal.Decimal{}, false
	}
}

// FormatAmount renders d with the fractional digits it carries, so an amount
// decoded at scale 2 keeps both places ("5.00", not "5").
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(max(-d.Exponent(), 0))
}

// String renders the value the way it is exported.
func (v Value) String() string {
	switch v.Kind {
	case catalog.KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case catalog.KindDecimal:
		return FormatAmount(v.Amount)
	case catalog.KindDate:
		return v.Date.Format(time.DateOnly)
	default:
		return v.Str
	}
}

// MarshalJSON encodes numbers as JSON numbers and dates as YYYY-MM-DD.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case catalog.KindInteger, catalog.KindDecimal:
		return []byte(v.String()), nil
	default:
		return json.Marshal(v.String())
	}
}

// Field is one named decoded value.
type Field struct {
	Name  string
	Value Value
}

// Fields keeps decoded values in catalog order.
type Fields []Field

// Get returns the named value.
func (fs Fields) Get(name string) (Value, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Has reports whether name was decoded.
func (fs Fields) Has(name string) bool {
	_, ok := fs.Get(name)
	return ok
}

// MarshalJSON encodes fields as a JSON object preserving order.
func (fs Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodedRecord is the structured result of decoding one RawRecord.
type DecodedRecord struct {
	Tag        string    `json:"tag"`
	SourceID   string    `json:"source_id"`
	LineNumber int       `json:"line_number"`
	Status     Status    `json:"status"`
	Fields     Fields    `json:"fields"`
	Warnings   []Warning `json:"warnings,omitempty"`
	Raw        string    `json:"raw"`
}

// HasWarnings reports whether any warning was recorded.
func (r DecodedRecord) HasWarnings() bool {
	return len(r.Warnings) > 0
}
