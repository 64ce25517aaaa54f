package decode

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/tddf-cli/internal/catalog"
)

// Decoder applies record type definitions to raw lines. It holds no mutable
// state and is safe for concurrent use.
type Decoder struct {
	layout    catalog.Layout
	delimiter string
}

// New returns a Decoder for lines of the given input format.
func New(f catalog.Format) *Decoder {
	layout := f.Layout
	if layout == "" {
		layout = catalog.LayoutFixed
	}
	return &Decoder{layout: layout, delimiter: f.Delimiter}
}

// Decode extracts every field of def from raw. Field-level problems never fail
// the record: the field is omitted and a warning is recorded instead.
func (d *Decoder) Decode(def *catalog.RecordType, raw RawRecord) DecodedRecord {
	rec := newRecord(raw, def.Tag, StatusDecoded)

	var columns []string
	if d.layout == catalog.LayoutDelimited {
		columns = strings.Split(raw.Content, d.delimiter)
	}
	extract := func(f catalog.FieldSpec) (string, bool) {
		if d.layout == catalog.LayoutDelimited {
			if f.Column >= len(columns) {
				return "", false
			}
			return columns[f.Column], true
		}
		if f.Start < 0 || f.End() > len(raw.Content) {
			return "", false
		}
		return raw.Content[f.Start:f.End()], true
	}

	for _, f := range def.Fields {
		s, ok := extract(f)
		if !ok {
			rec.warn(CodeFieldOutOfRange, f.Name, fmt.Sprintf("field %s out of range", f.Name))
			continue
		}

		v, w := convert(f, s)
		if w != nil {
			rec.Warnings = append(rec.Warnings, *w)
			continue
		}

		if f.Sign != nil {
			sf, _ := def.Field(f.Sign.Field)
			ind, ok := extract(sf)
			if !ok {
				rec.warn(CodeFieldOutOfRange, f.Name,
					fmt.Sprintf("field %s: sign indicator %s out of range", f.Name, f.Sign.Field))
				continue
			}
			ind = strings.TrimSpace(ind)
			switch {
			case matches(ind, f.Sign.Negative):
				v.Amount = v.Amount.Neg()
			case matches(ind, f.Sign.Positive):
			default:
				rec.warn(CodeFieldFormatInvalid, f.Name,
					fmt.Sprintf("field %s: sign indicator %s holds %q", f.Name, f.Sign.Field, ind))
				continue
			}
		}

		rec.Fields = append(rec.Fields, Field{Name: f.Name, Value: v})
	}
	return rec
}

// Unknown passes through a line whose tag has no catalog definition.
func Unknown(raw RawRecord) DecodedRecord {
	rec := newRecord(raw, raw.DetectedTag, StatusUnknownType)
	rec.warn(CodeUnknownRecordType, "", fmt.Sprintf("no definition for record type %q", raw.DetectedTag))
	return rec
}

// Unclassified passes through a line whose tag could not be read.
func Unclassified(raw RawRecord) DecodedRecord {
	rec := newRecord(raw, "", StatusUnclassified)
	rec.warn(CodeUnclassifiedRecord, "", "record type could not be determined")
	return rec
}

// Oversized passes through a line that exceeded the reader's limit of limit
// bytes. raw.Content holds only the bytes that were kept.
func Oversized(raw RawRecord, limit int) DecodedRecord {
	rec := newRecord(raw, "", StatusUnclassified)
	rec.warn(CodeLineTooLong, "", fmt.Sprintf("line longer than %d bytes, truncated", limit))
	return rec
}

func newRecord(raw RawRecord, tag string, status Status) DecodedRecord {
	return DecodedRecord{
		Tag:        tag,
		SourceID:   raw.SourceID,
		LineNumber: raw.LineNumber,
		Status:     status,
		Fields:     Fields{},
		Raw:        raw.Content,
	}
}

func (r *DecodedRecord) warn(code WarningCode, field, msg string) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Field: field, Message: msg})
}

func convert(f catalog.FieldSpec, s string) (Value, *Warning) {
	invalid := func(format string, args ...any) (Value, *Warning) {
		return Value{}, &Warning{
			Code:    CodeFieldFormatInvalid,
			Field:   f.Name,
			Message: fmt.Sprintf("field %s: ", f.Name) + fmt.Sprintf(format, args...),
		}
	}

	switch f.Kind {
	case catalog.KindInteger:
		if !allDigits(s) {
			return invalid("%q is not an unsigned integer", s)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return invalid("%q overflows an integer", s)
		}
		return Value{Kind: catalog.KindInteger, Int: n}, nil

	case catalog.KindDecimal:
		if !allDigits(s) {
			return invalid("%q is not an implied-decimal amount", s)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return invalid("%q overflows a decimal", s)
		}
		return Value{Kind: catalog.KindDecimal, Amount: decimal.New(n, -int32(f.Scale))}, nil

	case catalog.KindDate:
		if placeholder(s) {
			return invalid("placeholder date %q", s)
		}
		layout, ok := catalog.DatePatterns[f.Pattern]
		if !ok {
			return invalid("unsupported date pattern %q", f.Pattern)
		}
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err != nil {
			return invalid("%q does not match %s", s, f.Pattern)
		}
		return Value{Kind: catalog.KindDate, Date: t}, nil

	default:
		return Value{Kind: catalog.KindString, Str: strings.TrimSpace(s)}, nil
	}
}

// placeholder reports all-zero and all-nine sentinel dates.
func placeholder(s string) bool {
	if s == "" {
		return false
	}
	return strings.Trim(s, "0") == "" || strings.Trim(s, "9") == ""
}

func matches(ind string, values []string) bool {
	for _, v := range values {
		if strings.EqualFold(ind, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
