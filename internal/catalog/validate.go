package catalog

import (
	"fmt"
	"strings"
)

type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) format(d formatDoc) Format {
	f := Format{Layout: Layout(strings.ToLower(strings.TrimSpace(d.Layout)))}
	if f.Layout == "" {
		f.Layout = LayoutFixed
	}

	switch f.Layout {
	case LayoutFixed:
		start, length, err := parsePosition(d.TagPosition)
		if err != nil {
			v.addf("format: tag_position: %v", err)
			return f
		}
		f.TagStart, f.TagLength = start, length
	case LayoutDelimited:
		f.Delimiter = d.Delimiter
		if f.Delimiter == "" {
			v.addf("format: delimited layout requires a delimiter")
		}
		if d.TagColumn == nil || *d.TagColumn < 0 {
			v.addf("format: delimited layout requires a non-negative tag_column")
		} else {
			f.TagColumn = *d.TagColumn
		}
	default:
		v.addf("format: unknown layout %q", d.Layout)
	}
	return f
}

func (v *validator) recordType(d recordDoc, common []fieldDoc, layout Layout) *RecordType {
	tag := strings.TrimSpace(d.Tag)
	if tag == "" {
		v.addf("record type with empty tag")
		return nil
	}

	rt := &RecordType{
		Tag:         tag,
		Description: d.Description,
		Role:        Role(strings.ToLower(strings.TrimSpace(d.Role))),
		MaxLength:   d.MaxLength,
	}
	if rt.Role == "" {
		rt.Role = RoleOther
	}
	switch rt.Role {
	case RoleHeader, RoleDetail, RoleExtension, RoleOther:
	default:
		v.addf("%s: unknown role %q", tag, d.Role)
	}
	if layout == LayoutFixed && rt.MaxLength <= 0 {
		v.addf("%s: max_length must be positive", tag)
	}

	docs := d.Fields
	if !d.SkipCommon && len(common) > 0 {
		docs = append(append([]fieldDoc{}, common...), d.Fields...)
	}

	seen := make(map[string]bool, len(docs))
	for _, fd := range docs {
		fs, ok := v.field(tag, fd, layout)
		if !ok {
			continue
		}
		if seen[fs.Name] {
			v.addf("%s: duplicate field %q", tag, fs.Name)
			continue
		}
		seen[fs.Name] = true
		rt.Fields = append(rt.Fields, fs)
	}

	v.crossFields(rt, layout)
	return rt
}

func (v *validator) field(tag string, d fieldDoc, layout Layout) (FieldSpec, bool) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		v.addf("%s: field with empty name", tag)
		return FieldSpec{}, false
	}

	fs := FieldSpec{
		Name:    name,
		Kind:    Kind(strings.ToLower(strings.TrimSpace(d.Kind))),
		Scale:   d.Scale,
		Pattern: strings.ToUpper(strings.TrimSpace(d.Pattern)),
		AliasOf: strings.TrimSpace(d.AliasOf),
	}
	if fs.Kind == "" {
		fs.Kind = KindString
	}
	if d.Sign != nil {
		fs.Sign = &Sign{Field: strings.TrimSpace(d.Sign.Field), Negative: d.Sign.Negative, Positive: d.Sign.Positive}
	}

	switch layout {
	case LayoutDelimited:
		if d.Column == nil || *d.Column < 0 {
			v.addf("%s.%s: delimited fields need a non-negative column", tag, name)
			return FieldSpec{}, false
		}
		fs.Column = *d.Column
	default:
		start, length, err := parsePosition(d.Position)
		if err != nil {
			v.addf("%s.%s: %v", tag, name, err)
			return FieldSpec{}, false
		}
		fs.Start, fs.Length = start, length
	}

	switch fs.Kind {
	case KindString:
	case KindInteger:
		if layout == LayoutFixed && fs.Length > maxNumericDigits {
			v.addf("%s.%s: integer fields are limited to %d digits", tag, name, maxNumericDigits)
		}
	case KindDecimal:
		if fs.Scale < 0 || fs.Scale > maxNumericDigits {
			v.addf("%s.%s: scale %d out of range", tag, name, fs.Scale)
		}
		if layout == LayoutFixed && fs.Length > maxNumericDigits {
			v.addf("%s.%s: decimal fields are limited to %d digits", tag, name, maxNumericDigits)
		}
	case KindDate:
		if _, ok := DatePatterns[fs.Pattern]; !ok {
			v.addf("%s.%s: unsupported date pattern %q", tag, name, d.Pattern)
		}
	default:
		v.addf("%s.%s: unknown kind %q", tag, name, d.Kind)
	}
	if fs.Sign != nil && fs.Kind != KindDecimal {
		v.addf("%s.%s: sign is only supported on decimal fields", tag, name)
	}
	return fs, true
}

// crossFields checks ranges, aliases, sign references, and overlaps within one record type.
func (v *validator) crossFields(rt *RecordType, layout Layout) {
	for _, f := range rt.Fields {
		if layout == LayoutFixed && (f.Start < 0 || f.Length <= 0) {
			v.addf("%s.%s: start must be non-negative and length positive", rt.Tag, f.Name)
		}
		if layout == LayoutFixed && rt.MaxLength > 0 && f.End() > rt.MaxLength {
			v.addf("%s.%s: position %s exceeds max_length %d", rt.Tag, f.Name, f.Position(), rt.MaxLength)
		}
		if f.AliasOf != "" {
			if _, ok := rt.Field(f.AliasOf); !ok {
				v.addf("%s.%s: alias_of references unknown field %q", rt.Tag, f.Name, f.AliasOf)
			}
		}
		if f.Sign != nil {
			if f.Sign.Field == "" || len(f.Sign.Negative) == 0 || len(f.Sign.Positive) == 0 {
				v.addf("%s.%s: sign needs a field and at least one negative and one positive value", rt.Tag, f.Name)
			} else if _, ok := rt.Field(f.Sign.Field); !ok {
				v.addf("%s.%s: sign references unknown field %q", rt.Tag, f.Name, f.Sign.Field)
			}
		}
	}

	for i := 0; i < len(rt.Fields); i++ {
		for j := i + 1; j < len(rt.Fields); j++ {
			a, b := rt.Fields[i], rt.Fields[j]
			if !overlaps(a, b, layout) || aliased(a, b) {
				continue
			}
			v.addf("%s: fields %q and %q overlap", rt.Tag, a.Name, b.Name)
		}
	}
}

func overlaps(a, b FieldSpec, layout Layout) bool {
	if layout == LayoutDelimited {
		return a.Column == b.Column
	}
	return a.Start < b.End() && b.Start < a.End()
}

func aliased(a, b FieldSpec) bool {
	return a.AliasOf == b.Name || b.AliasOf == a.Name
}

func (v *validator) rollups(c *Catalog) {
	metrics := make(map[string]bool, len(c.hierarchy.Rollups))
	for _, r := range c.hierarchy.Rollups {
		if r.Metric == "" {
			v.addf("rollup with empty metric")
			continue
		}
		if metrics[r.Metric] {
			v.addf("rollup %q: duplicate metric", r.Metric)
		}
		metrics[r.Metric] = true

		rt, ok := c.types[r.Tag]
		if !ok {
			v.addf("rollup %q: unknown tag %q", r.Metric, r.Tag)
			continue
		}
		if rt.Role != RoleDetail && rt.Role != RoleExtension {
			v.addf("rollup %q: tag %s must be a detail or extension record", r.Metric, r.Tag)
		}
		f, ok := rt.Field(r.Field)
		if !ok {
			v.addf("rollup %q: unknown field %s.%s", r.Metric, r.Tag, r.Field)
			continue
		}
		if f.Kind != KindDecimal && f.Kind != KindInteger {
			v.addf("rollup %q: field %s.%s is not numeric", r.Metric, r.Tag, r.Field)
		}
	}
}
