// Package catalog holds the static record-type definitions used to decode TDDF lines.
package catalog

import (
	"fmt"
	"sort"
)

// Kind is the decode rule applied to a field's raw substring.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindDecimal Kind = "decimal"
	KindDate    Kind = "date"
)

// Role places a record type in the batch hierarchy.
type Role string

const (
	RoleHeader    Role = "header"
	RoleDetail    Role = "detail"
	RoleExtension Role = "extension"
	RoleOther     Role = "other"
)

// Layout selects how lines of an input format are split.
type Layout string

const (
	LayoutFixed     Layout = "fixed"
	LayoutDelimited Layout = "delimited"
)

// Sign reads a decimal field's sign from a sibling indicator field. Indicators
// are compared trimmed and case-insensitively; an empty entry matches a blank
// indicator. A value in neither list leaves the field undecoded.
type Sign struct {
	Field    string
	Negative []string
	Positive []string
}

// FieldSpec describes one field within a record type.
type FieldSpec struct {
	Name    string
	Start   int // 0-based byte offset (fixed layouts)
	Length  int
	Column  int // 0-based column index (delimited layouts)
	Kind    Kind
	Scale   int    // implied decimal places for KindDecimal
	Pattern string // input pattern for KindDate, e.g. MMDDCCYY
	AliasOf string // field sharing this field's bytes
	Sign    *Sign
}

// End returns the exclusive end offset of the field.
func (f FieldSpec) End() int {
	return f.Start + f.Length
}

// Position renders the field's 1-based inclusive byte range, e.g. "93-103".
func (f FieldSpec) Position() string {
	return fmt.Sprintf("%d-%d", f.Start+1, f.End())
}

// RecordType identifies one record type and its ordered fields.
type RecordType struct {
	Tag         string
	Description string
	Role        Role
	MaxLength   int
	Fields      []FieldSpec
}

// Field returns the named field spec.
func (r *RecordType) Field(name string) (FieldSpec, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Format describes how record type tags are located in a line.
type Format struct {
	Layout    Layout
	TagStart  int
	TagLength int
	Delimiter string
	TagColumn int
}

// RollupSpec sums a child field into a batch-level metric.
type RollupSpec struct {
	Metric      string
	Tag         string
	Field       string
	NonNegative bool
}

// Hierarchy configures batch grouping.
type Hierarchy struct {
	Rollups []RollupSpec
}

// Catalog maps record type tags to their definitions. It is immutable once built.
type Catalog struct {
	version   string
	format    Format
	hierarchy Hierarchy
	types     map[string]*RecordType
	order     []string
}

// Version returns the catalog's declared version.
func (c *Catalog) Version() string { return c.version }

// Format returns the input format description.
func (c *Catalog) Format() Format { return c.format }

// Hierarchy returns the batch grouping configuration.
func (c *Catalog) Hierarchy() Hierarchy { return c.hierarchy }

// Lookup returns the definition for tag or a *NotFoundError.
func (c *Catalog) Lookup(tag string) (*RecordType, error) {
	rt, ok := c.types[tag]
	if !ok {
		return nil, &NotFoundError{Tag: tag}
	}
	return rt, nil
}

// Tags returns all known tags in definition order.
func (c *Catalog) Tags() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Roles returns the role of every known tag.
func (c *Catalog) Roles() map[string]Role {
	out := make(map[string]Role, len(c.types))
	for tag, rt := range c.types {
		out[tag] = rt.Role
	}
	return out
}

// TagsByRole returns the sorted tags having role r.
func (c *Catalog) TagsByRole(r Role) []string {
	var out []string
	for tag, rt := range c.types {
		if rt.Role == r {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}
