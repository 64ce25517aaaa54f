package catalog

import (
	_ "embed"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed tddf.yaml
var defaultDefinition []byte

// DatePatterns maps supported date input patterns to Go time layouts.
var DatePatterns = map[string]string{
	"MMDDCCYY":   "01022006",
	"CCYYMMDD":   "20060102",
	"MMDDYY":     "010206",
	"YYMMDD":     "060102",
	"CCYY-MM-DD": "2006-01-02",
}

// maxNumericDigits keeps integer and decimal fields within int64.
const maxNumericDigits = 18

type fileDoc struct {
	Version      string      `yaml:"version"`
	Format       formatDoc   `yaml:"format"`
	CommonFields []fieldDoc  `yaml:"common_fields"`
	Hierarchy    hierDoc     `yaml:"hierarchy"`
	RecordTypes  []recordDoc `yaml:"record_types"`
}

type formatDoc struct {
	Layout      string `yaml:"layout"`
	TagPosition string `yaml:"tag_position"`
	Delimiter   string `yaml:"delimiter"`
	TagColumn   *int   `yaml:"tag_column"`
}

type hierDoc struct {
	Rollups []rollupDoc `yaml:"rollups"`
}

type rollupDoc struct {
	Metric      string `yaml:"metric"`
	Tag         string `yaml:"tag"`
	Field       string `yaml:"field"`
	NonNegative bool   `yaml:"non_negative"`
}

type recordDoc struct {
	Tag         string     `yaml:"tag"`
	Description string     `yaml:"description"`
	Role        string     `yaml:"role"`
	MaxLength   int        `yaml:"max_length"`
	SkipCommon  bool       `yaml:"skip_common"`
	Fields      []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name     string   `yaml:"name"`
	Position string   `yaml:"position"`
	Column   *int     `yaml:"column"`
	Kind     string   `yaml:"kind"`
	Scale    int      `yaml:"scale"`
	Pattern  string   `yaml:"pattern"`
	AliasOf  string   `yaml:"alias_of"`
	Sign     *signDoc `yaml:"sign"`
}

type signDoc struct {
	Field    string   `yaml:"field"`
	Negative []string `yaml:"negative"`
	Positive []string `yaml:"positive"`
}

// Default returns the built-in TDDF catalog.
func Default() (*Catalog, error) {
	c, err := Parse(defaultDefinition)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: load built-in definition")
	}
	return c, nil
}

// Load reads a catalog definition from a YAML file. An empty path loads the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: load %s", path)
	}
	return c, nil
}

// Parse builds and validates a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}

	v := &validator{}
	c := &Catalog{
		version: doc.Version,
		types:   make(map[string]*RecordType, len(doc.RecordTypes)),
	}
	if c.version == "" {
		c.version = "unversioned"
	}

	c.format = v.format(doc.Format)

	for _, rd := range doc.RecordTypes {
		rt := v.recordType(rd, doc.CommonFields, c.format.Layout)
		if rt == nil {
			continue
		}
		if _, dup := c.types[rt.Tag]; dup {
			v.addf("duplicate record type tag %q", rt.Tag)
			continue
		}
		c.types[rt.Tag] = rt
		c.order = append(c.order, rt.Tag)
	}

	for _, r := range doc.Hierarchy.Rollups {
		c.hierarchy.Rollups = append(c.hierarchy.Rollups, RollupSpec(r))
	}
	v.rollups(c)

	if len(v.problems) > 0 {
		return nil, &ValidationError{Problems: v.problems}
	}
	return c, nil
}

// New builds a catalog from already-constructed definitions, applying the same
// cross-field and hierarchy checks as Parse.
func New(version string, format Format, hierarchy Hierarchy, types ...RecordType) (*Catalog, error) {
	v := &validator{}
	c := &Catalog{
		version:   version,
		format:    format,
		hierarchy: hierarchy,
		types:     make(map[string]*RecordType, len(types)),
	}
	if c.format.Layout == "" {
		c.format.Layout = LayoutFixed
	}
	for i := range types {
		rt := types[i]
		rt.Fields = append([]FieldSpec(nil), rt.Fields...)
		if rt.Role == "" {
			rt.Role = RoleOther
		}
		if _, dup := c.types[rt.Tag]; dup || rt.Tag == "" {
			v.addf("duplicate or empty record type tag %q", rt.Tag)
			continue
		}
		v.crossFields(&rt, c.format.Layout)
		c.types[rt.Tag] = &rt
		c.order = append(c.order, rt.Tag)
	}
	v.rollups(c)
	if len(v.problems) > 0 {
		return nil, &ValidationError{Problems: v.problems}
	}
	return c, nil
}

// parsePosition converts a 1-based inclusive range such as "93-103" or "216"
// into a 0-based start offset and length.
func parsePosition(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	lo, hi, found := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, eris.Errorf("bad position %q", s)
	}
	end := start
	if found {
		end, err = strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return 0, 0, eris.Errorf("bad position %q", s)
		}
	}
	if start < 1 || end < start {
		return 0, 0, eris.Errorf("bad position %q", s)
	}
	return start - 1, end - start + 1, nil
}
