package api

import (
	"github.com/sells-group/tddf-cli/internal/catalog"
)

type catalogView struct {
	Version     string           `json:"version"`
	Layout      string           `json:"layout"`
	RecordTypes []recordTypeView `json:"record_types"`
	Rollups     []rollupView     `json:"rollups"`
}

type recordTypeView struct {
	Tag         string      `json:"tag"`
	Description string      `json:"description"`
	Role        string      `json:"role"`
	MaxLength   int         `json:"max_length,omitempty"`
	Fields      []fieldView `json:"fields"`
}

type fieldView struct {
	Name      string `json:"name"`
	Position  string `json:"position,omitempty"`
	Column    *int   `json:"column,omitempty"`
	Kind      string `json:"kind"`
	Scale     int    `json:"scale,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	AliasOf   string `json:"alias_of,omitempty"`
	SignField string `json:"sign_field,omitempty"`
}

type rollupView struct {
	Metric      string `json:"metric"`
	Tag         string `json:"tag"`
	Field       string `json:"field"`
	NonNegative bool   `json:"non_negative,omitempty"`
}

func newCatalogView(c *catalog.Catalog) catalogView {
	layout := c.Format().Layout
	v := catalogView{Version: c.Version(), Layout: string(layout)}
	for _, tag := range c.Tags() {
		rt, err := c.Lookup(tag)
		if err != nil {
			continue
		}
		rv := recordTypeView{
			Tag:         rt.Tag,
			Description: rt.Description,
			Role:        string(rt.Role),
			MaxLength:   rt.MaxLength,
		}
		for _, f := range rt.Fields {
			fv := fieldView{
				Name:    f.Name,
				Kind:    string(f.Kind),
				Scale:   f.Scale,
				Pattern: f.Pattern,
				AliasOf: f.AliasOf,
			}
			if layout == catalog.LayoutDelimited {
				col := f.Column
				fv.Column = &col
			} else {
				fv.Position = f.Position()
			}
			if f.Sign != nil {
				fv.SignField = f.Sign.Field
			}
			rv.Fields = append(rv.Fields, fv)
		}
		v.RecordTypes = append(v.RecordTypes, rv)
	}
	for _, r := range c.Hierarchy().Rollups {
		v.Rollups = append(v.Rollups, rollupView(r))
	}
	return v
}
