package aggregate

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/tddf-cli/internal/catalog"
	"github.com/sells-group/tddf-cli/internal/decode"
)

// accumulator is the single path through which children update rollups.
type accumulator struct {
	rollups []catalog.RollupSpec
	scales  map[string]int32
}

func newAccumulator(c *catalog.Catalog) accumulator {
	acc := accumulator{
		rollups: c.Hierarchy().Rollups,
		scales:  make(map[string]int32),
	}
	for _, r := range acc.rollups {
		if rt, err := c.Lookup(r.Tag); err == nil {
			if f, ok := rt.Field(r.Field); ok && f.Kind == catalog.KindDecimal {
				acc.scales[r.Metric] = int32(f.Scale)
			}
		}
	}
	return acc
}

func (acc accumulator) zero() map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(acc.rollups))
	for _, r := range acc.rollups {
		m[r.Metric] = decimal.New(0, -acc.scales[r.Metric])
	}
	return m
}

// add appends rec to g and folds its numeric fields into g's rollups. A
// child missing the rolled-up field contributes nothing.
func (acc accumulator) add(g *BatchGroup, rec decode.DecodedRecord) error {
	g.Children = append(g.Children, rec)
	if rec.Tag != "" {
		g.Counts[rec.Tag]++
	}

	for _, r := range acc.rollups {
		if r.Tag != rec.Tag {
			continue
		}
		v, ok := rec.Fields.Get(r.Field)
		if !ok {
			continue
		}
		n, ok := v.Numeric()
		if !ok {
			continue
		}
		sum := g.Rollups[r.Metric].Add(n)
		g.Rollups[r.Metric] = sum
		if r.NonNegative && sum.IsNegative() {
			return &InconsistentStateError{
				SourceID:   rec.SourceID,
				LineNumber: rec.LineNumber,
				Metric:     r.Metric,
				Value:      sum,
			}
		}
	}
	return nil
}

// Dedupe drops repeated children within each group, keeping the first
// occurrence per identity key, and rebuilds rollups and counts. Groups are
// not merged and their order is kept.
func Dedupe(c *catalog.Catalog, groups []BatchGroup, identity func(decode.DecodedRecord) string) ([]BatchGroup, error) {
	acc := newAccumulator(c)
	out := make([]BatchGroup, 0, len(groups))
	for _, g := range groups {
		rebuilt := BatchGroup{
			Header:       g.Header,
			Children:     make([]decode.DecodedRecord, 0, len(g.Children)),
			Rollups:      acc.zero(),
			Counts:       map[string]int{},
			Unclassified: g.Unclassified,
		}
		seen := make(map[string]bool, len(g.Children))
		for _, child := range g.Children {
			key := identity(child)
			if seen[key] {
				continue
			}
			seen[key] = true
			if err := acc.add(&rebuilt, child); err != nil {
				return out, err
			}
		}
		out = append(out, rebuilt)
	}
	return out, nil
}
