// Package aggregate groups decoded records into batches and maintains rollups.
package aggregate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sells-group/tddf-cli/internal/catalog"
	"github.com/sells-group/tddf-cli/internal/decode"
)

// BatchGroup is one header with its child records, or a singleton holding a
// record that belongs to no batch.
type BatchGroup struct {
	Header       *decode.DecodedRecord      `json:"header,omitempty"`
	Children     []decode.DecodedRecord     `json:"children"`
	Rollups      map[string]decimal.Decimal `json:"rollups"`
	Counts       map[string]int             `json:"counts"`
	Unclassified bool                       `json:"unclassified,omitempty"`
}

// Singleton reports whether the group was emitted without a header.
func (g BatchGroup) Singleton() bool {
	return g.Header == nil
}

// Records returns the header (if any) followed by the children.
func (g BatchGroup) Records() []decode.DecodedRecord {
	out := make([]decode.DecodedRecord, 0, len(g.Children)+1)
	if g.Header != nil {
		out = append(out, *g.Header)
	}
	return append(out, g.Children...)
}

// Lines returns the first and last input line numbers covered by the group.
func (g BatchGroup) Lines() (first, last int) {
	recs := g.Records()
	if len(recs) == 0 {
		return 0, 0
	}
	return recs[0].LineNumber, recs[len(recs)-1].LineNumber
}

// InconsistentStateError reports a rollup that broke its declared invariant.
// It is terminal for the stream being aggregated.
type InconsistentStateError struct {
	SourceID   string
	LineNumber int
	Metric     string
	Value      decimal.Decimal
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("aggregate: rollup %q went negative (%s) at %s line %d",
		e.Metric, decode.FormatAmount(e.Value), e.SourceID, e.LineNumber)
}

type state int

const (
	awaitingHeader state = iota
	inBatch
)

// Aggregator is the per-stream batching state machine. It is not safe for
// concurrent use; each stream owns its own Aggregator.
type Aggregator struct {
	roles map[string]catalog.Role
	acc   accumulator
	state state
	open  *BatchGroup
	err   error
}

// New returns an Aggregator in the awaiting-header state.
func New(c *catalog.Catalog) *Aggregator {
	return &Aggregator{
		roles: c.Roles(),
		acc:   newAccumulator(c),
	}
}

// Add feeds one record and returns the groups it closed, in emission order.
// Once an InconsistentStateError is returned every later call returns it too.
func (a *Aggregator) Add(rec decode.DecodedRecord) ([]BatchGroup, error) {
	if a.err != nil {
		return nil, a.err
	}

	if rec.Status != decode.StatusDecoded {
		g, err := a.singleton(rec, rec.Status == decode.StatusUnclassified)
		if err != nil {
			return nil, err
		}
		return []BatchGroup{g}, nil
	}

	switch a.roles[rec.Tag] {
	case catalog.RoleHeader:
		var closed []BatchGroup
		if a.state == inBatch {
			closed = append(closed, *a.open)
		}
		header := rec
		a.open = &BatchGroup{
			Header:   &header,
			Children: []decode.DecodedRecord{},
			Rollups:  a.acc.zero(),
			Counts:   map[string]int{},
		}
		a.state = inBatch
		return closed, nil

	case catalog.RoleDetail, catalog.RoleExtension:
		if a.state == awaitingHeader {
			g, err := a.singleton(rec, false)
			if err != nil {
				return nil, err
			}
			return []BatchGroup{g}, nil
		}
		if err := a.acc.add(a.open, rec); err != nil {
			a.err = err
			return nil, err
		}
		return nil, nil

	default:
		g, err := a.singleton(rec, false)
		if err != nil {
			return nil, err
		}
		return []BatchGroup{g}, nil
	}
}

// Flush closes the open batch at end of input.
func (a *Aggregator) Flush() ([]BatchGroup, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.state != inBatch {
		return nil, nil
	}
	g := *a.open
	a.open = nil
	a.state = awaitingHeader
	return []BatchGroup{g}, nil
}

func (a *Aggregator) singleton(rec decode.DecodedRecord, unclassified bool) (BatchGroup, error) {
	g := BatchGroup{
		Children:     []decode.DecodedRecord{},
		Rollups:      a.acc.zero(),
		Counts:       map[string]int{},
		Unclassified: unclassified,
	}
	if err := a.acc.add(&g, rec); err != nil {
		a.err = err
		return BatchGroup{}, err
	}
	return g, nil
}

// Aggregate runs a fresh Aggregator over records and flushes it, so repeated
// calls over the same input produce identical groups.
func Aggregate(c *catalog.Catalog, records []decode.DecodedRecord) ([]BatchGroup, error) {
	a := New(c)
	var groups []BatchGroup
	for _, rec := range records {
		closed, err := a.Add(rec)
		if err != nil {
			return groups, err
		}
		groups = append(groups, closed...)
	}
	closed, err := a.Flush()
	if err != nil {
		return groups, err
	}
	return append(groups, closed...), nil
}
