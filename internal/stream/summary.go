package stream

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/tddf-cli/internal/aggregate"
	"github.com/sells-group/tddf-cli/internal/decode"
)

// Summary reports what one stream produced.
type Summary struct {
	SourceID            string                     `json:"source_id"`
	TotalRecords        int                        `json:"total_records"`
	BlankLines          int                        `json:"blank_lines"`
	RecordsWithWarnings int                        `json:"records_with_warnings"`
	TotalWarnings       int                        `json:"total_warnings"`
	ByTag               map[string]int             `json:"by_tag"`
	WarningsByCode      map[string]int             `json:"warnings_by_code"`
	Unclassified        int                        `json:"unclassified"`
	UnknownType         int                        `json:"unknown_type"`
	Groups              int                        `json:"groups"`
	Singletons          int                        `json:"singletons"`
	Rollups             map[string]decimal.Decimal `json:"rollups"`
	Inconsistency       string                     `json:"inconsistency,omitempty"`
}

func newSummary(sourceID string) Summary {
	return Summary{
		SourceID:       sourceID,
		ByTag:          map[string]int{},
		WarningsByCode: map[string]int{},
		Rollups:        map[string]decimal.Decimal{},
	}
}

func (s *Summary) addRecord(rec decode.DecodedRecord) {
	s.TotalRecords++
	switch rec.Status {
	case decode.StatusUnclassified:
		s.Unclassified++
	case decode.StatusUnknownType:
		s.UnknownType++
	}
	if rec.Tag != "" {
		s.ByTag[rec.Tag]++
	}
	if rec.HasWarnings() {
		s.RecordsWithWarnings++
		s.TotalWarnings += len(rec.Warnings)
		for _, w := range rec.Warnings {
			s.WarningsByCode[string(w.Code)]++
		}
	}
}

func (s *Summary) addGroup(g aggregate.BatchGroup) {
	s.Groups++
	if g.Singleton() {
		s.Singletons++
	}
	for metric, v := range g.Rollups {
		if cur, ok := s.Rollups[metric]; ok {
			s.Rollups[metric] = cur.Add(v)
		} else {
			s.Rollups[metric] = v
		}
	}
}

// WarningRate is the share of records that carry at least one warning.
func (s Summary) WarningRate() float64 {
	if s.TotalRecords == 0 {
		return 0
	}
	return float64(s.RecordsWithWarnings) / float64(s.TotalRecords)
}

// UnclassifiedRate is the share of records that could not be typed.
func (s Summary) UnclassifiedRate() float64 {
	if s.TotalRecords == 0 {
		return 0
	}
	return float64(s.Unclassified+s.UnknownType) / float64(s.TotalRecords)
}
