package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tddf-cli/internal/catalog"
)

func TestFixedOffset(t *testing.T) {
	c := FixedOffset{Start: 0, Length: 2}

	tests := []struct {
		name string
		line string
		want Result
	}{
		{"header", "BH1234567890", Result{Tag: "BH", OK: true}},
		{"exact length", "DT", Result{Tag: "DT", OK: true}},
		{"one byte", "B", Unclassified},
		{"empty", "", Unclassified},
		{"blank tag", "  1234", Unclassified},
		{"padded tag", "E 99", Result{Tag: "E", OK: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.line))
		})
	}
}

func TestFixedOffset_TDDFPosition(t *testing.T) {
	c := FixedOffset{Start: 17, Length: 2}
	line := strings.Repeat("0", 17) + "DT0123"
	assert.Equal(t, Result{Tag: "DT", OK: true}, c.Classify(line))
	assert.Equal(t, Unclassified, c.Classify(line[:18]))
}

func TestDelimited(t *testing.T) {
	c := Delimited{Delimiter: ",", Column: 1}

	assert.Equal(t, Result{Tag: "DT", OK: true}, c.Classify("7, DT ,12.50"))
	assert.Equal(t, Result{Tag: "DT", OK: true}, c.Classify("7,DT"))
	assert.Equal(t, Unclassified, c.Classify("7"))
	assert.Equal(t, Unclassified, c.Classify("7,,12.50"))
	assert.Equal(t, Unclassified, Delimited{Column: 0}.Classify("DT"))
}

func TestFromFormat(t *testing.T) {
	c, err := FromFormat(catalog.Format{Layout: catalog.LayoutFixed, TagStart: 17, TagLength: 2})
	require.NoError(t, err)
	assert.Equal(t, FixedOffset{Start: 17, Length: 2}, c)

	c, err = FromFormat(catalog.Format{Layout: catalog.LayoutDelimited, Delimiter: "\t", TagColumn: 3})
	require.NoError(t, err)
	assert.Equal(t, Delimited{Delimiter: "\t", Column: 3}, c)

	_, err = FromFormat(catalog.Format{Layout: catalog.LayoutFixed})
	assert.Error(t, err)
	_, err = FromFormat(catalog.Format{Layout: catalog.LayoutDelimited})
	assert.Error(t, err)
	_, err = FromFormat(catalog.Format{Layout: "xml"})
	assert.Error(t, err)
}
