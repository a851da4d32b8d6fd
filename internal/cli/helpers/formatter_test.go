package helpers

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statsRow struct {
	File  string `header:"File"`
	Kept  int    `header:"Kept"`
	Extra string // No header tag, should be ignored
}

var sampleRows = []statsRow{
	{File: "a.o", Kept: 12, Extra: "ignored"},
	{File: "b.o", Kept: 3, Extra: "ignored"},
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		format  OutputFormat
		wantErr bool
	}{
		{name: "table formatter", format: FormatTable},
		{name: "json formatter", format: FormatJSON},
		{name: "csv formatter", format: FormatCSV},
		{name: "unsupported format", format: OutputFormat("yaml"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFormatter(tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestJSONFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Format(sampleRows, &buf))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "a.o", decoded[0]["File"])
}

func TestTableFormatter_Format(t *testing.T) {
	t.Run("slice of structs", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, (&TableFormatter{}).Format(sampleRows, &buf))
		out := buf.String()
		for _, want := range []string{"File", "Kept", "a.o", "12", "b.o", "3"} {
			assert.Contains(t, out, want)
		}
		assert.NotContains(t, out, "ignored")
	})

	t.Run("empty slice", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, (&TableFormatter{}).Format([]statsRow{}, &buf))
		assert.Empty(t, buf.String())
	})

	t.Run("non-slice data", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Error(t, (&TableFormatter{}).Format(sampleRows[0], &buf))
	})
}

func TestCSVFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&CSVFormatter{}).Format(sampleRows, &buf))
	assert.Equal(t, "File,Kept\na.o,12\nb.o,3\n", buf.String())

	assert.Error(t, (&CSVFormatter{}).Format(statsRow{}, &buf))
}

func TestValidateFormat(t *testing.T) {
	supported := []OutputFormat{FormatTable, FormatJSON}
	assert.NoError(t, ValidateFormat("json", supported))

	err := ValidateFormat("csv", supported)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table, json")
}
