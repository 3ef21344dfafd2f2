package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeUsage(t *testing.T) {
	usage := map[string]int64{
		"openai/gpt-oss-120b":          4,
		"google/gemini-2.5-flash-lite": 10,
	}
	costs := map[string]float64{"openai/gpt-oss-120b": 0.00765}

	rows, totals := SummarizeUsage(usage, costs)
	require.Len(t, rows, 2)
	assert.Equal(t, "google/gemini-2.5-flash-lite", rows[0].Model)
	assert.False(t, rows[0].Paid)
	assert.Zero(t, rows[0].Cost)
	assert.True(t, rows[1].Paid)
	assert.InDelta(t, 0.0306, rows[1].Cost, 1e-9)

	assert.Equal(t, int64(10), totals.Free)
	assert.Equal(t, int64(4), totals.Paid)
	assert.InDelta(t, 0.0306, totals.Cost, 1e-9)
}

func TestSummarizeUsageEmpty(t *testing.T) {
	rows, totals := SummarizeUsage(nil, nil)
	assert.Empty(t, rows)
	assert.Equal(t, UsageTotals{}, totals)
}
