package export

import (
	"bytes"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

func sampleResult() discrim.Result {
	return discrim.Result{
		RequestID: "req-1",
		Clusters:  []discrim.ClusterID{1, 2},
		Histograms: []discrim.Histogram{
			{K1: 1, K2: 1, Same: []float64{0.5, 1.5}},
			{K1: 2, K2: 1, Same: []float64{-2}, Other: []float64{1}, SameDerived: true},
			{K1: 1, K2: 2, Same: []float64{-1}, Other: []float64{2}},
			{K1: 2, K2: 2},
		},
	}
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.xlsx")
	require.NoError(t, WriteXLSX(path, sampleResult(), 10))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetSamples, SheetBins}, f.GetSheetList())

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	require.Len(t, summary, 5) // header + 4 pairs
	assert.Equal(t, "k1", summary[0][0])
	assert.Equal(t, "separation", summary[0][len(summary[0])-1])

	// row for 2/1: same derived from 1/2's other
	assert.Equal(t, []string{"2", "1", "1"}, summary[2][:3])
	assert.Equal(t, "TRUE", summary[2][6])
	assert.Equal(t, "FALSE", summary[2][11])

	samples, err := f.GetRows(SheetSamples)
	require.NoError(t, err)
	// header + 2 + 2 + 2 + 0 samples
	require.Len(t, samples, 7)
	assert.Equal(t, []string{"k1", "k2", "side", "value", "derived"}, samples[0])
	assert.Equal(t, []string{"1", "1", "same", "0.5", "FALSE"}, samples[1])
	assert.Equal(t, []string{"2", "1", "same", "-2", "TRUE"}, samples[3])
	assert.Equal(t, "other", samples[4][2])
}

func TestBinsSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bins.xlsx")
	require.NoError(t, WriteXLSX(path, sampleResult(), 4))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetBins)
	require.NoError(t, err)
	require.Len(t, rows, 5) // header + 4 bins
	assert.Equal(t, "1/1 same", rows[0][2])
	assert.Equal(t, "2/2 other", rows[0][9])

	// every sample of 1/1 same lands in some bin
	total := 0.0
	for _, r := range rows[1:] {
		v, err := strconv.ParseFloat(r[2], 64)
		require.NoError(t, err)
		total += v
	}
	assert.Equal(t, 2.0, total)

	low, err := strconv.ParseFloat(rows[1][0], 64)
	require.NoError(t, err)
	assert.Equal(t, -2.0, low)
}

func TestWriteStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleResult(), 0))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetBins)
	require.NoError(t, err)
	assert.Len(t, rows, discrim.DefaultBins+1)
}

func TestEmptyResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, WriteXLSX(path, discrim.Result{RequestID: "none"}, 5))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	assert.Len(t, summary, 1)
}

func TestSummaryInfiniteSeparation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleResult(), 4))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	require.Len(t, summary, 5)
	last := len(summary[0]) - 1

	// 1/2 has one sample per side at different values
	assert.Equal(t, []string{"1", "2"}, summary[3][:2])
	assert.Equal(t, "inf", summary[3][last])
	// 1/1 has no other side
	assert.Equal(t, "0", summary[1][last])
}
