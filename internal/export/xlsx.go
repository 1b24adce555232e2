// Package export writes computation results to spreadsheets.
package export

import (
	"fmt"
	"io"
	"math"

	"github.com/xuri/excelize/v2"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// Sheet names.
const (
	SheetSummary = "Summary"
	SheetSamples = "Samples"
	SheetBins    = "Bins"
)

var summaryHeaders = []any{
	"k1", "k2",
	"same_count", "same_mean", "same_median", "same_stddev", "same_derived",
	"other_count", "other_mean", "other_median", "other_stddev", "other_derived",
	"separation",
}

// WriteXLSX writes res to path. numBins <= 0 uses discrim.DefaultBins.
func WriteXLSX(path string, res discrim.Result, numBins int) error {
	f, err := build(res, numBins)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Write streams the workbook for res to w.
func Write(w io.Writer, res discrim.Result, numBins int) error {
	f, err := build(res, numBins)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteTo(w)
	return err
}

func build(res discrim.Result, numBins int) (*excelize.File, error) {
	f := excelize.NewFile()

	// The default sheet becomes Summary so it opens first.
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, res); err != nil {
		f.Close()
		return nil, fmt.Errorf("summary sheet: %w", err)
	}
	if err := writeSamples(f, res); err != nil {
		f.Close()
		return nil, fmt.Errorf("samples sheet: %w", err)
	}
	if err := writeBins(f, res, numBins); err != nil {
		f.Close()
		return nil, fmt.Errorf("bins sheet: %w", err)
	}
	return f, nil
}

func writeSummary(f *excelize.File, res discrim.Result) error {
	if err := setRow(f, SheetSummary, 1, summaryHeaders); err != nil {
		return err
	}
	for i, s := range discrim.SummarizeAll(res) {
		h := res.Histograms[i]
		row := []any{
			int(h.K1), int(h.K2),
			s.Same.Count, s.Same.Mean, s.Same.Median, s.Same.StdDev, h.SameDerived,
			s.Other.Count, s.Other.Mean, s.Other.Median, s.Other.StdDev, h.OtherDerived,
			separationCell(s.Separation),
		}
		if err := setRow(f, SheetSummary, i+2, row); err != nil {
			return err
		}
	}
	return f.SetPanes(SheetSummary, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// writeSamples uses the stream writer: a result can hold millions of samples.
func writeSamples(f *excelize.File, res discrim.Result) error {
	if _, err := f.NewSheet(SheetSamples); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(SheetSamples)
	if err != nil {
		return err
	}

	row := 1
	if err := sw.SetRow("A1", []any{"k1", "k2", "side", "value", "derived"}); err != nil {
		return err
	}
	for _, h := range res.Histograms {
		for _, side := range []struct {
			name    string
			values  []float64
			derived bool
		}{
			{"same", h.Same, h.SameDerived},
			{"other", h.Other, h.OtherDerived},
		} {
			for _, v := range side.values {
				row++
				cell, err := excelize.CoordinatesToCellName(1, row)
				if err != nil {
					return err
				}
				if err := sw.SetRow(cell, []any{int(h.K1), int(h.K2), side.name, v, side.derived}); err != nil {
					return err
				}
			}
		}
	}
	return sw.Flush()
}

// writeBins lays every histogram out on the shared bin grid, one column
// per pair and side.
func writeBins(f *excelize.File, res discrim.Result, numBins int) error {
	if _, err := f.NewSheet(SheetBins); err != nil {
		return err
	}
	layout := discrim.NewLayout(res.Histograms, numBins)
	div := layout.Dividers()

	header := []any{"bin_low", "bin_high"}
	cols := make([][]float64, 0, 2*len(res.Histograms))
	for _, h := range res.Histograms {
		header = append(header, h.Pair().String()+" same", h.Pair().String()+" other")
		cols = append(cols, layout.Bin(h.Same), layout.Bin(h.Other))
	}
	if err := setRow(f, SheetBins, 1, header); err != nil {
		return err
	}

	for b := 0; b < layout.NumBins; b++ {
		row := make([]any, 0, len(header))
		row = append(row, div[b], div[b+1])
		for _, c := range cols {
			row = append(row, c[b])
		}
		if err := setRow(f, SheetBins, b+2, row); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// separationCell keeps infinite separations out of numeric cells.
func separationCell(v float64) any {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return v
}
