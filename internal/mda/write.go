package mda

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Write encodes a row-major matrix (rows[i][j] is row i, column j) as a
// two-dimensional artifact of the given element type.
func Write(w io.Writer, dtype DType, rows [][]float64) error {
	size := dtype.Size()
	if size == 0 {
		return fmt.Errorf("write: unsupported element type %s", dtype)
	}
	n1 := len(rows)
	n2 := 0
	if n1 > 0 {
		n2 = len(rows[0])
	}
	for i, row := range rows {
		if len(row) != n2 {
			return fmt.Errorf("write: row %d has %d columns, want %d", i, len(row), n2)
		}
	}

	bw := bufio.NewWriter(w)
	header := []int32{int32(dtype), int32(size), 2, int32(n1), int32(n2)}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, size)
	for j := 0; j < n2; j++ {
		for i := 0; i < n1; i++ {
			dtype.encode(buf, rows[i][j])
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("write entry (%d,%d): %w", i, j, err)
			}
		}
	}
	return bw.Flush()
}

// WriteFile writes the matrix to path, replacing any existing file.
func WriteFile(path string, dtype DType, rows [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(f, dtype, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Columns converts worker samples into the 4-row matrix layout:
// k1, k2, k0, value.
func Columns(samples [][4]float64) [][]float64 {
	rows := make([][]float64, MinRows)
	for i := range rows {
		rows[i] = make([]float64, len(samples))
	}
	for j, s := range samples {
		for i := 0; i < MinRows; i++ {
			rows[i][j] = s[i]
		}
	}
	return rows
}
