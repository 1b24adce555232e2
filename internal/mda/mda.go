// Package mda reads and writes the flat binary matrices produced by the
// discriminant histogram processor.
//
// Layout (little endian): int32 dtype code, int32 bytes per entry, int32
// dimension count (negative when dimensions are stored as int64), the
// dimensions, then the entries in column-major order.
package mda

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// DType is an on-disk element type, identified by its header code.
type DType int32

const (
	Uint8   DType = -2
	Float32 DType = -3
	Int16   DType = -4
	Int32   DType = -5
	Uint16  DType = -6
	Float64 DType = -7
	Uint32  DType = -8
)

// MinRows is the row count every result artifact must have: k1, k2, k0, value.
const MinRows = 4

const maxDims = 50

// Size returns the entry width in bytes, or 0 for unknown codes.
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Uint16:
		return "uint16"
	case Float64:
		return "float64"
	case Uint32:
		return "uint32"
	}
	return fmt.Sprintf("dtype(%d)", int32(d))
}

// ParseDType maps a name such as "float32" to its DType.
func ParseDType(name string) (DType, error) {
	for _, d := range []DType{Uint8, Float32, Int16, Int32, Uint16, Float64, Uint32} {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown element type %q", name)
}

// decode widens one little-endian entry to float64.
func (d DType) decode(b []byte) float64 {
	switch d {
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return math.NaN()
}

// encode narrows v into b.
func (d DType) encode(b []byte, v float64) {
	switch d {
	case Uint8:
		b[0] = uint8(v)
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// Header describes an artifact's element type and shape.
type Header struct {
	DType DType
	Dims  []int64
}

// N1 is the row count (first dimension).
func (h Header) N1() int64 {
	if len(h.Dims) == 0 {
		return 0
	}
	return h.Dims[0]
}

// N2 is the column count: the product of every dimension after the first.
func (h Header) N2() int64 {
	n := int64(1)
	for _, d := range h.Dims[1:] {
		n *= d
	}
	return n
}

// Reader is an open artifact positioned at the first column.
type Reader struct {
	f      *os.File
	r      *bufio.Reader
	header Header
	used   bool
}

// formatError wraps a format problem as an artifact-format StageError.
func formatError(path string, format string, args ...any) error {
	err := fmt.Errorf("%s: %s: %w", path, fmt.Sprintf(format, args...), discrim.ErrArtifactFormat)
	return discrim.NewStageError(discrim.KindArtifactFormat, "read", err)
}

// Open opens the artifact at path and validates its header against the
// declared element type. Pass 0 to accept whatever type the header names.
func Open(path string, declared DType) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, discrim.NewStageError(discrim.KindArtifactFormat, "read",
			fmt.Errorf("open artifact: %v: %w", err, discrim.ErrArtifactFormat))
	}

	br := bufio.NewReaderSize(f, 64*1024)
	h, headerLen, err := readHeader(br)
	if err != nil {
		f.Close()
		return nil, formatError(path, "%v", err)
	}
	if declared != 0 && h.DType != declared {
		f.Close()
		return nil, formatError(path, "element type %s, declared %s", h.DType, declared)
	}
	if h.N1() < MinRows {
		f.Close()
		return nil, formatError(path, "%d rows, need at least %d", h.N1(), MinRows)
	}
	if err := checkSize(f, h, headerLen); err != nil {
		f.Close()
		return nil, formatError(path, "%v", err)
	}

	return &Reader{f: f, r: br, header: h}, nil
}

// readHeader parses the header and returns it with its length in bytes.
func readHeader(r io.Reader) (Header, int64, error) {
	var fields [3]int32
	if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
		return Header{}, 0, fmt.Errorf("read header: %v", err)
	}
	dtype, width, ndims := DType(fields[0]), fields[1], fields[2]

	if dtype.Size() == 0 {
		return Header{}, 0, fmt.Errorf("unsupported element type code %d", fields[0])
	}
	if int(width) != dtype.Size() {
		return Header{}, 0, fmt.Errorf("%s entries declared as %d bytes", dtype, width)
	}

	wide := ndims < 0
	if wide {
		ndims = -ndims
	}
	if ndims < 1 || ndims > maxDims {
		return Header{}, 0, fmt.Errorf("invalid dimension count %d", ndims)
	}

	dimSize := int64(4)
	if wide {
		dimSize = 8
	}
	dims := make([]int64, ndims)
	for i := range dims {
		if wide {
			if err := binary.Read(r, binary.LittleEndian, &dims[i]); err != nil {
				return Header{}, 0, fmt.Errorf("read dimension %d: %v", i, err)
			}
		} else {
			var d int32
			if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
				return Header{}, 0, fmt.Errorf("read dimension %d: %v", i, err)
			}
			dims[i] = int64(d)
		}
		if dims[i] < 0 {
			return Header{}, 0, fmt.Errorf("negative dimension %d", dims[i])
		}
	}
	return Header{DType: dtype, Dims: dims}, 12 + int64(ndims)*dimSize, nil
}

// checkSize rejects headers whose shape overflows or needs more bytes than
// the file holds after the header.
func checkSize(f *os.File, h Header, headerLen int64) error {
	avail := int64(math.MaxInt64)
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		avail = fi.Size() - headerLen
	}

	need := int64(h.DType.Size())
	for i, d := range h.Dims {
		if d == 0 {
			return nil
		}
		if need > avail/d {
			return fmt.Errorf("dimensions %v need more than the %d data bytes present (dim %d)", h.Dims, avail, i)
		}
		need *= d
	}
	return nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Rows returns the single-pass row scanner. A reader hands out one scanner;
// later calls return a scanner that yields nothing and reports an error.
func (r *Reader) Rows() *Scanner {
	if r.used {
		return &Scanner{err: fmt.Errorf("%s: rows already consumed", r.f.Name())}
	}
	r.used = true
	n1 := r.header.N1()
	return &Scanner{
		r:     r.r,
		name:  r.f.Name(),
		dtype: r.header.DType,
		n1:    n1,
		n2:    r.header.N2(),
		buf:   make([]byte, n1*int64(r.header.DType.Size())),
	}
}

// Scanner walks an artifact column by column. Each column is one worker
// sample; only its first four entries are used.
type Scanner struct {
	r     io.Reader
	name  string
	dtype DType
	n1    int64
	n2    int64
	pos   int64
	buf   []byte
	row   discrim.Row
	err   error
}

// Next advances to the next column. It returns false at the end or on error.
func (s *Scanner) Next() bool {
	if s.err != nil || s.pos >= s.n2 {
		return false
	}
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		s.err = formatError(s.name, "column %d of %d: %v", s.pos, s.n2, err)
		return false
	}
	w := s.dtype.Size()
	val := func(i int) float64 { return s.dtype.decode(s.buf[i*w : (i+1)*w]) }
	k1, ok1 := clusterID(val(0))
	k2, ok2 := clusterID(val(1))
	k0, ok0 := clusterID(val(2))
	s.row = discrim.Row{K1: k1, K2: k2, K0: k0, Value: val(3)}
	if !ok1 || !ok2 || !ok0 {
		// Unrepresentable labels poison the value so the aggregator drops the row.
		s.row.Value = math.NaN()
	}
	s.pos++
	return true
}

// clusterID converts a label column entry. Non-integral, non-finite and
// out-of-range entries are not labels.
func clusterID(v float64) (discrim.ClusterID, bool) {
	if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, false
	}
	return discrim.ClusterID(v), true
}

// Row returns the current row. Valid only after Next returned true.
func (s *Scanner) Row() discrim.Row {
	return s.row
}

// Err returns the first error encountered while scanning.
func (s *Scanner) Err() error {
	return s.err
}

// Len returns the number of columns the artifact declares.
func (s *Scanner) Len() int64 {
	return s.n2
}
