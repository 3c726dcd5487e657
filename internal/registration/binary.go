package registration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxPathLength bounds each encoded path. Longer lengths on read almost
// always mean the file was read with the wrong swap flag.
const MaxPathLength = 64 << 10

// fixedSize is the encoded size of a record with two empty paths.
const fixedSize = 4 + 4 + 4 + 4 + 4 + 4 + 7*8 + 4 + 4 + 4

var (
	// ErrTruncated is returned when the source ends before a full record.
	ErrTruncated = errors.New("registration record truncated")
	// ErrWriteFailed is returned when the sink rejects any part of a record.
	ErrWriteFailed = errors.New("registration record write failed")
	// ErrMalformed is returned for impossible field values such as oversized paths.
	ErrMalformed = errors.New("registration record malformed")
)

// ByteOrder is a byte order that can both decode and append.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

var swappedOrder ByteOrder = func() ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}()

// EncodedSize returns the number of bytes WriteTo will emit for r.
func (r *Record) EncodedSize() int {
	return fixedSize + len(r.FixedImagePath) + len(r.MovingImagePath)
}

// WriteTo writes r in native byte order. It implements io.WriterTo.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	return r.Encode(w, binary.NativeEndian)
}

// Encode writes r using the given byte order. The record is staged in memory
// and handed to w in a single Write so a failure never leaves a half record
// unreported.
func (r *Record) Encode(w io.Writer, order ByteOrder) (int64, error) {
	buf, err := r.AppendBinary(make([]byte, 0, r.EncodedSize()), order)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), fmt.Errorf("%w: wrote %d of %d bytes: %w", ErrWriteFailed, n, len(buf), err)
	}
	if n != len(buf) {
		return int64(n), fmt.Errorf("%w: wrote %d of %d bytes: %w", ErrWriteFailed, n, len(buf), io.ErrShortWrite)
	}
	return int64(n), nil
}

// AppendBinary appends the encoding of r to b.
func (r *Record) AppendBinary(b []byte, order ByteOrder) ([]byte, error) {
	if len(r.FixedImagePath) > MaxPathLength || len(r.MovingImagePath) > MaxPathLength {
		return b, fmt.Errorf("%w: image path longer than %d bytes", ErrMalformed, MaxPathLength)
	}
	b = order.AppendUint32(b, uint32(r.FixedSlice))
	b = order.AppendUint32(b, uint32(r.MovingSlice))
	b = appendString(b, order, r.FixedImagePath)
	b = appendString(b, order, r.MovingImagePath)
	b = order.AppendUint32(b, math.Float32bits(r.CostFuncValue))
	b = order.AppendUint32(b, r.NumIterations)
	for _, v := range []float64{
		r.XTrans, r.YTrans,
		r.XFixedOrigin, r.YFixedOrigin,
		r.XMovingOrigin, r.YMovingOrigin,
		r.Scaling,
	} {
		b = order.AppendUint64(b, math.Float64bits(v))
	}
	b = order.AppendUint32(b, uint32(r.ImageWidth))
	b = order.AppendUint32(b, uint32(r.ImageHeight))
	b = order.AppendUint32(b, uint32(r.Complete))
	return b, nil
}

func appendString(b []byte, order ByteOrder, s string) []byte {
	b = order.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// ReadSwapped reads one record written in native byte order, or in the opposite
// order when swap is set. r is only modified when the full record decoded.
//
// When the source is already at EOF the error matches both ErrTruncated and
// io.EOF.
func (r *Record) ReadSwapped(src io.Reader, swap bool) error {
	order := ByteOrder(binary.NativeEndian)
	if swap {
		order = swappedOrder
	}
	return r.Decode(src, order)
}

// Decode reads one record using the given byte order.
func (r *Record) Decode(src io.Reader, order binary.ByteOrder) error {
	d := decoder{src: src, order: order}
	var tmp Record

	tmp.FixedSlice = int32(d.uint32())
	if d.read == 0 && errors.Is(d.err, ErrTruncated) {
		return fmt.Errorf("%w: %w", ErrTruncated, io.EOF)
	}
	tmp.MovingSlice = int32(d.uint32())
	tmp.FixedImagePath = d.string()
	tmp.MovingImagePath = d.string()
	tmp.CostFuncValue = math.Float32frombits(d.uint32())
	tmp.NumIterations = d.uint32()
	tmp.XTrans = d.float64()
	tmp.YTrans = d.float64()
	tmp.XFixedOrigin = d.float64()
	tmp.YFixedOrigin = d.float64()
	tmp.XMovingOrigin = d.float64()
	tmp.YMovingOrigin = d.float64()
	tmp.Scaling = d.float64()
	tmp.ImageWidth = int32(d.uint32())
	tmp.ImageHeight = int32(d.uint32())
	tmp.Complete = int32(d.uint32())
	if d.err != nil {
		return d.err
	}

	*r = tmp
	return nil
}

// UnmarshalBinary decodes a single native-order record from data.
func (r *Record) UnmarshalBinary(data []byte) error {
	return r.Decode(bytes.NewReader(data), binary.NativeEndian)
}

// MarshalBinary returns the native-order encoding of r.
func (r *Record) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, r.EncodedSize()), binary.NativeEndian)
}

// decoder keeps the first error and turns every later read into a no-op.
type decoder struct {
	src   io.Reader
	order binary.ByteOrder
	scr   [8]byte
	read  int64
	err   error
}

func (d *decoder) fill(p []byte) bool {
	if d.err != nil {
		return false
	}
	n, err := io.ReadFull(d.src, p)
	d.read += int64(n)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			d.err = fmt.Errorf("%w after %d bytes: %w", ErrTruncated, d.read, io.ErrUnexpectedEOF)
		default:
			d.err = fmt.Errorf("read registration record: %w", err)
		}
		return false
	}
	return true
}

func (d *decoder) uint32() uint32 {
	if !d.fill(d.scr[:4]) {
		return 0
	}
	return d.order.Uint32(d.scr[:4])
}

func (d *decoder) float64() float64 {
	if !d.fill(d.scr[:8]) {
		return 0
	}
	return math.Float64frombits(d.order.Uint64(d.scr[:8]))
}

func (d *decoder) string() string {
	n := d.uint32()
	if d.err != nil {
		return ""
	}
	if n > MaxPathLength {
		d.err = fmt.Errorf("%w: path length %d exceeds %d (wrong byte order?)", ErrMalformed, n, MaxPathLength)
		return ""
	}
	if n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if !d.fill(buf) {
		return ""
	}
	return string(buf)
}
