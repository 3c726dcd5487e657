package registration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func sampleRecord() Record {
	return Record{
		FixedSlice:      3,
		MovingSlice:     4,
		FixedImagePath:  "/data/stack/slice_0003.tif",
		MovingImagePath: "/data/stack/slice_0004.tif",
		CostFuncValue:   0.8125,
		NumIterations:   42,
		XTrans:          1.25,
		YTrans:          -0.75,
		XFixedOrigin:    10.5,
		YFixedOrigin:    -3.125,
		XMovingOrigin:   11.75,
		YMovingOrigin:   -3.875,
		Scaling:         0.1234567890123,
		ImageWidth:      2048,
		ImageHeight:     1536,
		Complete:        1,
	}
}

func TestRoundTrip(t *testing.T) {
	want := sampleRecord()
	var buf bytes.Buffer
	n, err := want.WriteTo(&buf)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if int(n) != want.EncodedSize() || buf.Len() != want.EncodedSize() {
		t.Fatalf("expected %d bytes, wrote %d (buffer %d)", want.EncodedSize(), n, buf.Len())
	}

	var got Record
	if err := got.ReadSwapped(&buf, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSwappedRoundTrip(t *testing.T) {
	want := sampleRecord()

	// Simulate a file produced on a host of the opposite byte order.
	var buf bytes.Buffer
	if _, err := want.Encode(&buf, swappedOrder); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got Record
	if err := got.ReadSwapped(bytes.NewReader(buf.Bytes()), true); err != nil {
		t.Fatalf("swapped read: %v", err)
	}
	if got != want {
		t.Fatalf("swapped round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	// The same bytes read without swapping must not reproduce the record.
	var wrong Record
	err := wrong.ReadSwapped(bytes.NewReader(buf.Bytes()), false)
	if err == nil && wrong == want {
		t.Fatalf("unswapped read of a swapped record should not match")
	}
}

func TestExplicitByteOrders(t *testing.T) {
	want := sampleRecord()
	for _, order := range []ByteOrder{binary.BigEndian, binary.LittleEndian} {
		t.Run(order.String(), func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := want.Encode(&buf, order); err != nil {
				t.Fatalf("encode: %v", err)
			}
			var got Record
			if err := got.Decode(&buf, order); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != want {
				t.Fatalf("mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestBigEndianLayout(t *testing.T) {
	rec := Record{FixedSlice: 1, MovingSlice: 2, FixedImagePath: "ab", Complete: 1}
	var buf bytes.Buffer
	if _, err := rec.Encode(&buf, binary.BigEndian); err != nil {
		t.Fatalf("encode: %v", err)
	}
	b := buf.Bytes()
	if len(b) != fixedSize+2 {
		t.Fatalf("expected %d bytes, got %d", fixedSize+2, len(b))
	}
	prefix := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 2, 'a', 'b', 0, 0, 0, 0}
	if !bytes.Equal(b[:len(prefix)], prefix) {
		t.Fatalf("unexpected leading bytes % x", b[:len(prefix)])
	}
	if !bytes.Equal(b[len(b)-4:], []byte{0, 0, 0, 1}) {
		t.Fatalf("complete flag should be the last field, got % x", b[len(b)-4:])
	}
}

func TestInitValues(t *testing.T) {
	rec := sampleRecord()
	rec.InitValues()

	var buf bytes.Buffer
	if _, err := rec.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != fixedSize {
		t.Fatalf("expected %d bytes for empty paths, got %d", fixedSize, buf.Len())
	}
	for i, b := range buf.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d is %#x, expected all zero", i, b)
		}
	}

	got := sampleRecord()
	if err := got.ReadSwapped(&buf, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != (Record{}) {
		t.Fatalf("expected zero record, got %+v", got)
	}
}

func TestTruncatedInput(t *testing.T) {
	src := sampleRecord()
	full, err := src.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for cut := 0; cut < len(full); cut++ {
		dst := Record{FixedSlice: -9, FixedImagePath: "untouched"}
		before := dst
		err := dst.ReadSwapped(bytes.NewReader(full[:cut]), false)
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("cut %d: expected ErrTruncated, got %v", cut, err)
		}
		if dst != before {
			t.Fatalf("cut %d: record modified on failed read: %+v", cut, dst)
		}
		if cut == 0 && !errors.Is(err, io.EOF) {
			t.Fatalf("empty input should also match io.EOF, got %v", err)
		}
		if cut > 0 && errors.Is(err, io.EOF) {
			t.Fatalf("cut %d: partial record must not look like a clean EOF", cut)
		}
	}
}

func TestWrongSwapIsMalformed(t *testing.T) {
	rec := Record{FixedImagePath: "a/path", MovingImagePath: "b"}
	data, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Record
	if err := got.ReadSwapped(bytes.NewReader(data), true); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOversizedPathRefused(t *testing.T) {
	rec := Record{FixedImagePath: strings.Repeat("x", MaxPathLength+1)}
	var buf bytes.Buffer
	if _, err := rec.WriteTo(&buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %d bytes", buf.Len())
	}
}

type shortWriter struct{ limit int }

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.limit {
		return w.limit, nil
	}
	return len(p), nil
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteFailures(t *testing.T) {
	rec := sampleRecord()
	if _, err := rec.WriteTo(&shortWriter{limit: 10}); !errors.Is(err, ErrWriteFailed) || !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected ErrWriteFailed wrapping io.ErrShortWrite, got %v", err)
	}
	if _, err := rec.WriteTo(failWriter{}); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}

func TestPairedAccessors(t *testing.T) {
	var rec Record
	rec.SetTranslations(1.5, -2.5)
	rec.SetFixedOrigin(3, 4)
	rec.SetMovingOrigin(5, 6)
	if x, y := rec.Translations(); x != 1.5 || y != -2.5 {
		t.Fatalf("translations %v,%v", x, y)
	}
	if x, y := rec.FixedOrigin(); x != 3 || y != 4 {
		t.Fatalf("fixed origin %v,%v", x, y)
	}
	if x, y := rec.MovingOrigin(); x != 5 || y != 6 {
		t.Fatalf("moving origin %v,%v", x, y)
	}
	rec.Scaling = 0.5
	if x, y := rec.PixelTranslations(); x != 3 || y != -5 {
		t.Fatalf("pixel translations %v,%v", x, y)
	}
	rec.SetComplete(true)
	if !rec.IsComplete() || rec.Complete != 1 {
		t.Fatalf("complete flag not set")
	}
}

var _ io.WriterTo = (*Record)(nil)

func TestReadSwappedMatchesDecode(t *testing.T) {
	want := sampleRecord()
	for _, swap := range []bool{false, true} {
		order := ByteOrder(binary.NativeEndian)
		if swap {
			order = swappedOrder
		}
		var buf bytes.Buffer
		if _, err := want.Encode(&buf, order); err != nil {
			t.Fatalf("encode: %v", err)
		}
		data := buf.Bytes()

		var viaSwap, viaDecode Record
		if err := viaSwap.ReadSwapped(bytes.NewReader(data), swap); err != nil {
			t.Fatalf("swap=%v: %v", swap, err)
		}
		if err := viaDecode.Decode(bytes.NewReader(data), order); err != nil {
			t.Fatalf("decode swap=%v: %v", swap, err)
		}
		if viaSwap != want || viaDecode != want {
			t.Fatalf("swap=%v: got %+v and %+v", swap, viaSwap, viaDecode)
		}
	}
}
