// Package serde is the wire codec shared by the storage boundary and the
// engine: LEB128 lengths and counts, length-prefixed byte strings, sequences,
// maps and tuples laid out back to back in a single buffer. There is no
// schema on the wire beyond field order.
package serde

import (
	"errors"
	"fmt"

	"findex/lib/utils/binary"
)

// ErrCodec is wrapped by every decoding failure: malformed lengths,
// truncated input and trailing bytes.
var ErrCodec = errors.New("codec error")

func codecErr(off int, err error) error {
	return fmt.Errorf("%w at offset %d: %v", ErrCodec, off, err)
}

// Writer accumulates an encoding. The zero value is ready to use.
type Writer struct {
	buf []byte
}

func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) PutUvarint(n uint64) {
	w.buf = binary.AppendUvarint(w.buf, n)
}

// PutBytes writes b as a byte string: its length followed by its content.
func (w *Writer) PutBytes(b []byte) {
	w.reserve(binary.UvarintLen(uint64(len(b))) + len(b))
	w.PutUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// PutFixed writes b with no length prefix. Only for types whose size is
// known to the reader.
func (w *Writer) PutFixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// reserve makes room for n more bytes with a single allocation.
func (w *Writer) reserve(n int) {
	if cap(w.buf)-len(w.buf) >= n {
		return
	}
	grown := make([]byte, len(w.buf), 2*cap(w.buf)+n)
	copy(grown, w.buf)
	w.buf = grown
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Bytes returns the encoding. Its capacity is capped so that appending to it
// never writes into the writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf[:len(w.buf):len(w.buf)]
}

// Reader decodes from a fixed buffer and never reads past its end.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) Offset() int {
	return r.off
}

func (r *Reader) Uvarint() (uint64, error) {
	n, sz, err := binary.ReadUvarint(r.buf[r.off:])
	if err != nil {
		return 0, codecErr(r.off, err)
	}
	r.off += sz
	return n, nil
}

// Count reads a sequence or map count. Every item takes at least minItemSize
// bytes, so counts that cannot fit in what is left are rejected before anyone
// allocates for them.
func (r *Reader) Count(minItemSize int) (int, error) {
	start := r.off
	n, err := r.Uvarint()
	if err != nil {
		return 0, err
	}
	if minItemSize < 1 {
		minItemSize = 1
	}
	if n > uint64(r.Remaining()/minItemSize) {
		return 0, codecErr(start, fmt.Errorf("count %d exceeds the %d remaining bytes", n, r.Remaining()))
	}
	return int(n), nil
}

// Bytes reads a byte string. The result is a copy.
func (r *Reader) Bytes() ([]byte, error) {
	b, sz, err := binary.ReadBytes(r.buf[r.off:])
	if err != nil {
		return nil, codecErr(r.off, err)
	}
	r.off += sz
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret, nil
}

// Fixed reads exactly n raw bytes into dest.
func (r *Reader) Fixed(dest []byte) error {
	if len(dest) > r.Remaining() {
		return codecErr(r.off, fmt.Errorf("%w: need %d bytes, have %d", binary.ErrTruncated, len(dest), r.Remaining()))
	}
	copy(dest, r.buf[r.off:])
	r.off += len(dest)
	return nil
}

// Close fails if any input was left unread.
func (r *Reader) Close() error {
	if r.Remaining() != 0 {
		return codecErr(r.off, fmt.Errorf("%d trailing bytes", r.Remaining()))
	}
	return nil
}
