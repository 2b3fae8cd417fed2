// Package codec implements the big-endian binary wire format shared by
// the RPC transport (rpc) and the RPC handlers in cmd/repertory.
//
// All multi-byte scalars are transmitted big-endian. Strings are
// length-prefixed on the wire as a uint32 byte count followed by the
// raw UTF-8 bytes -- this repo doesn't rely on zero-termination the way
// the teacher's C source did, since Go strings may contain NUL.
package codec

import (
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "codec")

// ErrBufferOverflow is returned when a decode would read past the end
// of the buffer.
var ErrBufferOverflow = errors.New("codec: buffer overflow")

// ErrBufferTooSmall is returned when a fixed-size decode found fewer
// bytes than the type requires.
var ErrBufferTooSmall = errors.New("codec: buffer too small")

// Writer accumulates encoded scalars into a growable byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// PutUint16 appends a big-endian uint16.
func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint32 appends a big-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint64 appends a big-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt64 appends a big-endian int64.
func (w *Writer) PutInt64(v int64) {
	w.PutUint64(uint64(v))
}

// PutBool appends a single byte, 1 for true and 0 for false.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

// PutBytes appends a length-prefixed byte slice.
func (w *Writer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// PutString appends a length-prefixed UTF-8 string.
func (w *Writer) PutString(v string) {
	w.PutBytes([]byte(v))
}

// PrependTop prepends the bytes already written to outer framing --
// the wire-level equivalent of rclone's "encode_top" used to finish a
// length-prefixed frame after the payload size is known.
func (w *Writer) PrependTop(prefix []byte) {
	w.buf = append(append([]byte{}, prefix...), w.buf...)
}

// Reader decodes scalars from a byte slice with a monotonically
// advancing cursor.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decode.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of undecoded bytes left in the buffer.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		log.WithField("remaining", r.Remaining()).Debug("decode read past end of buffer")
		return ErrBufferOverflow
	}
	return nil
}

// Uint8 decodes a single byte.
func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// Uint16 decodes a big-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// Uint32 decodes a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// Uint64 decodes a big-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Int64 decodes a big-endian int64.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Bool decodes a single byte as a boolean.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Bytes decodes a length-prefixed byte slice. The returned slice
// aliases the underlying buffer and must be copied before the Reader's
// backing array is reused.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, ErrBufferTooSmall
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

// String decodes a length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
