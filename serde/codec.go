package serde

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder appends big-endian fixed width values and length prefixed byte
// strings to a buffer.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Encoder) Uint8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
		return
	}
	e.Uint8(0)
}

func (e *Encoder) Uint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

func (e *Encoder) Float64(v float64) {
	e.Uint64(math.Float64bits(v))
}

// Len writes a collection length.
func (e *Encoder) Len(n int) {
	e.Uint32(uint32(n))
}

func (e *Encoder) Blob(b []byte) {
	e.Len(len(b))
	e.buf.Write(b)
}

func (e *Encoder) String(s string) {
	e.Len(len(s))
	e.buf.WriteString(s)
}

func (e *Encoder) Float64s(vs []float64) {
	e.Len(len(vs))
	for _, v := range vs {
		e.Float64(v)
	}
}

// Decoder reads what an Encoder wrote. The first short read sticks: every
// later call returns a zero value and Err reports ErrCorruptCache.
type Decoder struct {
	b   []byte
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

func (d *Decoder) Err() error {
	return d.err
}

// Finish reports a sticky error or unread trailing bytes.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptCache, len(d.b))
	}
	return nil
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrCorruptCache, n, len(d.b))
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool {
	return d.Uint8() != 0
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

func (d *Decoder) Float64() float64 {
	return math.Float64frombits(d.Uint64())
}

// Len reads a collection length and checks it against the remaining bytes,
// given the minimum encoded size of one element.
func (d *Decoder) Len(elemSize int) int {
	n := int(d.Uint32())
	if d.err == nil && elemSize > 0 && n > len(d.b)/elemSize {
		d.err = fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrCorruptCache, n, len(d.b))
		return 0
	}
	return n
}

func (d *Decoder) Blob() []byte {
	n := d.Len(1)
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Decoder) String() string {
	return string(d.take(d.Len(1)))
}

func (d *Decoder) Float64s() []float64 {
	n := d.Len(8)
	out := make([]float64, n)
	for i := range out {
		out[i] = d.Float64()
	}
	return out
}
