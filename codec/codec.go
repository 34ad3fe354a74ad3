// Package codec implements the MLS-codec wire primitives the ratchet
// tree's serialized forms use (spec.md §6): variable-length integers
// (the same 1/2/4/8-byte prefix scheme TLS presentation language and MLS
// wire format both use), length-prefixed opaque byte vectors, and
// explicit-optionality framing. It is a small, hand-rolled Writer/Reader
// pair rather than ad hoc append/slice calls at every use site, mirroring
// the teacher's marshal_writer.go / unmarshal_reader.go split between a
// streaming writer and a streaming reader.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Writer accumulates an MLS-codec encoded byte stream.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with a pre-sized scratch buffer.
func NewWriter(sizeHint int) *Writer {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

// WriteUint16 appends a big-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// WriteUint32 appends a big-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// WriteUint64 appends a big-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// WriteVarUint appends n using the TLS/MLS variable-length integer
// encoding: the top two bits of the first byte select a 1/2/4/8-byte
// encoding width, leaving 6/14/30/62 bits of payload respectively.
func (w *Writer) WriteVarUint(n uint64) error {
	switch {
	case n < 1<<6:
		w.WriteUint8(uint8(n))
	case n < 1<<14:
		w.WriteUint16(uint16(n) | 0x4000)
	case n < 1<<30:
		w.WriteUint32(uint32(n) | 0x80000000)
	case n < 1<<62:
		w.WriteUint64(n | 0xC000000000000000)
	default:
		return fmt.Errorf("codec: value %d too large for variable-length encoding", n)
	}
	return nil
}

// WriteVarBytes writes data as a variable-length-prefixed opaque vector.
func (w *Writer) WriteVarBytes(data []byte) error {
	if err := w.WriteVarUint(uint64(len(data))); err != nil {
		return err
	}
	w.buf = append(w.buf, data...)
	return nil
}

// WriteOptional writes the presence flag for an optional field, followed
// by encode(v) when present is true. MLS-codec represents Option<T> as a
// single presence byte (0 absent, 1 present) ahead of T's own encoding.
func (w *Writer) WriteOptional(present bool, encode func() error) error {
	if !present {
		w.WriteUint8(0)
		return nil
	}
	w.WriteUint8(1)
	return encode()
}

// WriteVector writes a variable-length-prefixed sequence of items whose
// total encoded size is computed up front, then each item is appended by
// encode. This mirrors the vector-of-T framing MLS-codec uses for
// unmerged-leaves lists and node arrays.
func (w *Writer) WriteVector(count int, totalSize int, encode func(i int) error) error {
	if err := w.WriteVarUint(uint64(totalSize)); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := encode(i); err != nil {
			return err
		}
	}
	return nil
}

// Reader consumes an MLS-codec encoded byte stream.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader { return &Reader{buf: data} }

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// ErrShortBuffer is returned when a read would run past the end of input.
type ErrShortBuffer struct{ Want, Have int }

func (e ErrShortBuffer) Error() string {
	return fmt.Sprintf("codec: short buffer: want %d bytes, have %d", e.Want, e.Have)
}

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer{Want: n, Have: r.Remaining()}
	}
	return nil
}

// ReadUint8 consumes a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadUint16 consumes a big-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint32 consumes a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadUint64 consumes a big-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadVarUint consumes a variable-length integer (see WriteVarUint).
func (r *Reader) ReadVarUint() (uint64, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	prefix := r.buf[r.pos] >> 6
	switch prefix {
	case 0:
		v, err := r.ReadUint8()
		return uint64(v), err
	case 1:
		v, err := r.ReadUint16()
		return uint64(v & 0x3FFF), err
	case 2:
		v, err := r.ReadUint32()
		return uint64(v & 0x3FFFFFFF), err
	default:
		v, err := r.ReadUint64()
		return v & 0x3FFFFFFFFFFFFFFF, err
	}
}

// ReadVarBytes consumes a variable-length-prefixed opaque vector.
func (r *Reader) ReadVarBytes() ([]byte, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// ReadOptional reads the presence flag, invoking decode only if present.
func (r *Reader) ReadOptional(decode func() error) (bool, error) {
	flag, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	if flag == 0 {
		return false, nil
	}
	if err := decode(); err != nil {
		return false, err
	}
	return true, nil
}

// ReadVector reads a vector's total-size prefix, then repeatedly invokes
// decode (which must consume exactly one element) until that many bytes
// have been read.
func (r *Reader) ReadVector(decode func(sub *Reader) error) error {
	size, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	if err := r.need(int(size)); err != nil {
		return err
	}
	sub := NewReader(r.buf[r.pos : r.pos+int(size)])
	r.pos += int(size)
	for sub.Remaining() > 0 {
		if err := decode(sub); err != nil {
			return err
		}
	}
	return nil
}
