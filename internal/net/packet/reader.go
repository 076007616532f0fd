package packet

import (
	"bytes"
	"encoding/binary"
)

// Reader reads little-endian fields from a message body. Reads past the end
// return zero values and set Overrun, so a handler can decode a whole
// structure and check once.
type Reader struct {
	data    []byte
	off     int
	overrun bool
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadU8 reads 1 byte.
func (r *Reader) ReadU8() byte {
	if r.off >= len(r.data) {
		r.overrun = true
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// ReadU16 reads 2 bytes as little-endian uint16.
func (r *Reader) ReadU16() uint16 {
	if r.off+2 > len(r.data) {
		r.overrun = true
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadU32 reads 4 bytes as little-endian uint32.
func (r *Reader) ReadU32() uint32 {
	if r.off+4 > len(r.data) {
		r.overrun = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// ReadU64 reads 8 bytes as little-endian uint64.
func (r *Reader) ReadU64() uint64 {
	if r.off+8 > len(r.data) {
		r.overrun = true
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

// ReadCString reads exactly n bytes and returns them up to the first NUL.
func (r *Reader) ReadCString(n int) string {
	raw := r.ReadBytes(n)
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

// ReadBytes reads n raw bytes. The result aliases the underlying buffer.
func (r *Reader) ReadBytes(n int) []byte {
	if n < 0 || r.off+n > len(r.data) {
		r.overrun = true
		remaining := r.data[r.off:]
		r.off = len(r.data)
		return remaining
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// Rest returns all unread bytes and consumes them.
func (r *Reader) Rest() []byte {
	b := r.data[r.off:]
	r.off = len(r.data)
	return b
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Overrun reports whether any read ran past the end of the data.
func (r *Reader) Overrun() bool {
	return r.overrun
}
