// Package buffer provides the growable byte store used by the framing codec
// and the long-link engine.
//
// A Buffer tracks three numbers: capacity (bytes allocated), length (bytes
// written) and a read/seek cursor in [0, length]. Capacity only grows, in
// multiples of the allocation unit. Out-of-range access is a contract
// violation and panics.
package buffer

import (
	"fmt"
	"io"
)

const DefaultUnitSize = 128

// Buffer is a single-owner byte store with a write extent and an independent cursor.
// The zero value is usable and allocates in DefaultUnitSize blocks.
type Buffer struct {
	data     []byte
	length   int
	pos      int
	unitSize int
}

// New returns an empty buffer that grows in unitSize blocks.
func New(unitSize int) *Buffer {
	if unitSize <= 0 {
		panic(fmt.Sprintf("buffer: invalid unit size %d", unitSize))
	}
	return &Buffer{unitSize: unitSize}
}

// NewFrom returns a buffer holding a copy of src with the cursor at its end.
func NewFrom(src []byte) *Buffer {
	b := &Buffer{}
	b.write(src)
	return b
}

func (b *Buffer) unit() int {
	if b.unitSize <= 0 {
		return DefaultUnitSize
	}
	return b.unitSize
}

func (b *Buffer) grow(size int) {
	if size <= len(b.data) {
		return
	}
	unit := b.unit()
	next := make([]byte, ((size+unit-1)/unit)*unit)
	copy(next, b.data[:b.length])
	b.data = next
}

// Pos returns the cursor.
func (b *Buffer) Pos() int { return b.pos }

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return b.length }

// Cap returns the number of bytes allocated.
func (b *Buffer) Cap() int { return len(b.data) }

// Reserve grows capacity so that size bytes fit after the cursor.
func (b *Buffer) Reserve(size int) {
	if size < 0 {
		panic(fmt.Sprintf("buffer: negative reserve %d", size))
	}
	b.grow(b.pos + size)
}

// Seek moves the cursor relative to io.SeekStart, io.SeekCurrent or io.SeekEnd.
// The result is clamped to [0, Len()].
func (b *Buffer) Seek(offset int, whence int) int {
	var next int
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = b.pos + offset
	case io.SeekEnd:
		next = b.length + offset
	default:
		panic(fmt.Sprintf("buffer: invalid whence %d", whence))
	}
	b.pos = min(max(next, 0), b.length)
	return b.pos
}

// Write copies p at the cursor and advances it. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.write(p), nil
}

func (b *Buffer) write(p []byte) int {
	b.WriteAt(b.pos, p)
	b.Seek(len(p), io.SeekCurrent)
	return len(p)
}

// WriteFrom appends the full written contents of src at the cursor.
func (b *Buffer) WriteFrom(src *Buffer) {
	b.write(src.Bytes(0))
}

// WriteAt copies p at pos and grows the length by len(p). Overlapping an
// existing extent is not supported; callers write at or past the end.
func (b *Buffer) WriteAt(pos int, p []byte) {
	if pos < 0 || pos > b.length {
		panic(fmt.Sprintf("buffer: write position %d out of range [0,%d]", pos, b.length))
	}
	if len(p) == 0 {
		return
	}
	b.grow(max(pos, b.length) + len(p))
	copy(b.data[pos:], p)
	b.length += len(p)
}

// ReadN copies up to n bytes from the cursor and advances it. Fewer bytes
// are returned once the written extent is exhausted.
func (b *Buffer) ReadN(n int) []byte {
	out := b.ReadAt(b.pos, n)
	b.Seek(len(out), io.SeekCurrent)
	return out
}

// ReadTo copies up to n bytes from the cursor into dst and returns the count.
func (b *Buffer) ReadTo(dst *Buffer, n int) int {
	out := b.ReadN(n)
	dst.write(out)
	return len(out)
}

// ReadAt copies up to n bytes starting at pos without moving the cursor.
func (b *Buffer) ReadAt(pos int, n int) []byte {
	if b.data == nil {
		panic("buffer: read before allocation")
	}
	if pos < 0 || pos > b.length {
		panic(fmt.Sprintf("buffer: read position %d out of range [0,%d]", pos, b.length))
	}
	n = min(max(n, 0), b.length-pos)
	out := make([]byte, n)
	copy(out, b.data[pos:pos+n])
	return out
}

// Bytes returns a read-only view of the written bytes from offset.
// The view is invalidated by the next write that grows the buffer.
func (b *Buffer) Bytes(offset int) []byte {
	if offset < 0 {
		panic(fmt.Sprintf("buffer: negative offset %d", offset))
	}
	if offset >= b.length {
		return nil
	}
	return b.data[offset:b.length:b.length]
}

// CursorBytes returns a read-only view from the cursor to the end of written data.
func (b *Buffer) CursorBytes() []byte {
	return b.Bytes(b.pos)
}

// Reset empties the buffer while keeping its allocation.
func (b *Buffer) Reset() {
	b.length = 0
	b.pos = 0
}

// Compact drops the bytes before the cursor, moving the unread tail to the front.
func (b *Buffer) Compact() {
	if b.pos == 0 {
		return
	}
	n := copy(b.data, b.data[b.pos:b.length])
	b.length = n
	b.pos = 0
}

// Clone returns a deep copy of the written bytes. The cursor of the copy
// sits at its end and its capacity may differ.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{unitSize: b.unitSize}
	out.WriteFrom(b)
	return out
}
