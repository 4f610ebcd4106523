// Package message implements the byte buffer used for both the inbound stream
// of a connection and each outbound message queued on it.
//
// A Buffer keeps two cursors over one backing slice: everything before the
// read cursor has been consumed, everything between the read and write cursors
// is pending, and everything after the write cursor is free space.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dcrodman/warden/internal/core/crypto"
)

// DefaultSize is the initial capacity of a Buffer created with New.
const DefaultSize = 1024

// sizePrefixLen is the length of the big-endian size that precedes an encrypted payload.
const sizePrefixLen = 4

var (
	ErrIncomplete = errors.New("encrypted message is incomplete")
	ErrMalformed  = errors.New("encrypted message is malformed")
)

type Buffer struct {
	data []byte
	rpos int
	wpos int
}

func New() *Buffer {
	return NewSize(DefaultSize)
}

func NewSize(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// FromBytes wraps a copy of b in a Buffer sized to fit it exactly.
func FromBytes(b []byte) *Buffer {
	buf := NewSize(len(b))
	buf.Write(b)
	return buf
}

// Clear discards the contents and both cursors.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.rpos, b.wpos = 0, 0
}

// SoftClear resets both cursors but keeps the backing memory for reuse.
func (b *Buffer) SoftClear() {
	b.rpos, b.wpos = 0, 0
}

func (b *Buffer) Size() int { return len(b.data) }

// ActiveSize is the number of written bytes that have not been consumed.
func (b *Buffer) ActiveSize() int { return b.wpos - b.rpos }

// RemainingSpace is the number of free bytes after the write cursor.
func (b *Buffer) RemainingSpace() int { return len(b.data) - b.wpos }

// ReadPointer returns the unconsumed region without copying. The slice is only
// valid until the next mutating call.
func (b *Buffer) ReadPointer() []byte { return b.data[b.rpos:b.wpos] }

// WritePointer returns the free region after the write cursor.
func (b *Buffer) WritePointer() []byte { return b.data[b.wpos:] }

// ReadCompleted marks n bytes as consumed. Callers must only do so once a
// whole logical frame has been handled.
func (b *Buffer) ReadCompleted(n int) {
	if n > b.ActiveSize() {
		n = b.ActiveSize()
	}
	b.rpos += n
}

// WriteCompleted marks n bytes of the write region as filled.
func (b *Buffer) WriteCompleted(n int) {
	if n > b.RemainingSpace() {
		n = b.RemainingSpace()
	}
	b.wpos += n
}

// Compact moves the unconsumed bytes to the start of the backing slice.
func (b *Buffer) Compact() {
	if b.rpos == 0 {
		return
	}
	if b.rpos != b.wpos {
		copy(b.data, b.data[b.rpos:b.wpos])
	}
	b.wpos -= b.rpos
	b.rpos = 0
}

// EnlargeIfNeeded grows the buffer by half when it is full, so that a read
// into the write region always has room.
func (b *Buffer) EnlargeIfNeeded() {
	if b.RemainingSpace() > 0 {
		return
	}
	grow := len(b.data) / 2
	if grow == 0 {
		grow = DefaultSize
	}
	b.resize(len(b.data) + grow)
}

func (b *Buffer) resize(n int) {
	data := make([]byte, n)
	copy(data, b.data[:b.wpos])
	b.data = data
}

// Write appends p at the write cursor, compacting first and only growing the
// backing slice (by an extra 50%) when compaction does not free enough room.
func (b *Buffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.RemainingSpace() < len(p) {
		b.Compact()
		if b.RemainingSpace() < len(p) {
			n := len(b.data) + len(p)
			b.resize(n + n/2)
		}
	}
	copy(b.data[b.wpos:], p)
	b.wpos += len(p)
}

// Encrypt replaces the unconsumed region with
//
//	[payload size (u32, big endian) | iv | tag | ciphertext]
//
// where payload size covers iv, tag and ciphertext. The IV counter is
// incremented after its current value has been used.
func (b *Buffer) Encrypt(key []byte, iv *crypto.IV, aad []byte) error {
	ivBytes := iv.Bytes()
	iv.Increment()

	ciphertext, tag, err := crypto.Encrypt(key, ivBytes, b.ReadPointer(), aad)
	if err != nil {
		return fmt.Errorf("encrypting message: %w", err)
	}

	var size [sizePrefixLen]byte
	binary.BigEndian.PutUint32(size[:], uint32(crypto.IVSize+crypto.TagSize+len(ciphertext)))

	b.SoftClear()
	b.Write(size[:])
	b.Write(ivBytes[:])
	b.Write(tag)
	b.Write(ciphertext)
	return nil
}

// Decrypt reverses Encrypt. On any failure the buffer is left untouched and
// no plaintext is exposed.
func (b *Buffer) Decrypt(key []byte, aad []byte) error {
	if b.ActiveSize() < sizePrefixLen {
		return ErrIncomplete
	}
	pending := b.ReadPointer()
	size := int(binary.BigEndian.Uint32(pending[:sizePrefixLen]))
	if size < crypto.IVSize+crypto.TagSize {
		return ErrMalformed
	}
	if len(pending) < sizePrefixLen+size {
		return ErrIncomplete
	}

	body := pending[sizePrefixLen : sizePrefixLen+size]
	iv := body[:crypto.IVSize]
	tag := body[crypto.IVSize : crypto.IVSize+crypto.TagSize]
	ciphertext := body[crypto.IVSize+crypto.TagSize:]

	plaintext, err := crypto.Decrypt(key, iv, ciphertext, tag, aad)
	if err != nil {
		return err
	}

	b.SoftClear()
	b.Write(plaintext)
	return nil
}
