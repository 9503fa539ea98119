package chain

import (
	"errors"
	"io"
)

// Reader reads the valid bytes of a Chain sequentially.
// It implements the [io.Reader], [io.ByteReader], [io.Seeker] and [io.WriterTo] interface.
//
// The Reader observes the chain's current length on every call; mutating the chain
// while reading is not safe.
type Reader[P BlockPooler] struct {
	c   *Chain[P]
	off int // Offset of the next byte to read.
}

func NewReader[P BlockPooler](c *Chain[P]) *Reader[P] {
	return &Reader[P]{c: c}
}

// Offset returns the offset of the next byte to read.
func (r *Reader[P]) Offset() int {
	return r.off
}

// Len returns the number of unread bytes.
func (r *Reader[P]) Len() int {
	return max(r.c.length-r.off, 0)
}

// Reset resets the reader to the start of the chain.
func (r *Reader[P]) Reset() *Reader[P] {
	r.off = 0
	return r
}

// Read reads data from the chain into p and returns the number of bytes read.
func (r *Reader[P]) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil // No-op
	}
	if r.off >= r.c.length {
		return 0, io.EOF
	}
	n = min(len(p), r.c.length-r.off)
	r.c.read(p[:n], r.off)
	r.off += n
	return n, nil
}

// ReadByte reads a single byte from the chain.
func (r *Reader[P]) ReadByte() (byte, error) {
	if r.off >= r.c.length {
		return 0, io.EOF
	}
	idx, pos := calcPosition(r.c.bufSize, r.off)
	r.off++
	return r.c.blocks[idx][pos], nil
}

// Seek sets the offset for the next read.
// It implements the [io.Seeker] interface.
//
// Seeking to an offset before the start of the chain is an error. Seeking past the
// end is allowed; subsequent reads return [io.EOF].
func (r *Reader[P]) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = int64(r.off) + offset
	case io.SeekEnd:
		newOffset = int64(r.c.length) + offset // Offset is expected to be negative.
	default:
		return 0, errors.New("invalid whence")
	}
	if newOffset < 0 {
		return 0, errors.New("invalid offset: cannot be negative")
	}
	r.off = int(newOffset)
	return newOffset, nil
}

// WriteTo writes the unread bytes to w one block at a time until there are no
// more bytes to write or an error occurs.
// It implements the [io.WriterTo] interface.
func (r *Reader[P]) WriteTo(w io.Writer) (n int64, err error) {
	for r.off < r.c.length {
		idx, pos := calcPosition(r.c.bufSize, r.off)
		end := min(r.c.bufSize, r.c.length-idx*r.c.bufSize)
		m, err := w.Write(r.c.blocks[idx][pos:end])
		r.off += m
		n += int64(m)
		if err != nil {
			return n, err
		}
		if m < end-pos {
			return n, io.ErrShortWrite
		}
	}
	return n, nil
}
