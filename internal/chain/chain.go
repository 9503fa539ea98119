// Package chain implements a segmented byte buffer: an ordered chain of fixed-size
// blocks drawn from a shared block pool and exposed as one variable-length byte sequence.
package chain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// ErrPrecondition is wrapped by the value of every panic raised for an illegal call,
// e.g. an out-of-range index or a source aliasing the chain.
var ErrPrecondition = errors.New("precondition violated")

// BlockPooler defines the contract for a thread-safe pool of fixed-size blocks.
type BlockPooler interface {
	BlockSize() int              // Size of every block in bytes.
	Allocate() ([]byte, error)   // Allocate retrieves a block from the pool.
	Release(b []byte)            // Release returns a block to the pool.
	Reserve(numBlocks int) error // Reserve pre-warms the pool with free blocks.
}

// Chain represents a logical byte buffer stored in a sequence of fixed-size blocks.
//
// Growing or shrinking a chain never copies its existing bytes; blocks are only added
// to or removed from the tail. Each block can be handed directly to vectorized I/O,
// see [Chain.Buffer], [Chain.LoadBuffers] and [Chain.Segments].
//
// After every operation the chain holds exactly ceil(Length / BufferSize) blocks.
//
// A Chain is not safe for concurrent use. Concurrent readers are safe only while
// no goroutine mutates the chain.
type Chain[P BlockPooler] struct {
	pool    P
	bufSize int
	blocks  [][]byte // Blocks in traversal order; the last entry is the tail.
	length  int      // Number of valid bytes.

	origin *Pool[P] // Header pool the chain was taken from, nil if created with New.
	pooled bool     // Set while the chain is held by its header pool.
}

// New creates a new, empty chain bound to the block pool.
// The pool must outlive the chain.
func New[P BlockPooler](pool P) *Chain[P] {
	bufSize := pool.BlockSize()
	if bufSize <= 0 {
		illegal("new", "block size %d must be positive", bufSize)
	}
	return &Chain[P]{pool: pool, bufSize: bufSize}
}

// illegal panics with an error wrapping ErrPrecondition.
func illegal(op string, format string, args ...any) {
	panic(fmt.Errorf("illegal call to %s: %w: %s", op, ErrPrecondition, fmt.Sprintf(format, args...)))
}

// Pool returns the block pool the chain draws from.
func (c *Chain[P]) Pool() P {
	return c.pool
}

// Length returns the number of valid bytes in the chain.
func (c *Chain[P]) Length() int {
	return c.length
}

// NumBuffers returns the number of blocks held by the chain.
func (c *Chain[P]) NumBuffers() int {
	return len(c.blocks)
}

// BufferSize returns the size of every block in the chain.
func (c *Chain[P]) BufferSize() int {
	return c.bufSize
}

func (c *Chain[P]) samePool(other *Chain[P]) bool {
	return any(c.pool) == any(other.pool)
}

// spareBlocks returns the number of tail blocks not needed to hold the chain's length.
func (c *Chain[P]) spareBlocks() int {
	return len(c.blocks) - numBlocks(c.length, c.bufSize)
}

// SetLength sets the number of valid bytes to newLength, adding blocks from the pool
// or releasing trailing blocks to the pool as needed. Bytes exposed by growth are
// unspecified until written.
//
// If the pool fails to supply a block the error is returned and the chain is unchanged.
func (c *Chain[P]) SetLength(newLength int) error {
	if newLength < 0 {
		illegal("set length", "negative length %d", newLength)
	}
	return c.setLength(newLength, nil)
}

// SetLengthFrom is like SetLength, but growth is first satisfied by moving whole
// spare tail blocks from donor, i.e. blocks beyond what donor needs to hold its own
// length. Any remaining blocks are obtained from the pool. The donor's length and
// contents are never modified; it only loses the blocks that were moved.
//
// A nil donor is equivalent to SetLength. The donor must be a different chain that
// draws from the same pool.
func (c *Chain[P]) SetLengthFrom(newLength int, donor *Chain[P]) error {
	if newLength < 0 {
		illegal("set length", "negative length %d", newLength)
	}
	if donor != nil {
		if donor == c {
			illegal("set length", "chain cannot donate blocks to itself")
		}
		if !c.samePool(donor) {
			illegal("set length", "donor chain uses a different block pool")
		}
	}
	return c.setLength(newLength, donor)
}

func (c *Chain[P]) setLength(newLength int, donor *Chain[P]) error {
	target := numBlocks(newLength, c.bufSize)
	switch {
	case target > len(c.blocks):
		if err := c.grow(target-len(c.blocks), donor); err != nil {
			return err
		}
	case target < len(c.blocks):
		c.shrink(target)
	}
	c.length = newLength
	return nil
}

// grow appends n blocks to the tail, taking spare blocks from donor before the pool.
func (c *Chain[P]) grow(n int, donor *Chain[P]) error {
	base := len(c.blocks)
	moved := 0
	if donor != nil {
		moved = min(n, donor.spareBlocks())
	}
	if moved > 0 {
		// Tentatively link the donor's blocks; the donor keeps ownership until commit.
		c.blocks = append(c.blocks, donor.blocks[len(donor.blocks)-moved:]...)
	}
	if err := c.appendFromPool(n - moved); err != nil {
		clear(c.blocks[base:])
		c.blocks = c.blocks[:base]
		return err
	}
	if moved > 0 {
		start := len(donor.blocks) - moved
		clear(donor.blocks[start:])
		donor.blocks = donor.blocks[:start]
	}
	return nil
}

// appendFromPool appends n blocks from the pool to the tail.
// On failure any blocks it allocated are released and the tail is restored.
func (c *Chain[P]) appendFromPool(n int) error {
	if n <= 0 {
		return nil
	}
	if n > 1 {
		if err := c.pool.Reserve(n); err != nil {
			return err
		}
	}
	start := len(c.blocks)
	for range n {
		b, err := c.pool.Allocate()
		if err != nil {
			for i := len(c.blocks) - 1; i >= start; i-- {
				c.pool.Release(c.blocks[i])
				c.blocks[i] = nil
			}
			c.blocks = c.blocks[:start]
			return err
		}
		if len(b) < c.bufSize {
			panic(fmt.Errorf("internal error: pool returned a block of %d bytes, expected %d", len(b), c.bufSize))
		}
		c.blocks = append(c.blocks, b[:c.bufSize:c.bufSize])
	}
	return nil
}

// shrink releases every block from index target onwards back to the pool.
func (c *Chain[P]) shrink(target int) {
	for i := len(c.blocks) - 1; i >= target; i-- {
		c.pool.Release(c.blocks[i])
		c.blocks[i] = nil
	}
	c.blocks = c.blocks[:target]
}

// Append appends data to the end of the chain, growing it as needed.
// data must not alias the chain.
func (c *Chain[P]) Append(data []byte) error {
	if len(data) == 0 {
		return nil // No-op; empty bytes.
	}
	return c.replace("append", c.length, data)
}

// Replace copies data into the chain starting at offset, growing the chain if
// offset+len(data) exceeds its length. offset must be in [0, Length()] and data must
// not alias the chain.
func (c *Chain[P]) Replace(offset int, data []byte) error {
	if offset < 0 || offset > c.length {
		illegal("replace", "offset %d out of range [0, %d]", offset, c.length)
	}
	return c.replace("replace", offset, data)
}

func (c *Chain[P]) replace(op string, offset int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.checkAlias(op, data, offset, len(data))
	if end := offset + len(data); end > c.length {
		if err := c.setLength(end, nil); err != nil {
			return err
		}
	}
	c.write(offset, data)
	return nil
}

// ReplaceFrom copies numBytes bytes from source, starting at srcOffset, into the chain
// starting at offset, growing the chain as needed. Blocks are never shared between the
// chains and source is not modified. source must be a different chain.
func (c *Chain[P]) ReplaceFrom(offset int, source *Chain[P], srcOffset int, numBytes int) error {
	switch {
	case source == nil:
		illegal("replace", "nil source chain")
	case source == c:
		illegal("replace", "source chain must differ from destination chain")
	case offset < 0 || offset > c.length:
		illegal("replace", "offset %d out of range [0, %d]", offset, c.length)
	case numBytes < 0:
		illegal("replace", "negative number of bytes %d", numBytes)
	case srcOffset < 0 || srcOffset+numBytes > source.length:
		illegal("replace", "source range [%d, %d) out of range [0, %d)", srcOffset, srcOffset+numBytes, source.length)
	}
	if numBytes == 0 {
		return nil
	}
	if end := offset + numBytes; end > c.length {
		if err := c.setLength(end, nil); err != nil {
			return err
		}
	}

	dstIdx, dstPos := calcPosition(c.bufSize, offset)
	srcIdx, srcPos := calcPosition(source.bufSize, srcOffset)
	for numBytes > 0 {
		dst := c.blocks[dstIdx][dstPos:]
		src := source.blocks[srcIdx][srcPos:]
		n := copy(dst, src[:min(len(src), numBytes)])
		numBytes -= n
		if dstPos += n; dstPos == c.bufSize {
			dstIdx++
			dstPos = 0
		}
		if srcPos += n; srcPos == source.bufSize {
			srcIdx++
			srcPos = 0
		}
	}
	return nil
}

// write copies p into the chain starting at offset; the chain must already be
// large enough to hold it.
func (c *Chain[P]) write(offset int, p []byte) {
	idx, pos := calcPosition(c.bufSize, offset)
	for len(p) > 0 {
		n := copy(c.blocks[idx][pos:], p)
		p = p[n:]
		idx++
		pos = 0
	}
}

// CopyOut copies len(dst) bytes starting at offset into dst.
// The range [offset, offset+len(dst)) must be within the chain and dst must not
// alias the chain.
func (c *Chain[P]) CopyOut(dst []byte, offset int) {
	if offset < 0 || offset+len(dst) > c.length {
		illegal("copy out", "range [%d, %d) out of range [0, %d)", offset, offset+len(dst), c.length)
	}
	if len(dst) == 0 {
		return
	}
	c.checkAlias("copy out", dst, offset, len(dst))
	c.read(dst, offset)
}

// read copies len(p) bytes starting at offset into p without bounds checks.
func (c *Chain[P]) read(p []byte, offset int) {
	idx, pos := calcPosition(c.bufSize, offset)
	for len(p) > 0 {
		n := copy(p, c.blocks[idx][pos:])
		p = p[n:]
		idx++
		pos = 0
	}
}

// ReadAt implements the [io.ReaderAt] interface over the valid bytes of the chain.
func (c *Chain[P]) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("chain.ReadAt: negative offset")
	}
	if off >= int64(c.length) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n = min(len(p), c.length-int(off))
	c.read(p[:n], int(off))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// At returns the byte at index. Locating the block is O(1).
func (c *Chain[P]) At(index int) byte {
	if index < 0 || index >= c.length {
		illegal("at", "index %d out of range [0, %d)", index, c.length)
	}
	idx, pos := calcPosition(c.bufSize, index)
	return c.blocks[idx][pos]
}

// Set sets the byte at index to b.
func (c *Chain[P]) Set(index int, b byte) {
	if index < 0 || index >= c.length {
		illegal("set", "index %d out of range [0, %d)", index, c.length)
	}
	idx, pos := calcPosition(c.bufSize, index)
	c.blocks[idx][pos] = b
}

// Buffer returns the block at index. The returned slice is BufferSize bytes long,
// shares memory with the chain and is valid until the block is released by a
// shrink or RemoveAll.
func (c *Chain[P]) Buffer(index int) []byte {
	if index < 0 || index >= len(c.blocks) {
		illegal("buffer", "index %d out of range [0, %d)", index, len(c.blocks))
	}
	return c.blocks[index]
}

// LoadBuffers loads the blocks starting at block index start into dst and returns the
// number of blocks loaded, i.e. min(len(dst), NumBuffers()-start). Entries of dst
// beyond the returned count are unchanged.
func (c *Chain[P]) LoadBuffers(dst [][]byte, start int) int {
	c.checkBufferIndex("load buffers", start)
	if len(c.blocks) == 0 {
		return 0
	}
	return copy(dst, c.blocks[start:])
}

// AppendBuffers appends every block of the chain, in order, to dst and returns the
// extended slice.
func (c *Chain[P]) AppendBuffers(dst [][]byte) [][]byte {
	return append(dst, c.blocks...)
}

// Segments appends the blocks of the chain to dst trimmed to the valid bytes, so the
// last segment may be shorter than BufferSize. The result is ready for a gather write,
// e.g. with [net.Buffers.WriteTo].
func (c *Chain[P]) Segments(dst net.Buffers) net.Buffers {
	remaining := c.length
	for _, b := range c.blocks {
		n := min(len(b), remaining)
		dst = append(dst, b[:n:n])
		remaining -= n
	}
	return dst
}

// RemoveAll releases every block back to the pool and leaves the chain empty.
func (c *Chain[P]) RemoveAll() {
	c.shrink(0)
	c.length = 0
}

// Sum64 returns the 64-bit xxHash digest of the valid bytes in the chain.
func (c *Chain[P]) Sum64() uint64 {
	d := xxhash.New()
	remaining := c.length
	for _, b := range c.blocks {
		n := min(len(b), remaining)
		d.Write(b[:n])
		remaining -= n
	}
	return d.Sum64()
}

// Print outputs a visual representation of the chain for debugging purposes.
// It prints each block as a row of space-separated hexadecimal values.
func (c *Chain[P]) Print(w io.Writer) {
	if c == nil {
		return
	}
	fmt.Fprintf(w, "--- Chain (length %d, blocks %d) ---\n", c.length, len(c.blocks))
	if len(c.blocks) == 0 {
		fmt.Fprintf(w, "(empty)\n")
		return
	}

	// The width is the number of digits in the highest block index.
	paddingWidth := len(strconv.Itoa(len(c.blocks) - 1))
	for i, b := range c.blocks {
		fmt.Fprintf(w, "%*d: [% x]\n", paddingWidth, i, b)
	}
}

func (c *Chain[P]) checkBufferIndex(op string, start int) {
	if start < 0 || (start > 0 && start >= len(c.blocks)) {
		illegal(op, "buffer index %d out of range [0, %d)", start, len(c.blocks))
	}
}

// checkAlias panics if p overlaps any existing block covering the chain range
// [offset, offset+n).
func (c *Chain[P]) checkAlias(op string, p []byte, offset int, n int) {
	if len(c.blocks) == 0 || n == 0 {
		return
	}
	first, _ := calcPosition(c.bufSize, offset)
	last, _ := calcPosition(c.bufSize, offset+n-1)
	last = min(last, len(c.blocks)-1)
	for i := first; i <= last; i++ {
		if overlaps(p, c.blocks[i]) {
			illegal(op, "bytes alias block %d of the chain", i)
		}
	}
}

// overlaps reports whether a and b share any memory.
func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(unsafe.SliceData(a)))
	b0 := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return a0 < b0+uintptr(len(b)) && b0 < a0+uintptr(len(a))
}

// numBlocks returns the number of blocks of blockSize needed to hold length bytes.
// This is a ceiling division: (a + b - 1) / b
func numBlocks(length int, blockSize int) int {
	return (length + blockSize - 1) / blockSize
}

// calcPosition calculates a block index and an in-block position from an offset.
func calcPosition(blockSize int, offset int) (blockIdx int, pos int) {
	return offset / blockSize, offset % blockSize
}
