package chain

import "golang.org/x/sys/unix"

// LoadIovecs loads I/O vector elements for the blocks starting at block index start
// into dst and returns the number of elements loaded. Every element spans a full block
// of BufferSize bytes, so the vector can be passed to readv(2) as is; callers issuing
// writev(2) should trim the last element to the chain's length.
func (c *Chain[P]) LoadIovecs(dst []unix.Iovec, start int) int {
	c.checkBufferIndex("load iovecs", start)
	if len(c.blocks) == 0 {
		return 0
	}
	n := min(len(dst), len(c.blocks)-start)
	for i := range n {
		b := c.blocks[start+i]
		dst[i].Base = &b[0]
		dst[i].SetLen(len(b))
	}
	return n
}
