package vefs

import (
	"encoding/binary"
	"sync"
)

// counter128 is a monotonically increasing 128-bit nonce counter, stored
// and incremented little-endian per spec.md section 3. Fetch-increment is
// guarded by a mutex rather than made lock-free: the teacher repo's own
// BorrowSeqNos/SetSeqNo pair (container.go) guards its signature counter
// the same way, under the reasoning that counter bumps are not the hot
// path compared to the sectors they gate.
type counter128 struct {
	mu  sync.Mutex
	lo  uint64
	hi  uint64
}

func newCounter128FromBytes(b [16]byte) *counter128 {
	c := &counter128{}
	c.lo = binary.LittleEndian.Uint64(b[0:8])
	c.hi = binary.LittleEndian.Uint64(b[8:16])
	return c
}

// next returns the current value and increments the counter.
func (c *counter128) next() [16]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], c.lo)
	binary.LittleEndian.PutUint64(out[8:16], c.hi)

	c.lo++
	if c.lo == 0 {
		c.hi++
	}
	return out
}

// bytes returns the current value without incrementing.
func (c *counter128) bytes() [16]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], c.lo)
	binary.LittleEndian.PutUint64(out[8:16], c.hi)
	return out
}
