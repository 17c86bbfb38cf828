package vefs

import (
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
)

// ioBuffer is a buffer handed out by an ioBufferManager: page-aligned when
// it comes from the pool, an ordinary heap slice when acquire fell back.
// Data is always exactly bufSize long; Release must be called exactly once.
type ioBuffer struct {
	data   []byte
	idx    int
	pooled bool
}

// Bytes returns the buffer's backing slice.
func (b *ioBuffer) Bytes() []byte { return b.data }

// ioBufferManager replaces the teacher's hand-rolled per-subtree mmap
// calls (container.go's mmapSubTree/munmap) with a fixed pool of N
// page-aligned buffers backed by one mmap'd, unlinked temp file, whose
// free list is guarded by a mutex, plus a non-blocking heap-allocation
// fallback once the pool is exhausted. This is the "target language
// standard allocator plus a fixed-size buffer pool" design note from
// spec.md section 9: pooled buffers keep page-aligned I/O without bespoke
// pool-allocator machinery.
type ioBufferManager struct {
	bufSize int

	mu     sync.Mutex
	file   *os.File
	region mmap.MMap
	free   []int
}

// newIOBufferManager creates a pool of count buffers of bufSize bytes
// each, backed by a single mmap'd temporary file that is unlinked
// immediately (the mapping keeps the storage alive for the pool's
// lifetime; no directory entry lingers on disk or across a crash).
func newIOBufferManager(bufSize, count int) (*ioBufferManager, error) {
	f, err := os.CreateTemp("", "vefs-iobuf-*")
	if err != nil {
		return nil, wrapErrorf(KindNotEnoughMemory, err, "failed to create buffer pool backing file")
	}
	if err := f.Truncate(int64(bufSize) * int64(count)); err != nil {
		f.Close()
		return nil, wrapErrorf(KindNotEnoughMemory, err, "failed to size buffer pool backing file")
	}
	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, wrapErrorf(KindNotEnoughMemory, err, "failed to mmap buffer pool")
	}
	// Unlink: the fd + mapping keep the storage alive; no path remains to
	// leak across process restarts.
	_ = os.Remove(f.Name())

	free := make([]int, count)
	for i := range free {
		free[i] = count - 1 - i
	}
	return &ioBufferManager{bufSize: bufSize, file: f, region: region, free: free}, nil
}

// acquire returns a zeroed buffer, page-aligned if it comes from the pool.
// When the pool is exhausted it falls back to a direct heap allocation
// (not guaranteed page-aligned) rather than
// blocking, matching spec.md section 9's "fallback to direct allocation
// under contention."
func (m *ioBufferManager) acquire() *ioBuffer {
	m.mu.Lock()
	if n := len(m.free); n > 0 {
		idx := m.free[n-1]
		m.free = m.free[:n-1]
		m.mu.Unlock()
		data := m.region[idx*m.bufSize : (idx+1)*m.bufSize : (idx+1)*m.bufSize]
		for i := range data {
			data[i] = 0
		}
		return &ioBuffer{data: data, idx: idx, pooled: true}
	}
	m.mu.Unlock()
	return &ioBuffer{data: make([]byte, m.bufSize), pooled: false}
}

func (m *ioBufferManager) release(b *ioBuffer) {
	if b == nil || !b.pooled {
		return
	}
	m.mu.Lock()
	m.free = append(m.free, b.idx)
	m.mu.Unlock()
}

func (m *ioBufferManager) Close() error {
	if err := m.region.Unmap(); err != nil {
		m.file.Close()
		return wrapErrorf(KindBad, err, "failed to unmap buffer pool")
	}
	if err := m.file.Close(); err != nil {
		return wrapErrorf(KindBad, err, "failed to close buffer pool backing file")
	}
	return nil
}
