package vefs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// countingBackend is a PageBackend whose Load blocks until release is
// closed, counting invocations so concurrency tests can assert the
// at-most-one-load-per-key invariant (spec.md section 8, S6).
type countingBackend struct {
	loadCount atomic.Int32
	release   chan struct{}
}

func newCountingBackend() *countingBackend {
	return &countingBackend{release: make(chan struct{})}
}

func (b *countingBackend) Load(ctx context.Context, key PageKey) ([]byte, [MACSize]byte, error) {
	b.loadCount.Add(1)
	<-b.release
	return make([]byte, 64), [MACSize]byte{}, nil
}

func (b *countingBackend) Store(ctx context.Context, key PageKey, data []byte) ([MACSize]byte, error) {
	return [MACSize]byte{}, nil
}

func TestCachePinOrLoadAtMostOneLoadPerKey(t *testing.T) {
	backend := newCountingBackend()
	cache := NewCache(backend, 16, CacheLRU)
	key := PageKey{FileID: [16]byte{1}, Pos: TreePosition{Layer: 0, Index: 0}}

	const callers = 8
	results := make([]*cachePage, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			p, err := cache.PinOrLoad(context.Background(), key)
			if err != nil {
				t.Errorf("PinOrLoad: %v", err)
				return
			}
			results[i] = p
		}()
	}

	close(backend.release)
	wg.Wait()

	if got := backend.loadCount.Load(); got != 1 {
		t.Fatalf("expected exactly one Load call, got %d", got)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different page than caller 0", i)
		}
	}
}

// trackingBackend counts Store calls so SyncAll behavior can be asserted.
type trackingBackend struct {
	mu     sync.Mutex
	stores int
}

func (b *trackingBackend) Load(ctx context.Context, key PageKey) ([]byte, [MACSize]byte, error) {
	return make([]byte, 64), [MACSize]byte{}, nil
}

func (b *trackingBackend) Store(ctx context.Context, key PageKey, data []byte) ([MACSize]byte, error) {
	b.mu.Lock()
	b.stores++
	b.mu.Unlock()
	var mac [MACSize]byte
	mac[0] = byte(b.stores)
	return mac, nil
}

func TestCacheMarkDirtyThenSyncAllClearsDirty(t *testing.T) {
	backend := &trackingBackend{}
	cache := NewCache(backend, 16, CacheLRU)
	key := PageKey{FileID: [16]byte{2}, Pos: TreePosition{Layer: 0, Index: 0}}

	page, err := cache.PinOrLoad(context.Background(), key)
	if err != nil {
		t.Fatalf("PinOrLoad: %v", err)
	}
	cache.MarkDirty(page, make([]byte, 64))
	if _, _, dirty := page.snapshot(); !dirty {
		t.Fatalf("page must be dirty after MarkDirty")
	}

	if err := cache.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if _, _, dirty := page.snapshot(); dirty {
		t.Fatalf("page must be clean after SyncAll")
	}
	cache.Unpin(page)

	backend.mu.Lock()
	stores := backend.stores
	backend.mu.Unlock()
	if stores != 1 {
		t.Fatalf("expected exactly one Store call, got %d", stores)
	}
}

func TestCachePurgeFailsWhilePinned(t *testing.T) {
	backend := &trackingBackend{}
	cache := NewCache(backend, 16, CacheLRU)
	key := PageKey{FileID: [16]byte{3}, Pos: TreePosition{Layer: 0, Index: 0}}

	page, err := cache.PinOrLoad(context.Background(), key)
	if err != nil {
		t.Fatalf("PinOrLoad: %v", err)
	}
	if cache.Purge(key) {
		t.Fatalf("Purge must fail while the page is pinned")
	}
	cache.Unpin(page)
	if !cache.Purge(key) {
		t.Fatalf("Purge must succeed once the page is unpinned and clean")
	}
	if _, ok := cache.TryPin(key); ok {
		t.Fatalf("a purged page must not be resident")
	}
}

func TestCacheEvictsLRUUnderCapacity(t *testing.T) {
	backend := &trackingBackend{}
	cache := NewCache(backend, 2, CacheLRU)
	keyFor := func(i uint64) PageKey {
		return PageKey{FileID: [16]byte{4}, Pos: TreePosition{Layer: 0, Index: i}}
	}

	for i := uint64(0); i < 3; i++ {
		p, err := cache.PinOrLoad(context.Background(), keyFor(i))
		if err != nil {
			t.Fatalf("PinOrLoad(%d): %v", i, err)
		}
		cache.Unpin(p)
	}

	if _, ok := cache.TryPin(keyFor(0)); ok {
		t.Fatalf("expected the oldest page (index 0) to have been evicted")
	}
	if _, ok := cache.TryPin(keyFor(2)); !ok {
		t.Fatalf("expected the most recently loaded page (index 2) to still be resident")
	}
}
