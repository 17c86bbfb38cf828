package vefs

import (
	"context"
	"sync"
)

// SectorAllocator is the capability a concurrentSectorTree needs from C7
// to grow: a source of fresh sector ids and a sink for ids a shrinking
// tree no longer needs. allocator.go's Allocator is the only
// implementation; the interface exists so sectortree.go and
// allocator.go don't need to know about each other's internals.
type SectorAllocator interface {
	AllocOne(ctx context.Context) (SectorID, error)
	DeallocOne(id SectorID) error
}

// concurrentSectorTree is C6: the cache-backed radix tree belonging to
// one virtual file. It implements PageBackend so a Cache can load and
// flush its pages; the tree itself only knows how to translate a leaf
// index into a root-to-leaf path and keep inner-node child references
// consistent as pages above a dirty page get marked dirty in turn.
type concurrentSectorTree struct {
	device    *SectorDevice
	fctx      *fileCryptoContext
	allocator SectorAllocator
	cache     *Cache
	fileID    [16]byte

	rootMu     sync.RWMutex
	depth      uint8
	rootSector SectorID
	rootMAC    [MACSize]byte
}

func newConcurrentSectorTree(device *SectorDevice, fctx *fileCryptoContext, allocator SectorAllocator,
	fileID [16]byte, depth uint8, rootSector SectorID, rootMAC [MACSize]byte, cacheCapacity int, strategy EvictionStrategy) *concurrentSectorTree {
	t := &concurrentSectorTree{
		device: device, fctx: fctx, allocator: allocator, fileID: fileID,
		depth: depth, rootSector: rootSector, rootMAC: rootMAC,
	}
	t.cache = NewCache(t, cacheCapacity, strategy)
	return t
}

// Depth, RootSector, RootMAC report the tree's current root, snapshot
// after Commit has flushed every dirty page.
func (t *concurrentSectorTree) Depth() uint8         { t.rootMu.RLock(); defer t.rootMu.RUnlock(); return t.depth }
func (t *concurrentSectorTree) RootSector() SectorID { t.rootMu.RLock(); defer t.rootMu.RUnlock(); return t.rootSector }
func (t *concurrentSectorTree) RootMAC() [MACSize]byte {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.rootMAC
}

func (t *concurrentSectorTree) rootKey() PageKey {
	return PageKey{FileID: t.fileID, Pos: rootPosition(t.Depth())}
}

func (t *concurrentSectorTree) pathToLeaf(leafIndex uint64) []TreePosition {
	depth := t.Depth()
	path := make([]TreePosition, depth+1)
	path[depth] = rootPosition(depth)
	idx := leafIndex
	for layer := depth; layer > 0; layer-- {
		fanOutAbove := leafCapacity(layer - 1)
		offset := idx / fanOutAbove
		idx = idx % fanOutAbove
		path[layer-1] = TreePosition{Layer: layer - 1, Index: path[layer].Index*refsPerSector + offset}
	}
	return path
}

// Access reads leaf leafIndex for read-only use, returning the pinned
// leaf page; the caller must Unpin it. Returns KindSectorReferenceOutOfRange
// if leafIndex exceeds the tree's current capacity.
func (t *concurrentSectorTree) Access(ctx context.Context, leafIndex uint64) (*cachePage, error) {
	if leafIndex >= leafCapacity(t.Depth()) {
		return nil, errorf(KindSectorReferenceOutOfRange, "leaf %d exceeds tree capacity", leafIndex)
	}
	return t.pinPath(ctx, leafIndex, false)
}

// AccessOrCreate behaves like Access, but grows the tree (allocating new
// inner/leaf sectors along the path, and wrapping the root in a new
// layer if leafIndex doesn't fit the current depth) rather than failing
// when leafIndex is out of range.
func (t *concurrentSectorTree) AccessOrCreate(ctx context.Context, leafIndex uint64) (*cachePage, error) {
	neededDepth := depthForLeafIndex(leafIndex)
	if err := t.growTo(ctx, neededDepth); err != nil {
		return nil, err
	}
	return t.pinPath(ctx, leafIndex, true)
}

// growTo wraps the current root under new layers until the tree's depth
// is at least neededDepth. Each new root is a freshly allocated inner
// sector whose sole child reference points at the previous root.
func (t *concurrentSectorTree) growTo(ctx context.Context, neededDepth uint8) error {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	for t.depth < neededDepth {
		newRootID, err := t.allocator.AllocOne(ctx)
		if err != nil {
			return err
		}
		payload := make([]byte, t.leafOrInnerPayloadSize())
		ref := newSectorReference(t.rootSector, t.rootMAC)
		if err := writeRefInto(payload, ref); err != nil {
			return err
		}

		mac, err := t.device.WriteSector(t.fctx, newRootID, payload)
		if err != nil {
			return err
		}
		t.depth++
		t.rootSector = newRootID
		t.rootMAC = mac
	}
	return nil
}

// leafOrInnerPayloadSize is the payload width for every sector this tree
// writes. Meta-files (the filesystem index and free-block index) reserve
// the first 32 bytes of every sector for an allocation bitmap; ordinary
// files use the full sector payload.
func (t *concurrentSectorTree) leafOrInnerPayloadSize() int {
	if t.fileID == archiveIndexFileID || t.fileID == freeBlockIndexFileID {
		return MetaLeafPayloadSize
	}
	return UserLeafPayloadSize
}

// pinPath walks from the root to leafIndex's leaf, pinning and releasing
// each inner node in turn (only the leaf stays pinned on return).
// allocate controls whether an absent child is created (AccessOrCreate)
// or reported as KindSectorReferenceOutOfRange (Access).
func (t *concurrentSectorTree) pinPath(ctx context.Context, leafIndex uint64, allocate bool) (*cachePage, error) {
	path := t.pathToLeaf(leafIndex)

	rootPage, err := t.cache.PinOrLoad(ctx, t.rootKey())
	if err != nil {
		return nil, err
	}
	cur := rootPage
	for layer := len(path) - 2; layer >= 0; layer-- {
		childPos := path[layer]
		_, childOffset := childPos.parent()

		data, _, _ := cur.snapshot()
		var ref RawSectorReference
		copy(ref[:], data[childOffset*sectorRefSize:(childOffset+1)*sectorRefSize])

		if ref.isZero() {
			if !allocate {
				t.cache.Unpin(cur)
				return nil, errorf(KindSectorReferenceOutOfRange, "leaf %d not yet allocated", leafIndex)
			}
			newID, err := t.allocator.AllocOne(ctx)
			if err != nil {
				t.cache.Unpin(cur)
				return nil, err
			}
			zero := make([]byte, t.leafOrInnerPayloadSize())
			mac, err := t.device.WriteSector(t.fctx, newID, zero)
			if err != nil {
				t.cache.Unpin(cur)
				return nil, err
			}
			ref = newSectorReference(newID, mac)
			if err := writeRefInto(data[childOffset*sectorRefSize:(childOffset+1)*sectorRefSize], ref); err != nil {
				t.cache.Unpin(cur)
				return nil, err
			}
			t.cache.MarkDirty(cur, data)

			// Pre-seed the cache with the zeroed child we just wrote so
			// the subsequent PinOrLoad is a pure cache hit.
			childKey := PageKey{FileID: t.fileID, Pos: childPos}
			t.cache.mu.Lock()
			if _, exists := t.cache.pages[childKey]; !exists {
				if err := t.cache.makeRoom(ctx); err != nil {
					t.cache.mu.Unlock()
					t.cache.Unpin(cur)
					return nil, err
				}
				p := newLoadingPage(childKey)
				t.cache.pages[childKey] = p
				t.cache.policy.onInsert(childKey)
				t.cache.mu.Unlock()
				p.finishLoad(zero, mac)
			} else {
				t.cache.mu.Unlock()
			}
		}

		next, err := t.cache.PinOrLoad(ctx, PageKey{FileID: t.fileID, Pos: childPos})
		t.cache.Unpin(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// EraseLeaf erases leafIndex's sector in place (SectorDevice.EraseSector)
// and clears its parent's reference to it, without reclaiming the id: the
// caller (VFile.Truncate) owns deallocating it through the allocator once
// it is sure no concurrent reader still holds the id. In a depth-0 tree
// the only leaf is the root, which has no parent reference; it is left in
// place and 0 is returned.
func (t *concurrentSectorTree) EraseLeaf(ctx context.Context, leafIndex uint64) (SectorID, error) {
	path := t.pathToLeaf(leafIndex)
	if len(path) < 2 {
		return 0, nil
	}
	parentPos := path[1]
	_, childOffset := path[0].parent()

	parent, err := t.cache.PinOrLoad(ctx, PageKey{FileID: t.fileID, Pos: parentPos})
	if err != nil {
		return 0, err
	}
	defer t.cache.Unpin(parent)

	data, _, _ := parent.snapshot()
	var ref RawSectorReference
	copy(ref[:], data[childOffset*sectorRefSize:(childOffset+1)*sectorRefSize])
	if ref.isZero() {
		return 0, nil
	}
	id := ref.sectorID()

	t.cache.Purge(PageKey{FileID: t.fileID, Pos: path[0]})
	if err := t.device.EraseSector(id); err != nil {
		return 0, err
	}

	var zeroRef RawSectorReference
	copy(data[childOffset*sectorRefSize:(childOffset+1)*sectorRefSize], zeroRef[:])
	t.cache.MarkDirty(parent, data)
	return id, nil
}

// Commit flushes every dirty page, repeating SyncAll until no page is
// left dirty (Store's parent-reference update dirties the parent, so a
// parent that was clean or already flushed when a pass began is written
// by a later pass), and returns the tree's new root descriptor fields.
func (t *concurrentSectorTree) Commit(ctx context.Context) (depth uint8, rootSector SectorID, rootMAC [MACSize]byte, err error) {
	for {
		anyDirty, syncErr := t.syncAllUntilQuiet(ctx)
		if syncErr != nil {
			return 0, 0, [MACSize]byte{}, syncErr
		}
		if !anyDirty {
			break
		}
	}
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.depth, t.rootSector, t.rootMAC, nil
}

func (t *concurrentSectorTree) syncAllUntilQuiet(ctx context.Context) (bool, error) {
	t.cache.mu.Lock()
	any := false
	for _, p := range t.cache.pages {
		if _, _, dirty := p.snapshot(); dirty {
			any = true
			break
		}
	}
	t.cache.mu.Unlock()
	if !any {
		return false, nil
	}
	return true, t.cache.SyncAll(ctx)
}

// Load implements PageBackend by reading key's sector through its
// parent's reference, or through the tree's own root descriptor for the
// root position.
func (t *concurrentSectorTree) Load(ctx context.Context, key PageKey) ([]byte, [MACSize]byte, error) {
	if key.Pos == rootPosition(t.Depth()) {
		dst := make([]byte, t.leafOrInnerPayloadSize())
		mac := t.RootMAC()
		if err := t.device.ReadSector(dst, t.fctx, t.RootSector(), mac); err != nil {
			return nil, [MACSize]byte{}, err
		}
		return dst, mac, nil
	}

	parentPos, childOffset := key.Pos.parent()
	parent, err := t.cache.PinOrLoad(ctx, PageKey{FileID: t.fileID, Pos: parentPos})
	if err != nil {
		return nil, [MACSize]byte{}, err
	}
	defer t.cache.Unpin(parent)

	data, _, _ := parent.snapshot()
	var ref RawSectorReference
	copy(ref[:], data[childOffset*sectorRefSize:(childOffset+1)*sectorRefSize])
	if ref.isZero() {
		return nil, [MACSize]byte{}, errorf(KindSectorReferenceOutOfRange, "child at offset %d not allocated", childOffset)
	}

	dst := make([]byte, t.leafOrInnerPayloadSize())
	if err := t.device.ReadSector(dst, t.fctx, ref.sectorID(), ref.mac()); err != nil {
		return nil, [MACSize]byte{}, err
	}
	return dst, ref.mac(), nil
}

// Store implements PageBackend by sealing key's sector in place (the
// page's own sector id never changes - a write never moves a logical
// page to a new physical sector) and, unless key is the root, propagating
// the new MAC into the parent's reference, which dirties the parent in
// turn.
func (t *concurrentSectorTree) Store(ctx context.Context, key PageKey, data []byte) ([MACSize]byte, error) {
	id, err := t.sectorIDFor(ctx, key)
	if err != nil {
		return [MACSize]byte{}, err
	}
	mac, err := t.device.WriteSector(t.fctx, id, data)
	if err != nil {
		return mac, err
	}

	if key.Pos == rootPosition(t.Depth()) {
		t.rootMu.Lock()
		t.rootMAC = mac
		t.rootMu.Unlock()
		return mac, nil
	}

	parentPos, childOffset := key.Pos.parent()
	parent, err := t.cache.PinOrLoad(ctx, PageKey{FileID: t.fileID, Pos: parentPos})
	if err != nil {
		return mac, err
	}
	defer t.cache.Unpin(parent)

	pdata, _, _ := parent.snapshot()
	ref := newSectorReference(id, mac)
	if err := writeRefInto(pdata[childOffset*sectorRefSize:(childOffset+1)*sectorRefSize], ref); err != nil {
		return mac, err
	}
	t.cache.MarkDirty(parent, pdata)
	return mac, nil
}

// allSectorIDs walks the whole tree directly through the sector device,
// bypassing the cache, and returns every sector id it references
// (including inner nodes, not just leaves). Used by the boot-time leak
// scan, which needs true reachability rather than a cache-warm subset,
// and by Archive.Erase to collect every sector of the file it deletes.
func (t *concurrentSectorTree) allSectorIDs(ctx context.Context) ([]SectorID, error) {
	root := t.RootSector()
	return t.walkSubtree(t.Depth(), root, t.RootMAC())
}

// walkSubtree reads the sector at id (an inner node if layer > 0, a leaf
// otherwise) and recurses into every non-zero child reference,
// collecting id itself plus every sector id reachable beneath it.
func (t *concurrentSectorTree) walkSubtree(layer uint8, id SectorID, mac [MACSize]byte) ([]SectorID, error) {
	ids := []SectorID{id}
	if layer == 0 {
		return ids, nil
	}

	dst := make([]byte, t.leafOrInnerPayloadSize())
	if err := t.device.ReadSector(dst, t.fctx, id, mac); err != nil {
		return nil, err
	}
	for off := 0; off+sectorRefSize <= len(dst); off += sectorRefSize {
		var ref RawSectorReference
		copy(ref[:], dst[off:off+sectorRefSize])
		if ref.isZero() {
			continue
		}
		sub, err := t.walkSubtree(layer-1, ref.sectorID(), ref.mac())
		if err != nil {
			return nil, err
		}
		ids = append(ids, sub...)
	}
	return ids, nil
}

// sectorIDFor recovers the physical sector id currently backing key,
// which Store needs before it can call device.WriteSector: the id itself
// lives in the parent's reference (or the tree's root field), the same
// place Load reads it from.
func (t *concurrentSectorTree) sectorIDFor(ctx context.Context, key PageKey) (SectorID, error) {
	if key.Pos == rootPosition(t.Depth()) {
		return t.RootSector(), nil
	}
	parentPos, childOffset := key.Pos.parent()
	parent, err := t.cache.PinOrLoad(ctx, PageKey{FileID: t.fileID, Pos: parentPos})
	if err != nil {
		return 0, err
	}
	defer t.cache.Unpin(parent)
	data, _, _ := parent.snapshot()
	var ref RawSectorReference
	copy(ref[:], data[childOffset*sectorRefSize:(childOffset+1)*sectorRefSize])
	return ref.sectorID(), nil
}
