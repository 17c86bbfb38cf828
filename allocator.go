package vefs

import (
	"context"
	"sync"

	"github.com/google/btree"
)

// freeRun is one contiguous run of free sector ids, [Start, Start+Len).
// The allocator's btree is keyed by Start so Less matches btree.Item's
// contract and adjacent-run coalescing is a pair of neighbor lookups.
type freeRun struct {
	Start SectorID
	Len   uint64
}

func (r freeRun) end() SectorID { return r.Start + SectorID(r.Len) }

func (r freeRun) Less(than btree.Item) bool {
	return r.Start < than.(freeRun).Start
}

// Allocator is C7: the archive's free-sector bookkeeping. It hands out
// fresh ids to growing trees (sectortree.go's SectorAllocator interface)
// and reclaims ids erase_leaf and file deletion no longer need, coalescing
// adjacent runs so long-lived archives don't fragment their free map
// across millions of single-sector entries.
type Allocator struct {
	mu      sync.Mutex
	free    *btree.BTree
	nextNew SectorID // first sector id past the current host file size
	device  *SectorDevice
}

// NewAllocator constructs an Allocator over an initially-empty free map;
// the caller seeds it with AddFreeRun for any runs recovered from the
// free-block index. The host file's current extent is taken from
// device.NumSectors() here.
func NewAllocator(device *SectorDevice) *Allocator {
	return &Allocator{free: btree.New(32), device: device, nextNew: SectorID(device.NumSectors())}
}

// AddFreeRun registers [start, start+length) as free, coalescing with
// any adjacent runs already present.
func (a *Allocator) AddFreeRun(start SectorID, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addFreeRunLocked(start, length)
}

func (a *Allocator) addFreeRunLocked(start SectorID, length uint64) {
	run := freeRun{Start: start, Len: length}

	// Merge with the run immediately before, if adjacent.
	a.free.DescendLessOrEqual(freeRun{Start: start}, func(item btree.Item) bool {
		prev := item.(freeRun)
		if prev.end() == run.Start {
			a.free.Delete(prev)
			run.Start = prev.Start
			run.Len += prev.Len
		}
		return false
	})
	// Merge with the run immediately after, if adjacent.
	a.free.AscendGreaterOrEqual(freeRun{Start: run.end()}, func(item btree.Item) bool {
		next := item.(freeRun)
		if next.Start == run.end() {
			a.free.Delete(next)
			run.Len += next.Len
		}
		return false
	})
	a.free.ReplaceOrInsert(run)
}

// AllocOne returns a single free sector id, extending the host file by
// one sector if the free map is empty.
func (a *Allocator) AllocOne(ctx context.Context) (SectorID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var found *freeRun
	a.free.Ascend(func(item btree.Item) bool {
		run := item.(freeRun)
		found = &run
		return false
	})
	if found != nil {
		a.free.Delete(*found)
		id := found.Start
		if found.Len > 1 {
			a.free.ReplaceOrInsert(freeRun{Start: found.Start + 1, Len: found.Len - 1})
		}
		return id, nil
	}

	id, err := a.device.GrowBy(1)
	if err != nil {
		return 0, err
	}
	a.nextNew = id + 1
	return id, nil
}

// AllocContiguous returns count consecutive free sector ids, extending
// the host file if no single free run is long enough. It never splices
// together two non-adjacent runs: meta-file inner sectors rely on a
// single contiguous allocation only for their own growth burst, not
// across the whole archive's lifetime, so a conservative "extend" is an
// acceptable fallback rather than a more invasive defragmentation pass.
func (a *Allocator) AllocContiguous(ctx context.Context, count uint64) (SectorID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var found *freeRun
	a.free.Ascend(func(item btree.Item) bool {
		run := item.(freeRun)
		if run.Len >= count {
			found = &run
			return false
		}
		return true
	})
	if found != nil {
		a.free.Delete(*found)
		id := found.Start
		if found.Len > count {
			a.free.ReplaceOrInsert(freeRun{Start: found.Start + SectorID(count), Len: found.Len - count})
		}
		return id, nil
	}

	id, err := a.device.GrowBy(count)
	if err != nil {
		return 0, err
	}
	a.nextNew = id + SectorID(count)
	return id, nil
}

// DeallocOne returns a single sector id to the free map.
func (a *Allocator) DeallocOne(id SectorID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addFreeRunLocked(id, 1)
	return nil
}

// DeallocRun returns a whole contiguous run to the free map at once.
func (a *Allocator) DeallocRun(start SectorID, length uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addFreeRunLocked(start, length)
	return nil
}

// Snapshot returns every free run currently known, in ascending order,
// for serialization into the free-block index.
func (a *Allocator) Snapshot() []freeRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	runs := make([]freeRun, 0, a.free.Len())
	a.free.Ascend(func(item btree.Item) bool {
		runs = append(runs, item.(freeRun))
		return true
	})
	return runs
}

// TrimTrailingFree shrinks the host file by any free run that ends
// exactly at the current file size, called from Archive.Commit after the
// filesystem index is committed and before the free-block index is
// written, so a shrinking archive's host file doesn't just grow forever.
func (a *Allocator) TrimTrailingFree() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	numSectors := a.device.NumSectors()
	var trailing *freeRun
	a.free.Descend(func(item btree.Item) bool {
		run := item.(freeRun)
		if run.end() == SectorID(numSectors) {
			trailing = &run
		}
		return false
	})
	if trailing == nil || trailing.Start <= MasterSectorID {
		return nil
	}
	a.free.Delete(*trailing)
	return a.device.TruncateSectors(uint64(trailing.Start))
}

// RecoverUnusedSectors performs the boot-time leak scan spec.md section 9
// calls for: given the set of sector ids actually reachable from the
// filesystem index and free-block index trees, any id in
// [1, NumSectors) that is neither reachable nor already in the free map
// is a leak from a crash between a sector write and its parent's commit,
// and is folded back into the free map.
func (a *Allocator) RecoverUnusedSectors(reachable map[SectorID]bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	inFree := make(map[SectorID]bool)
	a.free.Ascend(func(item btree.Item) bool {
		run := item.(freeRun)
		for i := uint64(0); i < run.Len; i++ {
			inFree[run.Start+SectorID(i)] = true
		}
		return true
	})

	total := a.device.NumSectors()
	for id := uint64(1); id < total; id++ {
		sid := SectorID(id)
		if !reachable[sid] && !inFree[sid] {
			a.addFreeRunLocked(sid, 1)
		}
	}
	return nil
}
