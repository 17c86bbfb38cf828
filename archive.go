package vefs

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// defaultPageCacheCapacity bounds how many decrypted sectors a single
// file's Cache keeps resident; Archive gives every open VFile its own
// Cache instance, so this is a per-file, not archive-wide, budget.
const defaultPageCacheCapacity = 256

// Archive is C10: the facade spec.md's [MODULE] operations are phrased
// against. It owns the sector device, the allocator, the filesystem
// index, and the set of currently open files, and is responsible for
// committing all of that back to a single, atomically-swapped archive
// header.
type Archive struct {
	device    *SectorDevice
	allocator *Allocator

	fsIndexTree   *concurrentSectorTree
	fsIndex       *FSIndex
	freeIndexTree      *concurrentSectorTree
	freeIndexMaxExtent uint64

	mu        sync.Mutex
	openFiles map[string]*VFile
}

// freeRunWire is the wire encoding of one free run in the free-block
// index's meta-file.
type freeRunWire struct {
	_     struct{} `cbor:",toarray"`
	Start uint64
	Len   uint64
}

// CreateArchive initializes a brand new archive at path, sealed under
// the given user PRK.
func CreateArchive(path string, prk [32]byte, provider CryptoProvider) (*Archive, error) {
	device, err := CreateSectorDevice(path, prk, provider)
	if err != nil {
		return nil, err
	}
	ar := &Archive{device: device, allocator: NewAllocator(device), openFiles: make(map[string]*VFile)}

	fsSecret, fsCounter := device.NewFileSecretAndCounter()
	fsRoot, err := ar.allocator.AllocOne(context.Background())
	if err != nil {
		device.Close()
		return nil, err
	}
	fsFctx := device.NewFileCryptoContext(fsSecret, fsCounter)
	fsMAC, err := device.WriteSector(fsFctx, fsRoot, make([]byte, MetaLeafPayloadSize))
	if err != nil {
		device.Close()
		return nil, err
	}
	ar.fsIndexTree = newConcurrentSectorTree(device, fsFctx, ar.allocator, archiveIndexFileID, 0, fsRoot, fsMAC, defaultPageCacheCapacity, CacheLRU)
	ar.fsIndex = newFSIndex(newVFile(archiveIndexFileID, "", ar.fsIndexTree, 0, 0))

	freeSecret, freeCounter := device.NewFileSecretAndCounter()
	freeRootID, err := ar.allocator.AllocOne(context.Background())
	if err != nil {
		device.Close()
		return nil, err
	}
	freeFctx := device.NewFileCryptoContext(freeSecret, freeCounter)
	freeMAC, err := device.WriteSector(freeFctx, freeRootID, make([]byte, MetaLeafPayloadSize))
	if err != nil {
		device.Close()
		return nil, err
	}
	ar.freeIndexTree = newConcurrentSectorTree(device, freeFctx, ar.allocator, freeBlockIndexFileID, 0, freeRootID, freeMAC, defaultPageCacheCapacity, CacheLRU)

	if err := ar.Commit(context.Background()); err != nil {
		device.Close()
		return nil, err
	}
	return ar, nil
}

// OpenArchive opens an existing archive at path, unsealing it with the
// given user PRK, and runs the boot-time free-sector leak scan.
func OpenArchive(path string, prk [32]byte, provider CryptoProvider) (*Archive, error) {
	device, err := OpenSectorDevice(path, prk, provider)
	if err != nil {
		return nil, err
	}
	ar := &Archive{device: device, allocator: NewAllocator(device), openFiles: make(map[string]*VFile)}

	header := device.Header()

	fsFctx := device.NewFileCryptoContext(header.FSIndex.Secret, header.FSIndex.SecretCounter)
	ar.fsIndexTree = newConcurrentSectorTree(device, fsFctx, ar.allocator, archiveIndexFileID,
		header.FSIndex.TreeDepth, header.FSIndex.RootSector, header.FSIndex.RootMAC, defaultPageCacheCapacity, CacheLRU)
	fsFile := newVFile(archiveIndexFileID, "", ar.fsIndexTree, header.FSIndex.MaximumExtent, header.FSIndex.ModTime)
	fsIndex, err := openFSIndex(context.Background(), fsFile)
	if err != nil {
		device.Close()
		return nil, err
	}
	ar.fsIndex = fsIndex

	freeFctx := device.NewFileCryptoContext(header.FreeIndex.Secret, header.FreeIndex.SecretCounter)
	ar.freeIndexTree = newConcurrentSectorTree(device, freeFctx, ar.allocator, freeBlockIndexFileID,
		header.FreeIndex.TreeDepth, header.FreeIndex.RootSector, header.FreeIndex.RootMAC, defaultPageCacheCapacity, CacheLRU)
	ar.freeIndexMaxExtent = header.FreeIndex.MaximumExtent
	freeFile := newVFile(freeBlockIndexFileID, "", ar.freeIndexTree, header.FreeIndex.MaximumExtent, header.FreeIndex.ModTime)

	if err := ar.loadFreeIndex(context.Background(), freeFile); err != nil {
		device.Close()
		return nil, err
	}
	if err := ar.recoverLeaks(context.Background()); err != nil {
		device.Close()
		return nil, err
	}
	return ar, nil
}

func (ar *Archive) loadFreeIndex(ctx context.Context, file *VFile) error {
	size := file.MaximumExtent()
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	if _, err := file.Read(ctx, 0, buf); err != nil {
		return err
	}
	var runs []freeRunWire
	if err := cbor.Unmarshal(buf, &runs); err != nil {
		return wrapErrorf(KindCorruptIndexEntry, err, "failed to decode free-block index")
	}
	for _, r := range runs {
		ar.allocator.AddFreeRun(SectorID(r.Start), r.Len)
	}
	return nil
}

// recoverLeaks implements spec.md section 9's boot-time leak recovery:
// every sector reachable from the filesystem index, the free-block
// index, or their own two trees is "in use"; anything else is a leak
// from a crash between a sector write and its parent's commit, and is
// folded back into the free map unconditionally, on every open.
func (ar *Archive) recoverLeaks(ctx context.Context) error {
	reachable := make(map[SectorID]bool)
	reachable[MasterSectorID] = true

	own, err := ar.fsIndexTree.allSectorIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range own {
		reachable[id] = true
	}
	own, err = ar.freeIndexTree.allSectorIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range own {
		reachable[id] = true
	}

	for path := range ar.fsIndex.entries {
		fd := ar.fsIndex.entries[path]
		tree := newConcurrentSectorTree(ar.device, ar.device.NewFileCryptoContext(fd.Secret, fd.SecretCounter),
			ar.allocator, fd.FileID, fd.TreeDepth, fd.RootSector, fd.RootMAC, 1, CacheLRU)
		ids, err := tree.allSectorIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			reachable[id] = true
		}
	}

	return ar.allocator.RecoverUnusedSectors(reachable)
}

// Open returns the VFile for path, creating it first if createIfMissing
// is set and no such file exists yet.
func (ar *Archive) Open(ctx context.Context, path string, createIfMissing bool) (*VFile, error) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	if f, ok := ar.openFiles[path]; ok {
		return f, nil
	}

	fd, exists := ar.fsIndex.Query(path)
	if !exists {
		if !createIfMissing {
			return nil, errorf(KindNoSuchFile, "no file at %q", path).withFile(path)
		}
		fd = FileDescriptor{FileID: newFileID(), Path: path}
		fd.Secret, fd.SecretCounter = ar.device.NewFileSecretAndCounter()
		root, err := ar.allocator.AllocOne(ctx)
		if err != nil {
			return nil, err
		}
		fctx := ar.device.NewFileCryptoContext(fd.Secret, fd.SecretCounter)
		mac, err := ar.device.WriteSector(fctx, root, make([]byte, UserLeafPayloadSize))
		if err != nil {
			return nil, err
		}
		fd.RootSector = root
		fd.RootMAC = mac
		fd.ModTime = time.Now().UnixNano()
		if err := ar.fsIndex.Insert(path, fd); err != nil {
			return nil, err
		}
	}

	fctx := ar.device.NewFileCryptoContext(fd.Secret, fd.SecretCounter)
	tree := newConcurrentSectorTree(ar.device, fctx, ar.allocator, fd.FileID, fd.TreeDepth, fd.RootSector, fd.RootMAC, defaultPageCacheCapacity, CacheLRU)
	f := newVFile(fd.FileID, path, tree, fd.MaximumExtent, fd.ModTime)
	ar.openFiles[path] = f
	return f, nil
}

// Query reports whether path exists, without opening it.
func (ar *Archive) Query(path string) (FileDescriptor, bool) {
	return ar.fsIndex.Query(path)
}

// ReclaimSector returns a sector a caller (VFile.Truncate's dealloc
// callback) has erased to the allocator's free map.
func (ar *Archive) ReclaimSector(id SectorID) error {
	return ar.allocator.DeallocOne(id)
}

// CreateOrOpenArchive opens the archive at path, creating it first if it
// doesn't yet exist - the "if_needed" creation disposition the upsert
// commandlet uses, as opposed to Open/CreateArchive's "must already
// exist"/"must not already exist" dispositions.
func CreateOrOpenArchive(path string, prk [32]byte, provider CryptoProvider) (*Archive, error) {
	if _, err := os.Stat(path); err == nil {
		return OpenArchive(path, prk, provider)
	} else if !os.IsNotExist(err) {
		return nil, wrapErrorf(KindBad, err, "failed to stat %q", path)
	}
	return CreateArchive(path, prk, provider)
}

// List returns every path currently registered in the filesystem index.
func (ar *Archive) List() []string { return ar.fsIndex.Paths() }

// Erase removes path from the archive: its descriptor is dropped from
// the filesystem index and every sector of its tree is erased and
// deallocated. path must not currently be open.
func (ar *Archive) Erase(ctx context.Context, path string) error {
	ar.mu.Lock()
	if _, open := ar.openFiles[path]; open {
		ar.mu.Unlock()
		return errorf(KindStillInUse, "file %q is open", path).withFile(path)
	}
	ar.mu.Unlock()

	fd, err := ar.fsIndex.Erase(path)
	if err != nil {
		return err
	}

	fctx := ar.device.NewFileCryptoContext(fd.Secret, fd.SecretCounter)
	tree := newConcurrentSectorTree(ar.device, fctx, ar.allocator, fd.FileID, fd.TreeDepth, fd.RootSector, fd.RootMAC, 1, CacheLRU)
	ids, err := tree.allSectorIDs(ctx)
	if err != nil {
		return err
	}
	var agg error
	for _, id := range ids {
		if err := ar.device.EraseSector(id); err != nil {
			agg = multierror.Append(agg, err)
			continue
		}
		if err := ar.allocator.DeallocOne(id); err != nil {
			agg = multierror.Append(agg, err)
		}
	}
	return agg
}

// Close flushes Close's own file set and releases the sector device.
func (ar *Archive) Close(ctx context.Context) error {
	var agg error
	if err := ar.Commit(ctx); err != nil {
		agg = multierror.Append(agg, err)
	}
	if err := ar.device.Close(); err != nil {
		agg = multierror.Append(agg, err)
	}
	return agg
}

// Commit is the archive's single synchronizing operation (spec.md
// section 5): sync every open file's dirty sectors in parallel, persist
// their descriptors into the filesystem index, commit the filesystem
// index tree, trim trailing free sectors, write and commit the free-block
// index tree, and finally swap the archive header to reference the new
// roots. Any step
// failing aborts before the header swap, so a crash mid-commit always
// leaves the previous, still-valid header in place.
func (ar *Archive) Commit(ctx context.Context) error {
	ar.mu.Lock()
	files := make([]*VFile, 0, len(ar.openFiles))
	for _, f := range ar.openFiles {
		files = append(files, f)
	}
	ar.mu.Unlock()

	descs := make([]FileDescriptor, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			fd, err := f.Commit(gctx)
			if err != nil {
				return err
			}
			descs[i] = fd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, f := range files {
		if err := ar.fsIndex.Update(f.Path(), descs[i]); err != nil {
			return err
		}
	}

	fsDesc, err := ar.fsIndex.Commit(ctx)
	if err != nil {
		return err
	}

	if err := ar.allocator.TrimTrailingFree(); err != nil {
		return err
	}
	runs := ar.allocator.Snapshot()
	wire := make([]freeRunWire, len(runs))
	for i, r := range runs {
		wire[i] = freeRunWire{Start: uint64(r.Start), Len: r.Len}
	}
	buf, err := cbor.Marshal(wire)
	if err != nil {
		return wrapErrorf(KindBad, err, "failed to encode free-block index")
	}

	freeFile := newVFile(freeBlockIndexFileID, "", ar.freeIndexTree, ar.freeIndexMaxExtent, 0)
	if err := freeFile.Truncate(ctx, 0, nil); err != nil {
		return err
	}
	if _, err := freeFile.Write(ctx, 0, buf); err != nil {
		return err
	}
	freeDesc, err := freeFile.Commit(ctx)
	if err != nil {
		return err
	}
	ar.freeIndexMaxExtent = freeDesc.MaximumExtent

	return ar.device.UpdateHeader(fsDesc, freeDesc)
}
