package vefs

import (
	"context"
	"sync"
)

// VFile is C9: a byte-addressable virtual file, translating offset/length
// read and write requests into leaf-sector accesses against a
// concurrentSectorTree. It is the type Archive hands back from Open.
type VFile struct {
	fileID [16]byte
	path   string

	tree *concurrentSectorTree

	mu            sync.RWMutex
	maximumExtent uint64
	modTime       int64
}

func newVFile(fileID [16]byte, path string, tree *concurrentSectorTree, maximumExtent uint64, modTime int64) *VFile {
	return &VFile{fileID: fileID, path: path, tree: tree, maximumExtent: maximumExtent, modTime: modTime}
}

// Path returns the file's path within the archive's filesystem index, or
// "" for the two pinned meta-files.
func (f *VFile) Path() string { return f.path }

// MaximumExtent returns the file's logical size: the end of its furthest
// write, or the size set by the last Truncate.
func (f *VFile) MaximumExtent() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maximumExtent
}

func (f *VFile) leafPayloadSize() uint64 { return uint64(f.tree.leafOrInnerPayloadSize()) }

// Read fills buf from offset, returning the number of bytes actually
// read; a read that starts at or past MaximumExtent returns 0, nil, the
// same EOF-by-zero-length convention io.Reader callers expect from a
// direct offset read rather than a stateful stream.
func (f *VFile) Read(ctx context.Context, offset uint64, buf []byte) (int, error) {
	extent := f.MaximumExtent()
	if offset >= extent {
		return 0, nil
	}
	if uint64(len(buf)) > extent-offset {
		buf = buf[:extent-offset]
	}

	leafSize := f.leafPayloadSize()
	read := 0
	for read < len(buf) {
		pos := offset + uint64(read)
		leafIndex := pos / leafSize
		withinLeaf := pos % leafSize

		page, err := f.tree.Access(ctx, leafIndex)
		if err != nil {
			return read, err
		}
		data, _, _ := page.snapshot()
		n := copy(buf[read:], data[withinLeaf:])
		f.tree.cache.Unpin(page)
		read += n
	}
	return read, nil
}

// Write stores buf at offset, growing the tree and MaximumExtent as
// needed.
func (f *VFile) Write(ctx context.Context, offset uint64, buf []byte) (int, error) {
	leafSize := f.leafPayloadSize()
	written := 0
	for written < len(buf) {
		pos := offset + uint64(written)
		leafIndex := pos / leafSize
		withinLeaf := pos % leafSize

		page, err := f.tree.AccessOrCreate(ctx, leafIndex)
		if err != nil {
			return written, err
		}
		data, _, _ := page.snapshot()
		owned := make([]byte, len(data))
		copy(owned, data)
		n := copy(owned[withinLeaf:], buf[written:])
		f.tree.cache.MarkDirty(page, owned)
		f.tree.cache.Unpin(page)
		written += n
	}

	f.mu.Lock()
	if offset+uint64(written) > f.maximumExtent {
		f.maximumExtent = offset + uint64(written)
	}
	f.mu.Unlock()
	return written, nil
}

// Truncate changes the file's logical size to newSize, erasing any leaf
// sectors that fall entirely past the new end (their ids are returned to
// the allocator by the caller, which owns the allocator reference).
func (f *VFile) Truncate(ctx context.Context, newSize uint64, dealloc func(SectorID) error) error {
	f.mu.Lock()
	oldSize := f.maximumExtent
	f.mu.Unlock()
	if newSize >= oldSize {
		f.mu.Lock()
		f.maximumExtent = newSize
		f.mu.Unlock()
		return nil
	}

	leafSize := f.leafPayloadSize()
	firstDeadLeaf := (newSize + leafSize - 1) / leafSize
	lastLeaf := (oldSize + leafSize - 1) / leafSize
	for leaf := firstDeadLeaf; leaf < lastLeaf; leaf++ {
		id, err := f.tree.EraseLeaf(ctx, leaf)
		if err != nil {
			return err
		}
		if id != 0 && dealloc != nil {
			if err := dealloc(id); err != nil {
				return err
			}
		}
	}

	f.mu.Lock()
	f.maximumExtent = newSize
	f.mu.Unlock()
	return nil
}

// Commit flushes every dirty sector of the file's tree and returns the
// descriptor fields the caller (fsindex.go/archive.go) must persist.
func (f *VFile) Commit(ctx context.Context) (FileDescriptor, error) {
	depth, rootSector, rootMAC, err := f.tree.Commit(ctx)
	if err != nil {
		return FileDescriptor{}, err
	}
	return FileDescriptor{
		FileID:        f.fileID,
		Path:          f.path,
		Secret:        f.tree.fctx.secret,
		SecretCounter: f.tree.fctx.counterSnapshot(),
		RootSector:    rootSector,
		RootMAC:       rootMAC,
		MaximumExtent: f.MaximumExtent(),
		TreeDepth:     depth,
		ModTime:       f.modTime,
	}, nil
}
