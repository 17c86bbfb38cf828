package vefs

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/nightlyone/lockfile"
	"github.com/templexxx/xorsimd"
	"golang.org/x/sys/unix"
)

// SectorDevice is C2: it owns the host file, the master sector, the
// double-buffered archive header, and the personalization area. It knows
// nothing about radix trees or virtual files - only about sealed,
// fixed-size sectors.
type SectorDevice struct {
	provider CryptoProvider
	prk      [32]byte

	path  string
	file  *os.File
	flock lockfile.Lockfile
	bufs  *ioBufferManager

	masterSecret  [MasterSecretSize]byte
	masterCounter *counter128
	sessionSalt   [32]byte

	headerMu   sync.Mutex // serializes update_header / growth / truncate
	header     ArchiveHeader
	activeSlot int // which of slot0/slot1 currently holds `header`

	sectorCount  atomic.Uint64 // number of sectors, including the master
	eraseCounter atomic.Uint64 // monotonic counter feeding the erase-pattern KDF
}

// deriveStaticHeaderKey derives the key used to seal/open the static
// header box from the user PRK, per spec.md section 4.2.
func deriveStaticHeaderKey(prk []byte) func(salt []byte) []byte {
	return func(salt []byte) []byte {
		out := make([]byte, chachaKeySize+chachaNonceSize)
		kdf(out, prk, salt)
		return out
	}
}

// deriveArchiveHeaderKey derives the key used to seal/open an archive
// header slot from the master secret.
func deriveArchiveHeaderKey(masterSecret []byte) func(salt []byte) []byte {
	return func(salt []byte) []byte {
		out := make([]byte, chachaKeySize+chachaNonceSize)
		kdf(out, masterSecret, salt)
		return out
	}
}

func acquireHostFileLock(path string) (lockfile.Lockfile, error) {
	lockPath := path + ".lock"
	lf, err := lockfile.New(lockPath)
	if err != nil {
		return lf, wrapErrorf(KindBad, err, "failed to construct lockfile %s", lockPath)
	}
	if err := lf.TryLock(); err != nil {
		if _, ok := err.(interface{ Temporary() bool }); ok {
			return lf, errorf(KindStillInUse, "archive %s is already open", path)
		}
		return lf, wrapErrorf(KindBad, err, "failed to lock %s", lockPath)
	}
	return lf, nil
}

// CreateSectorDevice initializes a brand new host file at path.
func CreateSectorDevice(path string, prk [32]byte, provider CryptoProvider) (*SectorDevice, error) {
	flock, err := acquireHostFileLock(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		flock.Unlock()
		return nil, wrapErrorf(KindBad, err, "failed to create host file %s", path)
	}

	dev := &SectorDevice{provider: provider, prk: prk, path: path, file: f, flock: flock}
	dev.masterCounter = newCounter128FromBytes([16]byte{})

	bufs, err := newIOBufferManager(SectorSize, 8)
	if err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}
	dev.bufs = bufs

	if err := dev.create(); err != nil {
		bufs.Close()
		f.Close()
		flock.Unlock()
		return nil, err
	}
	return dev, nil
}

func (dev *SectorDevice) create() error {
	// 1. Resize host file to one sector.
	if err := dev.file.Truncate(SectorSize); err != nil {
		return wrapErrorf(KindBad, err, "failed to size host file")
	}
	dev.sectorCount.Store(1)

	// 2. Fill master_secret, master_counter and the session salt with
	// CSPRNG output.
	if err := dev.provider.RandomBytes(dev.masterSecret[:]); err != nil {
		return err
	}
	var counterSeed [MasterCounterSize]byte
	if err := dev.provider.RandomBytes(counterSeed[:]); err != nil {
		return err
	}
	dev.masterCounter = newCounter128FromBytes(counterSeed)
	if err := dev.provider.RandomBytes(dev.sessionSalt[:]); err != nil {
		return err
	}

	// Magic.
	if _, err := dev.file.WriteAt(magicLiteral[:], offMagic); err != nil {
		return wrapErrorf(KindBad, err, "failed to write magic")
	}

	// 3+4. Static header: increment master_counter, derive salt, derive
	// key from the user PRK, seal, write length-prefixed box.
	if err := dev.writeStaticHeader(); err != nil {
		return err
	}

	// Seed header slot 0 with an initial, empty archive header. Slot 1
	// stays zeroed until the next UpdateHeader; open() treats a slot that
	// does not decrypt as absent and selects the other one.
	var initial ArchiveHeader
	initial.FSIndex.FileID = archiveIndexFileID
	initial.FreeIndex.FileID = freeBlockIndexFileID
	dev.header = initial
	dev.activeSlot = -1 // next update_header will write slot 0
	if err := dev.UpdateHeader(initial.FSIndex, initial.FreeIndex); err != nil {
		return err
	}

	// Personalization area starts zeroed.
	zero := make([]byte, personalizationSize)
	if _, err := dev.file.WriteAt(zero, offPersonalization); err != nil {
		return wrapErrorf(KindBad, err, "failed to initialize personalization area")
	}

	if err := dev.file.Sync(); err != nil {
		return wrapErrorf(KindBad, err, "failed to fsync host file")
	}
	// The host file's directory entry also needs to survive a crash before
	// any caller can rely on the archive existing at all.
	return fsyncParentDir(dev.path)
}

func (dev *SectorDevice) writeStaticHeader() error {
	counterVal := dev.masterCounter.next()
	var salt [32]byte
	kdfString(salt[:], counterVal[:], domainStaticHeaderSalt, dev.sessionSalt[:])

	payload := staticHeaderPayload{MasterCounter: counterVal}
	copy(payload.MasterSecret[:], dev.masterSecret[:])

	wire := masterHeaderWire{Version: 0, MasterSecret: payload.MasterSecret[:], MasterCounter: payload.MasterCounter[:]}
	plain, err := cborMarshalStaticHeader(wire)
	if err != nil {
		return err
	}

	box, err := sealCBORBox(dev.provider, salt, deriveStaticHeaderKey(dev.prk[:]), plain)
	if err != nil {
		return err
	}
	if len(box)+4 > staticHeaderMaxSize {
		return errorf(KindOversizedStaticHeader, "static header box is %d bytes, limit %d", len(box), staticHeaderMaxSize-4)
	}

	var lenPrefix [4]byte
	putBE32(lenPrefix[:], uint32(len(box)))
	if _, err := dev.file.WriteAt(lenPrefix[:], offStaticHeader); err != nil {
		return wrapErrorf(KindBad, err, "failed to write static header length")
	}
	if _, err := dev.file.WriteAt(box, offStaticHeader+4); err != nil {
		return wrapErrorf(KindBad, err, "failed to write static header")
	}
	return nil
}

// OpenSectorDevice opens an existing host file, verifying the magic and
// decrypting the static header and the newer of the two archive headers.
func OpenSectorDevice(path string, prk [32]byte, provider CryptoProvider) (*SectorDevice, error) {
	flock, err := acquireHostFileLock(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		flock.Unlock()
		return nil, wrapErrorf(KindBad, err, "failed to open host file %s", path)
	}

	dev := &SectorDevice{provider: provider, prk: prk, path: path, file: f, flock: flock}
	bufs, err := newIOBufferManager(SectorSize, 8)
	if err != nil {
		f.Close()
		flock.Unlock()
		return nil, err
	}
	dev.bufs = bufs

	if err := dev.open(); err != nil {
		bufs.Close()
		f.Close()
		flock.Unlock()
		return nil, err
	}
	return dev, nil
}

func (dev *SectorDevice) open() error {
	info, err := dev.file.Stat()
	if err != nil {
		return wrapErrorf(KindBad, err, "failed to stat host file")
	}
	if info.Size() < SectorSize {
		return errorf(KindInvalidPrefix, "host file is smaller than one sector")
	}
	dev.sectorCount.Store(uint64(info.Size()) / SectorSize)

	var magic [magicSize]byte
	if _, err := dev.file.ReadAt(magic[:], offMagic); err != nil {
		return wrapErrorf(KindBad, err, "failed to read magic")
	}
	if magic != magicLiteral {
		return errorf(KindInvalidPrefix, "host file magic does not match")
	}

	if err := dev.provider.RandomBytes(dev.sessionSalt[:]); err != nil {
		return err
	}

	var lenPrefix [4]byte
	if _, err := dev.file.ReadAt(lenPrefix[:], offStaticHeader); err != nil {
		return wrapErrorf(KindBad, err, "failed to read static header length")
	}
	boxLen := getBE32(lenPrefix[:])
	if int(boxLen)+4 > staticHeaderMaxSize {
		return errorf(KindOversizedStaticHeader, "static header claims %d bytes", boxLen)
	}
	box := make([]byte, boxLen)
	if _, err := dev.file.ReadAt(box, offStaticHeader+4); err != nil {
		return wrapErrorf(KindBad, err, "failed to read static header")
	}

	plain, err := openCBORBox(dev.provider, deriveStaticHeaderKey(dev.prk[:]), box)
	if err != nil {
		if KindOf(err) == KindTagMismatch {
			return errorf(KindWrongUserPRK, "static header does not decrypt under the given PRK")
		}
		return err
	}
	var wire masterHeaderWire
	if err := cborUnmarshalStaticHeader(plain, &wire); err != nil {
		return err
	}
	if len(wire.MasterSecret) != MasterSecretSize || len(wire.MasterCounter) != MasterCounterSize {
		return errorf(KindBad, "static header has malformed field widths")
	}
	copy(dev.masterSecret[:], wire.MasterSecret)
	var counterBytes [MasterCounterSize]byte
	copy(counterBytes[:], wire.MasterCounter)
	dev.masterCounter = newCounter128FromBytes(counterBytes)

	slot0, err0 := dev.decodeHeaderSlot(0)
	slot1, err1 := dev.decodeHeaderSlot(1)
	if err0 != nil && KindOf(err0) != KindTagMismatch {
		return err0
	}
	if err1 != nil && KindOf(err1) != KindTagMismatch {
		return err1
	}

	selected, err := selectArchiveHeader(dev.provider, slot0, slot1)
	if err != nil {
		return err
	}
	dev.header = *selected
	if slot0 != nil && selected == slot0 {
		dev.activeSlot = 0
	} else {
		dev.activeSlot = 1
	}
	return nil
}

func (dev *SectorDevice) decodeHeaderSlot(slot int) (*ArchiveHeader, error) {
	offset := int64(offHeaderSlot0)
	if slot == 1 {
		offset = offHeaderSlot1
	}
	box := make([]byte, headerSlotSize)
	if _, err := dev.file.ReadAt(box, offset); err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to read header slot %d", slot)
	}
	plain, err := openCBORBox(dev.provider, deriveArchiveHeaderKey(dev.masterSecret[:]), box)
	if err != nil {
		if KindOf(err) != KindTagMismatch {
			// Bytes that do not even parse as a sealed box (a slot never
			// written, or overwritten) do not decrypt either.
			return nil, wrapErrorf(KindTagMismatch, err, "header slot %d does not hold a sealed box", slot)
		}
		return nil, err
	}
	var wire archiveHeaderWire
	if err := cborUnmarshalArchiveHeader(plain, &wire); err != nil {
		return nil, err
	}
	h, err := archiveHeaderFromWire(wire)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Header returns a copy of the currently selected archive header.
func (dev *SectorDevice) Header() ArchiveHeader {
	dev.headerMu.Lock()
	defer dev.headerMu.Unlock()
	return dev.header
}

// SessionSalt exposes the per-open random salt shared by every file
// crypto context created against this device.
func (dev *SectorDevice) SessionSalt() *[32]byte { return &dev.sessionSalt }

// Provider returns the crypto provider backing this device.
func (dev *SectorDevice) Provider() CryptoProvider { return dev.provider }

// MasterSecret exposes the archive's master secret, used to derive new
// per-file secrets when creating files.
func (dev *SectorDevice) MasterSecret() [MasterSecretSize]byte { return dev.masterSecret }

// NewFileSecretAndCounter derives a fresh per-file secret and initial
// nonce counter from the master secret, per spec.md section 4.2's
// create-path description of deriving the two pinned meta-file contexts,
// generalized to any new file.
func (dev *SectorDevice) NewFileSecretAndCounter() (secret [FileSecretSize]byte, counter [FileSecretCounterSize]byte) {
	counterVal := dev.masterCounter.next()
	kdfString(secret[:], dev.masterSecret[:], domainFileSecret, counterVal[:], dev.sessionSalt[:])
	counterVal2 := dev.masterCounter.next()
	kdfString(counter[:], dev.masterSecret[:], domainFileSecretCounter, counterVal2[:])
	return secret, counter
}

// NewFileCryptoContext builds a fileCryptoContext bound to this device's
// session salt.
func (dev *SectorDevice) NewFileCryptoContext(secret [FileSecretSize]byte, counter [FileSecretCounterSize]byte) *fileCryptoContext {
	return newFileCryptoContext(dev.provider, secret, counter, &dev.sessionSalt)
}

// NumSectors reports the current size of the host file in sectors.
func (dev *SectorDevice) NumSectors() uint64 { return dev.sectorCount.Load() }

// GrowBy extends the host file by n sectors and returns the id of the
// first newly available sector.
func (dev *SectorDevice) GrowBy(n uint64) (SectorID, error) {
	dev.headerMu.Lock()
	defer dev.headerMu.Unlock()

	first := SectorID(dev.sectorCount.Load())
	newCount := dev.sectorCount.Load() + n
	if err := dev.file.Truncate(int64(newCount) * SectorSize); err != nil {
		return 0, wrapErrorf(KindBad, err, "failed to grow host file")
	}
	dev.sectorCount.Store(newCount)
	return first, nil
}

// TruncateSectors shrinks the host file to exactly n sectors (including
// the master), used by the allocator's on_commit tail-truncation.
func (dev *SectorDevice) TruncateSectors(n uint64) error {
	dev.headerMu.Lock()
	defer dev.headerMu.Unlock()

	if n < 1 || n > dev.sectorCount.Load() {
		return errorf(KindInvalidArgument, "truncate target %d out of range", n)
	}
	if err := dev.file.Truncate(int64(n) * SectorSize); err != nil {
		return wrapErrorf(KindBad, err, "failed to truncate host file")
	}
	dev.sectorCount.Store(n)
	return nil
}

// ReadSector reads and authenticates sector id under fctx, writing the
// recovered plaintext (SectorPayloadSize bytes) into dst.
func (dev *SectorDevice) ReadSector(dst []byte, fctx *fileCryptoContext, id SectorID, mac [MACSize]byte) error {
	if id == MasterSectorID {
		return errorf(KindInvalidArgument, "sector id 0 is reserved for the master sector")
	}
	buf := dev.bufs.acquire()
	defer dev.bufs.release(buf)

	if _, err := dev.file.ReadAt(buf.Bytes(), int64(id)*SectorSize); err != nil {
		return wrapErrorf(KindBad, err, "failed to read sector").withSector(id)
	}
	if err := fctx.unsealSector(dst, buf.Bytes(), mac); err != nil {
		if KindOf(err) == KindTagMismatch {
			return errorf(KindTagMismatch, "sector failed authentication").withSector(id)
		}
		return err
	}
	return nil
}

// WriteSector seals src (SectorPayloadSize bytes) and writes it to sector
// id, returning the MAC the caller must persist in the parent/descriptor.
func (dev *SectorDevice) WriteSector(fctx *fileCryptoContext, id SectorID, src []byte) ([MACSize]byte, error) {
	var mac [MACSize]byte
	if id == MasterSectorID {
		return mac, errorf(KindInvalidArgument, "sector id 0 is reserved for the master sector")
	}
	if uint64(id) >= dev.sectorCount.Load() {
		return mac, errorf(KindSectorReferenceOutOfRange, "sector id %d exceeds host file size", id).withSector(id)
	}

	buf := dev.bufs.acquire()
	defer dev.bufs.release(buf)

	mac, err := fctx.sealSector(buf.Bytes(), src)
	if err != nil {
		return mac, err
	}
	if _, err := dev.file.WriteAt(buf.Bytes(), int64(id)*SectorSize); err != nil {
		return mac, wrapErrorf(KindBad, err, "failed to write sector").withSector(id)
	}
	return mac, nil
}

// EraseSector overwrites sector id's on-disk bytes with a pseudo-random
// pattern. It does not free the id in the allocator; the caller owns
// that bookkeeping.
func (dev *SectorDevice) EraseSector(id SectorID) error {
	if id == MasterSectorID {
		return errorf(KindInvalidArgument, "sector id 0 is reserved for the master sector")
	}
	buf := dev.bufs.acquire()
	defer dev.bufs.release(buf)
	keystream := dev.bufs.acquire()
	defer dev.bufs.release(keystream)

	if _, err := dev.file.ReadAt(buf.Bytes(), int64(id)*SectorSize); err != nil {
		return wrapErrorf(KindBad, err, "failed to read sector before erase").withSector(id)
	}

	eraseCounter := dev.eraseCounter.Add(1)
	var counterBytes [8]byte
	putBE64(counterBytes[:], eraseCounter)
	kdfString(keystream.Bytes(), counterBytes[:], domainErasePattern, dev.sessionSalt[:])

	xorsimd.Bytes(buf.Bytes(), buf.Bytes(), keystream.Bytes())

	if _, err := dev.file.WriteAt(buf.Bytes(), int64(id)*SectorSize); err != nil {
		return wrapErrorf(KindBad, err, "failed to erase sector").withSector(id)
	}
	return nil
}

// UpdateHeader alternates the header slot and atomically publishes a new
// archive header referencing the given meta-file descriptors. This is
// the single synchronizing operation of the whole archive (spec.md
// section 5: "Header updates are linearizable via the sector device's
// single writer").
func (dev *SectorDevice) UpdateHeader(fsIndexDesc, freeIndexDesc FileDescriptor) error {
	dev.headerMu.Lock()
	defer dev.headerMu.Unlock()

	next := ArchiveHeader{
		FSIndex:              fsIndexDesc,
		FreeIndex:            freeIndexDesc,
		ArchiveSecretCounter: incrementCounterBytes(dev.header.ArchiveSecretCounter),
		JournalCounter:       incrementCounterBytes(dev.header.JournalCounter),
	}

	targetSlot := 0
	if dev.activeSlot == 0 {
		targetSlot = 1
	}

	var salt [32]byte
	if err := dev.provider.RandomBytes(salt[:]); err != nil {
		return err
	}
	plain, err := cborMarshalArchiveHeader(next.toWire())
	if err != nil {
		return err
	}
	box, err := sealCBORBox(dev.provider, salt, deriveArchiveHeaderKey(dev.masterSecret[:]), plain)
	if err != nil {
		return err
	}
	if len(box) > headerSlotSize {
		return errorf(KindBad, "archive header box (%d bytes) exceeds slot size (%d)", len(box), headerSlotSize)
	}
	padded := make([]byte, headerSlotSize)
	copy(padded, box)

	offset := int64(offHeaderSlot0)
	if targetSlot == 1 {
		offset = offHeaderSlot1
	}
	if _, err := dev.file.WriteAt(padded, offset); err != nil {
		return wrapErrorf(KindBad, err, "failed to write header slot %d", targetSlot)
	}
	if err := dev.file.Sync(); err != nil {
		return wrapErrorf(KindBad, err, "failed to fsync header slot %d", targetSlot)
	}

	dev.header = next
	dev.activeSlot = targetSlot
	return nil
}

// Personalization reads the opaque 4 KiB personalization area.
func (dev *SectorDevice) Personalization() ([]byte, error) {
	buf := make([]byte, personalizationSize)
	if _, err := dev.file.ReadAt(buf, offPersonalization); err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to read personalization area")
	}
	return buf, nil
}

// SetPersonalization overwrites the personalization area. data must be
// exactly personalizationSize bytes.
func (dev *SectorDevice) SetPersonalization(data []byte) error {
	if len(data) != personalizationSize {
		return errorf(KindInvalidArgument, "personalization area must be exactly %d bytes", personalizationSize)
	}
	if _, err := dev.file.WriteAt(data, offPersonalization); err != nil {
		return wrapErrorf(KindBad, err, "failed to write personalization area")
	}
	return dev.file.Sync()
}

// ReadArchivePersonalizationArea reads the 4 KiB personalization area of
// the archive at path directly, without unsealing anything: the area is
// stored unencrypted precisely so a key provider can stash its own boxed
// material there and a caller can retrieve it before an archive key is
// available at all.
func ReadArchivePersonalizationArea(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to open %q", path)
	}
	defer f.Close()
	buf := make([]byte, personalizationSize)
	if _, err := f.ReadAt(buf, offPersonalization); err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to read personalization area of %q", path)
	}
	return buf, nil
}

// fsyncParentDir durably records that path's directory entry (e.g. after
// rename-into-place elsewhere) is visible after a crash, the same
// four-step durability sequence the teacher's writeKeyFile uses
// (container.go): write, fsync file, rename, fsync directory.
func fsyncParentDir(path string) error {
	dir := dirname(path)
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return wrapErrorf(KindBad, err, "failed to open directory %s for fsync", dir)
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return wrapErrorf(KindBad, err, "failed to fsync directory %s", dir)
	}
	return nil
}

// Close releases the sector device's resources and advisory lock.
func (dev *SectorDevice) Close() error {
	var agg error
	if err := dev.bufs.Close(); err != nil {
		agg = appendErr(agg, err)
	}
	if err := dev.file.Close(); err != nil {
		agg = appendErr(agg, err)
	}
	if err := dev.flock.Unlock(); err != nil {
		agg = appendErr(agg, err)
	}
	return agg
}
