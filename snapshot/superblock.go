// Package snapshot owns the superblock, the snapshot registry (C5), and
// priority-based eviction under snapshot-data space pressure
// (SPEC_FULL.md §4.5). It is the one package that persists cross-cutting
// daemon state: the etree's root descriptor, the bitmap allocator's
// regions, the journal's ring position, and the snapshot table all live in
// one Superblock record.
package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/likizju/zumastor/blunder"
	"github.com/likizju/zumastor/bitmap"
	"github.com/likizju/zumastor/cache"
	"github.com/likizju/zumastor/chunkio"
	"github.com/likizju/zumastor/etree"
	"github.com/likizju/zumastor/logger"
)

var log = logger.Component("snapshot")

// MaxSnapshots bounds the number of live snapshot bits, per SPEC_FULL.md §3.
const MaxSnapshots = 64

// OriginTag is the reserved tag value meaning "the origin", never assigned
// to a real snapshot.
const OriginTag = ^uint32(0)

const (
	sbMagic   = "ZSNAPSB1"
	sbVersion = uint32(1)

	sbSector = 8 // fixed sector (in chunkSize units here, not 512-byte sectors)

	recordLen = 4 + 1 + 1 + 4 + 4 // tag, bit, priority, ctime, usecount
)

// Record is one snapshot table entry.
type Record struct {
	Tag      uint32
	Bit      uint8
	Priority int8
	Ctime    uint32
	Usecount uint32
}

// Superblock is the full persisted daemon state.
type Superblock struct {
	RunID string // stamped fresh on every format/open, for log correlation

	MetaTotalChunks, MetaFreeChunks, MetaBitmapBase, MetaBitmapBlocks, MetaLastAlloc uint64
	SnapTotalChunks, SnapFreeChunks, SnapBitmapBase, SnapBitmapBlocks, SnapLastAlloc uint64
	ChunkSizeBits uint32

	EtreeRoot   uint64
	EtreeLevels uint32

	JournalBase, JournalSize, JournalNext uint64
	JournalSequence                       int64

	OriginOffsetSectors, OriginSizeSectors uint64

	Snapmask uint64
	Records  []Record

	MetaChunksUsed, SnapChunksUsed uint64

	Busy      bool
	CreatedAt uint32
}

// EncodedSize is fixed regardless of record count: MaxSnapshots slots are
// always reserved, so the superblock occupies exactly one chunk regardless
// of live snapshot count.
func EncodedSize() int {
	const uuidBytes = 16
	header := 8 + 4 + 4 // magic, version, chunkSizeBits
	descriptors := 8 * 10 // meta+snap allocation descriptors, 5 u64 fields each
	etree := 8 + 4
	journal := 8 + 8 + 8 + 8
	origin := 8 + 8
	snapmask := 8
	recordCount := 4
	records := MaxSnapshots * recordLen
	usage := 8 + 8
	busy := 1
	createdAt := 4
	return header + descriptors + etree + journal + origin + snapmask + recordCount + records + usage + busy + createdAt + uuidBytes
}

// Encode packs the superblock into exactly chunkSize bytes.
func (sb *Superblock) Encode(chunkSize uint32) ([]byte, error) {
	size := EncodedSize()
	if size > int(chunkSize) {
		return nil, fmt.Errorf("snapshot: superblock needs %d bytes, chunk is %d", size, chunkSize)
	}
	block := make([]byte, chunkSize)
	off := 0
	putStr := func(s string, n int) {
		copy(block[off:off+n], s)
		off += n
	}
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(block[off:off+4], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(block[off:off+8], v); off += 8 }

	putStr(sbMagic, 8)
	putU32(sbVersion)
	putU32(sb.ChunkSizeBits)
	putU64(sb.MetaTotalChunks)
	putU64(sb.MetaFreeChunks)
	putU64(sb.MetaBitmapBase)
	putU64(sb.MetaBitmapBlocks)
	putU64(sb.MetaLastAlloc)
	putU64(sb.SnapTotalChunks)
	putU64(sb.SnapFreeChunks)
	putU64(sb.SnapBitmapBase)
	putU64(sb.SnapBitmapBlocks)
	putU64(sb.SnapLastAlloc)
	putU64(sb.EtreeRoot)
	putU32(sb.EtreeLevels)
	putU64(sb.JournalBase)
	putU64(sb.JournalSize)
	putU64(sb.JournalNext)
	putU64(uint64(sb.JournalSequence))
	putU64(sb.OriginOffsetSectors)
	putU64(sb.OriginSizeSectors)
	putU64(sb.Snapmask)
	putU32(uint32(len(sb.Records)))
	for i := 0; i < MaxSnapshots; i++ {
		var r Record
		if i < len(sb.Records) {
			r = sb.Records[i]
		}
		putU32(r.Tag)
		block[off] = r.Bit
		off++
		block[off] = byte(r.Priority)
		off++
		putU32(r.Ctime)
		putU32(r.Usecount)
	}
	putU64(sb.MetaChunksUsed)
	putU64(sb.SnapChunksUsed)
	if sb.Busy {
		block[off] = 1
	}
	off++
	putU32(sb.CreatedAt)

	id, err := uuid.Parse(sb.RunID)
	if err != nil {
		id = uuid.New()
	}
	idBytes, _ := id.MarshalBinary()
	copy(block[off:off+16], idBytes)
	off += 16

	return block, nil
}

// Decode parses a chunk previously produced by Encode.
func Decode(block []byte) (sb *Superblock, err error) {
	if len(block) < 8 || string(block[0:8]) != sbMagic {
		return nil, blunder.Errorf(blunder.CorruptionError, "snapshot: bad superblock magic")
	}
	off := 8
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(block[off : off+4]); off += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(block[off : off+8]); off += 8; return v }

	version := getU32()
	if version != sbVersion {
		return nil, blunder.Errorf(blunder.CorruptionError, "snapshot: unsupported superblock version %d", version)
	}

	sb = &Superblock{}
	sb.ChunkSizeBits = getU32()
	sb.MetaTotalChunks = getU64()
	sb.MetaFreeChunks = getU64()
	sb.MetaBitmapBase = getU64()
	sb.MetaBitmapBlocks = getU64()
	sb.MetaLastAlloc = getU64()
	sb.SnapTotalChunks = getU64()
	sb.SnapFreeChunks = getU64()
	sb.SnapBitmapBase = getU64()
	sb.SnapBitmapBlocks = getU64()
	sb.SnapLastAlloc = getU64()
	sb.EtreeRoot = getU64()
	sb.EtreeLevels = getU32()
	sb.JournalBase = getU64()
	sb.JournalSize = getU64()
	sb.JournalNext = getU64()
	sb.JournalSequence = int64(getU64())
	sb.OriginOffsetSectors = getU64()
	sb.OriginSizeSectors = getU64()
	sb.Snapmask = getU64()
	count := getU32()

	all := make([]Record, MaxSnapshots)
	for i := 0; i < MaxSnapshots; i++ {
		var r Record
		r.Tag = getU32()
		r.Bit = block[off]
		off++
		r.Priority = int8(block[off])
		off++
		r.Ctime = getU32()
		r.Usecount = getU32()
		all[i] = r
	}
	sb.Records = all[:count]

	sb.MetaChunksUsed = getU64()
	sb.SnapChunksUsed = getU64()
	sb.Busy = block[off] != 0
	off++
	sb.CreatedAt = getU32()

	id, uerr := uuid.FromBytes(block[off : off+16])
	off += 16
	if uerr == nil {
		sb.RunID = id.String()
	}

	return sb, nil
}

// Store bundles the superblock with the live components it describes, and
// is the "one server context value" SPEC_FULL.md §9 calls for gathering
// global state into.
//
// Three device handles are kept distinct even though SPEC_FULL.md allows
// the metadata and snapshot-data devices to "coincide": origin and
// snapshot-data chunk numbers are addressed independently of metadata
// chunk numbers, so collapsing them onto one physical device requires
// giving each logical space its own byte range on that device, which only
// the caller assembling the chunkio.Device values (or a single file opened
// three times at different offsets) can know how to do. This module
// always treats them as three Device values.
type Store struct {
	dev       chunkio.Device // metadata device
	originDev chunkio.Device
	snapDev   chunkio.Device
	c         *cache.Cache
	chunkSize uint32
	sbChunk   uint64

	SB    *Superblock
	Alloc *bitmap.Allocator
	Tree  *etree.Tree
}

// Open loads the superblock at sbChunk and wires up the allocator and
// exception tree it describes. Callers are responsible for journal
// recovery beforehand if SB.Busy was observed true by a prior Decode.
// The loaded superblock gets a fresh RunID for this run.
func Open(metaDev, originDev, snapDev chunkio.Device, c *cache.Cache, chunkSize uint32, sbChunk uint64) (*Store, error) {
	block, err := chunkio.ReadChunk(metaDev, chunkSize, sbChunk)
	if err != nil {
		return nil, err
	}
	sb, err := Decode(block)
	if err != nil {
		return nil, err
	}
	sb.RunID = uuid.New().String()

	meta := &bitmap.Region{BitmapBase: sb.MetaBitmapBase, BitmapBlocks: sb.MetaBitmapBlocks, TotalChunks: sb.MetaTotalChunks, FreeChunks: sb.MetaFreeChunks, LastAlloc: sb.MetaLastAlloc}
	snap := &bitmap.Region{BitmapBase: sb.SnapBitmapBase, BitmapBlocks: sb.SnapBitmapBlocks, TotalChunks: sb.SnapTotalChunks, FreeChunks: sb.SnapFreeChunks, LastAlloc: sb.SnapLastAlloc}
	alloc := bitmap.New(c, chunkSize, meta, snap)
	tree := etree.New(c, alloc, chunkSize, sb.EtreeRoot, sb.EtreeLevels)

	st := &Store{dev: metaDev, originDev: originDev, snapDev: snapDev, c: c, chunkSize: chunkSize, sbChunk: sbChunk, SB: sb, Alloc: alloc, Tree: tree}
	alloc.SetPressureHandler(st.evictForPressure)
	return st, nil
}

// Flush copies the etree root and level count and both spaces' free-chunk
// counts into the in-memory Superblock and persists it as a dirty cache
// buffer. The last-alloc cursors (MetaLastAlloc, SnapLastAlloc) are not
// updated: they keep the values they were formatted or loaded with. Flush
// does not itself commit the journal; the server commits at startup, at
// shutdown, and whenever NeedsCommit() reports the dirty set is large.
func (st *Store) Flush() error {
	st.SB.EtreeRoot = st.Tree.RootChunk()
	st.SB.EtreeLevels = st.Tree.Levels()
	st.SB.MetaFreeChunks = st.Alloc.FreeChunks(bitmap.Metadata)
	st.SB.SnapFreeChunks = st.Alloc.FreeChunks(bitmap.SnapshotData)

	block, err := st.SB.Encode(st.chunkSize)
	if err != nil {
		return err
	}
	buf := st.c.GetBlk(st.sbChunk)
	copy(buf.Data, block)
	st.c.BrelseDirty(buf)
	return nil
}
