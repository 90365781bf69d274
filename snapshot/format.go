package snapshot

import (
	"github.com/google/uuid"

	"github.com/likizju/zumastor/bitmap"
	"github.com/likizju/zumastor/cache"
	"github.com/likizju/zumastor/chunkio"
	"github.com/likizju/zumastor/etree"
)

// FormatConfig describes a fresh store's geometry, grounded in the
// original "ddsnap initialize" verb (SPEC_FULL.md §4.9).
type FormatConfig struct {
	ChunkSizeBits uint32

	MetaTotalChunks uint64
	SnapTotalChunks uint64

	JournalSize uint64 // chunks

	OriginOffsetSectors, OriginSizeSectors uint64

	CreatedAt uint32
}

// layout is the fixed placement of format-time structures, matching
// SPEC_FULL.md §6's persisted state layout:
// [sb][metadata bitmap][snapshot-data bitmap][journal ring][free chunks].
type layout struct {
	sbChunk        uint64
	metaBitmapBase uint64
	metaBitmapLen  uint64
	snapBitmapBase uint64
	snapBitmapLen  uint64
	journalBase    uint64
	journalSize    uint64
	rootChunk      uint64
}

func planLayout(cfg FormatConfig, chunkSize uint32) layout {
	bitsPerBlock := uint64(chunkSize) * 8
	metaBitmapLen := (cfg.MetaTotalChunks + bitsPerBlock - 1) / bitsPerBlock
	snapBitmapLen := (cfg.SnapTotalChunks + bitsPerBlock - 1) / bitsPerBlock
	if metaBitmapLen == 0 {
		metaBitmapLen = 1
	}
	if snapBitmapLen == 0 {
		snapBitmapLen = 1
	}

	l := layout{}
	l.sbChunk = sbSector
	l.metaBitmapBase = l.sbChunk + 1
	l.metaBitmapLen = metaBitmapLen
	l.snapBitmapBase = l.metaBitmapBase + metaBitmapLen
	l.snapBitmapLen = snapBitmapLen
	l.journalBase = l.snapBitmapBase + snapBitmapLen
	l.journalSize = cfg.JournalSize
	l.rootChunk = l.journalBase + l.journalSize
	return l
}

// Format lays down a fresh superblock, both bitmaps (with their own
// reserved regions pre-marked allocated), an empty journal ring, and an
// empty root leaf, and returns the opened Store ready to serve requests.
func Format(metaDev, originDev, snapDev chunkio.Device, chunkSize uint32, cfg FormatConfig) (*Store, error) {
	l := planLayout(cfg, chunkSize)
	c := cache.New(metaDev, chunkSize)

	meta := &bitmap.Region{BitmapBase: l.metaBitmapBase, BitmapBlocks: l.metaBitmapLen, TotalChunks: cfg.MetaTotalChunks, FreeChunks: cfg.MetaTotalChunks}
	snap := &bitmap.Region{BitmapBase: l.snapBitmapBase, BitmapBlocks: l.snapBitmapLen, TotalChunks: cfg.SnapTotalChunks, FreeChunks: cfg.SnapTotalChunks}
	alloc := bitmap.New(c, chunkSize, meta, snap)

	if err := alloc.ReserveRange(bitmap.Metadata, 0, l.rootChunk+1); err != nil {
		return nil, err
	}
	// Exception chunk 0 stands for "no exception" in the etree, so it is
	// never handed out.
	if err := alloc.ReserveRange(bitmap.SnapshotData, 0, 1); err != nil {
		return nil, err
	}

	root := etree.NewLeaf(0, 0)
	block, err := root.Encode(chunkSize)
	if err != nil {
		return nil, err
	}
	buf := c.GetBlk(l.rootChunk)
	copy(buf.Data, block)
	c.BrelseDirty(buf)

	tree := etree.New(c, alloc, chunkSize, l.rootChunk, 1)

	sb := &Superblock{
		RunID:               uuid.New().String(),
		ChunkSizeBits:       cfg.ChunkSizeBits,
		MetaTotalChunks:     cfg.MetaTotalChunks,
		MetaFreeChunks:      alloc.FreeChunks(bitmap.Metadata),
		MetaBitmapBase:      l.metaBitmapBase,
		MetaBitmapBlocks:    l.metaBitmapLen,
		SnapTotalChunks:     cfg.SnapTotalChunks,
		SnapFreeChunks:      alloc.FreeChunks(bitmap.SnapshotData),
		SnapBitmapBase:      l.snapBitmapBase,
		SnapBitmapBlocks:    l.snapBitmapLen,
		EtreeRoot:           l.rootChunk,
		EtreeLevels:         1,
		JournalBase:         l.journalBase,
		JournalSize:         l.journalSize,
		JournalNext:         0,
		JournalSequence:     0,
		OriginOffsetSectors: cfg.OriginOffsetSectors,
		OriginSizeSectors:   cfg.OriginSizeSectors,
		CreatedAt:           cfg.CreatedAt,
	}

	st := &Store{dev: metaDev, originDev: originDev, snapDev: snapDev, c: c, chunkSize: chunkSize, sbChunk: l.sbChunk, SB: sb, Alloc: alloc, Tree: tree}
	alloc.SetPressureHandler(st.evictForPressure)

	if err := st.Flush(); err != nil {
		return nil, err
	}
	return st, nil
}

// Cache exposes the Store's block cache, for the journal and server to
// share it without re-deriving it.
func (st *Store) Cache() *cache.Cache { return st.c }

// ChunkSize exposes the configured chunk size.
func (st *Store) ChunkSize() uint32 { return st.chunkSize }

// Device exposes the backing metadata device, for the journal's staged
// writes.
func (st *Store) Device() chunkio.Device { return st.dev }

// OriginDevice exposes the origin device, read by the copyout engine when
// a write's prior version still lives on the origin.
func (st *Store) OriginDevice() chunkio.Device { return st.originDev }

// SnapDevice exposes the snapshot-data device, where every exception chunk
// lives.
func (st *Store) SnapDevice() chunkio.Device { return st.snapDev }

// SBChunk is the fixed chunk the superblock lives at.
func (st *Store) SBChunk() uint64 { return st.sbChunk }
