// Package bitmap implements the fixed-size chunk allocators for the
// metadata space and the snapshot-data space (SPEC_FULL.md §4.2,
// component C2).
//
// Both spaces' bitmap bits live in metadata-device blocks (they are
// persisted through the same *cache.Cache the etree and superblock use),
// so a successful allocation is dirtied under the same journal transaction
// as whatever metadata change references the newly allocated chunk —
// the allocator itself does not need a commit hook.
package bitmap

import (
	"fmt"

	"github.com/likizju/zumastor/cache"
	"github.com/likizju/zumastor/logger"
)

var log = logger.Component("bitmap")

// Space identifies which allocation domain a bitmap tracks.
type Space int

const (
	Metadata Space = iota
	SnapshotData
)

func (s Space) String() string {
	if s == Metadata {
		return "metadata"
	}
	return "snapshot-data"
}

// EvictFunc is invoked when SnapshotData allocation is exhausted — the
// pressure path of SPEC_FULL.md §4.5. It should free at least one chunk
// (by deleting a low-priority, zero-usecount snapshot) and return true, or
// return false if nothing could be evicted.
type EvictFunc func() (evicted bool, err error)

// Region describes one space's bitmap placement and running counters.
type Region struct {
	BitmapBase   uint64 // first metadata chunk of this space's bitmap
	BitmapBlocks uint64 // number of metadata chunks the bitmap occupies
	TotalChunks  uint64 // chunks in this space
	FreeChunks   uint64
	LastAlloc    uint64
}

// Allocator manages both spaces' bitmaps over a shared metadata cache.
type Allocator struct {
	c         *cache.Cache
	chunkSize uint32
	regions   [2]*Region
	onPressure EvictFunc
}

// New creates an allocator. meta and snap describe the two spaces' bitmap
// placement; they may be the same Region pointer in a single-device
// configuration is not supported directly — callers construct two distinct
// Regions even when both spaces share a device, since they occupy disjoint
// chunk ranges.
func New(c *cache.Cache, chunkSize uint32, meta, snap *Region) *Allocator {
	a := &Allocator{c: c, chunkSize: chunkSize}
	a.regions[Metadata] = meta
	a.regions[SnapshotData] = snap
	return a
}

// SetPressureHandler installs the callback invoked when SnapshotData
// allocation fails outright, letting the registry package (which owns
// snapshot lifecycle) supply eviction without bitmap importing registry.
func (a *Allocator) SetPressureHandler(fn EvictFunc) {
	a.onPressure = fn
}

func (a *Allocator) bitsPerBlock() uint64 {
	return uint64(a.chunkSize) * 8
}

func (a *Allocator) region(space Space) *Region {
	return a.regions[space]
}

// testBit/setBit/clearBit operate on the bitmap block containing chunk,
// pulling it through the shared cache.

func (a *Allocator) bitLocation(region *Region, chunk uint64) (blockChunk uint64, bitInBlock uint64) {
	blockIndex := chunk / a.bitsPerBlock()
	return region.BitmapBase + blockIndex, chunk % a.bitsPerBlock()
}

func (a *Allocator) testBit(region *Region, chunk uint64) (set bool, err error) {
	blockChunk, bit := a.bitLocation(region, chunk)
	buf, err := a.c.BRead(blockChunk)
	if err != nil {
		return false, err
	}
	defer a.c.Brelse(buf)
	byteIdx := bit / 8
	return buf.Data[byteIdx]&(1<<(bit%8)) != 0, nil
}

func (a *Allocator) setBit(region *Region, chunk uint64) (err error) {
	blockChunk, bit := a.bitLocation(region, chunk)
	buf, err := a.c.BRead(blockChunk)
	if err != nil {
		return err
	}
	byteIdx := bit / 8
	buf.Data[byteIdx] |= 1 << (bit % 8)
	a.c.BrelseDirty(buf)
	return nil
}

func (a *Allocator) clearBit(region *Region, chunk uint64) (wasSet bool, err error) {
	blockChunk, bit := a.bitLocation(region, chunk)
	buf, err := a.c.BRead(blockChunk)
	if err != nil {
		return false, err
	}
	byteIdx := bit / 8
	mask := byte(1 << (bit % 8))
	wasSet = buf.Data[byteIdx]&mask != 0
	buf.Data[byteIdx] &^= mask
	a.c.BrelseDirty(buf)
	return wasSet, nil
}

// AllocChunkRange scans the bitmap for space beginning at chunk start,
// across rangeCount chunks, wrapping to chunk 0 of this space if the scan
// runs off the end. It sets the first
// zero bit found, decrements FreeChunks, and returns that chunk number.
func (a *Allocator) AllocChunkRange(space Space, start uint64, rangeCount uint64) (chunk uint64, found bool, err error) {
	region := a.region(space)
	if region.TotalChunks == 0 {
		return 0, false, nil
	}
	n := rangeCount
	if n > region.TotalChunks {
		n = region.TotalChunks
	}
	pos := start % region.TotalChunks
	for i := uint64(0); i < n; i++ {
		c := (pos + i) % region.TotalChunks
		set, terr := a.testBit(region, c)
		if terr != nil {
			return 0, false, terr
		}
		if !set {
			if serr := a.setBit(region, c); serr != nil {
				return 0, false, serr
			}
			region.FreeChunks--
			region.LastAlloc = c
			return c, true, nil
		}
	}
	return 0, false, nil
}

// AllocChunk allocates one chunk from space: first scanning from
// LastAlloc to the end, then from 0 to LastAlloc. On exhaustion of
// SnapshotData it invokes the pressure handler and retries once per
// eviction until either an allocation succeeds or the handler reports
// nothing left to evict.
func (a *Allocator) AllocChunk(space Space) (chunk uint64, err error) {
	for {
		region := a.region(space)
		if region.TotalChunks == 0 {
			return 0, fmt.Errorf("bitmap: %s space has zero capacity", space)
		}
		c, found, aerr := a.AllocChunkRange(space, region.LastAlloc, region.TotalChunks-region.LastAlloc)
		if aerr != nil {
			return 0, aerr
		}
		if !found {
			c, found, aerr = a.AllocChunkRange(space, 0, region.LastAlloc)
			if aerr != nil {
				return 0, aerr
			}
		}
		if found {
			return c, nil
		}

		if space != SnapshotData || a.onPressure == nil {
			return 0, fmt.Errorf("bitmap: %s space exhausted", space)
		}
		evicted, everr := a.onPressure()
		if everr != nil {
			return 0, everr
		}
		if !evicted {
			return 0, fmt.Errorf("bitmap: %s space exhausted, nothing to evict", space)
		}
		log.Infof("pressure eviction freed space, retrying allocation")
	}
}

// FreeChunk clears chunk's bit in space. Freeing an already-free chunk is
// logged and otherwise ignored — "warn but continue" per SPEC_FULL.md §4.2.
func (a *Allocator) FreeChunk(space Space, chunk uint64) {
	region := a.region(space)
	wasSet, err := a.clearBit(region, chunk)
	if err != nil {
		log.ErrorfWithError(err, "FreeChunk(%s, %d) failed", space, chunk)
		return
	}
	if !wasSet {
		log.Warnf("FreeChunk(%s, %d): chunk was already free", space, chunk)
		return
	}
	region.FreeChunks++
}

// AllocBlock is the metadata-space facade for AllocChunk.
func (a *Allocator) AllocBlock() (chunk uint64, err error) {
	return a.AllocChunk(Metadata)
}

// AllocException is the snapshot-data-space facade for AllocChunk.
func (a *Allocator) AllocException() (chunk uint64, err error) {
	return a.AllocChunk(SnapshotData)
}

// FreeChunks reports remaining capacity for space — used by STATUS and by
// the superblock flush.
func (a *Allocator) FreeChunks(space Space) uint64 {
	return a.region(space).FreeChunks
}

// TotalChunks reports space's total chunk count.
func (a *Allocator) TotalChunks(space Space) uint64 {
	return a.region(space).TotalChunks
}

// ReserveRange marks [start, start+count) allocated up front, used at
// format time to reserve the superblock, both bitmap regions, and the
// journal region so they are never handed out by AllocChunk.
func (a *Allocator) ReserveRange(space Space, start, count uint64) (err error) {
	region := a.region(space)
	for c := start; c < start+count; c++ {
		set, terr := a.testBit(region, c)
		if terr != nil {
			return terr
		}
		if !set {
			if serr := a.setBit(region, c); serr != nil {
				return serr
			}
			region.FreeChunks--
		}
	}
	return nil
}
