// Package etree implements the persistent exception B-tree keyed by
// origin chunk number (SPEC_FULL.md §4.4, component C4): the core of the
// daemon, mapping an origin chunk to the set of (exception location,
// sharing mask) records that describe which snapshots have diverged from
// the origin at that chunk.
//
// Rather than mutating the packed on-disk byte layout with pointer
// arithmetic (the original C implementation's approach, and not an
// idiomatic fit for Go), each leaf and internal node is decoded into a
// plain Go struct, mutated with ordinary slice operations, and re-encoded.
// Encode enforces the same size budget the packed format imposes — if the
// encoded leaf would not fit in one chunk, Encode reports it and the tree
// logic reacts exactly as the spec's EFULL return did, by splitting.
package etree

import (
	"encoding/binary"
	"fmt"
)

const (
	leafMagic     uint16 = 0x1eaf
	leafVersion   uint16 = 1
	leafHeaderLen        = 2 + 2 + 4 + 8 + 8 // magic, version, count, baseChunk, usingMask
	exceptionLen         = 8 + 8             // share, chunk
	dirEntryLen          = 4 + 4             // offset, rchunk (both stored as uint32 on disk)
)

// Exception is one (exception location, sharing mask) record.
type Exception struct {
	Share uint64 // bitmap of snapshot bits that see Chunk's contents for this key
	Chunk uint64 // exception chunk on the snapshot-data device
}

// leafDirEntry is one origin-chunk key plus its exception records, in the
// in-memory (decoded) representation. RChunk is the key relative to the
// leaf's BaseChunk, matching the on-disk "rchunk" field.
type leafDirEntry struct {
	RChunk     uint64
	Exceptions []Exception
}

// Leaf is the decoded form of one eleaf chunk.
type Leaf struct {
	BaseChunk uint64
	UsingMask uint64 // snapmask active as of the last write to this leaf
	Entries   []leafDirEntry
}

// NewLeaf returns an empty leaf covering keys based at baseChunk.
func NewLeaf(baseChunk uint64, usingMask uint64) *Leaf {
	return &Leaf{BaseChunk: baseChunk, UsingMask: usingMask}
}

// find returns the index of the directory entry whose RChunk equals rchunk,
// or the index at which such an entry would be inserted (ok=false).
func (l *Leaf) find(rchunk uint64) (index int, ok bool) {
	lo, hi := 0, len(l.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.Entries[mid].RChunk < rchunk {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.Entries) && l.Entries[lo].RChunk == rchunk {
		return lo, true
	}
	return lo, false
}

// EncodedSize returns the number of bytes the leaf would occupy if encoded.
func (l *Leaf) EncodedSize() int {
	n := leafHeaderLen + (len(l.Entries)+1)*dirEntryLen
	for _, e := range l.Entries {
		n += len(e.Exceptions) * exceptionLen
	}
	return n
}

// Encode packs the leaf into exactly chunkSize bytes, or reports an error
// (the EFULL condition of SPEC_FULL.md §4.4) if it does not fit.
func (l *Leaf) Encode(chunkSize uint32) (block []byte, err error) {
	size := l.EncodedSize()
	if size > int(chunkSize) {
		return nil, fmt.Errorf("etree: leaf encode: %d bytes needed, %d available: %w", size, chunkSize, ErrFull)
	}
	block = make([]byte, chunkSize)
	binary.LittleEndian.PutUint16(block[0:2], leafMagic)
	binary.LittleEndian.PutUint16(block[2:4], leafVersion)
	binary.LittleEndian.PutUint32(block[4:8], uint32(len(l.Entries)))
	binary.LittleEndian.PutUint64(block[8:16], l.BaseChunk)
	binary.LittleEndian.PutUint64(block[16:24], l.UsingMask)

	dirOff := leafHeaderLen
	excOff := int(chunkSize) - totalExceptionBytes(l)
	for _, e := range l.Entries {
		binary.LittleEndian.PutUint32(block[dirOff:dirOff+4], uint32(excOff))
		binary.LittleEndian.PutUint32(block[dirOff+4:dirOff+8], uint32(e.RChunk))
		dirOff += dirEntryLen
		for _, ex := range e.Exceptions {
			binary.LittleEndian.PutUint64(block[excOff:excOff+8], ex.Share)
			binary.LittleEndian.PutUint64(block[excOff+8:excOff+16], ex.Chunk)
			excOff += exceptionLen
		}
	}
	// sentinel directory entry: offset only, holds the upper bound
	binary.LittleEndian.PutUint32(block[dirOff:dirOff+4], uint32(chunkSize))
	binary.LittleEndian.PutUint32(block[dirOff+4:dirOff+8], 0)

	return block, nil
}

func totalExceptionBytes(l *Leaf) int {
	n := 0
	for _, e := range l.Entries {
		n += len(e.Exceptions) * exceptionLen
	}
	return n
}

// DecodeLeaf parses a chunk previously produced by Encode.
func DecodeLeaf(block []byte) (l *Leaf, err error) {
	if len(block) < leafHeaderLen {
		return nil, fmt.Errorf("etree: leaf decode: block too short")
	}
	magic := binary.LittleEndian.Uint16(block[0:2])
	if magic != leafMagic {
		return nil, fmt.Errorf("etree: leaf decode: bad magic %#x: %w", magic, ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(block[4:8])
	l = &Leaf{
		BaseChunk: binary.LittleEndian.Uint64(block[8:16]),
		UsingMask: binary.LittleEndian.Uint64(block[16:24]),
		Entries:   make([]leafDirEntry, count),
	}

	dirOff := leafHeaderLen
	offsets := make([]uint32, count+1)
	rchunks := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		offsets[i] = binary.LittleEndian.Uint32(block[dirOff : dirOff+4])
		rchunks[i] = binary.LittleEndian.Uint32(block[dirOff+4 : dirOff+8])
		dirOff += dirEntryLen
	}
	offsets[count] = binary.LittleEndian.Uint32(block[dirOff : dirOff+4])

	for i := uint32(0); i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if end < start || int(end) > len(block) {
			return nil, fmt.Errorf("etree: leaf decode: corrupt offsets at entry %d: %w", i, ErrCorrupt)
		}
		n := (end - start) / exceptionLen
		exc := make([]Exception, n)
		off := start
		for j := uint32(0); j < n; j++ {
			exc[j] = Exception{
				Share: binary.LittleEndian.Uint64(block[off : off+8]),
				Chunk: binary.LittleEndian.Uint64(block[off+8 : off+16]),
			}
			off += exceptionLen
		}
		l.Entries[i] = leafDirEntry{RChunk: uint64(rchunks[i]), Exceptions: exc}
	}

	return l, nil
}
