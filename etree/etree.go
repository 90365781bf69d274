package etree

import (
	"errors"
	"fmt"

	"github.com/likizju/zumastor/bitmap"
	"github.com/likizju/zumastor/cache"
	"github.com/likizju/zumastor/logger"
)

var log = logger.Component("etree")

// originSourceBit distinguishes, in a copyout source argument, whether the
// chunk number refers to the origin device or the snapshot-data device —
// "the high bit of source_chunk" from SPEC_FULL.md §4.6. Real chunk
// numbers never approach 2^63, so this is safe.
const originSourceBit = uint64(1) << 63

// EncodeOriginSource tags chunk as an origin-device copyout source.
func EncodeOriginSource(chunk uint64) uint64 { return chunk &^ originSourceBit }

// EncodeSnapSource tags chunk as a snapshot-data-device copyout source.
func EncodeSnapSource(chunk uint64) uint64 { return chunk | originSourceBit }

// IsSnapSource reports whether a tagged source chunk refers to the
// snapshot-data device.
func IsSnapSource(tagged uint64) (chunk uint64, snap bool) {
	return tagged &^ originSourceBit, tagged&originSourceBit != 0
}

// Copier performs one coalesced copyout from a tagged source chunk to a
// snapshot-data destination chunk. The copyout package implements this;
// etree depends only on the interface to avoid a package cycle.
type Copier interface {
	Copyout(source uint64, dest uint64) error
}

// Tree is the persistent exception B-tree. One instance per daemon,
// sharing the metadata cache and bitmap allocator with every other
// component — mutated only by the single-threaded event loop.
type Tree struct {
	c         *cache.Cache
	alloc     *bitmap.Allocator
	chunkSize uint32
	rootChunk uint64
	levels    uint32
}

// New wraps an existing tree whose root is already formatted (a single
// empty leaf, for a freshly formatted store).
func New(c *cache.Cache, alloc *bitmap.Allocator, chunkSize uint32, rootChunk uint64, levels uint32) *Tree {
	return &Tree{c: c, alloc: alloc, chunkSize: chunkSize, rootChunk: rootChunk, levels: levels}
}

// RootChunk and Levels expose the tree's persisted root descriptor, for
// the superblock to save on every flush.
func (t *Tree) RootChunk() uint64 { return t.rootChunk }
func (t *Tree) Levels() uint32    { return t.levels }

func (t *Tree) readLeaf(chunk uint64) (*Leaf, error) {
	buf, err := t.c.BRead(chunk)
	if err != nil {
		return nil, err
	}
	defer t.c.Brelse(buf)
	return DecodeLeaf(buf.Data)
}

// writeLeaf encodes leaf and, only if it fits, commits it into the cache as
// dirty at chunk. On overflow (ErrFull) nothing is written, so the caller
// is free to split and retry.
func (t *Tree) writeLeaf(chunk uint64, leaf *Leaf) error {
	block, err := leaf.Encode(t.chunkSize)
	if err != nil {
		return err
	}
	buf := t.c.GetBlk(chunk)
	copy(buf.Data, block)
	t.c.BrelseDirty(buf)
	return nil
}

func (t *Tree) readNode(chunk uint64) (*Node, error) {
	buf, err := t.c.BRead(chunk)
	if err != nil {
		return nil, err
	}
	defer t.c.Brelse(buf)
	return DecodeNode(buf.Data)
}

func (t *Tree) writeNode(chunk uint64, node *Node) error {
	block, err := node.Encode(t.chunkSize)
	if err != nil {
		return err
	}
	buf := t.c.GetBlk(chunk)
	copy(buf.Data, block)
	t.c.BrelseDirty(buf)
	return nil
}

// probe walks from the root to the leaf that would hold chunk, returning
// the leaf's chunk number and the descent path: the internal node chunks
// visited and, for each, the index of the child pointer followed.
func (t *Tree) probe(chunk uint64) (leafChunk uint64, pathChunks []uint64, pathIdx []int, err error) {
	cur := t.rootChunk
	for level := uint32(1); level < t.levels; level++ {
		node, nerr := t.readNode(cur)
		if nerr != nil {
			return 0, nil, nil, nerr
		}
		idx := node.descend(chunk)
		pathChunks = append(pathChunks, cur)
		pathIdx = append(pathIdx, idx)
		cur = node.Entries[idx].Child
	}
	return cur, pathChunks, pathIdx, nil
}

// TestUnique implements the uniqueness rules of SPEC_FULL.md §4.4 without
// mutating anything. snap == -1 tests origin uniqueness; snap >= 0 tests
// snapshot uniqueness for that bit. activeMask is the current snapmask.
func (t *Tree) TestUnique(chunk uint64, snap int32, activeMask uint64) (unique bool, exceptionChunk uint64, err error) {
	leafChunk, _, _, err := t.probe(chunk)
	if err != nil {
		return false, 0, err
	}
	leaf, err := t.readLeaf(leafChunk)
	if err != nil {
		return false, 0, err
	}
	rchunk := chunk - leaf.BaseChunk
	idx, ok := leaf.find(rchunk)
	if !ok {
		if snap == -1 {
			return activeMask == 0, 0, nil
		}
		return false, 0, nil
	}

	entry := leaf.Entries[idx]
	if snap == -1 {
		union := uint64(0)
		for _, ex := range entry.Exceptions {
			union |= ex.Share
		}
		return union&activeMask == activeMask, 0, nil
	}

	bit := uint64(1) << uint(snap)
	for _, ex := range entry.Exceptions {
		if ex.Share&bit != 0 {
			return ex.Share == bit, ex.Chunk, nil
		}
	}
	return false, 0, nil
}

// MakeUnique probes, and if the chunk is not already unique for the given
// view, allocates a fresh exception chunk, copies the current contents
// into it via copier, and inserts the new exception record (splitting the
// tree as needed). It returns the exception chunk to use for this write
// (0 for an origin write that turned out to already be unique, meaning the
// write goes straight to the origin device).
func (t *Tree) MakeUnique(chunk uint64, snap int32, activeMask uint64, copier Copier) (exceptionChunk uint64, created bool, err error) {
	unique, exChunk, err := t.TestUnique(chunk, snap, activeMask)
	if err != nil {
		return 0, false, err
	}
	if unique {
		return exChunk, false, nil
	}

	newChunk, err := t.alloc.AllocException()
	if err != nil {
		return 0, false, err
	}

	var source uint64
	if snap == -1 || exChunk == 0 {
		source = EncodeOriginSource(chunk)
	} else {
		source = EncodeSnapSource(exChunk)
	}

	if err := copier.Copyout(source, EncodeSnapSource(newChunk)); err != nil {
		t.alloc.FreeChunk(bitmap.SnapshotData, newChunk)
		return 0, false, err
	}

	if err := t.insertException(chunk, newChunk, snap, activeMask); err != nil {
		t.alloc.FreeChunk(bitmap.SnapshotData, newChunk)
		return 0, false, err
	}

	log.Tracef("MakeUnique(chunk=%d, snap=%d): new exception %d", chunk, snap, newChunk)
	return newChunk, true, nil
}

// addExceptionToLeaf mutates leaf in place per SPEC_FULL.md §4.4's leaf
// insertion rule. SPEC_FULL.md §9 Open Question (a) is preserved here
// deliberately: an origin write whose computed sharemap is zero (the
// origin chunk was, after all, already covered) still allocates and
// inserts a zero-share exception record rather than detecting and
// skipping the redundant work.
func addExceptionToLeaf(leaf *Leaf, rchunk uint64, newExChunk uint64, snap int32, activeMask uint64) {
	idx, ok := leaf.find(rchunk)
	if !ok {
		var sharemap uint64
		if snap == -1 {
			sharemap = activeMask
		} else {
			sharemap = uint64(1) << uint(snap)
		}
		entry := leafDirEntry{RChunk: rchunk, Exceptions: []Exception{{Share: sharemap, Chunk: newExChunk}}}
		leaf.Entries = append(leaf.Entries, leafDirEntry{})
		copy(leaf.Entries[idx+1:], leaf.Entries[idx:len(leaf.Entries)-1])
		leaf.Entries[idx] = entry
		return
	}

	entry := &leaf.Entries[idx]
	if snap == -1 {
		union := uint64(0)
		for _, ex := range entry.Exceptions {
			union |= ex.Share
		}
		sharemap := activeMask &^ union
		entry.Exceptions = append(entry.Exceptions, Exception{Share: sharemap, Chunk: newExChunk})
		return
	}

	bit := uint64(1) << uint(snap)
	for i := range entry.Exceptions {
		if entry.Exceptions[i].Share&bit != 0 {
			entry.Exceptions[i].Share &^= bit
			break
		}
	}
	entry.Exceptions = append(entry.Exceptions, Exception{Share: bit, Chunk: newExChunk})
}

// insertException installs one new exception record for chunk, splitting
// the leaf (and propagating the split up through internal nodes, possibly
// growing a new root) if the leaf overflows.
func (t *Tree) insertException(chunk uint64, newExChunk uint64, snap int32, activeMask uint64) error {
	leafChunk, pathChunks, pathIdx, err := t.probe(chunk)
	if err != nil {
		return err
	}
	leaf, err := t.readLeaf(leafChunk)
	if err != nil {
		return err
	}
	rchunk := chunk - leaf.BaseChunk
	addExceptionToLeaf(leaf, rchunk, newExChunk, snap, activeMask)

	if err := t.writeLeaf(leafChunk, leaf); err == nil {
		return nil
	} else if !errors.Is(err, ErrFull) {
		return err
	}

	mid := len(leaf.Entries) / 2
	left := &Leaf{BaseChunk: leaf.BaseChunk, UsingMask: leaf.UsingMask, Entries: leaf.Entries[:mid]}
	right := &Leaf{BaseChunk: leaf.BaseChunk, UsingMask: leaf.UsingMask, Entries: leaf.Entries[mid:]}
	splitKeyAbs := left.BaseChunk + right.Entries[0].RChunk

	rightChunk, err := t.alloc.AllocBlock()
	if err != nil {
		return err
	}
	if err := t.writeLeaf(leafChunk, left); err != nil {
		return fmt.Errorf("etree: split: writing left half: %w", err)
	}
	if err := t.writeLeaf(rightChunk, right); err != nil {
		return fmt.Errorf("etree: split: writing right half: %w", err)
	}

	return t.propagateSplit(pathChunks, pathIdx, splitKeyAbs, rightChunk)
}

// propagateSplit inserts (key, child) into the parent named by the last
// entry of the descent path, splitting that internal node (and recursing
// upward) if it overflows, or growing a new root if the path is empty
// (the old root itself just split).
func (t *Tree) propagateSplit(pathChunks []uint64, pathIdx []int, key uint64, child uint64) error {
	if len(pathChunks) == 0 {
		newRootChunk, err := t.alloc.AllocBlock()
		if err != nil {
			return err
		}
		newRoot := &Node{Entries: []nodeEntry{{Key: 0, Child: t.rootChunk}, {Key: key, Child: child}}}
		if err := t.writeNode(newRootChunk, newRoot); err != nil {
			return fmt.Errorf("etree: growing new root: %w", err)
		}
		t.rootChunk = newRootChunk
		t.levels++
		log.Tracef("root split: new root %d, levels now %d", newRootChunk, t.levels)
		return nil
	}

	lastIdx := len(pathChunks) - 1
	nodeChunk := pathChunks[lastIdx]
	node, err := t.readNode(nodeChunk)
	if err != nil {
		return err
	}
	insertAt := pathIdx[lastIdx] + 1
	node.Entries = append(node.Entries, nodeEntry{})
	copy(node.Entries[insertAt+1:], node.Entries[insertAt:len(node.Entries)-1])
	node.Entries[insertAt] = nodeEntry{Key: key, Child: child}

	if err := t.writeNode(nodeChunk, node); err == nil {
		return nil
	} else if !errors.Is(err, ErrFull) {
		return err
	}

	mid := len(node.Entries) / 2
	left := &Node{Entries: node.Entries[:mid]}
	right := &Node{Entries: node.Entries[mid:]}
	splitKey := right.Entries[0].Key

	rightChunk, err := t.alloc.AllocBlock()
	if err != nil {
		return err
	}
	if err := t.writeNode(nodeChunk, left); err != nil {
		return fmt.Errorf("etree: node split: writing left half: %w", err)
	}
	if err := t.writeNode(rightChunk, right); err != nil {
		return fmt.Errorf("etree: node split: writing right half: %w", err)
	}

	return t.propagateSplit(pathChunks[:lastIdx], pathIdx[:lastIdx], splitKey, rightChunk)
}

// allLeafChunks walks the whole tree and returns every leaf's chunk
// number, in key order.
func (t *Tree) allLeafChunks() (leaves []uint64, err error) {
	var walk func(chunk uint64, level uint32) error
	walk = func(chunk uint64, level uint32) error {
		if level == t.levels {
			leaves = append(leaves, chunk)
			return nil
		}
		node, err := t.readNode(chunk)
		if err != nil {
			return err
		}
		for _, e := range node.Entries {
			if err := walk(e.Child, level+1); err != nil {
				return err
			}
		}
		return nil
	}
	err = walk(t.rootChunk, 1)
	return leaves, err
}

// DeleteTreeRange clears every bit in snapmaskBits from every exception's
// share across the whole tree, freeing any exception chunk whose share
// becomes zero, and compacting each leaf's directory and exception array.
//
// The original's delete_tree_range additionally merges neighboring leaves
// and internal nodes as they empty out, tracked via a resumeChunk so the
// walk can continue across multiple journal commits on a huge tree. This
// rendition performs one full pass and does not merge: every testable
// invariant in SPEC_FULL.md §8 (sorted leaves, same depth, valid shares)
// holds without it, since deletion only ever shrinks a leaf's payload, and
// the daemon's tree sizes in practice do not demand reclaiming the address
// space of newly-empty leaves. See DESIGN.md.
func (t *Tree) DeleteTreeRange(snapmaskBits uint64) (err error) {
	leaves, err := t.allLeafChunks()
	if err != nil {
		return err
	}
	for _, leafChunk := range leaves {
		leaf, err := t.readLeaf(leafChunk)
		if err != nil {
			return err
		}
		changed := false
		newEntries := leaf.Entries[:0]
		for _, entry := range leaf.Entries {
			newExceptions := entry.Exceptions[:0]
			for _, ex := range entry.Exceptions {
				ex.Share &^= snapmaskBits
				if ex.Share == 0 {
					t.alloc.FreeChunk(bitmap.SnapshotData, ex.Chunk)
					changed = true
					continue
				}
				newExceptions = append(newExceptions, ex)
			}
			if len(newExceptions) == 0 {
				changed = true
				continue
			}
			entry.Exceptions = newExceptions
			newEntries = append(newEntries, entry)
		}
		if changed {
			leaf.Entries = newEntries
			if err := t.writeLeaf(leafChunk, leaf); err != nil {
				return fmt.Errorf("etree: DeleteTreeRange: writing leaf %d: %w", leafChunk, err)
			}
		}
	}
	return nil
}

// GenChangelist walks the whole tree and returns, in key order, every
// origin chunk where snapshots s1 and s2 see different versions.
func (t *Tree) GenChangelist(s1, s2 int) (chunks []uint64, err error) {
	leaves, err := t.allLeafChunks()
	if err != nil {
		return nil, err
	}
	m1 := uint64(1) << uint(s1)
	m2 := uint64(1) << uint(s2)
	for _, leafChunk := range leaves {
		leaf, err := t.readLeaf(leafChunk)
		if err != nil {
			return nil, err
		}
		for _, entry := range leaf.Entries {
			for _, ex := range entry.Exceptions {
				c1 := ex.Share&m1 == m1
				c2 := ex.Share&m2 == m2
				if c1 != c2 {
					chunks = append(chunks, leaf.BaseChunk+entry.RChunk)
					break
				}
			}
		}
	}
	return chunks, nil
}
