package etree

import (
	"encoding/binary"
	"fmt"
)

const (
	nodeMagic     uint16 = 0xe17e
	nodeVersion   uint16 = 1
	nodeHeaderLen        = 2 + 2 + 4 // magic, version, count
	nodeEntryLen         = 8 + 8     // key, child chunk
)

// nodeEntry is one (key, child chunk) pair. The first entry's Key is
// unused — pivots lie between children, per SPEC_FULL.md §3.
type nodeEntry struct {
	Key   uint64
	Child uint64
}

// Node is the decoded form of one internal ("enode") chunk.
type Node struct {
	Entries []nodeEntry
}

// EncodedSize returns the byte size of the node if encoded.
func (n *Node) EncodedSize() int {
	return nodeHeaderLen + len(n.Entries)*nodeEntryLen
}

// Encode packs the node into exactly chunkSize bytes.
func (n *Node) Encode(chunkSize uint32) (block []byte, err error) {
	size := n.EncodedSize()
	if size > int(chunkSize) {
		return nil, fmt.Errorf("etree: node encode: %d bytes needed, %d available: %w", size, chunkSize, ErrFull)
	}
	block = make([]byte, chunkSize)
	binary.LittleEndian.PutUint16(block[0:2], nodeMagic)
	binary.LittleEndian.PutUint16(block[2:4], nodeVersion)
	binary.LittleEndian.PutUint32(block[4:8], uint32(len(n.Entries)))
	off := nodeHeaderLen
	for _, e := range n.Entries {
		binary.LittleEndian.PutUint64(block[off:off+8], e.Key)
		binary.LittleEndian.PutUint64(block[off+8:off+16], e.Child)
		off += nodeEntryLen
	}
	return block, nil
}

// DecodeNode parses a chunk previously produced by Node.Encode.
func DecodeNode(block []byte) (n *Node, err error) {
	if len(block) < nodeHeaderLen {
		return nil, fmt.Errorf("etree: node decode: block too short")
	}
	if magic := binary.LittleEndian.Uint16(block[0:2]); magic != nodeMagic {
		return nil, fmt.Errorf("etree: node decode: bad magic %#x: %w", magic, ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(block[4:8])
	n = &Node{Entries: make([]nodeEntry, count)}
	off := nodeHeaderLen
	for i := uint32(0); i < count; i++ {
		n.Entries[i] = nodeEntry{
			Key:   binary.LittleEndian.Uint64(block[off : off+8]),
			Child: binary.LittleEndian.Uint64(block[off+8 : off+16]),
		}
		off += nodeEntryLen
	}
	return n, nil
}

// descend finds the largest index whose Key is <= chunk (index 0's key is
// always treated as -infinity, since it is unused/a pivot-less first
// child), and returns that entry's index.
func (n *Node) descend(chunk uint64) (index int) {
	index = 0
	for i := 1; i < len(n.Entries); i++ {
		if n.Entries[i].Key <= chunk {
			index = i
		} else {
			break
		}
	}
	return index
}
