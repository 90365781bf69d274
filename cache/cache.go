// Package cache implements the metadata device's buffered, dirty-tracked
// block cache (SPEC_FULL.md §4.1, component C1).
//
// Buffers are keyed by chunk number on the metadata device. The cache
// guarantees a dirty buffer is written at least once before eviction,
// concurrent readers observe a consistent image (a single *Buffer is
// shared, never copied, across callers holding a reference), and reference
// counts prevent eviction of pinned buffers.
//
// Grounded on the teacher's buffered-access idiom in headhunter/checkpoint.go
// (dirty object tracking ahead of a checkpoint flush) and on
// mit-pdos-go-journal's buftxn.BufMap (Lookup/Insert/dirty bit per buffer).
package cache

import (
	"fmt"
	"sync"

	"github.com/likizju/zumastor/chunkio"
	"github.com/likizju/zumastor/logger"
)

var log = logger.Component("cache")

// Buffer is one cached metadata chunk. Callers must not retain Data past a
// Brelse/BrelseDirty without continuing to hold a reference obtained from
// GetBlk/BRead.
type Buffer struct {
	Chunk    uint64
	Data     []byte
	dirty    bool
	refCount int
	valid    bool // Data reflects on-disk contents (set by BRead or a fresh getblk write)
}

// Cache is the metadata device's buffer cache. One Cache instance per
// daemon; shared by the etree, bitmap allocator, and journal, which is
// exactly the sharing SPEC_FULL.md §5 calls for ("process-wide singletons
// mutated only by the event loop").
type Cache struct {
	mu         sync.Mutex
	dev        chunkio.Device
	chunkSize  uint32
	buffers    map[uint64]*Buffer
	dirtyOrder []uint64 // chunk numbers in the order they were first dirtied
}

// New creates a cache over dev with the given chunk size.
func New(dev chunkio.Device, chunkSize uint32) *Cache {
	return &Cache{
		dev:       dev,
		chunkSize: chunkSize,
		buffers:   map[uint64]*Buffer{},
	}
}

// GetBlk returns the buffer for chunk, allocating a fresh zeroed one if it
// is not already cached. It never reads from disk — callers use this when
// they are about to overwrite the entire block (e.g. formatting a new
// leaf).
func (c *Cache) GetBlk(chunk uint64) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOrAlloc(chunk)
}

func (c *Cache) getOrAlloc(chunk uint64) *Buffer {
	if b, ok := c.buffers[chunk]; ok {
		b.refCount++
		return b
	}
	b := &Buffer{Chunk: chunk, Data: make([]byte, c.chunkSize)}
	b.refCount = 1
	c.buffers[chunk] = b
	return b
}

// BRead returns the buffer for chunk with its contents loaded from disk (or
// from cache, if already present and valid).
func (c *Cache) BRead(chunk uint64) (buf *Buffer, err error) {
	c.mu.Lock()
	b, ok := c.buffers[chunk]
	if ok {
		b.refCount++
		c.mu.Unlock()
		if b.valid {
			return b, nil
		}
		data, err := chunkio.ReadChunk(c.dev, c.chunkSize, chunk)
		if err != nil {
			c.Brelse(b)
			return nil, err
		}
		copy(b.Data, data)
		b.valid = true
		return b, nil
	}
	b = &Buffer{Chunk: chunk, Data: make([]byte, c.chunkSize), refCount: 1}
	c.buffers[chunk] = b
	c.mu.Unlock()

	data, err := chunkio.ReadChunk(c.dev, c.chunkSize, chunk)
	if err != nil {
		log.ErrorfWithError(err, "BRead(%d) failed", chunk)
		c.Brelse(b)
		return nil, err
	}
	copy(b.Data, data)
	b.valid = true
	return b, nil
}

// Brelse releases one reference to buf without marking it dirty.
func (c *Cache) Brelse(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf.refCount > 0 {
		buf.refCount--
	}
}

// BrelseDirty releases one reference to buf and marks it dirty.
func (c *Cache) BrelseDirty(buf *Buffer) {
	c.mu.Lock()
	c.setDirtyLocked(buf)
	if buf.refCount > 0 {
		buf.refCount--
	}
	c.mu.Unlock()
}

// SetBufferDirty marks buf dirty without releasing a reference.
func (c *Cache) SetBufferDirty(buf *Buffer) {
	c.mu.Lock()
	c.setDirtyLocked(buf)
	c.mu.Unlock()
}

func (c *Cache) setDirtyLocked(buf *Buffer) {
	buf.valid = true
	if !buf.dirty {
		buf.dirty = true
		c.dirtyOrder = append(c.dirtyOrder, buf.Chunk)
	}
}

// DirtyBufferCount reports the number of dirtyOrder entries, the figure
// the journal's back-pressure rule (§4.3) compares against journal_size-1.
// A buffer cleaned by ClearDirty alone stays counted until FlushBuffers
// prunes its entry.
func (c *Cache) DirtyBufferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirtyOrder)
}

// DirtyBuffers returns the dirty buffers in the order they were first
// dirtied (the order the journal must write them in).
func (c *Cache) DirtyBuffers() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Buffer, 0, len(c.dirtyOrder))
	for _, chunk := range c.dirtyOrder {
		if b, ok := c.buffers[chunk]; ok && b.dirty {
			out = append(out, b)
		}
	}
	return out
}

// WriteBuffer writes buf's contents to its own chunk location on the
// device.
func (c *Cache) WriteBuffer(buf *Buffer) error {
	return c.WriteBufferTo(buf, buf.Chunk)
}

// WriteBufferTo writes buf's contents to an arbitrary target chunk,
// independent of buf.Chunk — used by journal replay, which stages data
// blocks at journal slots but must write them to their real target sector.
func (c *Cache) WriteBufferTo(buf *Buffer, target uint64) error {
	return chunkio.WriteChunk(c.dev, c.chunkSize, target, buf.Data)
}

// ClearDirty marks buf clean. It does not itself prune dirtyOrder — the
// stale chunk entry is skipped by DirtyBuffers' dirty check and reaped the
// next time FlushBuffers rebuilds the list, which is the only place this
// is called from.
func (c *Cache) ClearDirty(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf.dirty = false
}

// FlushBuffers writes every currently dirty buffer to its real location and
// clears the dirty set. Used by the journal's commit path once the journal
// transaction itself is durable.
func (c *Cache) FlushBuffers() (err error) {
	dirty := c.DirtyBuffers()
	for _, b := range dirty {
		if werr := c.WriteBuffer(b); werr != nil {
			log.ErrorfWithError(werr, "FlushBuffers: writing chunk %d", b.Chunk)
			err = werr
			continue
		}
		c.ClearDirty(b)
	}
	c.mu.Lock()
	remaining := c.dirtyOrder[:0]
	for _, chunk := range c.dirtyOrder {
		if b, ok := c.buffers[chunk]; ok && b.dirty {
			remaining = append(remaining, chunk)
		}
	}
	c.dirtyOrder = remaining
	c.mu.Unlock()
	return err
}

// EvictBuffer removes buf from the cache. It refuses to evict a pinned or
// dirty buffer — guarantee (i)/(iii) from SPEC_FULL.md §4.1.
func (c *Cache) EvictBuffer(buf *Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf.refCount > 0 {
		return fmt.Errorf("cache: EvictBuffer(%d): buffer is pinned (refCount=%d)", buf.Chunk, buf.refCount)
	}
	if buf.dirty {
		return fmt.Errorf("cache: EvictBuffer(%d): buffer is dirty", buf.Chunk)
	}
	delete(c.buffers, buf.Chunk)
	return nil
}
