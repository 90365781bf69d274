package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likizju/zumastor/chunkio"
)

const testChunkSize = 64

func TestBReadLoadsFromDeviceOnce(t *testing.T) {
	dev := chunkio.NewMemDevice(16 * testChunkSize)
	buf := make([]byte, testChunkSize)
	buf[0] = 0x42
	require.NoError(t, chunkio.WriteChunk(dev, testChunkSize, 3, buf))

	c := New(dev, testChunkSize)
	b, err := c.BRead(3)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), b.Data[0])
	c.Brelse(b)

	b2, err := c.BRead(3)
	require.NoError(t, err)
	assert.Same(t, b, b2, "second BRead must return the same cached buffer")
	c.Brelse(b2)
}

func TestBrelseDirtyTracksDirtyOrderOnce(t *testing.T) {
	dev := chunkio.NewMemDevice(4 * testChunkSize)
	c := New(dev, testChunkSize)

	b := c.GetBlk(1)
	c.BrelseDirty(b)
	assert.Equal(t, 1, c.DirtyBufferCount())

	// Re-acquiring and re-dirtying an already-dirty buffer must not grow
	// dirtyOrder — only a false->true transition appends.
	b2 := c.GetBlk(1)
	c.BrelseDirty(b2)
	assert.Equal(t, 1, c.DirtyBufferCount())
}

func TestFlushBuffersWritesAndPrunesDirtyOrder(t *testing.T) {
	dev := chunkio.NewMemDevice(4 * testChunkSize)
	c := New(dev, testChunkSize)

	b := c.GetBlk(2)
	b.Data[0] = 0x7

	c.BrelseDirty(b)
	require.Equal(t, 1, c.DirtyBufferCount())

	require.NoError(t, c.FlushBuffers())
	assert.Equal(t, 0, c.DirtyBufferCount())

	got, err := chunkio.ReadChunk(dev, testChunkSize, 2)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7), got[0])
}

// TestDirtyOrderDoesNotLeakAcrossCommitsOnSameChunk guards against the
// dirtyOrder-growth regression: a chunk dirtied, flushed, and dirtied again
// across repeated commit cycles must never inflate DirtyBufferCount beyond
// the true number of distinct dirty chunks, since the journal's
// back-pressure rule and hard cap both read that count directly.
func TestDirtyOrderDoesNotLeakAcrossCommitsOnSameChunk(t *testing.T) {
	dev := chunkio.NewMemDevice(4 * testChunkSize)
	c := New(dev, testChunkSize)

	for i := 0; i < 50; i++ {
		b, err := c.BRead(0)
		require.NoError(t, err)
		c.BrelseDirty(b)
		require.NoError(t, c.FlushBuffers())
		require.Equal(t, 0, c.DirtyBufferCount(), "iteration %d", i)
	}
}

func TestClearDirtyAloneLeavesStaleDirtyOrderEntry(t *testing.T) {
	dev := chunkio.NewMemDevice(4 * testChunkSize)
	c := New(dev, testChunkSize)

	b := c.GetBlk(5)
	c.BrelseDirty(b)
	require.Equal(t, 1, c.DirtyBufferCount())

	// ClearDirty by itself (bypassing FlushBuffers) clears the flag but
	// is documented not to prune dirtyOrder; DirtyBuffers' own dirty
	// filter is what keeps the stale entry from being reported as live.
	c.ClearDirty(b)
	assert.Equal(t, 1, c.DirtyBufferCount(), "dirtyOrder entry is only reaped by FlushBuffers")
	assert.Empty(t, c.DirtyBuffers())
}

func TestEvictBufferRefusesPinnedAndDirty(t *testing.T) {
	dev := chunkio.NewMemDevice(8 * testChunkSize)
	c := New(dev, testChunkSize)

	b := c.GetBlk(6)
	assert.Error(t, c.EvictBuffer(b), "pinned buffer must not be evicted")

	c.BrelseDirty(b)
	assert.Error(t, c.EvictBuffer(b), "dirty buffer must not be evicted")

	require.NoError(t, c.FlushBuffers())
	assert.NoError(t, c.EvictBuffer(b))

	b2 := c.GetBlk(6)
	assert.NotSame(t, b, b2, "evicted chunk must be reloaded fresh")
	c.Brelse(b2)
}
