package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likizju/zumastor/cache"
	"github.com/likizju/zumastor/chunkio"
)

const testChunkSize = 64

func newTestAllocator(t *testing.T, metaChunks, snapChunks uint64) *Allocator {
	t.Helper()
	dev := chunkio.NewMemDevice(64 * testChunkSize)
	c := cache.New(dev, testChunkSize)
	meta := &Region{BitmapBase: 0, BitmapBlocks: 1, TotalChunks: metaChunks, FreeChunks: metaChunks}
	snap := &Region{BitmapBase: 1, BitmapBlocks: 1, TotalChunks: snapChunks, FreeChunks: snapChunks}
	return New(c, testChunkSize, meta, snap)
}

func TestAllocChunkReturnsDistinctChunksAndDecrementsFree(t *testing.T) {
	a := newTestAllocator(t, 8, 8)

	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		c, err := a.AllocChunk(Metadata)
		require.NoError(t, err)
		assert.False(t, seen[c], "chunk %d allocated twice", c)
		seen[c] = true
	}
	assert.Equal(t, uint64(4), a.FreeChunks(Metadata))
}

func TestFreeChunkRestoresFreeCountAndAllowsReallocation(t *testing.T) {
	a := newTestAllocator(t, 4, 4)

	c, err := a.AllocChunk(Metadata)
	require.NoError(t, err)
	a.FreeChunk(Metadata, c)
	assert.Equal(t, uint64(4), a.FreeChunks(Metadata))

	// The freed bit must be reusable.
	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		cc, aerr := a.AllocChunk(Metadata)
		require.NoError(t, aerr)
		seen[cc] = true
	}
	assert.Len(t, seen, 4)
}

func TestFreeChunkAlreadyFreeIsIgnored(t *testing.T) {
	a := newTestAllocator(t, 4, 4)
	a.FreeChunk(Metadata, 2) // never allocated; must warn, not panic
	assert.Equal(t, uint64(4), a.FreeChunks(Metadata))
}

func TestAllocChunkExhaustionWithoutPressureHandlerErrors(t *testing.T) {
	a := newTestAllocator(t, 2, 2)
	_, err := a.AllocChunk(Metadata)
	require.NoError(t, err)
	_, err = a.AllocChunk(Metadata)
	require.NoError(t, err)
	_, err = a.AllocChunk(Metadata)
	assert.Error(t, err, "metadata space has no pressure handler and must fail outright when exhausted")
}

func TestAllocChunkSnapshotDataInvokesPressureHandlerOnExhaustion(t *testing.T) {
	a := newTestAllocator(t, 2, 1)

	_, err := a.AllocChunk(SnapshotData)
	require.NoError(t, err)

	var evictCalls int
	a.SetPressureHandler(func() (bool, error) {
		evictCalls++
		if evictCalls == 1 {
			a.FreeChunk(SnapshotData, 0)
			return true, nil
		}
		return false, nil
	})

	c, err := a.AllocChunk(SnapshotData)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c)
	assert.Equal(t, 1, evictCalls)
}

func TestAllocChunkSnapshotDataExhaustedWhenEvictionFindsNothing(t *testing.T) {
	a := newTestAllocator(t, 2, 1)
	_, err := a.AllocChunk(SnapshotData)
	require.NoError(t, err)

	a.SetPressureHandler(func() (bool, error) { return false, nil })

	_, err = a.AllocChunk(SnapshotData)
	assert.Error(t, err)
}

func TestReserveRangeMarksChunksUsedUpFront(t *testing.T) {
	a := newTestAllocator(t, 8, 8)
	require.NoError(t, a.ReserveRange(Metadata, 0, 3))
	assert.Equal(t, uint64(5), a.FreeChunks(Metadata))

	// Allocation must skip the reserved range.
	c, err := a.AllocChunk(Metadata)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c, uint64(3))
}

func TestAllocChunkWrapsFromLastAllocToZero(t *testing.T) {
	a := newTestAllocator(t, 4, 4)
	// Drain chunks 0..3, leaving only chunk 1 unset after manually freeing it.
	for i := 0; i < 4; i++ {
		_, err := a.AllocChunk(Metadata)
		require.NoError(t, err)
	}
	a.FreeChunk(Metadata, 1)

	c, err := a.AllocChunk(Metadata)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c, "the only free bit, behind LastAlloc, must still be found by the wraparound scan")
}
