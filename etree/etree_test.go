package etree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likizju/zumastor/bitmap"
	"github.com/likizju/zumastor/cache"
	"github.com/likizju/zumastor/chunkio"
)

const testChunkSize = 128

// fakeCopier records every copyout call instead of moving real data; the
// tree operations under test only care that exactly one call happens per
// new exception, with the source they expect.
type fakeCopier struct {
	calls []struct{ source, dest uint64 }
}

func (f *fakeCopier) Copyout(source, dest uint64) error {
	f.calls = append(f.calls, struct{ source, dest uint64 }{source, dest})
	return nil
}

func newTestTree(t *testing.T, metaChunks, snapChunks uint64) (*Tree, *bitmap.Allocator) {
	t.Helper()
	dev := chunkio.NewMemDevice(int64(metaChunks) * testChunkSize)
	c := cache.New(dev, testChunkSize)

	meta := &bitmap.Region{BitmapBase: 0, BitmapBlocks: 1, TotalChunks: metaChunks, FreeChunks: metaChunks}
	snap := &bitmap.Region{BitmapBase: 1, BitmapBlocks: 1, TotalChunks: snapChunks, FreeChunks: snapChunks}
	alloc := bitmap.New(c, testChunkSize, meta, snap)

	require.NoError(t, alloc.ReserveRange(bitmap.Metadata, 0, 3))     // metadata bitmap + snapshot-data bitmap + root leaf
	require.NoError(t, alloc.ReserveRange(bitmap.SnapshotData, 0, 1)) // exception chunk 0 means "no exception", as in Format

	rootChunk := uint64(2)
	root := NewLeaf(0, 0)
	block, err := root.Encode(testChunkSize)
	require.NoError(t, err)
	buf := c.GetBlk(rootChunk)
	copy(buf.Data, block)
	c.BrelseDirty(buf)

	return New(c, alloc, testChunkSize, rootChunk, 1), alloc
}

func TestTestUniqueEmptyTree(t *testing.T) {
	tree, _ := newTestTree(t, 64, 64)

	unique, exChunk, err := tree.TestUnique(100, -1, 0)
	require.NoError(t, err)
	assert.True(t, unique, "origin write with no snapshots is always unique")
	assert.Equal(t, uint64(0), exChunk)

	unique, _, err = tree.TestUnique(100, -1, 0x3)
	require.NoError(t, err)
	assert.False(t, unique, "origin write is not unique once snapshots exist")

	unique, exChunk, err = tree.TestUnique(100, 0, 0x3)
	require.NoError(t, err)
	assert.False(t, unique, "snapshot with no exception record still shares the origin")
	assert.Equal(t, uint64(0), exChunk)
}

func TestMakeUniqueSnapshotWrite(t *testing.T) {
	tree, alloc := newTestTree(t, 64, 64)
	cp := &fakeCopier{}

	exChunk, created, err := tree.MakeUnique(5, 0, 0x3, cp)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, exChunk)
	require.Len(t, cp.calls, 1)
	assert.Equal(t, EncodeOriginSource(5), cp.calls[0].source, "first divergence copies from the origin chunk")
	assert.Equal(t, EncodeSnapSource(exChunk), cp.calls[0].dest)

	unique, gotChunk, err := tree.TestUnique(5, 0, 0x3)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, exChunk, gotChunk)

	// A second write to the same chunk for the same snapshot is already
	// unique: no new allocation, no new copyout.
	_, created2, err := tree.MakeUnique(5, 0, 0x3, cp)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Len(t, cp.calls, 1)

	assert.Equal(t, uint64(64-1-1), alloc.FreeChunks(bitmap.SnapshotData), "reserved chunk 0 plus the one exception")
}

func TestMakeUniqueSecondSnapshotSharesFirstException(t *testing.T) {
	tree, _ := newTestTree(t, 64, 64)
	cp := &fakeCopier{}

	// An origin write leaves one exception shared by snapshots 0 and 1.
	firstEx, _, err := tree.MakeUnique(5, -1, 0x3, cp)
	require.NoError(t, err)

	secondEx, created, err := tree.MakeUnique(5, 1, 0x3, cp)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, firstEx, secondEx)
	require.Len(t, cp.calls, 2)
	assert.Equal(t, EncodeSnapSource(firstEx), cp.calls[1].source, "snapshot 1 still shared exception 0's data")

	unique, gotChunk, err := tree.TestUnique(5, 0, 0x3)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, firstEx, gotChunk)

	unique, gotChunk, err = tree.TestUnique(5, 1, 0x3)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, secondEx, gotChunk)
}

func TestMakeUniqueOriginWrite(t *testing.T) {
	tree, _ := newTestTree(t, 64, 64)
	cp := &fakeCopier{}

	exChunk, created, err := tree.MakeUnique(5, -1, 0x3, cp)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, cp.calls, 1)
	assert.Equal(t, EncodeOriginSource(5), cp.calls[0].source)

	unique, _, err := tree.TestUnique(5, -1, 0x3)
	require.NoError(t, err)
	assert.True(t, unique, "origin write immediately snapshots the prior contents for every live snapshot")
	_ = exChunk
}

func TestLeafSplitsUnderLoad(t *testing.T) {
	tree, _ := newTestTree(t, 512, 512)
	cp := &fakeCopier{}

	for i := uint64(0); i < 100; i++ {
		_, _, err := tree.MakeUnique(i*4, 0, 0x1, cp)
		require.NoError(t, err)
	}
	if tree.Levels() < 2 {
		t.Fatalf("expected the leaf to have split at least once after 100 insertions, levels=%d", tree.Levels())
	}

	for i := uint64(0); i < 100; i++ {
		unique, exChunk, err := tree.TestUnique(i*4, 0, 0x1)
		require.NoError(t, err)
		assert.True(t, unique)
		assert.NotZero(t, exChunk)
	}
}

func TestDeleteTreeRangeFreesZeroShareExceptions(t *testing.T) {
	tree, alloc := newTestTree(t, 64, 64)
	cp := &fakeCopier{}

	_, _, err := tree.MakeUnique(5, 0, 0x3, cp)
	require.NoError(t, err)
	_, _, err = tree.MakeUnique(5, 1, 0x3, cp)
	require.NoError(t, err)

	freeBefore := alloc.FreeChunks(bitmap.SnapshotData)

	require.NoError(t, tree.DeleteTreeRange(0x1)) // delete snapshot 0

	assert.Equal(t, freeBefore+1, alloc.FreeChunks(bitmap.SnapshotData), "snapshot 0's exception is freed, snapshot 1's survives")

	unique, gotChunk, err := tree.TestUnique(5, 1, 0x2)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.NotZero(t, gotChunk)
}

func TestGenChangelist(t *testing.T) {
	tree, _ := newTestTree(t, 64, 64)
	cp := &fakeCopier{}

	// Chunk 5 diverges between snapshot 0 and snapshot 1; chunk 9 is
	// written on the origin, so both share one preserved copy and read
	// identically.
	_, _, err := tree.MakeUnique(5, 0, 0x3, cp)
	require.NoError(t, err)

	_, _, err = tree.MakeUnique(9, -1, 0x3, cp)
	require.NoError(t, err)

	changed, err := tree.GenChangelist(0, 1)
	require.NoError(t, err)
	assert.Contains(t, changed, uint64(5))
	assert.NotContains(t, changed, uint64(9))

	same, err := tree.GenChangelist(0, 0)
	require.NoError(t, err)
	assert.Empty(t, same, "a snapshot compared with itself never differs")
}
