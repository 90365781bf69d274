package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likizju/zumastor/chunkio"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	metaDev := chunkio.NewMemDevice(4 << 20)
	originDev := chunkio.NewMemDevice(4 << 20)
	snapDev := chunkio.NewMemDevice(4 << 20)
	cfg := FormatConfig{
		ChunkSizeBits:   12,
		MetaTotalChunks: 512,
		SnapTotalChunks: 512,
		JournalSize:     32,
		CreatedAt:       1,
	}
	st, err := Format(metaDev, originDev, snapDev, 4096, cfg)
	require.NoError(t, err)
	return st
}

func TestCreateDeleteSnapshot(t *testing.T) {
	st := newTestStore(t)

	bit, err := st.CreateSnapshot(1, 100)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), bit)

	_, err = st.CreateSnapshot(1, 100)
	assert.Error(t, err, "duplicate tag must fail")

	bit2, err := st.CreateSnapshot(2, 100)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), bit2)

	assert.Equal(t, uint64(0x3), st.Snapmask())

	require.NoError(t, st.DeleteSnapshot(1))
	assert.Equal(t, uint64(0x2), st.Snapmask())
	_, ok := st.BitForTag(1)
	assert.False(t, ok)
}

func TestMaxSnapshotsLimit(t *testing.T) {
	st := newTestStore(t)
	for i := uint32(0); i < MaxSnapshots; i++ {
		_, err := st.CreateSnapshot(i, 1)
		require.NoError(t, err)
	}
	_, err := st.CreateSnapshot(MaxSnapshots, 1)
	assert.Error(t, err)
}

func TestPressureEvictionPrefersLowestPriority(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSnapshot(1, 1)
	require.NoError(t, err)
	require.NoError(t, st.SetPriority(1, 0))

	_, err = st.CreateSnapshot(2, 1)
	require.NoError(t, err)
	require.NoError(t, st.SetPriority(2, 5))

	evicted, err := st.evictForPressure()
	require.NoError(t, err)
	assert.True(t, evicted)

	_, ok := st.BitForTag(1)
	assert.False(t, ok, "lower-priority snapshot 1 should have been evicted")
	_, ok = st.BitForTag(2)
	assert.True(t, ok)
}

func TestPressureEvictionSkipsInUseSnapshots(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSnapshot(1, 1)
	require.NoError(t, err)
	require.NoError(t, st.SetPriority(1, 0))
	require.NoError(t, st.AdjustUsecount(1, 1))

	evicted, err := st.evictForPressure()
	require.NoError(t, err)
	assert.False(t, evicted, "a snapshot with nonzero usecount must not be evicted")
}

func TestSuperblockRoundTrip(t *testing.T) {
	st := newTestStore(t)
	_, err := st.CreateSnapshot(7, 42)
	require.NoError(t, err)
	require.NoError(t, st.Flush())

	block, err := st.SB.Encode(4096)
	require.NoError(t, err)

	decoded, err := Decode(block)
	require.NoError(t, err)
	assert.Equal(t, st.SB.Snapmask, decoded.Snapmask)
	assert.Equal(t, st.SB.RunID, decoded.RunID)
	require.Len(t, decoded.Records, 1)
	assert.Equal(t, uint32(7), decoded.Records[0].Tag)
}
