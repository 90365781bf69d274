package locktable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadlockAndReleaseFiresWaiter(t *testing.T) {
	tbl := New(DefaultHashBits)

	tbl.ReadlockChunk(7, 1) // snapshot reader 1 holds chunk 7

	fired := false
	pending := NewPending(func() { fired = true })
	tbl.WaitforChunk(7, 100, pending)
	pending.Release() // balancing decrement after issuing waits for every chunk in the request

	assert.False(t, fired, "reply must wait for the reader to release")

	tbl.ReleaseChunk(7, 1)
	assert.True(t, fired, "reply fires once the last holder releases")
}

func TestWaitforChunkNoLockIsNoop(t *testing.T) {
	tbl := New(DefaultHashBits)
	fired := false
	pending := NewPending(func() { fired = true })
	tbl.WaitforChunk(42, 100, pending)
	pending.Release()
	assert.True(t, fired, "an origin write touching an unlocked chunk replies immediately")
}

func TestPendingWaitsForEveryChunk(t *testing.T) {
	tbl := New(DefaultHashBits)
	tbl.ReadlockChunk(1, 1)
	tbl.ReadlockChunk(2, 1)

	fired := false
	pending := NewPending(func() { fired = true })
	tbl.WaitforChunk(1, 100, pending)
	tbl.WaitforChunk(2, 100, pending)
	pending.Release()

	tbl.ReleaseChunk(1, 1)
	assert.False(t, fired, "one of two dependent chunks released is not enough")

	tbl.ReleaseChunk(2, 1)
	assert.True(t, fired)
}

func TestMultipleHoldersMustAllRelease(t *testing.T) {
	tbl := New(DefaultHashBits)
	tbl.ReadlockChunk(5, 1)
	tbl.ReadlockChunk(5, 2)

	fired := false
	pending := NewPending(func() { fired = true })
	tbl.WaitforChunk(5, 100, pending)
	pending.Release()

	tbl.ReleaseChunk(5, 1)
	assert.False(t, fired)
	tbl.ReleaseChunk(5, 2)
	assert.True(t, fired)
}

func TestReleaseClientScansWholeTable(t *testing.T) {
	tbl := New(DefaultHashBits)
	tbl.ReadlockChunk(1, 9)
	tbl.ReadlockChunk(2, 9)

	fired1, fired2 := false, false
	p1 := NewPending(func() { fired1 = true })
	p2 := NewPending(func() { fired2 = true })
	tbl.WaitforChunk(1, 100, p1)
	tbl.WaitforChunk(2, 100, p2)
	p1.Release()
	p2.Release()

	tbl.ReleaseClient(9) // client 9's session closed without FINISH_SNAPSHOT_READ

	assert.True(t, fired1)
	assert.True(t, fired2)
}
