package server

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/likizju/zumastor/chunkio"
	"github.com/likizju/zumastor/protocol"
	"github.com/likizju/zumastor/snapshot"
)

const testChunkSize = 4096

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	metaDev := chunkio.NewMemDevice(8 << 20)
	originDev := chunkio.NewMemDevice(8 << 20)
	snapDev := chunkio.NewMemDevice(8 << 20)

	cfg := snapshot.FormatConfig{
		ChunkSizeBits:   12,
		MetaTotalChunks: 1024,
		SnapTotalChunks: 1024,
		JournalSize:     32,
		CreatedAt:       1,
	}
	st, err := snapshot.Format(metaDev, originDev, snapDev, testChunkSize, cfg)
	require.NoError(t, err)

	sockPath := filepath.Join(t.TempDir(), "zumastor.sock")
	srv := New(Config{SocketPath: sockPath}, st, nil)
	return srv, sockPath
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", sockPath, err)
	return nil
}

func send(t *testing.T, conn net.Conn, code protocol.Code, body []byte) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(conn, code, body))
}

func recv(t *testing.T, conn net.Conn) (protocol.Head, []byte) {
	t.Helper()
	head, err := protocol.ReadHead(conn)
	require.NoError(t, err)
	body := make([]byte, head.Length)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	return head, body
}

func identify(t *testing.T, conn net.Conn, tag uint32) {
	t.Helper()
	req := &protocol.IdentifyRequest{ID: 1, SnapTag: tag}
	send(t, conn, protocol.Identify, req.Encode())
	head, _ := recv(t, conn)
	require.Equal(t, protocol.IdentifyOK, head.Code)
}

func TestIdentifyOriginAndCreateSnapshot(t *testing.T) {
	srv, sockPath := newTestServer(t)
	go srv.Run()
	defer srv.Shutdown()

	conn := dial(t, sockPath)
	defer conn.Close()

	identify(t, conn, snapshot.OriginTag)

	send(t, conn, protocol.CreateSnapshot, (&protocol.TagBody{Tag: 7}).Encode())
	head, _ := recv(t, conn)
	require.Equal(t, protocol.CreateSnapshotOK, head.Code)

	send(t, conn, protocol.ListSnapshots, nil)
	head, body := recv(t, conn)
	require.Equal(t, protocol.SnapshotList, head.Code)
	entries, err := protocol.DecodeSnapshotList(body)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint32(7), entries[0].Tag)
}

// TestOriginWriteMakesSnapshotUnique exercises S1/S2-style behavior: an
// origin write after a snapshot exists must copy the old contents out
// before the write proceeds, and the snapshot must still see the
// pre-write version via a subsequent STREAM_CHANGELIST between it and a
// second, identical snapshot (no divergence) — and diverge once
// snapshot 1 is itself written through its own session.
func TestOriginWriteMakesSnapshotUnique(t *testing.T) {
	srv, sockPath := newTestServer(t)
	go srv.Run()
	defer srv.Shutdown()

	originConn := dial(t, sockPath)
	defer originConn.Close()
	identify(t, originConn, snapshot.OriginTag)

	send(t, originConn, protocol.CreateSnapshot, (&protocol.TagBody{Tag: 1}).Encode())
	head, _ := recv(t, originConn)
	require.Equal(t, protocol.CreateSnapshotOK, head.Code)

	send(t, originConn, protocol.CreateSnapshot, (&protocol.TagBody{Tag: 2}).Encode())
	head, _ = recv(t, originConn)
	require.Equal(t, protocol.CreateSnapshotOK, head.Code)

	// No writes have happened yet: snapshots 1 and 2 see identical state.
	send(t, originConn, protocol.StreamChangelist, (&protocol.ChangelistTagsBody{Tag1: 1, Tag2: 2}).Encode())
	head, body := recv(t, originConn)
	require.Equal(t, protocol.StreamChangelistOK, head.Code)
	count, _ := decodeU32(body)
	require.Equal(t, uint32(0), count)
	drainChunkList(t, originConn, count)

	// Write to the origin at chunk 5, made unique against both live
	// snapshots.
	writeReq := &protocol.WriteRequest{ID: 2, Ranges: []protocol.ChunkRange{{Start: 5, Count: 1}}}
	send(t, originConn, protocol.QueryWrite, writeReq.Encode())
	head, _ = recv(t, originConn)
	require.Equal(t, protocol.OriginWriteOK, head.Code)

	// Now snapshots 1 and 2 still agree (both still see the pre-write
	// version through the one exception record they share) — divergence only
	// appears once one of them is itself written via its own session.
	send(t, originConn, protocol.StreamChangelist, (&protocol.ChangelistTagsBody{Tag1: 1, Tag2: 2}).Encode())
	head, body = recv(t, originConn)
	require.Equal(t, protocol.StreamChangelistOK, head.Code)
	count, _ = decodeU32(body)
	require.Equal(t, uint32(0), count)
	drainChunkList(t, originConn, count)

	snapConn := dial(t, sockPath)
	defer snapConn.Close()
	identify(t, snapConn, 1)

	snapWriteReq := &protocol.WriteRequest{ID: 3, Ranges: []protocol.ChunkRange{{Start: 5, Count: 1}}}
	send(t, snapConn, protocol.QueryWrite, snapWriteReq.Encode())
	head, _ = recv(t, snapConn)
	require.Equal(t, protocol.SnapshotWriteOK, head.Code)

	send(t, originConn, protocol.StreamChangelist, (&protocol.ChangelistTagsBody{Tag1: 1, Tag2: 2}).Encode())
	head, body = recv(t, originConn)
	require.Equal(t, protocol.StreamChangelistOK, head.Code)
	count, _ = decodeU32(body)
	require.Equal(t, uint32(1), count)
	chunks := drainChunkList(t, originConn, count)
	require.Equal(t, []uint64{5}, chunks)
}

func TestSnapshotReadFlowLocksAndReleasesOriginChunks(t *testing.T) {
	srv, sockPath := newTestServer(t)
	go srv.Run()
	defer srv.Shutdown()

	originConn := dial(t, sockPath)
	defer originConn.Close()
	identify(t, originConn, snapshot.OriginTag)
	send(t, originConn, protocol.CreateSnapshot, (&protocol.TagBody{Tag: 9}).Encode())
	head, _ := recv(t, originConn)
	require.Equal(t, protocol.CreateSnapshotOK, head.Code)

	readConn := dial(t, sockPath)
	defer readConn.Close()
	identify(t, readConn, 9)

	readReq := &protocol.WriteRequest{ID: 1, Ranges: []protocol.ChunkRange{{Start: 3, Count: 1}}}
	send(t, readConn, protocol.QuerySnapshotRead, readReq.Encode())
	head, body := recv(t, readConn)
	require.Equal(t, protocol.SnapshotReadOriginOK, head.Code)
	chunks, err := decodeChunkList(body)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, chunks)
	head, _ = recv(t, readConn)
	require.Equal(t, protocol.SnapshotReadOK, head.Code)

	// An origin write to the same chunk must park until FINISH_SNAPSHOT_READ.
	writeReq := &protocol.WriteRequest{ID: 2, Ranges: []protocol.ChunkRange{{Start: 3, Count: 1}}}
	send(t, originConn, protocol.QueryWrite, writeReq.Encode())

	require.NoError(t, originConn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err = readOneNonBlocking(originConn)
	require.Error(t, err, "origin write reply must be parked while the snapshot read holds chunk 3")
	require.NoError(t, originConn.SetReadDeadline(time.Time{}))

	send(t, readConn, protocol.FinishSnapshotRead, protocol.EncodeChunkList(chunks))

	head, _ = recv(t, originConn)
	require.Equal(t, protocol.OriginWriteOK, head.Code)
}

func TestStatusReportsSpaceAndRecord(t *testing.T) {
	srv, sockPath := newTestServer(t)
	go srv.Run()
	defer srv.Shutdown()

	conn := dial(t, sockPath)
	defer conn.Close()
	identify(t, conn, snapshot.OriginTag)

	send(t, conn, protocol.CreateSnapshot, (&protocol.TagBody{Tag: 4}).Encode())
	head, _ := recv(t, conn)
	require.Equal(t, protocol.CreateSnapshotOK, head.Code)

	send(t, conn, protocol.Status, (&protocol.TagBody{Tag: protocol.StatusAllTag}).Encode())
	head, body := recv(t, conn)
	require.Equal(t, protocol.StatusOK, head.Code)
	reply, err := protocol.DecodeStatusReply(body)
	require.NoError(t, err)
	require.Equal(t, uint32(1), reply.SnapshotCount)
	require.False(t, reply.HasRecord)

	send(t, conn, protocol.Status, (&protocol.TagBody{Tag: 4}).Encode())
	head, body = recv(t, conn)
	require.Equal(t, protocol.StatusOK, head.Code)
	reply, err = protocol.DecodeStatusReply(body)
	require.NoError(t, err)
	require.True(t, reply.HasRecord)
	require.Equal(t, uint32(4), reply.Record.Tag)

	send(t, conn, protocol.Status, (&protocol.TagBody{Tag: 999}).Encode())
	head, _ = recv(t, conn)
	require.Equal(t, protocol.StatusError, head.Code)
}

func readOneNonBlocking(conn net.Conn) (protocol.Head, []byte, error) {
	head, err := protocol.ReadHead(conn)
	if err != nil {
		return protocol.Head{}, nil, err
	}
	body := make([]byte, head.Length)
	_, err = io.ReadFull(conn, body)
	return head, body, err
}

func decodeU32(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("short body")
	}
	return uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16 | uint32(body[3])<<24, nil
}

func drainChunkList(t *testing.T, conn net.Conn, count uint32) []uint64 {
	t.Helper()
	buf := make([]byte, count*8)
	if count > 0 {
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
	}
	out := make([]uint64, count)
	for i := range out {
		var v uint64
		for b := 7; b >= 0; b-- {
			v = v<<8 | uint64(buf[int(i)*8+b])
		}
		out[i] = v
	}
	return out
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
