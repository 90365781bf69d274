package server

import (
	"fmt"

	"github.com/likizju/zumastor/bitmap"
	"github.com/likizju/zumastor/locktable"
	"github.com/likizju/zumastor/protocol"
	"github.com/likizju/zumastor/snapshot"
	"github.com/likizju/zumastor/utils"
)

// handleIdentify binds a session to a snapshot tag (or the origin) and
// replies with the daemon's chunk size, the context every later QUERY_WRITE
// / QUERY_SNAPSHOT_READ on this session is interpreted against.
func (s *Server) handleIdentify(cmd command) {
	req, err := protocol.DecodeIdentifyRequest(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.IdentifyError, protocol.ErrorUnknownMessage, err.Error())
		return
	}

	bit := int32(-1)
	if req.SnapTag != snapshot.OriginTag {
		b, ok := s.st.BitForTag(req.SnapTag)
		if !ok {
			s.sendError(cmd.sess, protocol.IdentifyError, protocol.ErrorInvalidSnapshot, "no such snapshot tag")
			return
		}
		bit = int32(b)
		if err := s.st.AdjustUsecount(req.SnapTag, 1); err != nil {
			s.sendError(cmd.sess, protocol.IdentifyError, errorCodeFor(err), err.Error())
			return
		}
	}

	cmd.sess.identified = true
	cmd.sess.snapTag = req.SnapTag
	cmd.sess.snapBit = bit

	if err := protocol.WriteMessage(cmd.sess.conn, protocol.IdentifyOK, protocol.EncodeU32(s.st.SB.ChunkSizeBits)); err != nil {
		log.WarnfWithError(err, "session %d: writing IDENTIFY_OK", cmd.sess.id)
	}
}

// handleQueryWrite implements the origin-write and snapshot-write flow of
// SPEC_FULL.md §4.4/§4.7: make_unique every chunk in the request, park the
// reply behind the lock table for any chunk an in-flight snapshot read
// still holds, and reply once every chunk has been resolved.
func (s *Server) handleQueryWrite(cmd command) {
	if !cmd.sess.identified {
		s.sendError(cmd.sess, protocol.OriginWriteError, protocol.ErrorUnknownMessage, "QUERY_WRITE before IDENTIFY")
		return
	}
	req, err := protocol.DecodeWriteRequest(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.OriginWriteError, protocol.ErrorUnknownMessage, err.Error())
		return
	}

	okCode, errCode := protocol.SnapshotWriteOK, protocol.SnapshotWriteError
	if cmd.sess.snapBit == -1 {
		okCode, errCode = protocol.OriginWriteOK, protocol.OriginWriteError
	}

	activeMask := s.st.Snapmask()
	allocated := make([]protocol.ChunkRange, 0, len(req.Ranges))
	exceptions := make([]uint64, 0, len(req.Ranges))
	parkedChunks := []uint64{}

	for _, r := range req.Ranges {
		for c := r.Start; c < r.Start+uint64(r.Count); c++ {
			exChunk, created, merr := s.st.Tree.MakeUnique(c, cmd.sess.snapBit, activeMask, s.copier)
			if merr != nil {
				s.sendError(cmd.sess, errCode, errorCodeFor(merr), merr.Error())
				return
			}
			allocated = append(allocated, protocol.ChunkRange{Start: c, Count: 1})
			exceptions = append(exceptions, exChunk)
			if created {
				parkedChunks = append(parkedChunks, c)
			}
		}
	}
	// One Flush for the whole request lets MakeUnique's copyout calls
	// coalesce across contiguous chunks in the same QUERY_WRITE batch.
	if ferr := s.copier.Flush(); ferr != nil {
		s.sendError(cmd.sess, errCode, protocol.ErrorUnknownMessage, ferr.Error())
		return
	}

	resp := &protocol.WriteResponse{ID: req.ID, Allocated: allocated}
	if cmd.sess.snapBit != -1 {
		resp.Exceptions = exceptions
	}
	body := resp.Encode()

	reply := func() {
		if err := protocol.WriteMessage(cmd.sess.conn, okCode, body); err != nil {
			log.WarnfWithError(err, "session %d: writing write reply", cmd.sess.id)
		}
	}

	// Origin writes must wait for any in-flight snapshot read holding one
	// of the chunks just made unique before the client may reuse the
	// space (SPEC_FULL.md §4.7 origin-write flow). Snapshot writes never
	// touch the origin device, so they carry no lock dependency.
	if cmd.sess.snapBit != -1 || len(parkedChunks) == 0 {
		reply()
		return
	}

	pending := locktable.NewPending(reply)
	for _, c := range parkedChunks {
		s.locks.WaitforChunk(c, cmd.sess.id, pending)
	}
	pending.Release()
}

// handleQuerySnapshotRead implements the snapshot-read flow: test_unique
// for the session's bound snapshot; if no exception exists the read goes
// to the origin device and the chunk is readlocked until
// FINISH_SNAPSHOT_READ.
func (s *Server) handleQuerySnapshotRead(cmd command) {
	if !cmd.sess.identified || cmd.sess.snapBit == -1 {
		s.sendError(cmd.sess, protocol.ProtocolErrorCode, protocol.ErrorUnknownMessage, "QUERY_SNAPSHOT_READ requires an identified snapshot session")
		return
	}
	req, err := protocol.DecodeWriteRequest(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.ProtocolErrorCode, protocol.ErrorUnknownMessage, err.Error())
		return
	}

	activeMask := s.st.Snapmask()
	originChunks := []protocol.ChunkRange{}
	exceptionChunks := []uint64{}

	for _, r := range req.Ranges {
		for c := r.Start; c < r.Start+uint64(r.Count); c++ {
			unique, exChunk, terr := s.st.Tree.TestUnique(c, cmd.sess.snapBit, activeMask)
			if terr != nil {
				s.sendError(cmd.sess, protocol.ProtocolErrorCode, protocol.ErrorUnknownMessage, terr.Error())
				return
			}
			if exChunk != 0 {
				exceptionChunks = append(exceptionChunks, exChunk)
				continue
			}
			s.locks.ReadlockChunk(c, cmd.sess.id)
			originChunks = append(originChunks, protocol.ChunkRange{Start: c, Count: 1})
		}
	}

	if len(originChunks) > 0 {
		body := protocol.EncodeChunkList(chunkRangeStarts(originChunks))
		if err := protocol.WriteMessage(cmd.sess.conn, protocol.SnapshotReadOriginOK, body); err != nil {
			log.WarnfWithError(err, "session %d: writing SNAPSHOT_READ_ORIGIN_OK", cmd.sess.id)
		}
	}
	body := protocol.EncodeChunkList(exceptionChunks)
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.SnapshotReadOK, body); err != nil {
		log.WarnfWithError(err, "session %d: writing SNAPSHOT_READ_OK", cmd.sess.id)
	}
}

func chunkRangeStarts(ranges []protocol.ChunkRange) []uint64 {
	out := make([]uint64, len(ranges))
	for i, r := range ranges {
		out[i] = r.Start
	}
	return out
}

// handleFinishSnapshotRead releases every origin chunk readlocked by a
// prior QUERY_SNAPSHOT_READ on this session, which may unblock parked
// origin-write replies.
func (s *Server) handleFinishSnapshotRead(cmd command) {
	chunks, err := decodeChunkList(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.ProtocolErrorCode, protocol.ErrorUnknownMessage, err.Error())
		return
	}
	for _, c := range chunks {
		s.locks.ReleaseChunk(c, cmd.sess.id)
	}
}

func decodeChunkList(body []byte) ([]uint64, error) {
	if len(body)%8 != 0 {
		return nil, errTruncatedChunkList
	}
	out := make([]uint64, len(body)/8)
	for i := range out {
		v, _ := utils.ByteSliceToUint64(body[i*8 : i*8+8])
		out[i] = v
	}
	return out, nil
}

func (s *Server) handleCreateSnapshot(cmd command) {
	tag, err := protocol.DecodeTagBody(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.CreateSnapshotError, protocol.ErrorUnknownMessage, err.Error())
		return
	}
	if _, err := s.st.CreateSnapshot(tag.Tag, currentTime()); err != nil {
		s.sendError(cmd.sess, protocol.CreateSnapshotError, errorCodeFor(err), err.Error())
		return
	}
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.CreateSnapshotOK, nil); err != nil {
		log.WarnfWithError(err, "session %d: writing CREATE_SNAPSHOT_OK", cmd.sess.id)
	}
}

func (s *Server) handleDeleteSnapshot(cmd command) {
	tag, err := protocol.DecodeTagBody(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.DeleteSnapshotError, protocol.ErrorUnknownMessage, err.Error())
		return
	}
	if err := s.st.DeleteSnapshot(tag.Tag); err != nil {
		s.sendError(cmd.sess, protocol.DeleteSnapshotError, errorCodeFor(err), err.Error())
		return
	}
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.DeleteSnapshotOK, nil); err != nil {
		log.WarnfWithError(err, "session %d: writing DELETE_SNAPSHOT_OK", cmd.sess.id)
	}
}

func (s *Server) handleListSnapshots(cmd command) {
	records := s.st.List()
	entries := make([]protocol.SnapshotListEntry, len(records))
	for i, r := range records {
		entries[i] = protocol.SnapshotListEntry{Tag: r.Tag, Priority: r.Priority, Ctime: r.Ctime, Usecount: r.Usecount}
	}
	body := protocol.EncodeSnapshotList(entries)
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.SnapshotList, body); err != nil {
		log.WarnfWithError(err, "session %d: writing SNAPSHOT_LIST", cmd.sess.id)
	}
}

func (s *Server) handlePriority(cmd command) {
	b, err := protocol.DecodePriorityBody(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.PriorityError, protocol.ErrorUnknownMessage, err.Error())
		return
	}
	if err := s.st.SetPriority(b.Tag, b.Priority); err != nil {
		s.sendError(cmd.sess, protocol.PriorityError, errorCodeFor(err), err.Error())
		return
	}
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.PriorityOK, nil); err != nil {
		log.WarnfWithError(err, "session %d: writing PRIORITY_OK", cmd.sess.id)
	}
}

func (s *Server) handleUsecount(cmd command) {
	b, err := protocol.DecodeUsecountBody(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.UsecountError, protocol.ErrorUnknownMessage, err.Error())
		return
	}
	if err := s.st.AdjustUsecount(b.Tag, b.Delta); err != nil {
		s.sendError(cmd.sess, protocol.UsecountError, errorCodeFor(err), err.Error())
		return
	}
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.UsecountOK, nil); err != nil {
		log.WarnfWithError(err, "session %d: writing USECOUNT_OK", cmd.sess.id)
	}
}

// handleStatus implements STATUS(tag_or_all): aggregate space occupancy
// always, plus one snapshot's record when the request names a real tag.
func (s *Server) handleStatus(cmd command) {
	tag, err := protocol.DecodeTagBody(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.StatusError, protocol.ErrorUnknownMessage, err.Error())
		return
	}

	reply := &protocol.StatusReply{
		MetaTotalChunks: s.st.Alloc.TotalChunks(bitmap.Metadata),
		MetaFreeChunks:  s.st.Alloc.FreeChunks(bitmap.Metadata),
		SnapTotalChunks: s.st.Alloc.TotalChunks(bitmap.SnapshotData),
		SnapFreeChunks:  s.st.Alloc.FreeChunks(bitmap.SnapshotData),
		SnapshotCount:   uint32(len(s.st.List())),
	}

	if tag.Tag != protocol.StatusAllTag {
		var found bool
		for _, r := range s.st.List() {
			if r.Tag == tag.Tag {
				reply.HasRecord = true
				reply.Record = protocol.SnapshotListEntry{Tag: r.Tag, Priority: r.Priority, Ctime: r.Ctime, Usecount: r.Usecount}
				found = true
				break
			}
		}
		if !found {
			s.sendError(cmd.sess, protocol.StatusError, protocol.ErrorInvalidSnapshot, "no such snapshot tag")
			return
		}
	}

	if err := protocol.WriteMessage(cmd.sess.conn, protocol.StatusOK, reply.Encode()); err != nil {
		log.WarnfWithError(err, "session %d: writing STATUS_OK", cmd.sess.id)
	}
}

func (s *Server) handleStreamChangelist(cmd command) {
	tags, err := protocol.DecodeChangelistTagsBody(cmd.body)
	if err != nil {
		s.sendError(cmd.sess, protocol.ProtocolErrorCode, protocol.ErrorUnknownMessage, err.Error())
		return
	}
	bit1, ok1 := s.st.BitForTag(tags.Tag1)
	bit2, ok2 := s.st.BitForTag(tags.Tag2)
	if !ok1 || !ok2 {
		s.sendError(cmd.sess, protocol.ProtocolErrorCode, protocol.ErrorInvalidSnapshot, "unknown snapshot tag in STREAM_CHANGELIST")
		return
	}

	chunks, err := s.st.Tree.GenChangelist(int(bit1), int(bit2))
	if err != nil {
		s.sendError(cmd.sess, protocol.ProtocolErrorCode, protocol.ErrorUnknownMessage, err.Error())
		return
	}

	header := protocol.EncodeChangelistHeader(uint32(len(chunks)), s.st.SB.ChunkSizeBits)
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.StreamChangelistOK, header); err != nil {
		log.WarnfWithError(err, "session %d: writing STREAM_CHANGELIST_OK header", cmd.sess.id)
		return
	}
	if _, err := cmd.sess.conn.Write(protocol.EncodeChunkList(chunks)); err != nil {
		log.WarnfWithError(err, "session %d: writing changelist payload", cmd.sess.id)
	}
}

func (s *Server) handleRequestOriginSectors(cmd command) {
	body := protocol.EncodeU64(s.st.SB.OriginSizeSectors)
	if err := protocol.WriteMessage(cmd.sess.conn, protocol.OriginSectors, body); err != nil {
		log.WarnfWithError(err, "session %d: writing ORIGIN_SECTORS", cmd.sess.id)
	}
}

var errTruncatedChunkList = fmt.Errorf("server: FINISH_SNAPSHOT_READ body is not a whole number of u64 chunk ids")

// currentTime is overridden in tests; production wiring is provided by
// cmd/zumastord via SetClock.
var currentTime = func() uint32 { return 0 }

// SetClock lets the daemon entrypoint install the real wall-clock source;
// kept as an injectable seam so package tests never depend on real time.
func SetClock(fn func() uint32) { currentTime = fn }
