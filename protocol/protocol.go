// Package protocol implements the daemon's wire format (SPEC_FULL.md §6):
// a Unix-domain stream socket carrying head{code, length}-framed messages.
//
// Grounded on the teacher's RPC framing idiom (retryrpc's length-prefixed
// JSON frames) adapted to this system's fixed binary head and per-code
// body layout.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Code identifies a message type on the wire.
type Code uint32

const (
	QueryWrite Code = iota + 1
	OriginWriteOK
	OriginWriteError
	SnapshotWriteOK
	SnapshotWriteError
	QuerySnapshotRead
	SnapshotReadOriginOK
	SnapshotReadOK
	FinishSnapshotRead
	Identify
	IdentifyOK
	IdentifyError
	CreateSnapshot
	CreateSnapshotOK
	CreateSnapshotError
	DeleteSnapshot
	DeleteSnapshotOK
	DeleteSnapshotError
	ListSnapshots
	SnapshotList
	Priority
	PriorityOK
	PriorityError
	Usecount
	UsecountOK
	UsecountError
	Status
	StatusOK
	StatusError
	StreamChangelist
	StreamChangelistOK
	RequestOriginSectors
	OriginSectors
	ShutdownServer
	ProtocolErrorCode
)

// ErrorCode is the taxonomy carried in Error-body messages.
type ErrorCode uint32

const (
	ErrorInvalidSnapshot ErrorCode = iota + 1
	ErrorUsecount
	ErrorSizeMismatch
	ErrorOffsetMismatch
	ErrorUnknownMessage
)

const headSize = 8

// Head is the fixed 8-byte frame header preceding every message body.
type Head struct {
	Code   Code
	Length uint32
}

// WriteHead writes an 8-byte head to w.
func WriteHead(w io.Writer, code Code, length uint32) error {
	var b [headSize]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(code))
	binary.LittleEndian.PutUint32(b[4:8], length)
	_, err := w.Write(b[:])
	return err
}

// ReadHead reads the next 8-byte head from r.
func ReadHead(r io.Reader) (Head, error) {
	var b [headSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Head{}, err
	}
	return Head{Code: Code(binary.LittleEndian.Uint32(b[0:4])), Length: binary.LittleEndian.Uint32(b[4:8])}, nil
}

// WriteMessage writes a full frame: head followed by body.
func WriteMessage(w io.Writer, code Code, body []byte) error {
	if err := WriteHead(w, code, uint32(len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ChunkRange is one {chunk, chunks} entry of a write request, or one
// {start, count} entry of a write response's allocated ranges.
type ChunkRange struct {
	Start uint64
	Count uint32
}

// WriteRequest is QUERY_WRITE's body: an id plus a list of chunk ranges to
// make unique for the requesting view (origin or a specific snapshot,
// carried by the session, not the message).
type WriteRequest struct {
	ID     uint64
	Ranges []ChunkRange
}

func (r *WriteRequest) Encode() []byte {
	buf := make([]byte, 8+4+len(r.Ranges)*12)
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Ranges)))
	off := 12
	for _, rr := range r.Ranges {
		binary.LittleEndian.PutUint64(buf[off:off+8], rr.Start)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], rr.Count)
		off += 12
	}
	return buf
}

func DecodeWriteRequest(body []byte) (*WriteRequest, error) {
	if len(body) < 12 {
		return nil, fmt.Errorf("protocol: write request too short")
	}
	id := binary.LittleEndian.Uint64(body[0:8])
	count := binary.LittleEndian.Uint32(body[8:12])
	off := 12
	ranges := make([]ChunkRange, count)
	for i := uint32(0); i < count; i++ {
		if off+12 > len(body) {
			return nil, fmt.Errorf("protocol: write request: truncated range %d", i)
		}
		ranges[i] = ChunkRange{
			Start: binary.LittleEndian.Uint64(body[off : off+8]),
			Count: binary.LittleEndian.Uint32(body[off+8 : off+12]),
		}
		off += 12
	}
	return &WriteRequest{ID: id, Ranges: ranges}, nil
}

// WriteResponse is the body of *_WRITE_OK: the allocated ranges, each
// optionally tagged with the exception chunk it was written to (snapshot
// writes only — zero for origin writes, which go straight to the origin
// device once unique).
type WriteResponse struct {
	ID         uint64
	Allocated  []ChunkRange
	Exceptions []uint64 // parallel to Allocated; empty for origin-write responses
}

func (r *WriteResponse) Encode() []byte {
	hasExceptions := len(r.Exceptions) > 0
	perEntry := 12
	if hasExceptions {
		perEntry = 20
	}
	buf := make([]byte, 8+4+1+len(r.Allocated)*perEntry)
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Allocated)))
	if hasExceptions {
		buf[12] = 1
	}
	off := 13
	for i, rr := range r.Allocated {
		binary.LittleEndian.PutUint64(buf[off:off+8], rr.Start)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], rr.Count)
		off += 12
		if hasExceptions {
			binary.LittleEndian.PutUint64(buf[off:off+8], r.Exceptions[i])
			off += 8
		}
	}
	return buf
}

func DecodeWriteResponse(body []byte) (*WriteResponse, error) {
	if len(body) < 13 {
		return nil, fmt.Errorf("protocol: write response too short")
	}
	id := binary.LittleEndian.Uint64(body[0:8])
	count := binary.LittleEndian.Uint32(body[8:12])
	hasExceptions := body[12] != 0
	perEntry := 12
	if hasExceptions {
		perEntry = 20
	}
	off := 13
	allocated := make([]ChunkRange, count)
	var exceptions []uint64
	if hasExceptions {
		exceptions = make([]uint64, count)
	}
	for i := uint32(0); i < count; i++ {
		if off+perEntry > len(body) {
			return nil, fmt.Errorf("protocol: write response: truncated entry %d", i)
		}
		allocated[i] = ChunkRange{
			Start: binary.LittleEndian.Uint64(body[off : off+8]),
			Count: binary.LittleEndian.Uint32(body[off+8 : off+12]),
		}
		off += 12
		if hasExceptions {
			exceptions[i] = binary.LittleEndian.Uint64(body[off : off+8])
			off += 8
		}
	}
	return &WriteResponse{ID: id, Allocated: allocated, Exceptions: exceptions}, nil
}

// ErrorBody is the body of every *_ERROR / PROTOCOL_ERROR message.
type ErrorBody struct {
	ErrCode ErrorCode
	Msg     string
}

func (e *ErrorBody) Encode() []byte {
	msg := append([]byte(e.Msg), 0)
	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.ErrCode))
	copy(buf[4:], msg)
	return buf
}

func DecodeErrorBody(body []byte) (*ErrorBody, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("protocol: error body too short")
	}
	code := ErrorCode(binary.LittleEndian.Uint32(body[0:4]))
	nul := len(body)
	for i := 4; i < len(body); i++ {
		if body[i] == 0 {
			nul = i
			break
		}
	}
	return &ErrorBody{ErrCode: code, Msg: string(body[4:nul])}, nil
}

// IdentifyRequest is IDENTIFY's body.
type IdentifyRequest struct {
	ID      uint64
	SnapTag uint32
	Offset  uint64
	Length  uint64
}

func (r *IdentifyRequest) Encode() []byte {
	buf := make([]byte, 8+4+8+8)
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	binary.LittleEndian.PutUint32(buf[8:12], r.SnapTag)
	binary.LittleEndian.PutUint64(buf[12:20], r.Offset)
	binary.LittleEndian.PutUint64(buf[20:28], r.Length)
	return buf
}

func DecodeIdentifyRequest(body []byte) (*IdentifyRequest, error) {
	if len(body) < 28 {
		return nil, fmt.Errorf("protocol: identify request too short")
	}
	return &IdentifyRequest{
		ID:      binary.LittleEndian.Uint64(body[0:8]),
		SnapTag: binary.LittleEndian.Uint32(body[8:12]),
		Offset:  binary.LittleEndian.Uint64(body[12:20]),
		Length:  binary.LittleEndian.Uint64(body[20:28]),
	}, nil
}

// TagBody carries a single snapshot tag (CREATE_SNAPSHOT, DELETE_SNAPSHOT,
// STATUS).
type TagBody struct{ Tag uint32 }

func (b *TagBody) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, b.Tag)
	return buf
}

func DecodeTagBody(body []byte) (*TagBody, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("protocol: tag body too short")
	}
	return &TagBody{Tag: binary.LittleEndian.Uint32(body[0:4])}, nil
}

// StatusAllTag is the tag_or_all sentinel meaning "report aggregate store
// status" rather than one snapshot's record.
const StatusAllTag = ^uint32(0)

// StatusReply is STATUS_OK's body: global space occupancy plus, when the
// request named a specific tag, that snapshot's record.
type StatusReply struct {
	MetaTotalChunks, MetaFreeChunks uint64
	SnapTotalChunks, SnapFreeChunks uint64
	SnapshotCount                  uint32
	HasRecord                      bool
	Record                         SnapshotListEntry
}

func (r *StatusReply) Encode() []byte {
	buf := make([]byte, 8+8+8+8+4+1)
	binary.LittleEndian.PutUint64(buf[0:8], r.MetaTotalChunks)
	binary.LittleEndian.PutUint64(buf[8:16], r.MetaFreeChunks)
	binary.LittleEndian.PutUint64(buf[16:24], r.SnapTotalChunks)
	binary.LittleEndian.PutUint64(buf[24:32], r.SnapFreeChunks)
	binary.LittleEndian.PutUint32(buf[32:36], r.SnapshotCount)
	if r.HasRecord {
		buf[36] = 1
	}
	if r.HasRecord {
		buf = append(buf, EncodeSnapshotList([]SnapshotListEntry{r.Record})...)
	}
	return buf
}

func DecodeStatusReply(body []byte) (*StatusReply, error) {
	if len(body) < 37 {
		return nil, fmt.Errorf("protocol: status reply too short")
	}
	r := &StatusReply{
		MetaTotalChunks: binary.LittleEndian.Uint64(body[0:8]),
		MetaFreeChunks:  binary.LittleEndian.Uint64(body[8:16]),
		SnapTotalChunks: binary.LittleEndian.Uint64(body[16:24]),
		SnapFreeChunks:  binary.LittleEndian.Uint64(body[24:32]),
		SnapshotCount:   binary.LittleEndian.Uint32(body[32:36]),
		HasRecord:       body[36] != 0,
	}
	if r.HasRecord {
		entries, err := DecodeSnapshotList(body[37:])
		if err != nil {
			return nil, err
		}
		if len(entries) != 1 {
			return nil, fmt.Errorf("protocol: status reply record count mismatch")
		}
		r.Record = entries[0]
	}
	return r, nil
}

// PriorityBody is PRIORITY's body.
type PriorityBody struct {
	Tag      uint32
	Priority int8
}

func (b *PriorityBody) Encode() []byte {
	return []byte{byte(b.Tag), byte(b.Tag >> 8), byte(b.Tag >> 16), byte(b.Tag >> 24), byte(b.Priority)}
}

func DecodePriorityBody(body []byte) (*PriorityBody, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("protocol: priority body too short")
	}
	tag := binary.LittleEndian.Uint32(body[0:4])
	return &PriorityBody{Tag: tag, Priority: int8(body[4])}, nil
}

// UsecountBody is USECOUNT's body.
type UsecountBody struct {
	Tag   uint32
	Delta int32
}

func (b *UsecountBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], b.Tag)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b.Delta))
	return buf
}

func DecodeUsecountBody(body []byte) (*UsecountBody, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("protocol: usecount body too short")
	}
	return &UsecountBody{
		Tag:   binary.LittleEndian.Uint32(body[0:4]),
		Delta: int32(binary.LittleEndian.Uint32(body[4:8])),
	}, nil
}

// SnapshotListEntry is one row of SNAPSHOT_LIST's body.
type SnapshotListEntry struct {
	Tag      uint32
	Priority int8
	Ctime    uint32
	Usecount uint32
}

// EncodeSnapshotList packs SNAPSHOT_LIST's body.
func EncodeSnapshotList(entries []SnapshotListEntry) []byte {
	const entryLen = 4 + 1 + 4 + 4
	buf := make([]byte, 4+len(entries)*entryLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Tag)
		buf[off+4] = byte(e.Priority)
		binary.LittleEndian.PutUint32(buf[off+5:off+9], e.Ctime)
		binary.LittleEndian.PutUint32(buf[off+9:off+13], e.Usecount)
		off += entryLen
	}
	return buf
}

// DecodeSnapshotList parses SNAPSHOT_LIST's body.
func DecodeSnapshotList(body []byte) ([]SnapshotListEntry, error) {
	const entryLen = 4 + 1 + 4 + 4
	if len(body) < 4 {
		return nil, fmt.Errorf("protocol: snapshot list too short")
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	off := 4
	out := make([]SnapshotListEntry, count)
	for i := uint32(0); i < count; i++ {
		if off+entryLen > len(body) {
			return nil, fmt.Errorf("protocol: snapshot list: truncated entry %d", i)
		}
		out[i] = SnapshotListEntry{
			Tag:      binary.LittleEndian.Uint32(body[off : off+4]),
			Priority: int8(body[off+4]),
			Ctime:    binary.LittleEndian.Uint32(body[off+5 : off+9]),
			Usecount: binary.LittleEndian.Uint32(body[off+9 : off+13]),
		}
		off += entryLen
	}
	return out, nil
}

// ChangelistTagsBody is STREAM_CHANGELIST's request body.
type ChangelistTagsBody struct {
	Tag1, Tag2 uint32
}

func (b *ChangelistTagsBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], b.Tag1)
	binary.LittleEndian.PutUint32(buf[4:8], b.Tag2)
	return buf
}

func DecodeChangelistTagsBody(body []byte) (*ChangelistTagsBody, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("protocol: changelist tags body too short")
	}
	return &ChangelistTagsBody{
		Tag1: binary.LittleEndian.Uint32(body[0:4]),
		Tag2: binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

// EncodeChangelistHeader packs STREAM_CHANGELIST_OK's fixed header; the
// chunk ids themselves follow as count × u64 little-endian values, written
// separately so the server can stream them without building one giant
// buffer.
func EncodeChangelistHeader(count uint32, chunkSizeBits uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], count)
	binary.LittleEndian.PutUint32(buf[4:8], chunkSizeBits)
	return buf
}

// EncodeChunkList packs a dense array of u64 chunk numbers (used for the
// STREAM_CHANGELIST_OK payload and the SNAPSHOT_READ_ORIGIN_OK and
// SNAPSHOT_READ_OK bodies).
func EncodeChunkList(chunks []uint64) []byte {
	buf := make([]byte, len(chunks)*8)
	for i, c := range chunks {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], c)
	}
	return buf
}

// EncodeU32 and EncodeU64 pack the single-scalar bodies used by
// IDENTIFY_OK(chunksize_bits) and ORIGIN_SECTORS(sectors).
func EncodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func EncodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}
