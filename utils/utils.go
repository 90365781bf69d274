// Package utils provides miscellaneous binary-encoding helpers. The server
// uses ByteSliceToUint64 to decode u64 chunk lists; the other helpers
// currently have no caller.
//
// The on-disk layout is native byte order per SPEC_FULL.md §1 (no
// endianness portability goal); little-endian is used throughout simply
// because it matches the typed header fields the spec calls out and is the
// native order on every platform this daemon targets.
package utils

import (
	"encoding/binary"
)

// ByteSliceToUint64 decodes the first 8 bytes of b as a little-endian
// uint64. ok is false if b is too short.
func ByteSliceToUint64(b []byte) (u64 uint64, ok bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// Uint64ToByteSlice encodes u64 as 8 little-endian bytes.
func Uint64ToByteSlice(u64 uint64) (b []byte) {
	b = make([]byte, 8)
	binary.LittleEndian.PutUint64(b, u64)
	return b
}

// ByteSliceToUint32 decodes the first 4 bytes of b as a little-endian
// uint32.
func ByteSliceToUint32(b []byte) (u32 uint32, ok bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// Uint32ToByteSlice encodes u32 as 4 little-endian bytes.
func Uint32ToByteSlice(u32 uint32) (b []byte) {
	b = make([]byte, 4)
	binary.LittleEndian.PutUint32(b, u32)
	return b
}

// RoundUpPow2 rounds n up to the next power of two no smaller than n.
func RoundUpPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// PopCount64 returns the number of set bits in x (e.g. the cardinality of
// a share mask).
func PopCount64(x uint64) int {
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}
