// Program zumastor-format is the one-shot store initializer, grounded in
// the original "ddsnap initialize" verb: lays down a fresh superblock,
// both bitmaps, an empty journal ring, and an empty root leaf across the
// metadata, origin, and snapshot-data devices named in a conf file.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/likizju/zumastor/chunkio"
	"github.com/likizju/zumastor/conf"
	"github.com/likizju/zumastor/logger"
	"github.com/likizju/zumastor/snapshot"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: zumastor-format <conf file> [section.option=value ...]\n")
		os.Exit(1)
	}

	confMap, err := conf.MakeMap(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "zumastor-format: loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(confMap); err != nil {
		fmt.Fprintf(os.Stderr, "zumastor-format: %v\n", err)
		os.Exit(1)
	}
}

func run(confMap conf.Map) error {
	if err := logger.Up("", true, nil); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	log := logger.Component("zumastor-format")

	metaPath, err := confMap.FetchOptionValueString("Store", "MetadataDevice")
	if err != nil {
		return err
	}
	originPath, err := confMap.FetchOptionValueString("Store", "OriginDevice")
	if err != nil {
		return err
	}
	snapPath, err := confMap.FetchOptionValueString("Store", "SnapshotDataDevice")
	if err != nil {
		return err
	}

	chunkSize := uint32(confMap.FetchOptionValueUint64OrDefault("Store", "ChunkSize", 4096))
	chunkSizeBits := log2(chunkSize)
	metaChunks, err := confMap.FetchOptionValueUint64("Store", "MetadataChunks")
	if err != nil {
		return err
	}
	snapChunks, err := confMap.FetchOptionValueUint64("Store", "SnapshotDataChunks")
	if err != nil {
		return err
	}
	journalSize := confMap.FetchOptionValueUint64OrDefault("Store", "JournalSize", 256)
	originOffset := confMap.FetchOptionValueUint64OrDefault("Store", "OriginOffsetSectors", 0)
	originSize, err := confMap.FetchOptionValueUint64("Store", "OriginSizeSectors")
	if err != nil {
		return err
	}

	metaDev, err := chunkio.OpenFileDevice(metaPath, true)
	if err != nil {
		return fmt.Errorf("opening metadata device %s: %w", metaPath, err)
	}
	originDev, err := chunkio.OpenFileDevice(originPath, false)
	if err != nil {
		return fmt.Errorf("opening origin device %s: %w", originPath, err)
	}
	snapDev, err := chunkio.OpenFileDevice(snapPath, true)
	if err != nil {
		return fmt.Errorf("opening snapshot-data device %s: %w", snapPath, err)
	}

	cfg := snapshot.FormatConfig{
		ChunkSizeBits:       chunkSizeBits,
		MetaTotalChunks:     metaChunks,
		SnapTotalChunks:     snapChunks,
		JournalSize:         journalSize,
		OriginOffsetSectors: originOffset,
		OriginSizeSectors:   originSize,
		CreatedAt:           uint32(time.Now().Unix()),
	}

	st, err := snapshot.Format(metaDev, originDev, snapDev, chunkSize, cfg)
	if err != nil {
		return fmt.Errorf("formatting store: %w", err)
	}

	log.Infof("formatted store: run %s, metadata=%d chunks, snapshot-data=%d chunks, chunk size %d",
		st.SB.RunID, metaChunks, snapChunks, chunkSize)
	return nil
}

func log2(n uint32) uint32 {
	var bits uint32
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}
