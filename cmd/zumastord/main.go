// Program zumastord is the snapshot daemon entrypoint, the Go analogue of
// the original ddsnapd: loads a conf file, opens (and, if the superblock
// was left busy, recovers) the snapshot store, and blocks serving requests
// over a Unix-domain socket until a signal or SHUTDOWN_SERVER arrives.
//
// Invocation mirrors the teacher's cmd/* daemons (imgr, pfsalived):
//
//	zumastord /etc/zumastor/zumastor.conf [section.option=value ...]
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/likizju/zumastor/bitmap"
	"github.com/likizju/zumastor/cache"
	"github.com/likizju/zumastor/chunkio"
	"github.com/likizju/zumastor/conf"
	"github.com/likizju/zumastor/journal"
	"github.com/likizju/zumastor/logger"
	"github.com/likizju/zumastor/server"
	"github.com/likizju/zumastor/snapshot"
)

var log = logger.Component("zumastord")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: zumastord <conf file> [section.option=value ...]\n")
		os.Exit(1)
	}

	confMap, err := conf.MakeMap(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "zumastord: loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(confMap); err != nil {
		fmt.Fprintf(os.Stderr, "zumastord: %v\n", err)
		os.Exit(1)
	}
}

func run(confMap conf.Map) error {
	logFile := confMap.FetchOptionValueStringOrDefault("Daemon", "LogFilePath", "")
	logToConsole := confMap.FetchOptionValueBoolOrDefault("Daemon", "LogToConsole", true)
	traceComponents, _ := confMap.FetchOptionValueStringSlice("Daemon", "TraceLevelLogging")
	if err := logger.Up(logFile, logToConsole, traceComponents); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}

	server.SetClock(func() uint32 { return uint32(time.Now().Unix()) })

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
	socketPath, err := confMap.FetchOptionValueString("Store", "SocketPath")
	if err != nil {
		return err
	}
	sbChunk := confMap.FetchOptionValueUint64OrDefault("Store", "SuperblockChunk", 8)
	chunkSize := uint32(confMap.FetchOptionValueUint64OrDefault("Store", "ChunkSize", 4096))
	hashBits := uint(confMap.FetchOptionValueUint64OrDefault("Store", "SnaplockHashBits", uint64(0)))

	metaDev, err := chunkio.OpenFileDevice(metaPath, false)
	if err != nil {
		return fmt.Errorf("opening metadata device %s: %w", metaPath, err)
	}
	originDev, err := chunkio.OpenFileDevice(originPath, false)
	if err != nil {
		return fmt.Errorf("opening origin device %s: %w", originPath, err)
	}
	snapDev, err := chunkio.OpenFileDevice(snapPath, false)
	if err != nil {
		return fmt.Errorf("opening snapshot-data device %s: %w", snapPath, err)
	}

	c := cache.New(metaDev, chunkSize)

	sbBlock, err := chunkio.ReadChunk(metaDev, chunkSize, sbChunk)
	if err != nil {
		return fmt.Errorf("reading superblock: %w", err)
	}
	sbPeek, err := snapshot.Decode(sbBlock)
	if err != nil {
		return fmt.Errorf("decoding superblock: %w", err)
	}

	st, err := snapshot.Open(metaDev, originDev, snapDev, c, chunkSize, sbChunk)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	jrn := journal.New(metaDev, c, chunkSize, st.SB.JournalBase, st.SB.JournalSize, st.SB.JournalNext, st.SB.JournalSequence)

	if sbPeek.Busy {
		log.Warnf("superblock was left busy, forcing journal recovery (run %s)", sbPeek.RunID)
		if err := jrn.Recover(); err != nil {
			return fmt.Errorf("journal recovery: %w", err)
		}
		// Recover derives next/sequence from the ring directly; re-open
		// to pick up whatever the replay changed on the metadata device.
		st, err = snapshot.Open(metaDev, originDev, snapDev, c, chunkSize, sbChunk)
		if err != nil {
			return fmt.Errorf("re-opening store after recovery: %w", err)
		}
		jrn = journal.New(metaDev, c, chunkSize, st.SB.JournalBase, st.SB.JournalSize, jrn.Next(), jrn.Sequence())
	}

	if st.Alloc.TotalChunks(bitmap.Metadata) == 0 {
		return fmt.Errorf("metadata space has zero capacity, was the device formatted?")
	}

	srv := server.New(server.Config{SocketPath: socketPath, SnaplockHashBits: hashBits}, st, jrn)
	log.Infof("zumastord starting, run %s, socket %s", st.SB.RunID, socketPath)
	return srv.Run()
}
