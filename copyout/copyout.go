// Package copyout implements the coalesced block-to-block copy engine
// (SPEC_FULL.md §4.6, component C6): moving the current contents of an
// origin or snapshot-data chunk into a freshly allocated exception chunk
// before the original is overwritten.
//
// Grounded on the teacher's positioned-I/O idiom (os.File.ReadAt/WriteAt
// via chunkio.Device) and on mit-pdos-go-journal's buftxn batching style:
// rather than one syscall per chunk, contiguous (source, dest) pairs are
// coalesced into a single ReadAt/WriteAt pair up to a buffer cap, mirroring
// the original's posix_memalign'd copy buffer.
package copyout

import (
	"fmt"

	"github.com/likizju/zumastor/chunkio"
	"github.com/likizju/zumastor/etree"
	"github.com/likizju/zumastor/logger"
)

var log = logger.Component("copyout")

// maxRun caps how many contiguous chunks one coalesced copy will span,
// matching the original's 32-chunk copy buffer.
const maxRun = 32

// Engine implements etree.Copier over two backing devices: one origin
// device and one snapshot-data device. A source chunk's high bit (set via
// etree.EncodeOriginSource/EncodeSnapSource) selects which device a read
// comes from; writes always target the snapshot-data device.
type Engine struct {
	originDev chunkio.Device
	snapDev   chunkio.Device
	chunkSize uint32

	haveRun     bool
	runFromSnap bool
	srcStart    uint64
	destStart   uint64
	count       uint64
}

// New creates a copyout engine. Call Flush when done issuing Copyout calls
// for a request so the final pending run is written out.
func New(originDev, snapDev chunkio.Device, chunkSize uint32) *Engine {
	return &Engine{originDev: originDev, snapDev: snapDev, chunkSize: chunkSize}
}

// Copyout implements etree.Copier. source is tagged via
// etree.EncodeOriginSource/EncodeSnapSource; dest is always a
// snapshot-data chunk (conventionally tagged with etree.EncodeSnapSource,
// though only the untagged value is used for addressing the write).
func (e *Engine) Copyout(source, dest uint64) error {
	srcChunk, fromSnap := etree.IsSnapSource(source)
	destChunk, _ := etree.IsSnapSource(dest)

	if e.haveRun &&
		fromSnap == e.runFromSnap &&
		srcChunk == e.srcStart+e.count &&
		destChunk == e.destStart+e.count &&
		e.count < maxRun {
		e.count++
		return nil
	}

	if e.haveRun {
		if err := e.flushRun(); err != nil {
			return err
		}
	}

	e.haveRun = true
	e.runFromSnap = fromSnap
	e.srcStart = srcChunk
	e.destStart = destChunk
	e.count = 1
	return nil
}

// Flush writes out any pending coalesced run. Callers must call this after
// the last Copyout of a batch.
func (e *Engine) Flush() error {
	if !e.haveRun {
		return nil
	}
	return e.flushRun()
}

func (e *Engine) flushRun() error {
	srcDev := e.originDev
	if e.runFromSnap {
		srcDev = e.snapDev
	}

	buf := make([]byte, e.count*uint64(e.chunkSize))
	if _, err := srcDev.ReadAt(buf, int64(e.srcStart)*int64(e.chunkSize)); err != nil {
		return fmt.Errorf("copyout: reading %d chunks from source %d: %w", e.count, e.srcStart, err)
	}
	if _, err := e.snapDev.WriteAt(buf, int64(e.destStart)*int64(e.chunkSize)); err != nil {
		return fmt.Errorf("copyout: writing %d chunks to exception %d: %w", e.count, e.destStart, err)
	}

	log.Tracef("copyout: %d chunk(s) from %s:%d to snapshot-data:%d", e.count, originOrSnap(e.runFromSnap), e.srcStart, e.destStart)

	e.haveRun = false
	e.count = 0
	return nil
}

func originOrSnap(fromSnap bool) string {
	if fromSnap {
		return "snapshot-data"
	}
	return "origin"
}
