// Package ringbuf implements the lock-free single-producer/single-reader
// shared-memory channel that connects the feed process to the brain
// process. It follows the byte layout fixed by the wire contract: a
// 10,000-slot array of 6-float64 Candle records plus a 16-byte cursor pair,
// both mapped by name so two independent OS processes can attach to them.
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// Slots is the fixed capacity of the ring buffer.
const Slots = 10_000

// candleBytes is the on-wire size of one Candle: 6 little-endian float64s.
const candleBytes = 48

// CandleRegionName and CursorRegionName are the fixed shared-memory region
// names the feed (writer) and brain (reader) attach to.
const (
	CandleRegionName = "aeg_candle_buffer"
	CursorRegionName = "aeg_cursors"
	// SymbolRegionName is an additive region carrying a per-slot symbol id so
	// one buffer can multiplex several instruments without widening the
	// 48-byte Candle slot itself.
	SymbolRegionName = "aeg_symbols"
)

// Candle is the canonical 6-tuple OHLCV record. Immutable once constructed.
type Candle struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// Buffer is the shared-memory ring buffer. A single process role (writer xor
// reader) owns a given Buffer instance; nothing here arbitrates between two
// writers or two readers in the same process, by design.
type Buffer struct {
	dir string

	candles mmap.MMap
	cursors mmap.MMap
	symbols mmap.MMap

	candleFile *os.File
	cursorFile *os.File
	symbolFile *os.File

	writeCursor *uint64
	readCursor  *uint64
}

// Create creates the shared-memory region files if absent and sizes them;
// existing files are reused with their contents and cursors kept, not
// cleared. It is called by the feed
// process, which owns the writer side and is the sole creator of the
// regions.
func Create(dir string) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ringbuf: create dir: %w", err)
	}
	b := &Buffer{dir: dir}
	var err error
	b.candleFile, b.candles, err = openRegion(filepath.Join(dir, CandleRegionName), Slots*candleBytes, true)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: candle region: %w", err)
	}
	b.cursorFile, b.cursors, err = openRegion(filepath.Join(dir, CursorRegionName), 16, true)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: cursor region: %w", err)
	}
	b.symbolFile, b.symbols, err = openRegion(filepath.Join(dir, SymbolRegionName), Slots*2, true)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: symbol region: %w", err)
	}
	b.bindCursors()
	return b, nil
}

// Attach maps the regions created by Create without truncating them; called
// by the brain process, which owns the reader side only.
func Attach(dir string) (*Buffer, error) {
	b := &Buffer{dir: dir}
	var err error
	b.candleFile, b.candles, err = openRegion(filepath.Join(dir, CandleRegionName), Slots*candleBytes, false)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: attach candle region: %w", err)
	}
	b.cursorFile, b.cursors, err = openRegion(filepath.Join(dir, CursorRegionName), 16, false)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: attach cursor region: %w", err)
	}
	b.symbolFile, b.symbols, err = openRegion(filepath.Join(dir, SymbolRegionName), Slots*2, false)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: attach symbol region: %w", err)
	}
	if len(b.candles) != Slots*candleBytes {
		return nil, fmt.Errorf("ringbuf: struct-size mismatch: candle region is %d bytes, want %d", len(b.candles), Slots*candleBytes)
	}
	b.bindCursors()
	return b, nil
}

func openRegion(path string, size int, create bool) (*os.File, mmap.MMap, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if !create {
			return nil, nil, fmt.Errorf("attach-when-missing: %w", err)
		}
		return nil, nil, err
	}
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, nil, err
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		if info.Size() != int64(size) {
			f.Close()
			return nil, nil, fmt.Errorf("region %s size %d, want %d", path, info.Size(), size)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, m, nil
}

func (b *Buffer) bindCursors() {
	b.writeCursor = (*uint64)(unsafe.Pointer(&b.cursors[0]))
	b.readCursor = (*uint64)(unsafe.Pointer(&b.cursors[8]))
}

// Write stores candle at write_cursor mod N then publishes by incrementing
// write_cursor last. Writer-only; never blocks.
func (b *Buffer) Write(c Candle, symbolID uint16) {
	wc := atomic.LoadUint64(b.writeCursor)
	slot := int(wc % Slots)
	off := slot * candleBytes
	putCandle(b.candles[off:off+candleBytes], c)
	binary.LittleEndian.PutUint16(b.symbols[slot*2:slot*2+2], symbolID)
	atomic.StoreUint64(b.writeCursor, wc+1)
}

func putCandle(dst []byte, c Candle) {
	binary.LittleEndian.PutUint64(dst[0:8], math.Float64bits(float64(c.TimestampMs)))
	binary.LittleEndian.PutUint64(dst[8:16], math.Float64bits(c.Open))
	binary.LittleEndian.PutUint64(dst[16:24], math.Float64bits(c.High))
	binary.LittleEndian.PutUint64(dst[24:32], math.Float64bits(c.Low))
	binary.LittleEndian.PutUint64(dst[32:40], math.Float64bits(c.Close))
	binary.LittleEndian.PutUint64(dst[40:48], math.Float64bits(c.Volume))
}

func getCandle(src []byte) Candle {
	return Candle{
		TimestampMs: int64(math.Float64frombits(binary.LittleEndian.Uint64(src[0:8]))),
		Open:        math.Float64frombits(binary.LittleEndian.Uint64(src[8:16])),
		High:        math.Float64frombits(binary.LittleEndian.Uint64(src[16:24])),
		Low:         math.Float64frombits(binary.LittleEndian.Uint64(src[24:32])),
		Close:       math.Float64frombits(binary.LittleEndian.Uint64(src[32:40])),
		Volume:      math.Float64frombits(binary.LittleEndian.Uint64(src[40:48])),
	}
}

// Pending returns write_cursor - read_cursor, observable by any role.
func (b *Buffer) Pending() uint64 {
	return atomic.LoadUint64(b.writeCursor) - atomic.LoadUint64(b.readCursor)
}

// Entry is one candle yielded by ReadNew, tagged with the symbol id carried
// in the parallel aeg_symbols region.
type Entry struct {
	Candle   Candle
	SymbolID uint16
}

// LapEvent is reported exactly once per lap.
type LapEvent struct {
	Skipped uint64
}

// ReadNew drains all candles currently available to the reader. If the
// writer has lapped the reader (pending > Slots), it jumps read_cursor
// forward to write_cursor-Slots+1, invokes onLap exactly once, and resumes
// from there — freshness over completeness.
func (b *Buffer) ReadNew(onLap func(LapEvent)) []Entry {
	wc := atomic.LoadUint64(b.writeCursor)
	rc := atomic.LoadUint64(b.readCursor)

	pending := wc - rc
	if pending > Slots {
		skipped := pending - Slots + 1
		rc = wc - Slots + 1
		if onLap != nil {
			onLap(LapEvent{Skipped: skipped})
		}
	}

	out := make([]Entry, 0, wc-rc)
	for rc < wc {
		slot := int(rc % Slots)
		off := slot * candleBytes
		e := Entry{
			Candle:   getCandle(b.candles[off : off+candleBytes]),
			SymbolID: binary.LittleEndian.Uint16(b.symbols[slot*2 : slot*2+2]),
		}
		out = append(out, e)
		rc++
	}
	atomic.StoreUint64(b.readCursor, rc)
	return out
}

// Close unmaps the regions without removing the backing files (used by both
// roles on normal shutdown so the other side can keep attaching).
func (b *Buffer) Close() error {
	var firstErr error
	for _, m := range []mmap.MMap{b.candles, b.cursors, b.symbols} {
		if m == nil {
			continue
		}
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range []*os.File{b.candleFile, b.cursorFile, b.symbolFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Unlink removes the backing files; called by the supervisor on clean
// shutdown, or at next start to clear a stale region after an abnormal
// termination.
func Unlink(dir string) error {
	var firstErr error
	for _, name := range []string{CandleRegionName, CursorRegionName, SymbolRegionName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
