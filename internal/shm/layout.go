//go:build unix

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/xerrors"

	"github.com/lanikai/framepipe/internal/channel"
)

// Segment layout, native byte order:
//
//	+----------------------+  0
//	| controlBlock         |
//	+----------------------+  controlSize
//	| slotHeader 0         |
//	| payload 0            |  slotHeaderSize .. slotHeaderSize+align(SlotBytes)
//	+----------------------+
//	| slotHeader 1 ...     |
//
// Every record starts on a cache line. All 64-bit fields sit at 8-byte
// offsets so they can be accessed atomically on 32-bit platforms too.

const (
	magic     = 0x50495046 // "FPIP"
	cacheLine = 64
)

type controlBlock struct {
	magic     uint32 // Stored last during initialization
	version   uint32
	slotCount uint32
	slotBytes uint32
	format    uint32
	closing   uint32
	notify    uint32 // Futex word, bumped on publish and close
	readers   uint32
	writer    uint32 // Owner tag of the attached writer, see ownerTag
	writerPID uint32

	generation uint64
	heartbeat  uint64 // Unix microseconds
	lastSeq    uint64

	cursor uint32 // Next slot the writer will try
	_      uint32

	writerID [16]byte
}

// Values of controlBlock.writer other than an owner tag. The word only
// changes by compare-and-swap, which makes claiming a segment and deciding to
// unlink it mutually exclusive.
const (
	writerNone      uint32 = 0
	writerUnlinking uint32 = ^uint32(0)
)

// ownerTag is the writer word value for the writer of generation gen.
func ownerTag(gen uint64) uint32 {
	t := uint32(gen)
	if t == writerNone || t == writerUnlinking {
		t = 1
	}
	return t
}

type slotHeader struct {
	state     uint32 // stateWord
	format    uint32
	sequence  uint64
	width     uint32
	height    uint32
	stride    uint32
	length    uint32
	timestamp uint64
}

var (
	controlSize    = align(int(unsafe.Sizeof(controlBlock{})))
	slotHeaderSize = align(int(unsafe.Sizeof(slotHeader{})))
)

func align(n int) int {
	return (n + cacheLine - 1) &^ (cacheLine - 1)
}

func slotStride(slotBytes int) int {
	return slotHeaderSize + align(slotBytes)
}

// segmentSize is the total mapped size for a layout.
func segmentSize(l channel.Layout) int {
	return controlSize + l.Slots*slotStride(l.SlotBytes)
}

// The slot state word packs the state in the low byte and the number of
// readers holding the slot above it.
type stateWord uint32

func makeState(s channel.SlotState, readers uint32) stateWord {
	return stateWord(readers<<8 | uint32(s))
}

func (w stateWord) state() channel.SlotState { return channel.SlotState(w & 0xff) }
func (w stateWord) readers() uint32          { return uint32(w >> 8) }

// Typed views onto the mapped bytes. No Go pointers into the mapping are
// kept beyond a single call.

func control(mem []byte) *controlBlock {
	return (*controlBlock)(unsafe.Pointer(&mem[0]))
}

func slotAt(mem []byte, l channel.Layout, i int) (*slotHeader, []byte) {
	off := controlSize + i*slotStride(l.SlotBytes)
	hdr := (*slotHeader)(unsafe.Pointer(&mem[off]))
	payload := mem[off+slotHeaderSize : off+slotHeaderSize+l.SlotBytes : off+slotHeaderSize+l.SlotBytes]
	return hdr, payload
}

func (h *slotHeader) load() stateWord {
	return stateWord(atomic.LoadUint32(&h.state))
}

func (h *slotHeader) cas(old, new stateWord) bool {
	return atomic.CompareAndSwapUint32(&h.state, uint32(old), uint32(new))
}

func (h *slotHeader) header() channel.Header {
	return channel.Header{
		Sequence:  atomic.LoadUint64(&h.sequence),
		Width:     int(h.width),
		Height:    int(h.height),
		Stride:    int(h.stride),
		Length:    int(h.length),
		Format:    channel.PixelFormat(h.format),
		Timestamp: h.timestamp,
	}
}

// initControl lays out a fresh control block and its slots. The magic is
// stored last so a concurrent Attach never sees a half-built segment.
func initControl(mem []byte, l channel.Layout) {
	cb := control(mem)
	cb.version = channel.Version
	cb.slotCount = uint32(l.Slots)
	cb.slotBytes = uint32(l.SlotBytes)
	cb.format = uint32(l.Format)
	for i := 0; i < l.Slots; i++ {
		hdr, _ := slotAt(mem, l, i)
		*hdr = slotHeader{}
	}
	atomic.StoreUint32(&cb.magic, magic)
}

// readLayout validates the control block of a mapped segment of the given
// size and returns its layout. An uninitialized segment reports
// ErrChannelNotFound so that readers keep retrying.
func readLayout(mem []byte) (channel.Layout, error) {
	if len(mem) < controlSize {
		return channel.Layout{}, xerrors.Errorf("short segment: %d bytes: %w", len(mem), channel.ErrChannelNotFound)
	}
	cb := control(mem)
	switch m := atomic.LoadUint32(&cb.magic); m {
	case magic:
	case 0:
		return channel.Layout{}, xerrors.Errorf("segment not initialized: %w", channel.ErrChannelNotFound)
	default:
		return channel.Layout{}, xerrors.Errorf("bad magic %#08x: %w", m, channel.ErrChannelIncompatible)
	}
	if cb.version != channel.Version {
		return channel.Layout{}, xerrors.Errorf("layout version %d, want %d: %w", cb.version, channel.Version, channel.ErrChannelIncompatible)
	}

	l := channel.Layout{
		Slots:     int(cb.slotCount),
		SlotBytes: int(cb.slotBytes),
		Format:    channel.PixelFormat(cb.format),
	}
	if l.Slots < channel.MinSlots || l.Slots > channel.MaxSlots || l.SlotBytes <= 0 {
		return channel.Layout{}, xerrors.Errorf("corrupt control block %+v: %w", l, channel.ErrChannelIncompatible)
	}
	if need := segmentSize(l); len(mem) < need {
		return channel.Layout{}, xerrors.Errorf("segment is %d bytes, layout needs %d: %w", len(mem), need, channel.ErrChannelIncompatible)
	}
	return l, nil
}

func readControl(mem []byte, l channel.Layout) channel.Control {
	cb := control(mem)
	owner := atomic.LoadUint32(&cb.writer)
	c := channel.Control{
		Version:        int(cb.version),
		Layout:         l,
		Generation:     atomic.LoadUint64(&cb.generation),
		LastSequence:   atomic.LoadUint64(&cb.lastSeq),
		Readers:        int(atomic.LoadUint32(&cb.readers)),
		WriterAttached: owner != writerNone && owner != writerUnlinking,
		WriterPID:      int(atomic.LoadUint32(&cb.writerPID)),
		WriterID:       cb.writerID,
		Closing:        atomic.LoadUint32(&cb.closing) != 0,
	}
	if us := atomic.LoadUint64(&cb.heartbeat); us != 0 {
		c.Heartbeat = time.Unix(0, int64(us)*int64(time.Microsecond))
	}
	return c
}
