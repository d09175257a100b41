// Package channel defines the frame channel contract: a fixed ring of frame
// slots shared between one writer and any number of readers. Backends (shared
// memory, in-process) implement Backend and Channel with identical semantics.
//
// A slot cycles Free -> Writing -> Ready -> Reading -> Free. The writer claims
// slots in ring order and never waits: a slot pinned by readers is skipped and
// counted as a substitution, a Ready slot nobody read is overwritten. Readers
// always take the newest frame past their cursor, so under load frames are
// dropped but never repeated or torn.
package channel

import (
	"context"
	"time"
)

// Version of the channel layout. Attach fails on mismatch.
const Version = 1

// MinSlots is the smallest usable ring.
const MinSlots = 2

// Layout describes the geometry of a channel. In an expectation passed to
// Attach, zero fields match anything.
type Layout struct {
	Slots     int         // Number of frame slots in the ring
	SlotBytes int         // Payload capacity of each slot
	Format    PixelFormat // Pixel format every frame must use
}

// Matches reports whether l satisfies the non-zero fields of expect.
func (l Layout) Matches(expect Layout) bool {
	if expect.Slots != 0 && expect.Slots != l.Slots {
		return false
	}
	if expect.SlotBytes != 0 && expect.SlotBytes != l.SlotBytes {
		return false
	}
	if expect.Format != FormatUnknown && expect.Format != l.Format {
		return false
	}
	return true
}

// SlotState is the lifecycle state of one frame slot.
type SlotState uint8

const (
	Free SlotState = iota
	Writing
	Ready
	Reading
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "Free"
	case Writing:
		return "Writing"
	case Ready:
		return "Ready"
	case Reading:
		return "Reading"
	default:
		return "Invalid"
	}
}

// Header is the metadata of a published frame.
type Header struct {
	Sequence  uint64
	Width     int
	Height    int
	Stride    int
	Length    int // Payload bytes in use
	Format    PixelFormat
	Timestamp uint64 // Capture time, microseconds
}

// A Slot is a handle on one ring entry held by a writer (between
// ClaimWriteSlot and Publish) or a reader (between WaitForNext and
// ReleaseRead). Payload aliases the channel's memory and must not be used
// after the slot is handed back.
type Slot struct {
	Index   int
	Header  Header
	Payload []byte

	// Backend bookkeeping.
	Token uint64
}

// Frame returns the used part of the payload.
func (s *Slot) Frame() []byte {
	return s.Payload[:s.Header.Length]
}

// Control is a snapshot of a channel's control block.
type Control struct {
	Version        int
	Layout         Layout
	Generation     uint64
	Heartbeat      time.Time
	LastSequence   uint64
	Readers        int
	WriterAttached bool
	WriterPID      int
	WriterID       [16]byte
	Closing        bool
}

// Counters of writer-side drop events.
type Stats struct {
	Substituted uint64 // Claims that skipped a slot held by a reader
	Overwritten uint64 // Ready frames replaced before any reader took them
}

// Backend creates and opens channels of one kind.
type Backend interface {
	// Short tag identifying the backend, e.g. "shm".
	Name() string

	// Create a channel, or take over a compatible one as a restarted writer.
	// The returned channel is the writer side.
	Create(name string, layout Layout) (Channel, error)

	// Attach to an existing channel as a reader.
	Attach(name string, expect Layout) (Channel, error)

	// Remove tears down a channel regardless of who is attached.
	Remove(name string) error
}

// Channel is one side (writer or reader) of an open frame channel.
type Channel interface {
	Name() string
	Layout() Layout

	// Creator reports whether this is the writer side.
	Creator() bool

	// ClaimWriteSlot returns the next writable slot in ring order, moved to
	// Writing. Never blocks.
	ClaimWriteSlot() (*Slot, error)

	// Publish fills in the slot header, then makes the slot Ready and wakes
	// waiting readers. The payload must already be written.
	Publish(slot *Slot, hdr Header) error

	// WaitForNext blocks until a frame newer than after is available, the
	// timeout elapses (ErrTimedOut), the writer closes the channel
	// (ErrChannelClosing) or ctx is done. The slot is held until ReleaseRead.
	WaitForNext(ctx context.Context, after uint64, timeout time.Duration) (*Slot, error)

	ReleaseRead(slot *Slot) error

	Control() Control

	// Heartbeat records writer liveness.
	Heartbeat(now time.Time)

	// SetClosing tells readers the writer is going away.
	SetClosing()

	// Stats returns writer-side drop counters.
	Stats() Stats

	// Close detaches this side. The channel is torn down once the writer is
	// gone and no readers remain.
	Close() error
}
