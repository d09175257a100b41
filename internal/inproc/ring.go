package inproc

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/channel"
)

type slot struct {
	state   channel.SlotState
	readers int
	hdr     channel.Header
	payload []byte
}

// ring holds the shared state of one named channel. All fields are guarded
// by mu except slot payloads, which belong to whoever holds the slot in
// Writing or Reading state.
type ring struct {
	name   string
	layout channel.Layout

	mu    sync.Mutex
	slots []slot

	// Closed and replaced on every publish or close to wake all waiters.
	notify chan struct{}

	generation uint64
	lastSeq    uint64
	heartbeat  time.Time
	readers    int
	writer     bool
	writerID   uuid.UUID
	closing    bool
	removed    bool
	cursor     int
}

func newRing(name string, layout channel.Layout) *ring {
	r := &ring{
		name:   name,
		layout: layout,
		slots:  make([]slot, layout.Slots),
		notify: make(chan struct{}),
	}
	// One allocation for all payloads.
	buf := make([]byte, layout.Slots*layout.SlotBytes)
	for i := range r.slots {
		r.slots[i].payload = buf[i*layout.SlotBytes : (i+1)*layout.SlotBytes : (i+1)*layout.SlotBytes]
	}
	return r
}

// Called with mu held.
func (r *ring) wake() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// Called with mu held.
func (r *ring) checkTakeOver(layout channel.Layout, staleAfter time.Duration) error {
	if r.layout != layout {
		return errors.Errorf("in use with layout %+v, want %+v", r.layout, layout)
	}
	if r.writer && time.Since(r.heartbeat) < staleAfter {
		return errors.Errorf("has a live writer %s", r.writerID)
	}
	for i := range r.slots {
		if s := &r.slots[i]; s.state == channel.Writing {
			s.state = channel.Free
			s.hdr.Sequence = 0
		}
	}
	return nil
}

// newest returns the index of the readable slot with the highest sequence
// above after, or -1. Called with mu held.
func (r *ring) newest(after uint64) int {
	best, bestSeq := -1, after
	for i := range r.slots {
		s := &r.slots[i]
		if s.state != channel.Writing && s.hdr.Sequence > bestSeq {
			best, bestSeq = i, s.hdr.Sequence
		}
	}
	return best
}

func (r *ring) control() channel.Control {
	return channel.Control{
		Version:        channel.Version,
		Layout:         r.layout,
		Generation:     r.generation,
		Heartbeat:      r.heartbeat,
		LastSequence:   r.lastSeq,
		Readers:        r.readers,
		WriterAttached: r.writer,
		WriterPID:      os.Getpid(),
		WriterID:       [16]byte(r.writerID),
		Closing:        r.closing,
	}
}
