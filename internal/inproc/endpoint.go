package inproc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/channel"
)

// writerToken marks handles issued by ClaimWriteSlot; reader handles carry
// the frame sequence.
const writerToken = ^uint64(0)

// endpoint is one side of a ring.
type endpoint struct {
	backend *Backend
	ring    *ring
	creator bool
	gen     uint64 // Writer generation, for the creator
	closed  int32

	substituted uint64
	overwritten uint64
}

func (e *endpoint) Name() string           { return e.ring.name }
func (e *endpoint) Layout() channel.Layout { return e.ring.layout }
func (e *endpoint) Creator() bool          { return e.creator }

func (e *endpoint) check(writer bool) error {
	if atomic.LoadInt32(&e.closed) != 0 {
		return channel.ErrClosed
	}
	if writer != e.creator {
		return channel.ErrWrongRole
	}
	return nil
}

func (e *endpoint) ClaimWriteSlot() (*channel.Slot, error) {
	if err := e.check(true); err != nil {
		return nil, err
	}
	r := e.ring
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.slots)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		s := &r.slots[idx]
		if s.state == channel.Reading {
			e.substituted++
			continue
		}
		if s.state == channel.Ready {
			e.overwritten++
		}
		s.state = channel.Writing
		s.hdr = channel.Header{}
		r.cursor = (idx + 1) % n
		return &channel.Slot{Index: idx, Payload: s.payload, Token: writerToken}, nil
	}
	return nil, channel.ErrNoFreeSlot
}

func (e *endpoint) Publish(slot *channel.Slot, h channel.Header) error {
	if err := e.check(true); err != nil {
		return err
	}
	r := e.ring
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot == nil || slot.Token != writerToken || slot.Index < 0 || slot.Index >= len(r.slots) {
		return channel.ErrBadSlot
	}
	s := &r.slots[slot.Index]
	if s.state != channel.Writing {
		return channel.ErrBadSlot
	}
	slot.Token = 0

	err := r.layout.CheckFrame(h)
	if err == nil && h.Sequence <= r.lastSeq {
		err = errors.Wrapf(channel.ErrSequence, "sequence %d after %d", h.Sequence, r.lastSeq)
	}
	if err != nil {
		s.state = channel.Free
		return err
	}

	s.hdr = h
	s.state = channel.Ready
	r.lastSeq = h.Sequence
	r.wake()

	slot.Header = h
	return nil
}

func (e *endpoint) WaitForNext(ctx context.Context, after uint64, timeout time.Duration) (*channel.Slot, error) {
	if err := e.check(false); err != nil {
		return nil, err
	}
	r := e.ring

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		r.mu.Lock()
		if i := r.newest(after); i >= 0 {
			s := &r.slots[i]
			s.state = channel.Reading
			s.readers++
			slot := &channel.Slot{Index: i, Header: s.hdr, Payload: s.payload, Token: s.hdr.Sequence}
			r.mu.Unlock()
			return slot, nil
		}
		if r.closing {
			r.mu.Unlock()
			return nil, channel.ErrChannelClosing
		}
		notify := r.notify
		r.mu.Unlock()

		if timeout <= 0 {
			return nil, channel.ErrTimedOut
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-notify:
		case <-timer.C:
			return nil, channel.ErrTimedOut
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *endpoint) ReleaseRead(slot *channel.Slot) error {
	if err := e.check(false); err != nil {
		return err
	}
	r := e.ring
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot == nil || slot.Token == 0 || slot.Token == writerToken || slot.Index < 0 || slot.Index >= len(r.slots) {
		return channel.ErrBadSlot
	}
	s := &r.slots[slot.Index]
	if s.state != channel.Reading || s.readers == 0 {
		return channel.ErrBadSlot
	}
	s.readers--
	if s.readers == 0 {
		s.state = channel.Free
	}
	slot.Token = 0
	slot.Payload = nil
	return nil
}

func (e *endpoint) Control() channel.Control {
	e.ring.mu.Lock()
	defer e.ring.mu.Unlock()
	return e.ring.control()
}

func (e *endpoint) Heartbeat(now time.Time) {
	if e.check(true) != nil {
		return
	}
	e.ring.mu.Lock()
	e.ring.heartbeat = now
	e.ring.mu.Unlock()
}

func (e *endpoint) SetClosing() {
	if e.check(true) != nil {
		return
	}
	e.ring.mu.Lock()
	if e.ring.generation == e.gen {
		e.ring.closing = true
		e.ring.wake()
	}
	e.ring.mu.Unlock()
}

func (e *endpoint) Stats() channel.Stats {
	e.ring.mu.Lock()
	defer e.ring.mu.Unlock()
	return channel.Stats{Substituted: e.substituted, Overwritten: e.overwritten}
}

func (e *endpoint) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	r := e.ring
	r.mu.Lock()
	var last bool
	switch {
	case e.creator && r.generation != e.gen:
		// Superseded by a newer writer.
	case e.creator:
		r.writer = false
		r.closing = true
		r.wake()
		last = r.readers == 0
	default:
		r.readers--
		last = r.readers == 0 && !r.writer && r.closing
	}
	r.mu.Unlock()

	if last {
		e.backend.forget(r)
	}
	return nil
}
