//go:build unix

package shm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/channel"
)

// Longest single futex sleep, so that context cancellation is noticed
// promptly even though the futex itself can't observe it.
const waitQuantum = 20 * time.Millisecond

// writerToken marks a slot handle issued by ClaimWriteSlot. Reader handles
// carry the frame's sequence number (always >= 1).
const writerToken = ^uint64(0)

type shmChannel struct {
	name    string
	path    string
	creator bool
	layout  channel.Layout

	// Guards mem against Close while an operation is using it.
	mu     sync.RWMutex
	mem    []byte
	closed bool

	// Writer only.
	gen         uint64
	cursor      int
	substituted uint64
	overwritten uint64
}

func (c *shmChannel) Name() string           { return c.name }
func (c *shmChannel) Layout() channel.Layout { return c.layout }
func (c *shmChannel) Creator() bool          { return c.creator }

func (c *shmChannel) enter(writer bool) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return channel.ErrClosed
	}
	if writer != c.creator {
		c.mu.RUnlock()
		return channel.ErrWrongRole
	}
	return nil
}

func (c *shmChannel) ClaimWriteSlot() (*channel.Slot, error) {
	if err := c.enter(true); err != nil {
		return nil, err
	}
	defer c.mu.RUnlock()

	n := c.layout.Slots
	for i := 0; i < n; i++ {
		idx := (c.cursor + i) % n
		hdr, payload := slotAt(c.mem, c.layout, idx)

		w := hdr.load()
		if w.state() == channel.Reading {
			// Never touch a slot a reader is copying from; take the next one.
			atomic.AddUint64(&c.substituted, 1)
			continue
		}
		if !hdr.cas(w, makeState(channel.Writing, 0)) {
			// A reader pinned it between the load and the swap.
			atomic.AddUint64(&c.substituted, 1)
			continue
		}
		if w.state() == channel.Ready {
			atomic.AddUint64(&c.overwritten, 1)
		}

		// Invalidate the old frame before its payload gets overwritten.
		atomic.StoreUint64(&hdr.sequence, 0)

		c.cursor = (idx + 1) % n
		atomic.StoreUint32(&control(c.mem).cursor, uint32(c.cursor))

		return &channel.Slot{Index: idx, Payload: payload, Token: writerToken}, nil
	}
	return nil, channel.ErrNoFreeSlot
}

func (c *shmChannel) Publish(slot *channel.Slot, h channel.Header) error {
	if err := c.enter(true); err != nil {
		return err
	}
	defer c.mu.RUnlock()

	if slot == nil || slot.Token != writerToken || slot.Index < 0 || slot.Index >= c.layout.Slots {
		return channel.ErrBadSlot
	}
	hdr, _ := slotAt(c.mem, c.layout, slot.Index)
	if hdr.load() != makeState(channel.Writing, 0) {
		return channel.ErrBadSlot
	}
	slot.Token = 0

	cb := control(c.mem)
	err := c.layout.CheckFrame(h)
	if err == nil && h.Sequence <= atomic.LoadUint64(&cb.lastSeq) {
		err = errors.Wrapf(channel.ErrSequence, "sequence %d after %d", h.Sequence, atomic.LoadUint64(&cb.lastSeq))
	}
	if err != nil {
		// Sequence is already zero, so the aborted slot is unreadable.
		atomic.StoreUint32(&hdr.state, uint32(makeState(channel.Free, 0)))
		return err
	}

	hdr.format = uint32(h.Format)
	hdr.width = uint32(h.Width)
	hdr.height = uint32(h.Height)
	hdr.stride = uint32(h.Stride)
	hdr.length = uint32(h.Length)
	hdr.timestamp = h.Timestamp
	atomic.StoreUint64(&hdr.sequence, h.Sequence)

	// The atomic store orders every payload and header write above before the
	// state change that lets readers in.
	atomic.StoreUint32(&hdr.state, uint32(makeState(channel.Ready, 0)))

	atomic.StoreUint64(&cb.lastSeq, h.Sequence)
	atomic.AddUint32(&cb.notify, 1)
	futexWake(&cb.notify)

	slot.Header = h
	return nil
}

func (c *shmChannel) WaitForNext(ctx context.Context, after uint64, timeout time.Duration) (*channel.Slot, error) {
	if err := c.enter(false); err != nil {
		return nil, err
	}
	defer c.mu.RUnlock()

	cb := control(c.mem)
	deadline := time.Now().Add(timeout)
	for {
		// Sample the notify word before scanning so a publish racing with the
		// scan changes it and the futex wait returns immediately.
		seq := atomic.LoadUint32(&cb.notify)

		if slot := c.acquireNewest(after); slot != nil {
			return slot, nil
		}
		if atomic.LoadUint32(&cb.closing) != 0 {
			return nil, channel.ErrChannelClosing
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, channel.ErrTimedOut
		}
		if remaining > waitQuantum {
			remaining = waitQuantum
		}
		futexWait(&cb.notify, seq, remaining)
	}
}

// acquireNewest pins the readable slot with the highest sequence above
// after. Free slots still holding a published frame are readable, which lets
// several readers consume the same frame.
func (c *shmChannel) acquireNewest(after uint64) *channel.Slot {
	for attempt := 0; attempt < c.layout.Slots; attempt++ {
		best, bestSeq := -1, after
		for i := 0; i < c.layout.Slots; i++ {
			hdr, _ := slotAt(c.mem, c.layout, i)
			if hdr.load().state() == channel.Writing {
				continue
			}
			if s := atomic.LoadUint64(&hdr.sequence); s > bestSeq {
				best, bestSeq = i, s
			}
		}
		if best < 0 {
			return nil
		}

		hdr, payload := slotAt(c.mem, c.layout, best)
		if !pin(hdr) {
			continue
		}
		// Pinned: the writer can't touch the slot now, so the header is stable.
		h := hdr.header()
		if h.Sequence <= after {
			unpin(hdr)
			continue
		}
		return &channel.Slot{Index: best, Header: h, Payload: payload, Token: h.Sequence}
	}
	return nil
}

func pin(hdr *slotHeader) bool {
	for {
		w := hdr.load()
		var next stateWord
		switch w.state() {
		case channel.Writing:
			return false
		case channel.Reading:
			next = makeState(channel.Reading, w.readers()+1)
		default:
			next = makeState(channel.Reading, 1)
		}
		if hdr.cas(w, next) {
			return true
		}
	}
}

func unpin(hdr *slotHeader) bool {
	for {
		w := hdr.load()
		if w.state() != channel.Reading || w.readers() == 0 {
			return false
		}
		next := makeState(channel.Reading, w.readers()-1)
		if w.readers() == 1 {
			next = makeState(channel.Free, 0)
		}
		if hdr.cas(w, next) {
			return true
		}
	}
}

func (c *shmChannel) ReleaseRead(slot *channel.Slot) error {
	if err := c.enter(false); err != nil {
		return err
	}
	defer c.mu.RUnlock()

	if slot == nil || slot.Token == 0 || slot.Token == writerToken || slot.Index < 0 || slot.Index >= c.layout.Slots {
		return channel.ErrBadSlot
	}
	hdr, _ := slotAt(c.mem, c.layout, slot.Index)
	if !unpin(hdr) {
		return channel.ErrBadSlot
	}
	slot.Token = 0
	slot.Payload = nil
	return nil
}

func (c *shmChannel) Control() channel.Control {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return channel.Control{Layout: c.layout, Closing: true}
	}
	return readControl(c.mem, c.layout)
}

func (c *shmChannel) Heartbeat(now time.Time) {
	if c.enter(true) != nil {
		return
	}
	defer c.mu.RUnlock()
	atomic.StoreUint64(&control(c.mem).heartbeat, uint64(now.UnixNano()/1000))
}

func (c *shmChannel) SetClosing() {
	if c.enter(true) != nil {
		return
	}
	defer c.mu.RUnlock()
	cb := control(c.mem)
	if atomic.LoadUint32(&cb.writer) != ownerTag(c.gen) || atomic.LoadUint64(&cb.generation) != c.gen {
		return
	}
	atomic.StoreUint32(&cb.closing, 1)
	atomic.AddUint32(&cb.notify, 1)
	futexWake(&cb.notify)
}

func (c *shmChannel) Stats() channel.Stats {
	return channel.Stats{
		Substituted: atomic.LoadUint64(&c.substituted),
		Overwritten: atomic.LoadUint64(&c.overwritten),
	}
}

// claimUnlink makes this side responsible for removing the segment. It fails
// if a writer has claimed the segment meanwhile, or another user already won.
func (c *shmChannel) claimUnlink(cb *controlBlock) bool {
	return atomic.CompareAndSwapUint32(&cb.writer, writerNone, writerUnlinking)
}

// Close detaches. Whoever leaves last, writer or reader, after the writer has
// announced closing, unlinks the segment.
func (c *shmChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	cb := control(c.mem)
	var last bool
	if c.creator {
		tag := ownerTag(c.gen)
		if atomic.LoadUint32(&cb.writer) == tag {
			// Closing goes up while the segment is still ours, so a writer
			// taking over afterwards is the one that clears it.
			atomic.StoreUint32(&cb.closing, 1)
		}
		if !atomic.CompareAndSwapUint32(&cb.writer, tag, writerNone) {
			// Superseded by a newer writer; leave its state alone.
			log.Debug("Stale writer of %s (generation %d) detaching", c.name, c.gen)
		} else {
			atomic.AddUint32(&cb.notify, 1)
			futexWake(&cb.notify)
			last = atomic.LoadUint32(&cb.readers) == 0 && c.claimUnlink(cb)
		}
	} else {
		remaining := atomic.AddUint32(&cb.readers, ^uint32(0))
		last = remaining == 0 && atomic.LoadUint32(&cb.closing) != 0 && c.claimUnlink(cb)
	}

	err := unmap(c.mem)
	c.mem = nil

	if last {
		log.Debug("Last user of %s gone, unlinking", c.name)
		if uerr := unlink(c.path); uerr != nil && err == nil {
			err = uerr
		}
	}
	return errors.Wrapf(err, "close %s", c.name)
}
