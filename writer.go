package framepipe

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/logging"
)

var wlog = logging.DefaultLogger.WithTag("writer")

// WriterStats counts what happened to the frames handed to a Writer.
type WriterStats struct {
	Published   uint64 // Frames made visible to readers
	Substituted uint64 // Slot claims that had to skip a slot pinned by a reader
	Overwritten uint64 // Published frames replaced before any reader took them
	Rejected    uint64 // Frames dropped by the writer (bad geometry, too large, no free slot)
}

// A Writer publishes frames into a named channel. Write may be called from
// any goroutine; frames are published in call order.
type Writer struct {
	cfg WriterConfig

	mu  sync.Mutex
	ch  Channel
	seq uint64

	heartbeat *loop

	published uint64
	rejected  uint64

	// Drop counters of channels already closed, so stats survive restarts.
	substituted uint64
	overwritten uint64
}

func NewWriter(cfg WriterConfig) *Writer {
	cfg.setDefaults()
	w := &Writer{cfg: cfg}
	w.heartbeat = newLoop("heartbeat", w.beat)
	return w
}

// Start creates the channel, or takes it over from a previous writer, and
// begins heartbeating. Sequence numbers continue from the last frame the
// channel carried.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ch != nil {
		return nil
	}
	if w.cfg.Name == "" {
		return errors.Wrap(ErrChannelCreate, "writer has no channel name")
	}

	ch, err := w.cfg.Backend.Create(w.cfg.Name, w.cfg.Layout)
	if err != nil {
		return err
	}
	ctl := ch.Control()
	w.ch = ch
	w.seq = ctl.LastSequence
	w.heartbeat.start()

	wlog.Info("Writing %q on %s: %d slots of %d bytes, %v, generation %d",
		w.cfg.Name, w.cfg.Backend.Name(), ctl.Layout.Slots, ctl.Layout.SlotBytes, ctl.Layout.Format, ctl.Generation)
	return nil
}

func (w *Writer) beat(ctx context.Context) func() {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w.mu.Lock()
			if w.ch != nil {
				w.ch.Heartbeat(now)
			}
			w.mu.Unlock()
		}
	}
}

// Write copies f into the next slot and publishes it. A frame that doesn't
// fit the channel, or that finds every slot pinned by readers, is dropped
// and the error returned; the writer stays usable.
func (w *Writer) Write(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ch == nil {
		return ErrNotStarted
	}

	hdr := f.header(w.seq + 1)
	if err := w.ch.Layout().CheckFrame(hdr); err != nil {
		w.rejected++
		wlog.Debug("Dropping frame: %v", err)
		return err
	}

	slot, err := w.ch.ClaimWriteSlot()
	if err != nil {
		w.rejected++
		wlog.Debug("Dropping frame: %v", err)
		return err
	}
	copy(slot.Payload, f.Data)
	if err := w.ch.Publish(slot, hdr); err != nil {
		w.rejected++
		return err
	}
	w.seq = hdr.Sequence
	w.published++

	if w.cfg.Preview != nil {
		if err := w.cfg.Preview.WriteFrame(f); err != nil {
			wlog.Debug("Preview: %v", err)
		}
	}
	return nil
}

// Run pulls frames from p and writes them until p returns io.EOF or ctx is
// done. Dropped frames are logged and skipped. Any other producer error ends
// the run.
func (w *Writer) Run(ctx context.Context, p Producer) error {
	for {
		f, err := p.NextFrame(ctx)
		switch {
		case err == io.EOF:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return errors.Wrap(err, "producer")
		}

		if err := w.Write(f); err == ErrNotStarted {
			return err
		}
	}
}

// Stop stops accepting frames and tells readers the channel is closing. It
// waits up to DrainTimeout for readers to detach, then closes the channel.
func (w *Writer) Stop() error {
	w.mu.Lock()
	ch := w.ch
	w.ch = nil
	if ch != nil {
		st := ch.Stats()
		w.substituted += st.Substituted
		w.overwritten += st.Overwritten
	}
	w.mu.Unlock()

	if ch == nil {
		return nil
	}
	w.heartbeat.stop()
	ch.SetClosing()

	deadline := time.Now().Add(w.cfg.DrainTimeout)
	for ch.Control().Readers > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := ch.Control().Readers; n > 0 {
		wlog.Warn("Closing %q with %d reader(s) still attached", w.cfg.Name, n)
	}

	wlog.Info("Stopped writing %q after sequence %d", w.cfg.Name, ch.Control().LastSequence)
	return ch.Close()
}

// Stats returns counters accumulated since the writer was created.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := WriterStats{
		Published:   w.published,
		Rejected:    w.rejected,
		Substituted: w.substituted,
		Overwritten: w.overwritten,
	}
	if w.ch != nil {
		st := w.ch.Stats()
		s.Substituted += st.Substituted
		s.Overwritten += st.Overwritten
	}
	return s
}

// Control returns a snapshot of the channel's control block.
func (w *Writer) Control() (Control, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		return Control{}, ErrNotStarted
	}
	return w.ch.Control(), nil
}
