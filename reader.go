package framepipe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/logging"
)

var rlog = logging.DefaultLogger.WithTag("reader")

// ReaderState is the lifecycle state of a Reader.
type ReaderState int32

const (
	Idle ReaderState = iota
	Attaching
	Streaming
	Stopped // Producer lost; waiting for Stop or Start
)

func (s ReaderState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Attaching:
		return "Attaching"
	case Streaming:
		return "Streaming"
	case Stopped:
		return "Stopped"
	default:
		return "Invalid"
	}
}

type EventKind int

const (
	EventAttached EventKind = iota
	EventAttachFailed
	EventProducerLost
	EventProducerRestarted
)

func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "attached"
	case EventAttachFailed:
		return "attach failed"
	case EventProducerLost:
		return "producer lost"
	case EventProducerRestarted:
		return "producer restarted"
	default:
		return "unknown event"
	}
}

// An Event reports a change in a Reader's connection to its producer.
type Event struct {
	Kind EventKind
	Name string // Channel name

	// Writer generation at the time of the event. Zero for EventAttachFailed.
	Generation uint64

	// Set for EventAttachFailed (matches ErrAttachFailed) and
	// EventProducerLost (matches ErrProducerLost).
	Err error
}

// An Observer is notified of reader events. Events are delivered from the
// reader's goroutine, in order. An observer may call Start or Stop when
// handling EventAttachFailed or EventProducerLost, but not for other events.
type Observer interface {
	ReaderEvent(e Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(e Event)

func (fn ObserverFunc) ReaderEvent(e Event) {
	fn(e)
}

// ReaderStats counts frames seen by a Reader.
type ReaderStats struct {
	Delivered  uint64 // Frames handed to the sink
	Skipped    uint64 // Frames published but never seen (sequence gaps)
	Timeouts   uint64 // Waits that ended without a frame
	Restarts   uint64 // Writer generation changes observed
	SinkErrors uint64
}

// readerError marks a terminal reader error as kind while keeping its cause.
type readerError struct {
	kind  error
	cause error
}

func (e *readerError) Error() string        { return e.kind.Error() + ": " + e.cause.Error() }
func (e *readerError) Is(target error) bool { return target == e.kind }
func (e *readerError) Unwrap() error        { return e.cause }

// A Reader attaches to a named channel and delivers its frames to a Sink.
type Reader struct {
	cfg   ReaderConfig
	state int32

	runMu sync.Mutex
	loop  *loop

	chMu sync.Mutex
	ch   Channel

	// Owned by the run goroutine.
	frame Frame
	buf   []byte

	delivered  uint64
	skipped    uint64
	timeouts   uint64
	restarts   uint64
	sinkErrors uint64
}

func NewReader(cfg ReaderConfig) *Reader {
	cfg.setDefaults()
	r := &Reader{cfg: cfg}
	r.loop = newLoop("reader "+cfg.Name, r.run)
	return r
}

func (r *Reader) State() ReaderState {
	return ReaderState(atomic.LoadInt32(&r.state))
}

func (r *Reader) setState(s ReaderState) {
	if old := ReaderState(atomic.SwapInt32(&r.state, int32(s))); old != s {
		rlog.Debug("%s: %v -> %v", r.cfg.Name, old, s)
	}
}

// Start begins attaching in the background and returns immediately. Starting
// a reader that is already attaching or streaming does nothing.
func (r *Reader) Start() error {
	if r.cfg.Name == "" {
		return &readerError{ErrAttachFailed, errors.New("reader has no channel name")}
	}
	if r.cfg.Sink == nil {
		return &readerError{ErrAttachFailed, errors.New("reader has no sink")}
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.loop.running() {
		return nil
	}
	r.setState(Attaching)
	r.loop.start()
	return nil
}

// Stop interrupts any wait, detaches from the channel and returns the reader
// to Idle. It may be called in any state.
func (r *Reader) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.loop.stop()
	r.setState(Idle)
}

// Stats returns counters accumulated since the reader was created.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Delivered:  atomic.LoadUint64(&r.delivered),
		Skipped:    atomic.LoadUint64(&r.skipped),
		Timeouts:   atomic.LoadUint64(&r.timeouts),
		Restarts:   atomic.LoadUint64(&r.restarts),
		SinkErrors: atomic.LoadUint64(&r.sinkErrors),
	}
}

// Control returns a snapshot of the attached channel's control block.
func (r *Reader) Control() (Control, error) {
	r.chMu.Lock()
	defer r.chMu.Unlock()
	if r.ch == nil {
		return Control{}, ErrNotStarted
	}
	return r.ch.Control(), nil
}

func (r *Reader) emit(e Event) {
	switch e.Kind {
	case EventAttachFailed, EventProducerLost:
		rlog.Warn("%s: %v: %v", e.Name, e.Kind, e.Err)
	default:
		rlog.Info("%s: %v (generation %d)", e.Name, e.Kind, e.Generation)
	}
	if r.cfg.Observer != nil {
		r.cfg.Observer.ReaderEvent(e)
	}
}

func (r *Reader) run(ctx context.Context) func() {
	final, state, ok := r.session(ctx)
	r.detach()
	if !ok {
		return nil
	}
	r.setState(state)
	return func() { r.emit(final) }
}

// session attaches and streams until the producer goes away or ctx is
// cancelled. It returns the final event and state, or ok=false if cancelled.
func (r *Reader) session(ctx context.Context) (final Event, state ReaderState, ok bool) {
	final.Name = r.cfg.Name

	ch, err := r.attach(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return final, Idle, false
		}
		final.Kind = EventAttachFailed
		final.Err = &readerError{ErrAttachFailed, err}
		return final, Idle, true
	}

	r.chMu.Lock()
	r.ch = ch
	r.chMu.Unlock()

	ctl := ch.Control()
	if n := ch.Layout().SlotBytes; cap(r.buf) < n {
		r.buf = make([]byte, 0, n)
	}
	r.setState(Streaming)
	r.emit(Event{Kind: EventAttached, Name: r.cfg.Name, Generation: ctl.Generation})

	err = r.stream(ctx, ch, ctl)
	if ctx.Err() != nil {
		return final, Idle, false
	}
	final.Kind = EventProducerLost
	final.Generation = ch.Control().Generation
	final.Err = &readerError{ErrProducerLost, err}
	return final, Stopped, true
}

func (r *Reader) detach() {
	r.chMu.Lock()
	ch := r.ch
	r.ch = nil
	r.chMu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			rlog.Warn("%s: detach: %v", r.cfg.Name, err)
		}
	}
}

// attach retries while the channel doesn't exist (or its writer has left),
// backing off exponentially. Any other failure is returned at once.
func (r *Reader) attach(ctx context.Context) (Channel, error) {
	deadline := time.Now().Add(r.cfg.AttachTimeout)
	backoff := r.cfg.AttachBackoff

	for attempt := 1; ; attempt++ {
		ch, err := r.cfg.Backend.Attach(r.cfg.Name, r.cfg.Expect)
		if err == nil {
			if !ch.Control().Closing {
				return ch, nil
			}
			ch.Close()
			err = errors.Wrap(ErrChannelNotFound, "writer has closed the channel")
		}
		if !errors.Is(err, ErrChannelNotFound) {
			return nil, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, errors.Wrapf(err, "gave up after %d attempts", attempt)
		}
		if wait > backoff {
			wait = backoff
		}
		rlog.Trace(1, "%s: attempt %d: %v, retrying in %v", r.cfg.Name, attempt, err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if backoff *= 2; backoff > r.cfg.MaxAttachBackoff {
			backoff = r.cfg.MaxAttachBackoff
		}
	}
}

func (r *Reader) stream(ctx context.Context, ch Channel, ctl Control) error {
	gen := ctl.Generation
	var last uint64
	if r.cfg.SkipBacklog {
		last = ctl.LastSequence
	}
	lostAfter := r.cfg.HeartbeatTimeout + r.cfg.GracePeriod

	for {
		slot, err := ch.WaitForNext(ctx, last, r.cfg.WaitTimeout)
		switch {
		case err == nil:
			seq := slot.Header.Sequence
			if last != 0 && seq > last+1 {
				atomic.AddUint64(&r.skipped, seq-last-1)
			}
			last = seq
			r.deliver(ch, slot)
		case errors.Is(err, ErrTimedOut):
			atomic.AddUint64(&r.timeouts, 1)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}

		ctl = ch.Control()
		if ctl.Generation != gen {
			gen = ctl.Generation
			atomic.AddUint64(&r.restarts, 1)
			r.emit(Event{Kind: EventProducerRestarted, Name: r.cfg.Name, Generation: gen})
		}
		if err != nil {
			if age := time.Since(ctl.Heartbeat); age > lostAfter {
				return errors.Errorf("no heartbeat for %v", age.Round(time.Millisecond))
			}
		}
	}
}

func (r *Reader) deliver(ch Channel, slot *Slot) {
	h := slot.Header
	r.frame = Frame{
		Width:     h.Width,
		Height:    h.Height,
		Stride:    h.Stride,
		Format:    h.Format,
		Timestamp: h.Timestamp,
		Sequence:  h.Sequence,
	}

	if r.cfg.ZeroCopy {
		r.frame.Data = slot.Frame()
		r.sink()
		r.release(ch, slot)
	} else {
		r.buf = append(r.buf[:0], slot.Frame()...)
		r.release(ch, slot)
		r.frame.Data = r.buf
		r.sink()
	}
}

func (r *Reader) release(ch Channel, slot *Slot) {
	if err := ch.ReleaseRead(slot); err != nil {
		rlog.Warn("%s: release slot %d: %v", r.cfg.Name, slot.Index, err)
	}
}

func (r *Reader) sink() {
	if err := r.cfg.Sink.WriteFrame(&r.frame); err != nil {
		atomic.AddUint64(&r.sinkErrors, 1)
		rlog.Debug("%s: sink: %v", r.cfg.Name, err)
	}
	atomic.AddUint64(&r.delivered, 1)
}
