package framepipe

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/framepipe/internal/inproc"
	"github.com/lanikai/framepipe/internal/shm"
)

const (
	eventually = 2 * time.Second
	tick       = time.Millisecond
)

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("shm", func(t *testing.T) { fn(t, shm.New(t.TempDir())) })
	t.Run("inproc", func(t *testing.T) { fn(t, inproc.New()) })
}

func channelName() string {
	return "test-" + uuid.New().String()
}

func rgbaFrame(width, height int, ts uint64, seed byte) *Frame {
	f := &Frame{
		Width:     width,
		Height:    height,
		Stride:    4 * width,
		Format:    RGBA32,
		Timestamp: ts,
		Data:      make([]byte, 4*width*height),
	}
	for i := range f.Data {
		f.Data[i] = seed ^ byte(i*7)
	}
	return f
}

// recorder is a sink keeping a copy of every frame.
type recorder struct {
	mu     sync.Mutex
	frames []*Frame
}

func (r *recorder) WriteFrame(f *Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f.Clone())
	r.mu.Unlock()
	return nil
}

func (r *recorder) Frames() []*Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Frame(nil), r.frames...)
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) Sequences() []uint64 {
	var seqs []uint64
	for _, f := range r.Frames() {
		seqs = append(seqs, f.Sequence)
	}
	return seqs
}

func (r *recorder) LastSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return 0
	}
	return r.frames[len(r.frames)-1].Sequence
}

type eventLog chan Event

func (l eventLog) ReaderEvent(e Event) {
	l <- e
}

// expect waits for an event of the given kind, skipping others.
func (l eventLog) expect(t *testing.T, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-l:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %v event within %v", kind, timeout)
			return Event{}
		}
	}
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func startWriter(t *testing.T, b Backend, name string, layout Layout) *Writer {
	t.Helper()
	w := NewWriter(WriterConfig{
		Name:         name,
		Backend:      b,
		Layout:       layout,
		DrainTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w
}

func startReader(t *testing.T, cfg ReaderConfig) *Reader {
	t.Helper()
	r := NewReader(cfg)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func streaming(t *testing.T, r *Reader) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == Streaming }, eventually, tick)
}

func TestRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{Slots: 3, SlotBytes: 640 * 480 * 4, Format: RGBA32})
		rec := &recorder{}
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: rec})
		streaming(t, r)

		f := rgbaFrame(640, 480, 1000, 0x5a)
		require.NoError(t, w.Write(f))
		require.Eventually(t, func() bool { return rec.Len() == 1 }, eventually, tick)

		got := rec.Frames()[0]
		assert.Equal(t, 640, got.Width)
		assert.Equal(t, 480, got.Height)
		assert.Equal(t, 640*4, got.Stride)
		assert.Equal(t, RGBA32, got.Format)
		assert.Equal(t, uint64(1000), got.Timestamp)
		assert.Equal(t, uint64(1), got.Sequence)
		assert.True(t, bytes.Equal(f.Data, got.Data), "payload differs")

		assert.Equal(t, uint64(1), w.Stats().Published)
		assert.Equal(t, uint64(1), r.Stats().Delivered)
	})
}

// parityRun drives the same frames through a backend and returns what the
// reader saw.
func parityRun(t *testing.T, b Backend) []Frame {
	name := channelName()
	w := startWriter(t, b, name, Layout{Slots: 3, SlotBytes: 32 * 32 * 4, Format: RGBA32})
	rec := &recorder{}
	r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: rec})
	streaming(t, r)

	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Write(rgbaFrame(32, 32, uint64(i*1000), byte(i))))
		require.Eventually(t, func() bool { return rec.Len() == i }, eventually, tick)

		// Rejected frames leave no trace.
		err := w.Write(rgbaFrame(64, 64, 0, 0))
		require.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
	}

	var out []Frame
	for _, f := range rec.Frames() {
		out = append(out, *f)
	}
	return out
}

func TestBackendParity(t *testing.T) {
	var viaShm, viaInproc []Frame
	t.Run("shm", func(t *testing.T) { viaShm = parityRun(t, shm.New(t.TempDir())) })
	t.Run("inproc", func(t *testing.T) { viaInproc = parityRun(t, inproc.New()) })

	require.Len(t, viaShm, 5)
	assert.Equal(t, viaShm, viaInproc)
}

func TestReaderWaitsForWriter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		rec := &recorder{}
		events := make(eventLog, 16)
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: rec, Observer: events})
		assert.Equal(t, Attaching, r.State())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, Attaching, r.State())

		w := startWriter(t, b, name, Layout{SlotBytes: 16 * 16 * 4})
		events.expect(t, EventAttached, eventually)
		assert.Equal(t, Streaming, r.State())

		require.NoError(t, w.Write(rgbaFrame(16, 16, 1, 1)))
		require.Eventually(t, func() bool { return rec.Len() == 1 }, eventually, tick)
	})
}

func TestAttachFailed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		events := make(eventLog, 16)
		r := startReader(t, ReaderConfig{
			Name:          channelName(),
			Backend:       b,
			Sink:          &recorder{},
			Observer:      events,
			AttachTimeout: 50 * time.Millisecond,
		})

		e := events.expect(t, EventAttachFailed, eventually)
		assert.True(t, errors.Is(e.Err, ErrAttachFailed), "got %v", e.Err)
		assert.True(t, errors.Is(e.Err, ErrChannelNotFound), "got %v", e.Err)
		assert.Equal(t, Idle, r.State())

		// A failed reader can be started again.
		require.NoError(t, r.Start())
		events.expect(t, EventAttachFailed, eventually)
	})
}

func TestAttachIncompatible(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		startWriter(t, b, name, Layout{SlotBytes: 1024, Format: RGBA32})

		events := make(eventLog, 16)
		start := time.Now()
		startReader(t, ReaderConfig{
			Name:     name,
			Backend:  b,
			Expect:   Layout{Format: BGRA32},
			Sink:     &recorder{},
			Observer: events,
		})

		e := events.expect(t, EventAttachFailed, eventually)
		assert.True(t, errors.Is(e.Err, ErrChannelIncompatible), "got %v", e.Err)
		assert.Less(t, int64(time.Since(start)), int64(DefaultAttachTimeout), "incompatible channel should not be retried")
	})
}

func TestReaderConfigErrors(t *testing.T) {
	err := NewReader(ReaderConfig{Sink: &recorder{}}).Start()
	assert.True(t, errors.Is(err, ErrAttachFailed), "got %v", err)

	err = NewReader(ReaderConfig{Name: "x"}).Start()
	assert.True(t, errors.Is(err, ErrAttachFailed), "got %v", err)
}

func TestProducerLost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()

		// A bare channel stands in for a writer that died without closing.
		raw, err := b.Create(name, Layout{Slots: 2, SlotBytes: 1024, Format: RGBA32})
		require.NoError(t, err)
		t.Cleanup(func() { raw.Close() })

		const (
			waitTimeout      = 10 * time.Millisecond
			heartbeatTimeout = 50 * time.Millisecond
			gracePeriod      = 50 * time.Millisecond
			scheduling       = 150 * time.Millisecond
		)
		events := make(eventLog, 16)
		r := startReader(t, ReaderConfig{
			Name:             name,
			Backend:          b,
			Sink:             &recorder{},
			Observer:         events,
			WaitTimeout:      waitTimeout,
			HeartbeatTimeout: heartbeatTimeout,
			GracePeriod:      gracePeriod,
		})
		events.expect(t, EventAttached, eventually)

		e := events.expect(t, EventProducerLost, eventually)
		silence := time.Since(raw.Control().Heartbeat)
		assert.True(t, errors.Is(e.Err, ErrProducerLost), "got %v", e.Err)

		// Declared lost no earlier than the allowed silence, and at most one
		// wait later.
		assert.GreaterOrEqual(t, int64(silence), int64(heartbeatTimeout+gracePeriod))
		assert.Less(t, int64(silence), int64(heartbeatTimeout+gracePeriod+waitTimeout+scheduling))
		assert.Equal(t, Stopped, r.State())
		assert.Equal(t, 0, raw.Control().Readers)
		assert.NotZero(t, r.Stats().Timeouts)

		r.Stop()
		assert.Equal(t, Idle, r.State())
	})
}

func TestWriterStopEndsStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{SlotBytes: 1024})
		events := make(eventLog, 16)
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: &recorder{}, Observer: events})
		events.expect(t, EventAttached, eventually)

		require.NoError(t, w.Stop())
		e := events.expect(t, EventProducerLost, eventually)
		assert.True(t, errors.Is(e.Err, ErrProducerLost), "got %v", e.Err)
		assert.True(t, errors.Is(e.Err, ErrChannelClosing), "got %v", e.Err)
		assert.Equal(t, Stopped, r.State())

		// Both sides gone: the channel is torn down.
		_, err := b.Attach(name, Layout{})
		assert.True(t, errors.Is(err, ErrChannelNotFound), "got %v", err)

		err = w.Write(rgbaFrame(16, 16, 0, 0))
		assert.Equal(t, ErrNotStarted, err)
	})
}

func TestStopInterruptsWait(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{SlotBytes: 1024})
		r := startReader(t, ReaderConfig{
			Name:             name,
			Backend:          b,
			Sink:             &recorder{},
			WaitTimeout:      10 * time.Second,
			HeartbeatTimeout: 10 * time.Second,
		})
		streaming(t, r)

		start := time.Now()
		r.Stop()
		assert.Less(t, int64(time.Since(start)), int64(time.Second))
		assert.Equal(t, Idle, r.State())

		ctl, err := w.Control()
		require.NoError(t, err)
		assert.Equal(t, 0, ctl.Readers)

		_, err = r.Control()
		assert.Equal(t, ErrNotStarted, err)
	})
}

func TestConcurrentReaders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{Slots: 4, SlotBytes: 16 * 16 * 4})

		recs := []*recorder{{}, {}}
		for _, rec := range recs {
			streaming(t, startReader(t, ReaderConfig{Name: name, Backend: b, Sink: rec}))
		}

		const n = 20
		for i := 1; i <= n; i++ {
			require.NoError(t, w.Write(rgbaFrame(16, 16, uint64(i), byte(i))))
			for _, rec := range recs {
				require.Eventually(t, func() bool { return rec.Len() == i }, eventually, tick)
			}
		}

		for _, rec := range recs {
			seqs := rec.Sequences()
			require.Len(t, seqs, n)
			for i, seq := range seqs {
				assert.Equal(t, uint64(i+1), seq)
			}
		}
	})
}

func TestMonotonicUnderLoad(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{Slots: 3, SlotBytes: 64 * 48 * 4})

		var mu sync.Mutex
		var seqs, published []uint64
		slow := SinkFunc(func(f *Frame) error {
			p := w.Stats().Published
			mu.Lock()
			seqs = append(seqs, f.Sequence)
			published = append(published, p)
			mu.Unlock()
			time.Sleep(200 * time.Microsecond)
			return nil
		})
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: slow})
		streaming(t, r)

		const n = 500
		p := NewTestPattern(64, 48, RGBA32, 0)
		p.Count = n
		require.NoError(t, w.Run(contextWithTimeout(t, 10*time.Second), p))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seqs) > 0 && seqs[len(seqs)-1] == n && r.Stats().Delivered == uint64(len(seqs))
		}, eventually, tick)

		mu.Lock()
		defer mu.Unlock()
		for i := 1; i < len(seqs); i++ {
			require.Greater(t, seqs[i], seqs[i-1], "sequence went backwards at %d", i)

			// Frames skipped between two deliveries were all published after
			// the earlier one was taken.
			require.LessOrEqual(t, seqs[i], published[i], "delivery %d", i)
			require.LessOrEqual(t, seqs[i]-seqs[i-1]-1, published[i]-seqs[i-1], "delivery %d", i)
		}

		ws := w.Stats()
		assert.Equal(t, uint64(n), ws.Published)
		assert.Zero(t, ws.Rejected)

		// Every published frame was either delivered or counted as skipped.
		rs := r.Stats()
		assert.Equal(t, uint64(len(seqs)), rs.Delivered)
		assert.Equal(t, uint64(n)-(seqs[0]-1), rs.Delivered+rs.Skipped)
	})
}

func TestDropBound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{Slots: 3, SlotBytes: 16 * 16 * 4})

		entered := make(chan uint64, 64)
		gate := make(chan struct{})
		parked := SinkFunc(func(f *Frame) error {
			select {
			case entered <- f.Sequence:
			default:
			}
			<-gate
			return nil
		})
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: parked})
		t.Cleanup(func() { close(gate) })
		streaming(t, r)

		var seq uint64
		write := func(n int) {
			for i := 0; i < n; i++ {
				seq++
				require.NoError(t, w.Write(rgbaFrame(16, 16, seq, byte(seq))))
			}
		}
		receive := func() uint64 {
			select {
			case s := <-entered:
				return s
			case <-time.After(eventually):
				t.Fatal("no frame delivered")
				return 0
			}
		}

		write(1)
		last := receive()
		require.Equal(t, uint64(1), last)

		var dropped uint64
		for _, k := range []int{1, 2, 3, 7} {
			// k frames go out while the reader sits in its sink.
			before := w.Stats().Published
			write(k)
			published := w.Stats().Published - before
			gate <- struct{}{}

			got := receive()
			gap := got - last - 1
			assert.LessOrEqual(t, gap, published, "%d frames published", k)
			assert.Equal(t, uint64(k-1), gap, "reader did not take the newest frame")
			dropped += gap
			last = got
		}
		gate <- struct{}{}

		assert.Equal(t, dropped, r.Stats().Skipped)
	})
}

func TestWriterRejectsBadFrames(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{Slots: 2, SlotBytes: 16 * 16 * 4, Format: RGBA32})
		rec := &recorder{}
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: rec})
		streaming(t, r)

		err := w.Write(rgbaFrame(32, 32, 0, 0))
		assert.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)

		bgra := rgbaFrame(16, 16, 0, 0)
		bgra.Format = BGRA32
		err = w.Write(bgra)
		assert.True(t, errors.Is(err, ErrFormat), "got %v", err)

		short := rgbaFrame(16, 16, 0, 0)
		short.Data = short.Data[:100]
		err = w.Write(short)
		assert.True(t, errors.Is(err, ErrFormat), "got %v", err)

		// The writer carries on, and rejected frames used no sequence numbers.
		require.NoError(t, w.Write(rgbaFrame(16, 16, 7, 7)))
		require.Eventually(t, func() bool { return rec.Len() == 1 }, eventually, tick)
		assert.Equal(t, uint64(1), rec.Frames()[0].Sequence)
		assert.Equal(t, uint64(3), w.Stats().Rejected)
	})
}

func TestWriteBeforeStart(t *testing.T) {
	w := NewWriter(WriterConfig{Name: channelName(), Backend: inproc.New(), Layout: Layout{SlotBytes: 1024}})
	assert.Equal(t, ErrNotStarted, w.Write(rgbaFrame(16, 16, 0, 0)))
	assert.NoError(t, w.Stop())

	err := NewWriter(WriterConfig{Backend: inproc.New(), Layout: Layout{SlotBytes: 1024}}).Start()
	assert.True(t, errors.Is(err, ErrChannelCreate), "got %v", err)
}

func TestZeroCopy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{SlotBytes: 16 * 16 * 4})

		var sums []int
		var mu sync.Mutex
		sink := SinkFunc(func(f *Frame) error {
			sum := 0
			for _, c := range f.Data {
				sum += int(c)
			}
			mu.Lock()
			sums = append(sums, sum)
			mu.Unlock()
			return nil
		})
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: sink, ZeroCopy: true})
		streaming(t, r)

		f := rgbaFrame(16, 16, 0, 3)
		want := 0
		for _, c := range f.Data {
			want += int(c)
		}
		require.NoError(t, w.Write(f))
		require.Eventually(t, func() bool { return r.Stats().Delivered == 1 }, eventually, tick)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{want}, sums)
	})
}

func TestSinkErrorsDoNotStopStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{SlotBytes: 16 * 16 * 4})
		failing := SinkFunc(func(f *Frame) error { return errors.New("display gone") })
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: failing})
		streaming(t, r)

		for i := 1; i <= 2; i++ {
			require.NoError(t, w.Write(rgbaFrame(16, 16, 0, 0)))
			require.Eventually(t, func() bool { return r.Stats().Delivered == uint64(i) }, eventually, tick)
		}
		assert.Equal(t, uint64(2), r.Stats().SinkErrors)
		assert.Equal(t, Streaming, r.State())
	})
}

func TestPreview(t *testing.T) {
	preview := &recorder{}
	w := NewWriter(WriterConfig{
		Name:    channelName(),
		Backend: inproc.New(),
		Layout:  Layout{SlotBytes: 16 * 16 * 4},
		Preview: preview,
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, w.Write(rgbaFrame(16, 16, 42, 0)))
	w.Write(rgbaFrame(32, 32, 43, 0))
	require.Equal(t, 1, preview.Len())
	assert.Equal(t, uint64(42), preview.Frames()[0].Timestamp)
}

func TestProducerRestart(t *testing.T) {
	sb := shm.New(t.TempDir())
	sb.StaleAfter = 50 * time.Millisecond
	ib := inproc.New()
	ib.StaleAfter = 50 * time.Millisecond

	for _, b := range []Backend{sb, ib} {
		t.Run(b.Name(), func(t *testing.T) {
			name := channelName()
			layout := Layout{SlotBytes: 16 * 16 * 4}

			w1 := NewWriter(WriterConfig{Name: name, Backend: b, Layout: layout, DrainTimeout: 10 * time.Millisecond})
			require.NoError(t, w1.Start())
			t.Cleanup(func() { w1.Stop() })
			require.NoError(t, w1.Write(rgbaFrame(16, 16, 1, 1)))
			require.NoError(t, w1.Write(rgbaFrame(16, 16, 2, 2)))

			rec := &recorder{}
			events := make(eventLog, 16)
			r := startReader(t, ReaderConfig{
				Name:             name,
				Backend:          b,
				Sink:             rec,
				Observer:         events,
				HeartbeatTimeout: 10 * time.Second,
			})
			events.expect(t, EventAttached, eventually)
			require.Eventually(t, func() bool { return rec.LastSequence() == 2 }, eventually, tick)

			// Simulate a hung writer, then let a new one take over.
			w1.heartbeat.stop()
			time.Sleep(100 * time.Millisecond)
			w2 := startWriter(t, b, name, layout)

			require.NoError(t, w2.Write(rgbaFrame(16, 16, 3, 3)))
			e := events.expect(t, EventProducerRestarted, eventually)
			assert.Equal(t, uint64(2), e.Generation)
			require.Eventually(t, func() bool { return rec.LastSequence() == 3 }, eventually, tick)
			assert.Equal(t, uint64(1), r.Stats().Restarts)
			assert.Equal(t, Streaming, r.State())

			// The old writer leaving must not end the new writer's stream.
			require.NoError(t, w1.Stop())
			require.NoError(t, w2.Write(rgbaFrame(16, 16, 4, 4)))
			require.Eventually(t, func() bool { return rec.LastSequence() == 4 }, eventually, tick)
			assert.Equal(t, Streaming, r.State())
		})
	}
}

func TestSkipBacklog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		name := channelName()
		w := startWriter(t, b, name, Layout{Slots: 3, SlotBytes: 16 * 16 * 4})
		require.NoError(t, w.Write(rgbaFrame(16, 16, 1, 1)))
		require.NoError(t, w.Write(rgbaFrame(16, 16, 2, 2)))

		// A plain reader picks up the newest frame already in the ring.
		backlog := &recorder{}
		streaming(t, startReader(t, ReaderConfig{Name: name, Backend: b, Sink: backlog}))
		require.Eventually(t, func() bool { return backlog.Len() == 1 }, eventually, tick)
		assert.Equal(t, []uint64{2}, backlog.Sequences())

		fresh := &recorder{}
		r := startReader(t, ReaderConfig{Name: name, Backend: b, Sink: fresh, SkipBacklog: true})
		streaming(t, r)
		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, fresh.Len())

		require.NoError(t, w.Write(rgbaFrame(16, 16, 3, 3)))
		require.Eventually(t, func() bool { return fresh.Len() == 1 }, eventually, tick)
		assert.Equal(t, []uint64{3}, fresh.Sequences())
		assert.Zero(t, r.Stats().Skipped)
	})
}
