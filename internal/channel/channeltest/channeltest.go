// Package channeltest is a conformance suite for channel backends. Every
// backend must pass it unmodified.
package channeltest

import (
	"bytes"
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/framepipe/internal/channel"
)

// Frames in the suite are 16x16 RGBA.
const (
	width  = 16
	height = 16
	stride = 4 * width
	size   = stride * height
)

var testLayout = channel.Layout{Slots: 4, SlotBytes: size, Format: channel.RGBA32}

// NewBackend returns a fresh backend for one test.
type NewBackend func(t *testing.T) channel.Backend

// Run runs the whole suite against backends made by newBackend.
func Run(t *testing.T, newBackend NewBackend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b channel.Backend, name string)
	}{
		{"RoundTrip", testRoundTrip},
		{"CreateIncompatible", testCreateIncompatible},
		{"CreateInvalidLayout", testCreateInvalidLayout},
		{"AttachNotFound", testAttachNotFound},
		{"AttachIncompatible", testAttachIncompatible},
		{"WrongRole", testWrongRole},
		{"WaitTimesOut", testWaitTimesOut},
		{"WaitCancelled", testWaitCancelled},
		{"LatestFrameWins", testLatestFrameWins},
		{"ClaimSkipsReadingSlot", testClaimSkipsReadingSlot},
		{"NoFreeSlot", testNoFreeSlot},
		{"PublishRejectsStaleSequence", testPublishRejectsStaleSequence},
		{"PublishRejectsOversizedFrame", testPublishRejectsOversizedFrame},
		{"PublishRejectsHugeGeometry", testPublishRejectsHugeGeometry},
		{"ReleaseTwice", testReleaseTwice},
		{"ClosingWakesReader", testClosingWakesReader},
		{"MultipleReaders", testMultipleReaders},
		{"WriterRestart", testWriterRestart},
		{"LiveWriterRefused", testLiveWriterRefused},
		{"StaleWriterTakeOver", testStaleWriterTakeOver},
		{"ReaderLeavesAfterTakeOver", testReaderLeavesAfterTakeOver},
		{"Teardown", testTeardown},
		{"Remove", testRemove},
		{"Heartbeat", testHeartbeat},
		{"NoTearing", testNoTearing},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			name := "test-" + uuid.New().String()
			t.Cleanup(func() { b.Remove(name) })
			tt.fn(t, b, name)
		})
	}
}

func header(seq uint64) channel.Header {
	return channel.Header{
		Sequence:  seq,
		Width:     width,
		Height:    height,
		Stride:    stride,
		Length:    size,
		Format:    channel.RGBA32,
		Timestamp: seq * 1000,
	}
}

func publish(t *testing.T, ch channel.Channel, seq uint64) *channel.Slot {
	t.Helper()
	slot, err := ch.ClaimWriteSlot()
	require.NoError(t, err)
	fill(slot.Payload[:size], seq)
	require.NoError(t, ch.Publish(slot, header(seq)))
	return slot
}

func fill(p []byte, seq uint64) {
	for i := range p {
		p[i] = byte(seq) ^ byte(i)
	}
}

func checkFrame(t *testing.T, slot *channel.Slot) {
	t.Helper()
	want := make([]byte, size)
	fill(want, slot.Header.Sequence)
	require.True(t, bytes.Equal(want, slot.Frame()), "torn frame %d", slot.Header.Sequence)
	require.Equal(t, header(slot.Header.Sequence), slot.Header)
}

func create(t *testing.T, b channel.Backend, name string) channel.Channel {
	t.Helper()
	w, err := b.Create(name, testLayout)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func attach(t *testing.T, b channel.Backend, name string) channel.Channel {
	t.Helper()
	r, err := b.Attach(name, channel.Layout{})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func next(t *testing.T, r channel.Channel, after uint64) *channel.Slot {
	t.Helper()
	slot, err := r.WaitForNext(context.Background(), after, 2*time.Second)
	require.NoError(t, err)
	return slot
}

func testRoundTrip(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	assert.True(t, w.Creator())
	assert.False(t, r.Creator())
	assert.Equal(t, testLayout, r.Layout())
	assert.Equal(t, name, r.Name())

	publish(t, w, 1)
	slot := next(t, r, 0)
	checkFrame(t, slot)
	assert.Equal(t, uint64(1), slot.Header.Sequence)
	require.NoError(t, r.ReleaseRead(slot))

	ctl := r.Control()
	assert.Equal(t, channel.Version, ctl.Version)
	assert.Equal(t, uint64(1), ctl.LastSequence)
	assert.Equal(t, uint64(1), ctl.Generation)
	assert.Equal(t, 1, ctl.Readers)
	assert.True(t, ctl.WriterAttached)
	assert.False(t, ctl.Closing)
	assert.NotEqual(t, [16]byte{}, ctl.WriterID)
}

func testCreateIncompatible(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	attach(t, b, name) // keeps the channel alive after the writer closes
	require.NoError(t, w.Close())

	other := testLayout
	other.Slots = 3
	_, err := b.Create(name, other)
	assert.True(t, errors.Is(err, channel.ErrChannelCreate), "got %v", err)

	other = testLayout
	other.SlotBytes *= 2
	_, err = b.Create(name, other)
	assert.True(t, errors.Is(err, channel.ErrChannelCreate), "got %v", err)
}

func testCreateInvalidLayout(t *testing.T, b channel.Backend, name string) {
	for _, l := range []channel.Layout{
		{Slots: 1, SlotBytes: size, Format: channel.RGBA32},
		{Slots: 4, SlotBytes: 0, Format: channel.RGBA32},
		{Slots: 4, SlotBytes: size},
	} {
		_, err := b.Create(name, l)
		assert.True(t, errors.Is(err, channel.ErrChannelCreate), "layout %+v: got %v", l, err)
	}
}

func testAttachNotFound(t *testing.T, b channel.Backend, name string) {
	_, err := b.Attach(name, channel.Layout{})
	assert.True(t, errors.Is(err, channel.ErrChannelNotFound), "got %v", err)
}

func testAttachIncompatible(t *testing.T, b channel.Backend, name string) {
	create(t, b, name)

	_, err := b.Attach(name, channel.Layout{Slots: 8})
	assert.True(t, errors.Is(err, channel.ErrChannelIncompatible), "got %v", err)
	_, err = b.Attach(name, channel.Layout{Format: channel.NV12})
	assert.True(t, errors.Is(err, channel.ErrChannelIncompatible), "got %v", err)

	r, err := b.Attach(name, testLayout)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func testWrongRole(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	_, err := r.ClaimWriteSlot()
	assert.Equal(t, channel.ErrWrongRole, err)
	_, err = w.WaitForNext(context.Background(), 0, time.Millisecond)
	assert.Equal(t, channel.ErrWrongRole, err)
}

func testWaitTimesOut(t *testing.T, b channel.Backend, name string) {
	create(t, b, name)
	r := attach(t, b, name)

	start := time.Now()
	_, err := r.WaitForNext(context.Background(), 0, 50*time.Millisecond)
	assert.Equal(t, channel.ErrTimedOut, err)
	assert.True(t, time.Since(start) >= 45*time.Millisecond)

	// Zero timeout polls.
	_, err = r.WaitForNext(context.Background(), 0, 0)
	assert.Equal(t, channel.ErrTimedOut, err)
}

func testWaitCancelled(t *testing.T, b channel.Backend, name string) {
	create(t, b, name)
	r := attach(t, b, name)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := r.WaitForNext(ctx, 0, 10*time.Second)
	assert.Equal(t, context.Canceled, err)
	assert.True(t, time.Since(start) < 2*time.Second)
}

func testLatestFrameWins(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	for seq := uint64(1); seq <= 3; seq++ {
		publish(t, w, seq)
	}
	slot := next(t, r, 0)
	checkFrame(t, slot)
	assert.Equal(t, uint64(3), slot.Header.Sequence)
	require.NoError(t, r.ReleaseRead(slot))

	// Nothing newer than 3.
	_, err := r.WaitForNext(context.Background(), 3, 10*time.Millisecond)
	assert.Equal(t, channel.ErrTimedOut, err)

	// Unread frames were overwritten as the ring wrapped.
	for seq := uint64(4); seq <= 8; seq++ {
		publish(t, w, seq)
	}
	assert.True(t, w.Stats().Overwritten > 0)
	slot = next(t, r, 3)
	assert.Equal(t, uint64(8), slot.Header.Sequence)
	require.NoError(t, r.ReleaseRead(slot))
}

func testClaimSkipsReadingSlot(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	// Fill the ring, then pin the newest frame (last slot).
	for seq := uint64(1); seq <= uint64(testLayout.Slots); seq++ {
		publish(t, w, seq)
	}
	held := next(t, r, 0)
	require.Equal(t, uint64(testLayout.Slots), held.Header.Sequence)

	// Go around the ring once more; the pinned slot must be skipped.
	for i := 0; i < testLayout.Slots; i++ {
		slot, err := w.ClaimWriteSlot()
		require.NoError(t, err)
		assert.NotEqual(t, held.Index, slot.Index)
		fill(slot.Payload[:size], uint64(10+i))
		require.NoError(t, w.Publish(slot, header(uint64(10+i))))
	}
	assert.True(t, w.Stats().Substituted >= 1)

	// The pinned frame is intact.
	checkFrame(t, held)
	require.NoError(t, r.ReleaseRead(held))
}

func testNoFreeSlot(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)

	var held []*channel.Slot
	var readers []channel.Channel
	for seq := uint64(1); seq <= uint64(testLayout.Slots); seq++ {
		publish(t, w, seq)
		r := attach(t, b, name)
		slot := next(t, r, seq-1)
		require.Equal(t, seq, slot.Header.Sequence)
		held = append(held, slot)
		readers = append(readers, r)
	}

	_, err := w.ClaimWriteSlot()
	assert.Equal(t, channel.ErrNoFreeSlot, err)

	require.NoError(t, readers[0].ReleaseRead(held[0]))
	slot, err := w.ClaimWriteSlot()
	require.NoError(t, err)
	assert.Equal(t, held[0].Index, slot.Index)
}

func testPublishRejectsStaleSequence(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	publish(t, w, 5)

	slot, err := w.ClaimWriteSlot()
	require.NoError(t, err)
	err = w.Publish(slot, header(5))
	assert.True(t, errors.Is(err, channel.ErrSequence), "got %v", err)

	// Publishing the same handle twice is refused.
	assert.Equal(t, channel.ErrBadSlot, w.Publish(slot, header(6)))

	got := next(t, r, 0)
	assert.Equal(t, uint64(5), got.Header.Sequence)
	require.NoError(t, r.ReleaseRead(got))

	publish(t, w, 6)
	got = next(t, r, 5)
	assert.Equal(t, uint64(6), got.Header.Sequence)
	require.NoError(t, r.ReleaseRead(got))
}

func testPublishRejectsOversizedFrame(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)

	slot, err := w.ClaimWriteSlot()
	require.NoError(t, err)
	h := header(1)
	h.Height *= 2
	h.Length = h.Stride * h.Height
	err = w.Publish(slot, h)
	assert.True(t, errors.Is(err, channel.ErrFrameTooLarge), "got %v", err)

	slot, err = w.ClaimWriteSlot()
	require.NoError(t, err)
	h = header(1)
	h.Format = channel.BGRA32
	err = w.Publish(slot, h)
	assert.True(t, errors.Is(err, channel.ErrFormat), "got %v", err)

	// The ring is still usable.
	publish(t, w, 1)
}

func testPublishRejectsHugeGeometry(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	// Dimensions that don't fit the stored header, or whose product
	// overflows, must not pass as an empty frame.
	for _, h := range []channel.Header{
		{Width: math.MaxInt, Height: math.MaxInt, Stride: math.MaxInt},
		{Width: width, Height: math.MaxInt, Stride: stride},
		{Width: width, Height: height, Stride: math.MaxInt},
	} {
		h.Sequence = 1
		h.Format = channel.RGBA32
		slot, err := w.ClaimWriteSlot()
		require.NoError(t, err)
		err = w.Publish(slot, h)
		assert.True(t, errors.Is(err, channel.ErrFormat), "%+v: got %v", h, err)
	}

	_, err := r.WaitForNext(context.Background(), 0, 0)
	assert.Equal(t, channel.ErrTimedOut, err)

	publish(t, w, 1)
	slot := next(t, r, 0)
	checkFrame(t, slot)
	require.NoError(t, r.ReleaseRead(slot))
}

func testReleaseTwice(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	publish(t, w, 1)
	slot := next(t, r, 0)
	require.NoError(t, r.ReleaseRead(slot))
	assert.Equal(t, channel.ErrBadSlot, r.ReleaseRead(slot))
	assert.Equal(t, channel.ErrBadSlot, r.ReleaseRead(nil))
}

func testClosingWakesReader(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	errc := make(chan error, 1)
	go func() {
		_, err := r.WaitForNext(context.Background(), 0, 10*time.Second)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.SetClosing()

	select {
	case err := <-errc:
		assert.Equal(t, channel.ErrChannelClosing, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after close")
	}
	assert.True(t, r.Control().Closing)
}

func testMultipleReaders(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r1 := attach(t, b, name)
	r2 := attach(t, b, name)
	assert.Equal(t, 2, w.Control().Readers)

	publish(t, w, 1)
	s1 := next(t, r1, 0)
	s2 := next(t, r2, 0)
	assert.Equal(t, s1.Index, s2.Index)
	checkFrame(t, s1)
	checkFrame(t, s2)

	// One reader letting go doesn't free the slot for the other.
	require.NoError(t, r1.ReleaseRead(s1))
	for i := 0; i < testLayout.Slots; i++ {
		slot, err := w.ClaimWriteSlot()
		require.NoError(t, err)
		assert.NotEqual(t, s2.Index, slot.Index)
		fill(slot.Payload[:size], uint64(2+i))
		require.NoError(t, w.Publish(slot, header(uint64(2+i))))
	}
	checkFrame(t, s2)
	require.NoError(t, r2.ReleaseRead(s2))

	// Both readers see the newest frame.
	last := uint64(1 + testLayout.Slots)
	for _, r := range []channel.Channel{r1, r2} {
		slot := next(t, r, 1)
		assert.Equal(t, last, slot.Header.Sequence)
		require.NoError(t, r.ReleaseRead(slot))
	}
}

func testWriterRestart(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	publish(t, w, 1)
	publish(t, w, 2)
	require.NoError(t, w.Close())
	assert.True(t, r.Control().Closing)
	assert.False(t, r.Control().WriterAttached)

	w2 := create(t, b, name)
	ctl := r.Control()
	assert.Equal(t, uint64(2), ctl.Generation)
	assert.Equal(t, uint64(2), ctl.LastSequence)
	assert.False(t, ctl.Closing)
	assert.True(t, ctl.WriterAttached)

	// Sequence continues across the restart.
	publish(t, w2, 3)
	slot := next(t, r, 2)
	assert.Equal(t, uint64(3), slot.Header.Sequence)
	require.NoError(t, r.ReleaseRead(slot))
}

func testLiveWriterRefused(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	w.Heartbeat(time.Now())

	_, err := b.Create(name, testLayout)
	assert.True(t, errors.Is(err, channel.ErrChannelCreate), "got %v", err)
}

func testStaleWriterTakeOver(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)
	publish(t, w, 1)

	// The first writer stops heartbeating without closing.
	w.Heartbeat(time.Now().Add(-time.Hour))
	w2 := create(t, b, name)
	assert.Equal(t, uint64(2), r.Control().Generation)

	// When the superseded writer finally detaches it must not disturb the
	// new one.
	w.SetClosing()
	require.NoError(t, w.Close())
	ctl := r.Control()
	assert.False(t, ctl.Closing)
	assert.True(t, ctl.WriterAttached)

	publish(t, w2, 2)
	slot := next(t, r, 1)
	assert.Equal(t, uint64(2), slot.Header.Sequence)
	require.NoError(t, r.ReleaseRead(slot))
}

func testReaderLeavesAfterTakeOver(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r, err := b.Attach(name, channel.Layout{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.True(t, r.Control().Closing)

	// A new writer arrives before the last reader of the old one leaves.
	w2 := create(t, b, name)
	require.NoError(t, r.Close())

	r2 := attach(t, b, name)
	ctl := r2.Control()
	assert.True(t, ctl.WriterAttached)
	assert.False(t, ctl.Closing)
	assert.Equal(t, uint64(2), ctl.Generation)

	publish(t, w2, 1)
	slot := next(t, r2, 0)
	checkFrame(t, slot)
	require.NoError(t, r2.ReleaseRead(slot))
}

func testTeardown(t *testing.T, b channel.Backend, name string) {
	// Writer leaving with no readers tears the channel down.
	w := create(t, b, name)
	require.NoError(t, w.Close())
	_, err := b.Attach(name, channel.Layout{})
	assert.True(t, errors.Is(err, channel.ErrChannelNotFound), "got %v", err)

	// Otherwise the last reader does.
	w = create(t, b, name)
	r1 := attach(t, b, name)
	r2 := attach(t, b, name)
	require.NoError(t, w.Close())
	require.NoError(t, r1.Close())

	r3, err := b.Attach(name, channel.Layout{})
	require.NoError(t, err)
	require.NoError(t, r3.Close())
	require.NoError(t, r2.Close())

	_, err = b.Attach(name, channel.Layout{})
	assert.True(t, errors.Is(err, channel.ErrChannelNotFound), "got %v", err)

	// Closed channels refuse further use.
	_, err = r1.WaitForNext(context.Background(), 0, 0)
	assert.Equal(t, channel.ErrClosed, err)
	assert.NoError(t, r1.Close())
}

func testRemove(t *testing.T, b channel.Backend, name string) {
	create(t, b, name)
	require.NoError(t, b.Remove(name))

	_, err := b.Attach(name, channel.Layout{})
	assert.True(t, errors.Is(err, channel.ErrChannelNotFound), "got %v", err)
	assert.True(t, errors.Is(b.Remove(name), channel.ErrChannelNotFound))
}

func testHeartbeat(t *testing.T, b channel.Backend, name string) {
	w := create(t, b, name)
	r := attach(t, b, name)

	at := time.Now().Add(-time.Minute)
	w.Heartbeat(at)
	got := r.Control().Heartbeat
	assert.WithinDuration(t, at, got, time.Millisecond)
}

// A writer hammering a small ring while a reader checks every frame it gets.
func testNoTearing(t *testing.T, b channel.Backend, name string) {
	const frames = 2000

	w := create(t, b, name)
	r := attach(t, b, name)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= frames; seq++ {
			slot, err := w.ClaimWriteSlot()
			if err != nil {
				t.Errorf("claim %d: %v", seq, err)
				return
			}
			fill(slot.Payload[:size], seq)
			if err := w.Publish(slot, header(seq)); err != nil {
				t.Errorf("publish %d: %v", seq, err)
				return
			}
		}
		w.SetClosing()
	}()

	var last uint64
	var got int
	for {
		slot, err := r.WaitForNext(context.Background(), last, 5*time.Second)
		if err == channel.ErrChannelClosing {
			break
		}
		require.NoError(t, err)
		require.True(t, slot.Header.Sequence > last, "sequence %d after %d", slot.Header.Sequence, last)
		checkFrame(t, slot)
		last = slot.Header.Sequence
		got++
		require.NoError(t, r.ReleaseRead(slot))
	}
	wg.Wait()

	assert.Equal(t, uint64(frames), last)
	assert.True(t, got > 0)
	t.Logf("reader saw %d of %d frames (%d substitutions)", got, frames, w.Stats().Substituted)
}
