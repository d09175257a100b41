package framepipe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopStartsOnce(t *testing.T) {
	var runs int32
	l := newLoop("test", func(ctx context.Context) func() {
		atomic.AddInt32(&runs, 1)
		<-ctx.Done()
		return nil
	})
	assert.False(t, l.running())

	l.start()
	l.start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)
	assert.True(t, l.running())

	l.stop()
	assert.False(t, l.running())
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))

	// Stopping twice is harmless.
	l.stop()
}

func TestLoopThenRunsAfterTermination(t *testing.T) {
	var l *loop
	stopped := make(chan bool, 1)
	l = newLoop("test", func(ctx context.Context) func() {
		return func() {
			stopped <- l.running()
			// Must not block: run has already returned.
			l.stop()
		}
	})

	l.start()
	select {
	case wasRunning := <-stopped:
		assert.False(t, wasRunning)
	case <-time.After(time.Second):
		t.Fatal("then was never called")
	}
}

func TestLoopRestartsAfterReturning(t *testing.T) {
	var runs int32
	l := newLoop("test", func(ctx context.Context) func() {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	l.start()
	require.Eventually(t, func() bool { return !l.running() && atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)
	l.start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, time.Millisecond)
	l.stop()
}
