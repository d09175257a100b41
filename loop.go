package framepipe

import (
	"context"
	"sync"

	"github.com/lanikai/framepipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("framepipe")

// A loopFunc is a long-running function, e.g. a read loop. It should return
// promptly once ctx is cancelled. A non-nil then is called after the loop is
// marked terminated, so it may safely start or stop the loop again.
type loopFunc func(ctx context.Context) (then func())

// A loop runs a loopFunc in at most one goroutine at any given time. The
// function may also return on its own, after which the loop can be started
// again.
type loop struct {
	name string

	// The long-running function.
	run loopFunc

	// Cancels the context passed to run.
	cancel context.CancelFunc

	// Closed when run actually returns.
	terminated chan struct{}

	sync.Mutex
}

func newLoop(name string, run loopFunc) *loop {
	return &loop{
		name: name,
		run:  run,
	}
}

// start launches the loop unless it is already running.
func (l *loop) start() {
	l.Lock()
	defer l.Unlock()

	if l.terminated != nil {
		select {
		case <-l.terminated:
			l.cancel()
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	terminated := make(chan struct{})
	l.cancel = cancel
	l.terminated = terminated

	go func() {
		log.Trace(2, "Starting %s loop", l.name)
		then := l.run(ctx)
		// Close terminated channel to unblock stop().
		close(terminated)
		if then != nil {
			then()
		}
	}()
}

// stop cancels the loop and waits for it to return. Must not be called from
// within the loop itself.
func (l *loop) stop() {
	l.Lock()
	cancel, terminated := l.cancel, l.terminated
	l.cancel, l.terminated = nil, nil
	l.Unlock()

	if cancel == nil {
		return
	}
	log.Trace(2, "Stopping %s loop", l.name)
	cancel()
	<-terminated
}

// running reports whether the loop function is executing.
func (l *loop) running() bool {
	l.Lock()
	defer l.Unlock()

	if l.terminated == nil {
		return false
	}
	select {
	case <-l.terminated:
		return false
	default:
		return true
	}
}
