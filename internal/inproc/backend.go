// Package inproc implements frame channels inside a single process. It has the
// same contract and drop policy as the shared memory backend, but keeps the
// ring in ordinary memory and wakes readers through Go channels.
package inproc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/channel"
	"github.com/lanikai/framepipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("inproc")

// Default is the process-wide registry of named in-process channels.
var Default = New()

// Writers silent for longer than this may be replaced by a new Create.
const DefaultStaleAfter = 2 * time.Second

type Backend struct {
	StaleAfter time.Duration

	mu    sync.Mutex
	rings map[string]*ring
}

func New() *Backend {
	return &Backend{
		StaleAfter: DefaultStaleAfter,
		rings:      make(map[string]*ring),
	}
}

func (b *Backend) Name() string { return "inproc" }

func (b *Backend) Create(name string, layout channel.Layout) (channel.Channel, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.Wrap(channel.ErrChannelCreate, "empty channel name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	r, found := b.rings[name]
	if found {
		r.mu.Lock()
		err := r.checkTakeOver(layout, b.StaleAfter)
		r.mu.Unlock()
		if err != nil {
			return nil, errors.Wrapf(channel.ErrChannelCreate, "%s: %v", name, err)
		}
	} else {
		r = newRing(name, layout)
		b.rings[name] = r
		log.Debug("Created channel %s: %d slots x %d bytes, %v", name, layout.Slots, layout.SlotBytes, layout.Format)
	}

	r.mu.Lock()
	r.writer = true
	r.writerID = uuid.New()
	r.closing = false
	r.heartbeat = time.Now()
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	log.Info("Writer %s attached to %s (generation %d)", r.writerID, name, gen)
	return &endpoint{backend: b, ring: r, creator: true, gen: gen}, nil
}

func (b *Backend) Attach(name string, expect channel.Layout) (channel.Channel, error) {
	b.mu.Lock()
	r, found := b.rings[name]
	b.mu.Unlock()
	if !found {
		return nil, errors.Wrap(channel.ErrChannelNotFound, name)
	}
	if !r.layout.Matches(expect) {
		return nil, errors.Wrapf(channel.ErrChannelIncompatible, "%s has layout %+v, want %+v", name, r.layout, expect)
	}

	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return nil, errors.Wrap(channel.ErrChannelNotFound, name)
	}
	r.readers++
	n := r.readers
	r.mu.Unlock()

	log.Debug("Reader attached to %s (%d readers)", name, n)
	return &endpoint{backend: b, ring: r}, nil
}

func (b *Backend) Remove(name string) error {
	b.mu.Lock()
	r, found := b.rings[name]
	delete(b.rings, name)
	b.mu.Unlock()
	if !found {
		return errors.Wrap(channel.ErrChannelNotFound, name)
	}

	r.mu.Lock()
	r.removed = true
	r.closing = true
	r.wake()
	r.mu.Unlock()
	return nil
}

// forget drops r from the registry unless it has since been replaced or a
// writer or reader has joined it after the caller left.
func (b *Backend) forget(r *ring) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rings[r.name] != r {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer || r.readers > 0 {
		return
	}
	r.removed = true
	delete(b.rings, r.name)
	log.Debug("Last user of %s gone, removed", r.name)
}
