//go:build unix

// Package shm implements frame channels in a named shared memory segment, for
// a writer and readers living in different processes.
package shm

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/framepipe/internal/channel"
	"github.com/lanikai/framepipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("shm")

// DefaultStaleAfter is how long a writer may go without a heartbeat before
// another writer is allowed to take over its segment.
const DefaultStaleAfter = 2 * time.Second

// Backend creates channels as files in a shared memory directory.
type Backend struct {
	// Directory holding segment files. Defaults to /dev/shm.
	Dir string

	// A segment whose writer has been silent this long may be taken over by
	// Create.
	StaleAfter time.Duration
}

// New returns a backend rooted at dir, or at the default shared memory
// directory when dir is empty.
func New(dir string) *Backend {
	if dir == "" {
		dir = defaultDir()
	}
	return &Backend{Dir: dir, StaleAfter: DefaultStaleAfter}
}

func (b *Backend) Name() string { return "shm" }

// Path returns the file backing the named segment.
func (b *Backend) Path(name string) string {
	return segmentPath(b.Dir, name)
}

// errUnlinking reports a segment whose last user is removing it. Create
// waits for the file to go away and makes a fresh one.
var errUnlinking = errors.New("segment is being removed")

// Create makes a new segment, or re-initializes one left behind with a
// compatible layout. An existing segment with a live writer or a different
// layout is refused.
func (b *Backend) Create(name string, layout channel.Layout) (channel.Channel, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, errors.Wrap(channel.ErrChannelCreate, err.Error())
	}

	path := b.Path(name)
	deadline := time.Now().Add(b.StaleAfter)
	for {
		mem, gen, err := b.create(path, layout)
		if err == errUnlinking {
			if time.Now().After(deadline) {
				// The process removing it died before the unlink.
				log.Warn("Removing abandoned segment %s", path)
				unlink(path)
				deadline = time.Now().Add(b.StaleAfter)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return nil, err
		}

		cb := control(mem)
		id := uuid.New()
		cb.writerID = [16]byte(id)
		atomic.StoreUint32(&cb.writerPID, uint32(os.Getpid()))
		atomic.StoreUint32(&cb.closing, 0)

		log.Info("Writer %s attached to %s (generation %d)", id, name, gen)

		return &shmChannel{
			name:    name,
			path:    path,
			creator: true,
			layout:  layout,
			mem:     mem,
			gen:     gen,
			cursor:  int(atomic.LoadUint32(&cb.cursor)) % layout.Slots,
		}, nil
	}
}

// create opens or creates the segment file and claims its writer word.
func (b *Backend) create(path string, layout channel.Layout) ([]byte, uint64, error) {
	fd, created, err := openFile(path, true)
	if err != nil {
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "open %s: %v", path, err)
	}
	defer unix.Close(fd)

	if !created {
		return b.takeOver(fd, path, layout)
	}

	size := segmentSize(layout)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unlink(path)
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "truncate %s to %d: %v", path, size, err)
	}
	mem, err := mapFile(fd, size)
	if err != nil {
		unlink(path)
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "mmap %s: %v", path, err)
	}
	initControl(mem, layout)
	log.Debug("Created segment %s: %d slots x %d bytes, %v", path, layout.Slots, layout.SlotBytes, layout.Format)

	// Nobody else can own a file we just created exclusively.
	cb := control(mem)
	atomic.StoreUint64(&cb.heartbeat, uint64(time.Now().UnixNano()/1000))
	gen := atomic.LoadUint64(&cb.generation) + 1
	atomic.StoreUint32(&cb.writer, ownerTag(gen))
	atomic.StoreUint64(&cb.generation, gen)
	return mem, gen, nil
}

// takeOver maps an existing segment for a restarted writer.
func (b *Backend) takeOver(fd int, path string, layout channel.Layout) ([]byte, uint64, error) {
	size, err := fileSize(fd)
	if err != nil {
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "stat %s: %v", path, err)
	}

	// A zero-length file is a creator that died before sizing it.
	if size == 0 {
		size = segmentSize(layout)
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "truncate %s: %v", path, err)
		}
	}

	mem, err := mapFile(fd, size)
	if err != nil {
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "mmap %s: %v", path, err)
	}

	existing, err := readLayout(mem)
	switch {
	case errors.Is(err, channel.ErrChannelNotFound) && size >= segmentSize(layout):
		// Never finished initializing; claim it.
		initControl(mem, layout)
		existing = layout
	case err != nil:
		unmap(mem)
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "%s in use: %v", path, err)
	case existing != layout:
		unmap(mem)
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "%s in use with layout %+v, want %+v", path, existing, layout)
	}

	cb := control(mem)
	owner := atomic.LoadUint32(&cb.writer)
	if owner == writerUnlinking {
		unmap(mem)
		return nil, 0, errUnlinking
	}
	ctl := readControl(mem, existing)
	if owner != writerNone && time.Since(ctl.Heartbeat) < b.StaleAfter {
		unmap(mem)
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "%s has a live writer (pid %d)", path, ctl.WriterPID)
	}

	// Refresh the heartbeat before claiming, so a concurrent Create sees a
	// live writer rather than the stale one.
	atomic.StoreUint64(&cb.heartbeat, uint64(time.Now().UnixNano()/1000))
	gen := ctl.Generation + 1
	if !atomic.CompareAndSwapUint32(&cb.writer, owner, ownerTag(gen)) {
		unmap(mem)
		if atomic.LoadUint32(&cb.writer) == writerUnlinking {
			return nil, 0, errUnlinking
		}
		return nil, 0, errors.Wrapf(channel.ErrChannelCreate, "%s claimed by another writer", path)
	}
	atomic.StoreUint64(&cb.generation, gen)

	// Slots a dead writer left half written are unreadable; recycle them.
	for i := 0; i < layout.Slots; i++ {
		hdr, _ := slotAt(mem, layout, i)
		if w := hdr.load(); w.state() == channel.Writing {
			atomic.StoreUint64(&hdr.sequence, 0)
			hdr.cas(w, makeState(channel.Free, 0))
		}
	}

	log.Info("Taking over segment %s from writer pid %d (generation %d)", path, ctl.WriterPID, ctl.Generation)
	return mem, gen, nil
}

// Attach maps an existing segment as a reader.
func (b *Backend) Attach(name string, expect channel.Layout) (channel.Channel, error) {
	mem, layout, err := b.open(name)
	if err != nil {
		return nil, err
	}

	if !layout.Matches(expect) {
		unmap(mem)
		return nil, errors.Wrapf(channel.ErrChannelIncompatible, "%s has layout %+v, want %+v", name, layout, expect)
	}

	n := atomic.AddUint32(&control(mem).readers, 1)
	log.Debug("Reader attached to %s (%d readers)", name, n)

	return &shmChannel{
		name:   name,
		path:   b.Path(name),
		layout: layout,
		mem:    mem,
	}, nil
}

func (b *Backend) open(name string) ([]byte, channel.Layout, error) {
	if err := checkName(name); err != nil {
		return nil, channel.Layout{}, errors.Wrap(channel.ErrChannelNotFound, err.Error())
	}

	path := b.Path(name)
	fd, _, err := openFile(path, false)
	if err != nil {
		if err == unix.ENOENT {
			return nil, channel.Layout{}, errors.Wrap(channel.ErrChannelNotFound, path)
		}
		return nil, channel.Layout{}, errors.Wrapf(err, "open %s", path)
	}
	defer unix.Close(fd)

	size, err := fileSize(fd)
	if err != nil {
		return nil, channel.Layout{}, errors.Wrapf(err, "stat %s", path)
	}
	// An empty file is a writer still setting up; mapFile reports it as
	// not found.
	mem, err := mapFile(fd, size)
	if err != nil {
		return nil, channel.Layout{}, errors.Wrapf(err, "mmap %s", path)
	}

	layout, err := readLayout(mem)
	if err != nil {
		unmap(mem)
		return nil, channel.Layout{}, err
	}
	return mem, layout, nil
}

// Inspect returns the control block of a segment without attaching to it.
func (b *Backend) Inspect(name string) (channel.Control, error) {
	mem, layout, err := b.open(name)
	if err != nil {
		return channel.Control{}, err
	}
	defer unmap(mem)
	return readControl(mem, layout), nil
}

// Remove unlinks the segment. Processes that still have it mapped keep
// working on their mapping; new attaches fail.
func (b *Backend) Remove(name string) error {
	if err := checkName(name); err != nil {
		return errors.Wrap(channel.ErrChannelNotFound, err.Error())
	}
	path := b.Path(name)
	if err := unix.Unlink(path); err != nil {
		if err == unix.ENOENT {
			return errors.Wrap(channel.ErrChannelNotFound, path)
		}
		return errors.Wrapf(err, "unlink %s", path)
	}
	log.Debug("Removed segment %s", path)
	return nil
}
