package framepipe

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/inproc"
	"github.com/lanikai/framepipe/internal/shm"
)

// SharedMemory returns a backend keeping channels in named shared memory
// segments inside dir (default /dev/shm).
func SharedMemory(dir string) Backend {
	return shm.New(dir)
}

// InProcess returns the process-wide in-process backend.
func InProcess() Backend {
	return inproc.Default
}

// Open a backend by its "backend spec". A backend spec is a colon-separated
// string consisting of a backend tag and an optional argument:
//    backendSpec = backendTag [ ":" argument ]
// The meaning of the argument is defined by the registered OpenFunc; for
// "shm" it is the segment directory.
func OpenBackend(spec string) (Backend, error) {
	parts := strings.SplitN(spec, ":", 2)
	var tag, arg string
	tag = parts[0]
	if len(parts) == 2 {
		arg = parts[1]
	}

	registryMu.RLock()
	open, found := registry[tag]
	registryMu.RUnlock()
	if !found {
		return nil, errors.Errorf("backend type '%s' not registered (have %v)", tag, BackendTypes())
	}
	return open(arg)
}

// A function used to open a specific backend type.
type OpenFunc func(arg string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]OpenFunc{}
)

// Register a backend type, identified by its tag.
func RegisterBackend(tag string, open OpenFunc) {
	registryMu.Lock()
	registry[tag] = open
	registryMu.Unlock()
	log.Trace(1, "Registered backend type '%s'", tag)
}

// BackendTypes lists registered backend tags.
func BackendTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var tags []string
	for t := range registry {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func init() {
	RegisterBackend("shm", func(dir string) (Backend, error) {
		return shm.New(dir), nil
	})
	RegisterBackend("inproc", func(arg string) (Backend, error) {
		if arg != "" {
			return nil, errors.Errorf("inproc backend takes no argument, got %q", arg)
		}
		return inproc.Default, nil
	})
}
