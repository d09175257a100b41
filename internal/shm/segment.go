//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/framepipe/internal/channel"
)

// Segment files are named with this prefix inside the backend directory so
// they don't collide with other users of /dev/shm.
const filePrefix = "framepipe."

// defaultDir is tmpfs-backed /dev/shm when present, otherwise the temp dir
// (file-backed, but still shared through the page cache).
func defaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") || strings.HasPrefix(name, ".") {
		return errors.Errorf("invalid segment name %q", name)
	}
	return nil
}

func segmentPath(dir, name string) string {
	return filepath.Join(dir, filePrefix+name)
}

// openFile opens (and with create, exclusively creates) the segment file.
func openFile(path string, create bool) (fd int, created bool, err error) {
	if create {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
		if err == nil {
			return fd, true, nil
		}
		if err != unix.EEXIST {
			return -1, false, err
		}
	}
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	return fd, false, err
}

func fileSize(fd int) (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	return int(st.Size), nil
}

// mapFile maps size bytes of fd shared and read-write. The descriptor is not
// needed after mapping; the mapping keeps the segment alive.
func mapFile(fd, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrap(channel.ErrChannelNotFound, "empty segment")
	}
	return unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmap(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

func unlink(path string) error {
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
