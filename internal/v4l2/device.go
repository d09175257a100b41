//go:build linux && (amd64 || arm64)

package v4l2

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// A V4L2 character device.
type device struct {
	// Device path, usually "/dev/video0".
	path string

	// File descriptor of v4l2 device, opened non-blocking.
	fd int

	// Memory-mapped capture buffers, indexed like the driver's.
	buffers [][]byte
}

func openDevice(path string) (*device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	return &device{
		path: path,
		fd:   fd,
	}, nil
}

func (dev *device) close() error {
	if err := dev.stop(); err != nil {
		unix.Close(dev.fd)
		return err
	}

	return unix.Close(dev.fd)
}

func (dev *device) ioctl(request uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			uintptr(dev.fd),
			request,
			uintptr(arg),
		)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// setPixelFormat asks for a capture format and returns what the driver
// actually chose.
func (dev *device) setPixelFormat(width, height, code uint32) (v4l2_pix_format, error) {
	f := v4l2_format{typ: V4L2_BUF_TYPE_VIDEO_CAPTURE}
	*f.pix() = v4l2_pix_format{
		width:       width,
		height:      height,
		pixelformat: code,
		field:       V4L2_FIELD_ANY,
	}
	if err := dev.ioctl(VIDIOC_S_FMT, unsafe.Pointer(&f)); err != nil {
		return v4l2_pix_format{}, errors.Wrap(err, "VIDIOC_S_FMT")
	}
	return *f.pix(), nil
}

// Request kernel buffers memory-mapped to user-space. Returns the number the
// driver granted.
func (dev *device) requestBuffers(n int) (int, error) {
	rb := v4l2_requestbuffers{
		count:  uint32(n),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err := dev.ioctl(VIDIOC_REQBUFS, unsafe.Pointer(&rb)); err != nil {
		return 0, errors.Wrap(err, "VIDIOC_REQBUFS")
	}
	return int(rb.count), nil
}

// Query buffer parameters.
func (dev *device) queryBuffer(n int) (length, offset uint32, err error) {
	qb := v4l2_buffer{
		index:  uint32(n),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err = dev.ioctl(VIDIOC_QUERYBUF, unsafe.Pointer(&qb)); err != nil {
		return 0, 0, errors.Wrap(err, "VIDIOC_QUERYBUF")
	}
	return qb.length, uint32(qb.m), nil
}

func (dev *device) mapMemory(n int) error {
	if dev.buffers != nil {
		panic("v4l2 device: memory already mapped")
	}

	granted, err := dev.requestBuffers(n)
	if err != nil {
		return err
	}
	if granted < 2 {
		return errors.Errorf("%s: driver granted %d buffers, need 2", dev.path, granted)
	}

	for i := 0; i < granted; i++ {
		length, offset, err := dev.queryBuffer(i)
		if err != nil {
			return err
		}
		buf, err := unix.Mmap(dev.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return errors.Wrapf(err, "mmap buffer %d", i)
		}
		dev.buffers = append(dev.buffers, buf)
	}
	return nil
}

func (dev *device) unmapMemory() error {
	if dev.buffers == nil {
		return nil
	}
	for _, buf := range dev.buffers {
		if err := unix.Munmap(buf); err != nil {
			return err
		}
	}
	dev.buffers = nil

	_, err := dev.requestBuffers(0)
	return err
}

func (dev *device) enqueue(index int) error {
	qbuf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
		index:  uint32(index),
	}
	return dev.ioctl(VIDIOC_QBUF, unsafe.Pointer(&qbuf))
}

// dequeue takes a filled buffer from the driver. It returns unix.EAGAIN if
// none is ready.
func (dev *device) dequeue() (index, n int, timestamp uint64, err error) {
	dqbuf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err = dev.ioctl(VIDIOC_DQBUF, unsafe.Pointer(&dqbuf)); err != nil {
		return 0, 0, 0, err
	}
	ts := dqbuf.timestamp
	return int(dqbuf.index), int(dqbuf.bytesused), uint64(ts.Sec)*1000000 + uint64(ts.Usec), nil
}

// wait blocks until a buffer can be dequeued or the timeout elapses.
func (dev *device) wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(dev.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "poll")
	}
	if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return false, errors.Errorf("%s: device error", dev.path)
	}
	return n > 0, nil
}

// Start video capture.
func (dev *device) start(buffers int) error {
	if err := dev.mapMemory(buffers); err != nil {
		return err
	}

	for i := range dev.buffers {
		if err := dev.enqueue(i); err != nil {
			return errors.Wrap(err, "VIDIOC_QBUF")
		}
	}

	typ := uint32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	return errors.Wrap(dev.ioctl(VIDIOC_STREAMON, unsafe.Pointer(&typ)), "VIDIOC_STREAMON")
}

// Stop video capture.
func (dev *device) stop() error {
	if dev.buffers == nil {
		return nil
	}

	// Disable stream (dequeues any outstanding buffers as well).
	typ := uint32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := dev.ioctl(VIDIOC_STREAMOFF, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrap(err, "VIDIOC_STREAMOFF")
	}

	return dev.unmapMemory()
}
