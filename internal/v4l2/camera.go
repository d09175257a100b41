//go:build linux && (amd64 || arm64)

package v4l2

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/framepipe"
)

// How long a single poll may block, so cancellation is noticed.
const pollInterval = 50 * time.Millisecond

// Camera is a framepipe.Producer capturing raw frames from a V4L2 device.
// Each frame points straight into a driver buffer, which is handed back to
// the driver on the following NextFrame call.
type Camera struct {
	dev   *device
	frame framepipe.Frame
	size  int

	// Buffer lent out with the last frame, or -1.
	held int
}

// Open a V4L2 video device (usually /dev/video0) and start capturing.
func Open(path string, cfg Config) (*Camera, error) {
	cfg.setDefaults()
	code, ok := pixelFormatCode(cfg.Format)
	if !ok {
		return nil, errors.Wrapf(framepipe.ErrFormat, "no V4L2 equivalent of %v", cfg.Format)
	}

	dev, err := openDevice(path)
	if err != nil {
		return nil, err
	}

	pix, err := dev.setPixelFormat(uint32(cfg.Width), uint32(cfg.Height), code)
	if err != nil {
		dev.close()
		return nil, err
	}
	if pix.pixelformat != code {
		dev.close()
		return nil, errors.Wrapf(framepipe.ErrFormat, "%s offers %s, not %s", path, fourccString(pix.pixelformat), fourccString(code))
	}

	width, height := int(pix.width), int(pix.height)
	stride := int(pix.bytesperline)
	if stride == 0 {
		stride = cfg.Format.MinStride(width)
	}
	size := cfg.Format.FrameSize(width, height, stride)
	if size < 0 {
		dev.close()
		return nil, errors.Wrapf(framepipe.ErrFormat, "%s negotiated %dx%d stride %d", path, width, height, stride)
	}
	if int(pix.sizeimage) > size {
		size = int(pix.sizeimage)
	}

	if err := dev.start(cfg.Buffers); err != nil {
		dev.close()
		return nil, err
	}
	log.Info("Capturing %dx%d %v from %s (%d buffers)", width, height, cfg.Format, path, len(dev.buffers))

	return &Camera{
		dev: dev,
		frame: framepipe.Frame{
			Width:  width,
			Height: height,
			Stride: stride,
			Format: cfg.Format,
		},
		size: size,
		held: -1,
	}, nil
}

// Layout returns a channel layout large enough for this camera's frames.
func (c *Camera) Layout(slots int) framepipe.Layout {
	return framepipe.Layout{Slots: slots, SlotBytes: c.size, Format: c.frame.Format}
}

func (c *Camera) Width() int  { return c.frame.Width }
func (c *Camera) Height() int { return c.frame.Height }

// NextFrame returns the next captured frame. Its data is only valid until
// the next call.
func (c *Camera) NextFrame(ctx context.Context) (*framepipe.Frame, error) {
	if c.held >= 0 {
		if err := c.dev.enqueue(c.held); err != nil {
			return nil, errors.Wrap(err, "VIDIOC_QBUF")
		}
		c.held = -1
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		index, n, ts, err := c.dev.dequeue()
		switch err {
		case nil:
		case unix.EAGAIN:
			if _, err := c.dev.wait(pollInterval); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, errors.Wrap(err, "VIDIOC_DQBUF")
		}

		if index < 0 || index >= len(c.dev.buffers) {
			return nil, errors.Errorf("driver returned buffer %d of %d", index, len(c.dev.buffers))
		}
		buf := c.dev.buffers[index]
		if n <= 0 || n > len(buf) {
			n = len(buf)
		}

		c.held = index
		c.frame.Data = buf[:n]
		c.frame.Timestamp = ts
		return &c.frame, nil
	}
}

// Close stops capture and releases the device.
func (c *Camera) Close() error {
	c.held = -1
	c.frame.Data = nil
	return c.dev.close()
}
