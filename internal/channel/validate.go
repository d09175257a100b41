package channel

import (
	"github.com/pkg/errors"
)

// MaxSlots bounds the ring so a corrupt control block can't make us map
// absurd amounts of memory.
const MaxSlots = 1024

// Validate checks a layout passed to Create.
func (l Layout) Validate() error {
	if l.Slots < MinSlots || l.Slots > MaxSlots {
		return errors.Wrapf(ErrChannelCreate, "slot count %d not in [%d, %d]", l.Slots, MinSlots, MaxSlots)
	}
	if l.SlotBytes <= 0 || int64(l.SlotBytes) > int64(^uint32(0)) {
		return errors.Wrapf(ErrChannelCreate, "invalid slot capacity %d", l.SlotBytes)
	}
	if l.Format < RGBA32 || l.Format > NV12 {
		return errors.Wrapf(ErrChannelCreate, "invalid pixel format %v", l.Format)
	}
	return nil
}

// CheckFrame validates the geometry of a frame about to be written into a
// channel with layout l.
func (l Layout) CheckFrame(h Header) error {
	if h.Format != l.Format {
		return errors.Wrapf(ErrFormat, "frame is %v, channel carries %v", h.Format, l.Format)
	}
	size := h.Format.FrameSize(h.Width, h.Height, h.Stride)
	if size < 0 {
		return errors.Wrapf(ErrFormat, "bad geometry %dx%d stride %d", h.Width, h.Height, h.Stride)
	}
	if h.Length < size {
		return errors.Wrapf(ErrFormat, "payload %d bytes, %dx%d %v needs %d", h.Length, h.Width, h.Height, h.Format, size)
	}
	if h.Length > l.SlotBytes {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes exceeds slot capacity %d", h.Length, l.SlotBytes)
	}
	return nil
}
