package channel

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// PixelFormat identifies the memory layout of a frame's pixels. The values
// are part of the shared segment layout and must not be renumbered.
type PixelFormat uint32

const (
	FormatUnknown PixelFormat = iota
	RGBA32
	BGRA32
	I420
	NV12
)

func (f PixelFormat) String() string {
	switch f {
	case RGBA32:
		return "RGBA32"
	case BGRA32:
		return "BGRA32"
	case I420:
		return "I420"
	case NV12:
		return "NV12"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint32(f))
	}
}

// ParsePixelFormat is the inverse of String for the known formats.
func ParsePixelFormat(s string) (PixelFormat, error) {
	for f := RGBA32; f <= NV12; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return FormatUnknown, errors.Errorf("unknown pixel format %q", s)
}

// MinStride is the smallest luma/packed row stride for the given width.
func (f PixelFormat) MinStride(width int) int {
	switch f {
	case RGBA32, BGRA32:
		return 4 * width
	case I420, NV12:
		return width
	default:
		return 0
	}
}

// MaxDimension bounds width, height and stride. Channels store them as
// 32-bit values.
const MaxDimension = math.MaxUint32

// FrameSize is the number of payload bytes of a frame with the given
// geometry. Planar formats use a chroma stride of stride/2 (I420) or stride
// (NV12, interleaved UV) and chroma height of ceil(height/2). It returns -1
// for an invalid geometry or one whose size doesn't fit in an int.
func (f PixelFormat) FrameSize(width, height, stride int) int {
	if width <= 0 || height <= 0 || int64(width) > MaxDimension || int64(height) > MaxDimension || int64(stride) > MaxDimension {
		return -1
	}
	w, h, s := int64(width), int64(height), int64(stride)

	var minStride int64
	switch f {
	case RGBA32, BGRA32:
		minStride = 4 * w
	case I420, NV12:
		minStride = w
	default:
		return -1
	}
	// Every format needs at most 4*s*h bytes; keep that within int64.
	if s < minStride || s > math.MaxInt64/(4*h) {
		return -1
	}

	ch := (h + 1) / 2
	var n int64
	switch f {
	case RGBA32, BGRA32:
		n = s * h
	case I420:
		n = s*h + 2*((s+1)/2)*ch
	case NV12:
		n = s*h + s*ch
	}
	if n > math.MaxInt {
		return -1
	}
	return int(n)
}
