package v4l2

import (
	"github.com/lanikai/framepipe"
	"github.com/lanikai/framepipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("v4l2")

type Config struct {
	Width  int // Requested width in pixels; the driver may adjust it
	Height int // Requested height in pixels; the driver may adjust it

	// Pixel format to capture. The device must support it natively, no
	// conversion is done.
	Format framepipe.PixelFormat

	// Number of kernel capture buffers. At least 2, since one is always
	// lent out to the consumer of the last frame.
	Buffers int
}

func (c *Config) setDefaults() {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.Format == 0 {
		c.Format = framepipe.I420
	}
	if c.Buffers < 2 {
		c.Buffers = 4
	}
}

// fourcc builds a V4L2 pixel format code.
func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	pixFmtYUV420 = fourcc('Y', 'U', '1', '2')
	pixFmtNV12   = fourcc('N', 'V', '1', '2')
	pixFmtRGBA32 = fourcc('A', 'B', '2', '4') // R, G, B, A in memory
	pixFmtBGRA32 = fourcc('A', 'R', '2', '4') // B, G, R, A in memory
)

// pixelFormatCode maps a frame format to the V4L2 code with the same memory
// layout.
func pixelFormatCode(f framepipe.PixelFormat) (uint32, bool) {
	switch f {
	case framepipe.I420:
		return pixFmtYUV420, true
	case framepipe.NV12:
		return pixFmtNV12, true
	case framepipe.RGBA32:
		return pixFmtRGBA32, true
	case framepipe.BGRA32:
		return pixFmtBGRA32, true
	default:
		return 0, false
	}
}

func fourccString(code uint32) string {
	return string([]byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)})
}
