package channel

import (
	"math"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFrameSize(t *testing.T) {
	tests := []struct {
		format                PixelFormat
		width, height, stride int
		size                  int
	}{
		{RGBA32, 640, 480, 2560, 640 * 480 * 4},
		{BGRA32, 2, 2, 16, 32},
		{I420, 4, 4, 4, 16 + 2*2*2},
		{I420, 3, 3, 3, 9 + 2*2*2},
		{NV12, 4, 4, 4, 16 + 4*2},
		{NV12, 4, 3, 4, 12 + 4*2},

		// Invalid geometry.
		{RGBA32, 0, 480, 2560, -1},
		{RGBA32, 640, -1, 2560, -1},
		{RGBA32, 640, 480, 100, -1},
		{FormatUnknown, 640, 480, 2560, -1},
		{RGBA32, math.MaxInt, math.MaxInt, math.MaxInt, -1},
		{I420, 1 << 20, 1 << 20, math.MaxInt, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.size, tt.format.FrameSize(tt.width, tt.height, tt.stride),
			"%v %dx%d stride %d", tt.format, tt.width, tt.height, tt.stride)
	}
}

func TestFrameSizeBeyond32Bits(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("needs 64-bit int")
	}
	var big int64 = MaxDimension + 1

	// stride*height wraps to zero in 64-bit arithmetic.
	assert.Equal(t, -1, RGBA32.FrameSize(int(big), 1<<30, int(big)*4))
	assert.Equal(t, -1, RGBA32.FrameSize(1, int(big), 4))
	assert.Equal(t, -1, RGBA32.FrameSize(1, 1, int(big)))

	// The largest stored dimensions still work when the size fits.
	largest := int(big - 1)
	assert.Equal(t, 2*largest, NV12.FrameSize(largest, 1, largest))
}

func TestCheckFrameGeometryBounds(t *testing.T) {
	l := Layout{Slots: 2, SlotBytes: 1024, Format: RGBA32}

	err := l.CheckFrame(Header{Width: math.MaxInt, Height: math.MaxInt, Stride: math.MaxInt, Format: RGBA32})
	assert.True(t, errors.Is(err, ErrFormat), "got %v", err)

	err = l.CheckFrame(Header{Width: 16, Height: 16, Stride: 64, Length: 1024, Format: RGBA32})
	assert.NoError(t, err)
}
