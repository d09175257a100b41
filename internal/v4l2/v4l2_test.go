//go:build linux && (amd64 || arm64)

package v4l2

import (
	"context"
	"os"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/framepipe"
)

func TestABISizes(t *testing.T) {
	assert.EqualValues(t, 48, unsafe.Sizeof(v4l2_pix_format{}))
	assert.EqualValues(t, 208, unsafe.Sizeof(v4l2_format{}))
	assert.EqualValues(t, 20, unsafe.Sizeof(v4l2_requestbuffers{}))
	assert.EqualValues(t, 88, unsafe.Sizeof(v4l2_buffer{}))
	assert.EqualValues(t, 64, unsafe.Offsetof(v4l2_buffer{}.m))
	assert.EqualValues(t, 72, unsafe.Offsetof(v4l2_buffer{}.length))
}

func TestPixelFormatCodes(t *testing.T) {
	code, ok := pixelFormatCode(framepipe.I420)
	require.True(t, ok)
	assert.Equal(t, "YU12", fourccString(code))
	assert.EqualValues(t, 0x32315559, code)

	code, ok = pixelFormatCode(framepipe.NV12)
	require.True(t, ok)
	assert.Equal(t, "NV12", fourccString(code))

	_, ok = pixelFormatCode(framepipe.PixelFormat(99))
	assert.False(t, ok)
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open("/dev/does-not-exist", Config{})
	assert.Error(t, err)

	_, err = Open("/dev/null", Config{Format: framepipe.PixelFormat(99)})
	assert.True(t, errors.Is(err, framepipe.ErrFormat), "got %v", err)
}

// Needs a real capture device, named by FRAMEPIPE_V4L2_DEVICE.
func TestCapture(t *testing.T) {
	path := os.Getenv("FRAMEPIPE_V4L2_DEVICE")
	if path == "" {
		t.Skip("FRAMEPIPE_V4L2_DEVICE not set")
	}

	cam, err := Open(path, Config{Width: 640, Height: 480})
	require.NoError(t, err)
	defer cam.Close()

	layout := cam.Layout(3)
	for i := 0; i < 5; i++ {
		f, err := cam.NextFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cam.Width(), f.Width)
		assert.LessOrEqual(t, len(f.Data), layout.SlotBytes)
	}
}
