package framepipe

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestPatternFormats(t *testing.T) {
	for _, format := range []PixelFormat{RGBA32, BGRA32, I420, NV12} {
		t.Run(format.String(), func(t *testing.T) {
			p := NewTestPattern(33, 17, format, 0)
			f, err := p.NextFrame(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 33, f.Width)
			assert.Equal(t, 17, f.Height)
			assert.Equal(t, format, f.Format)
			assert.Equal(t, p.FrameSize(), len(f.Data))
			assert.NoError(t, Layout{Slots: 2, SlotBytes: len(f.Data), Format: format}.CheckFrame(f.header(1)))

			first := append([]byte(nil), f.Data...)
			f, err = p.NextFrame(context.Background())
			require.NoError(t, err)
			assert.NotEqual(t, first, f.Data, "pattern should move")
		})
	}
}

func TestTestPatternRGBA(t *testing.T) {
	p := NewTestPattern(8, 2, RGBA32, 0)
	f, err := p.NextFrame(context.Background())
	require.NoError(t, err)

	// One pixel per bar, white first and black last.
	assert.Equal(t, []byte{235, 235, 235, 255}, f.Data[0:4])
	assert.Equal(t, []byte{16, 16, 16, 255}, f.Data[28:32])
	assert.Equal(t, f.Data[:32], f.Data[32:64])

	p = NewTestPattern(8, 1, BGRA32, 0)
	f, err = p.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{16, 235, 235, 255}, f.Data[4:8]) // yellow, blue first
}

func TestTestPatternCount(t *testing.T) {
	p := NewTestPattern(4, 4, RGBA32, 0)
	p.Count = 2
	for i := 0; i < 2; i++ {
		_, err := p.NextFrame(context.Background())
		require.NoError(t, err)
	}
	_, err := p.NextFrame(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestTestPatternRate(t *testing.T) {
	p := NewTestPattern(4, 4, RGBA32, 100)
	var stamps []uint64
	start := time.Now()
	for i := 0; i < 3; i++ {
		f, err := p.NextFrame(context.Background())
		require.NoError(t, err)
		stamps = append(stamps, f.Timestamp)
	}
	assert.Equal(t, []uint64{0, 10000, 20000}, stamps)
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p = NewTestPattern(4, 4, RGBA32, 1)
	_, err := p.NextFrame(ctx)
	require.NoError(t, err) // first frame is due immediately
	_, err = p.NextFrame(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestTestPatternBadGeometry(t *testing.T) {
	_, err := NewTestPattern(0, 4, RGBA32, 0).NextFrame(context.Background())
	assert.Error(t, err)
}
