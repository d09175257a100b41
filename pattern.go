package framepipe

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Bar colors, left to right.
var bars = [8][3]uint8{
	{235, 235, 235}, // white
	{235, 235, 16},  // yellow
	{16, 235, 235},  // cyan
	{16, 235, 16},   // green
	{235, 16, 235},  // magenta
	{235, 16, 16},   // red
	{16, 16, 235},   // blue
	{16, 16, 16},    // black
}

// TestPattern is a Producer of color bars that scroll a few pixels each
// frame. The returned frame is reused between calls.
type TestPattern struct {
	Width  int
	Height int
	Format PixelFormat

	// Frames per second. Zero produces frames as fast as they are read.
	Rate int

	// Frames to produce before io.EOF. Zero means no limit.
	Count int

	n     int
	start time.Time
	frame Frame
}

func NewTestPattern(width, height int, format PixelFormat, rate int) *TestPattern {
	return &TestPattern{
		Width:  width,
		Height: height,
		Format: format,
		Rate:   rate,
	}
}

// FrameSize is the payload size of each frame.
func (p *TestPattern) FrameSize() int {
	return p.Format.FrameSize(p.Width, p.Height, p.Format.MinStride(p.Width))
}

func (p *TestPattern) NextFrame(ctx context.Context) (*Frame, error) {
	if p.Count > 0 && p.n >= p.Count {
		return nil, io.EOF
	}
	if p.n == 0 {
		size := p.FrameSize()
		if size < 0 {
			return nil, errors.Wrapf(ErrFormat, "test pattern %dx%d %v", p.Width, p.Height, p.Format)
		}
		p.frame = Frame{
			Width:  p.Width,
			Height: p.Height,
			Stride: p.Format.MinStride(p.Width),
			Format: p.Format,
			Data:   make([]byte, size),
		}
		p.start = time.Now()
	}

	if p.Rate > 0 {
		due := p.start.Add(time.Duration(p.n) * time.Second / time.Duration(p.Rate))
		if d := time.Until(due); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		p.frame.Timestamp = uint64(p.n) * 1000000 / uint64(p.Rate)
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.frame.Timestamp = uint64(time.Since(p.start) / time.Microsecond)
	}

	p.render(p.n)
	p.n++
	return &p.frame, nil
}

func (p *TestPattern) barAt(x, shift int) [3]uint8 {
	return bars[((x+shift)%p.Width)*len(bars)/p.Width]
}

func rgbToYUV(c [3]uint8) (y, u, v uint8) {
	r, g, b := int(c[0]), int(c[1]), int(c[2])
	y = uint8((66*r+129*g+25*b+128)>>8 + 16)
	u = uint8((-38*r-74*g+112*b+128)>>8 + 128)
	v = uint8((112*r-94*g-18*b+128)>>8 + 128)
	return
}

func (p *TestPattern) render(n int) {
	f := &p.frame
	w, h, stride := f.Width, f.Height, f.Stride
	shift := (n * 4) % w
	data := f.Data

	switch f.Format {
	case RGBA32, BGRA32:
		for x := 0; x < w; x++ {
			c := p.barAt(x, shift)
			if f.Format == BGRA32 {
				c[0], c[2] = c[2], c[0]
			}
			px := data[4*x : 4*x+4]
			px[0], px[1], px[2], px[3] = c[0], c[1], c[2], 255
		}
		for y := 1; y < h; y++ {
			copy(data[y*stride:y*stride+4*w], data[:4*w])
		}

	case I420, NV12:
		ch := (h + 1) / 2
		luma := data[:stride*h]
		chroma := data[stride*h:]
		for x := 0; x < w; x++ {
			luma[x], _, _ = rgbToYUV(p.barAt(x, shift))
		}
		for y := 1; y < h; y++ {
			copy(luma[y*stride:y*stride+w], luma[:w])
		}

		if f.Format == I420 {
			cs := (stride + 1) / 2
			uPlane, vPlane := chroma[:cs*ch], chroma[cs*ch:]
			for cx := 0; cx < (w+1)/2; cx++ {
				_, uPlane[cx], vPlane[cx] = rgbToYUV(p.barAt(2*cx, shift))
			}
			for y := 1; y < ch; y++ {
				copy(uPlane[y*cs:y*cs+cs], uPlane[:cs])
				copy(vPlane[y*cs:y*cs+cs], vPlane[:cs])
			}
		} else {
			for cx := 0; 2*cx+1 < stride; cx++ {
				_, chroma[2*cx], chroma[2*cx+1] = rgbToYUV(p.barAt(2*cx, shift))
			}
			for y := 1; y < ch; y++ {
				copy(chroma[y*stride:y*stride+stride], chroma[:stride])
			}
		}
	}
}
