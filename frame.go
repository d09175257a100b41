package framepipe

import (
	"context"

	"github.com/lanikai/framepipe/internal/channel"
)

type (
	PixelFormat = channel.PixelFormat
	Layout      = channel.Layout
	Control     = channel.Control
	Backend     = channel.Backend
	Channel     = channel.Channel
	Slot        = channel.Slot
)

const (
	RGBA32 = channel.RGBA32
	BGRA32 = channel.BGRA32
	I420   = channel.I420
	NV12   = channel.NV12
)

// ParsePixelFormat parses a format name such as "RGBA32".
func ParsePixelFormat(s string) (PixelFormat, error) {
	return channel.ParsePixelFormat(s)
}

// A Frame is one raw video picture.
type Frame struct {
	Width  int
	Height int
	Stride int // Bytes per row of the first plane
	Format PixelFormat

	// Capture time in microseconds, as supplied by the producer.
	Timestamp uint64

	// Channel sequence number. Set on frames delivered by a Reader.
	Sequence uint64

	Data []byte
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

func (f *Frame) header(seq uint64) channel.Header {
	return channel.Header{
		Sequence:  seq,
		Width:     f.Width,
		Height:    f.Height,
		Stride:    f.Stride,
		Length:    len(f.Data),
		Format:    f.Format,
		Timestamp: f.Timestamp,
	}
}

// A Producer supplies captured frames to a Writer.
type Producer interface {
	// NextFrame blocks until the next frame is captured. It returns io.EOF at
	// the end of the stream. The frame need only stay valid until the next
	// call.
	NextFrame(ctx context.Context) (*Frame, error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context) (*Frame, error)

func (fn ProducerFunc) NextFrame(ctx context.Context) (*Frame, error) {
	return fn(ctx)
}

// A Sink consumes frames delivered by a Reader (or previewed by a Writer).
type Sink interface {
	// WriteFrame handles one frame. The frame and its data are only valid for
	// the duration of the call; a sink that keeps them must copy.
	WriteFrame(f *Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(f *Frame) error

func (fn SinkFunc) WriteFrame(f *Frame) error {
	return fn(f)
}
