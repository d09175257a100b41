//go:build !(linux && (amd64 || arm64))

package v4l2

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lanikai/framepipe"
)

var errUnsupported = errors.New("V4L2 capture is not supported on this platform")

// Camera is unavailable on this platform.
type Camera struct{}

func Open(path string, cfg Config) (*Camera, error) {
	return nil, errUnsupported
}

func (c *Camera) Layout(slots int) framepipe.Layout { return framepipe.Layout{} }
func (c *Camera) Width() int                        { return 0 }
func (c *Camera) Height() int                       { return 0 }

func (c *Camera) NextFrame(ctx context.Context) (*framepipe.Frame, error) {
	return nil, errUnsupported
}

func (c *Camera) Close() error { return nil }
