//go:build !unix

// Package shm implements frame channels in a named shared memory segment, for
// a writer and readers living in different processes.
package shm

import (
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/channel"
)

const DefaultStaleAfter = 2 * time.Second

var errUnsupported = errors.New("shared memory channels not supported on this platform")

// Backend is unavailable on this platform; every operation fails.
type Backend struct {
	Dir        string
	StaleAfter time.Duration
}

func New(dir string) *Backend {
	return &Backend{Dir: dir, StaleAfter: DefaultStaleAfter}
}

func (b *Backend) Name() string { return "shm" }

func (b *Backend) Path(name string) string { return name }

func (b *Backend) Create(name string, layout channel.Layout) (channel.Channel, error) {
	return nil, errors.Wrap(channel.ErrChannelCreate, errUnsupported.Error())
}

func (b *Backend) Attach(name string, expect channel.Layout) (channel.Channel, error) {
	return nil, errors.Wrap(channel.ErrChannelNotFound, errUnsupported.Error())
}

func (b *Backend) Inspect(name string) (channel.Control, error) {
	return channel.Control{}, errors.Wrap(channel.ErrChannelNotFound, errUnsupported.Error())
}

func (b *Backend) Remove(name string) error {
	return errUnsupported
}
