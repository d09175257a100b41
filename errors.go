package framepipe

import (
	"github.com/pkg/errors"

	"github.com/lanikai/framepipe/internal/channel"
)

// Test with errors.Is; returned errors usually wrap these with detail.
var (
	ErrChannelCreate       = channel.ErrChannelCreate
	ErrChannelNotFound     = channel.ErrChannelNotFound
	ErrChannelIncompatible = channel.ErrChannelIncompatible
	ErrChannelClosing      = channel.ErrChannelClosing
	ErrFrameTooLarge       = channel.ErrFrameTooLarge
	ErrFormat              = channel.ErrFormat
	ErrNoFreeSlot          = channel.ErrNoFreeSlot
	ErrSequence            = channel.ErrSequence
	ErrTimedOut            = channel.ErrTimedOut
	ErrProducerLost        = channel.ErrProducerLost
	ErrAttachFailed        = channel.ErrAttachFailed
	ErrClosed              = channel.ErrClosed

	ErrNotStarted = errors.New("not started")
)
