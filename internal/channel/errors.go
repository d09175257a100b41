package channel

import "github.com/pkg/errors"

var (
	// Channel lifecycle. Fatal to the attaching side.
	ErrChannelCreate       = errors.New("channel create failed")
	ErrChannelNotFound     = errors.New("channel not found")
	ErrChannelIncompatible = errors.New("channel incompatible")

	// Per-frame. The frame is dropped and the stream continues.
	ErrFrameTooLarge = errors.New("frame too large")
	ErrFormat        = errors.New("frame format mismatch")
	ErrNoFreeSlot    = errors.New("no free slot")
	ErrSequence      = errors.New("sequence not increasing")

	// Reader side.
	ErrTimedOut       = errors.New("timed out")
	ErrChannelClosing = errors.New("channel closing")
	ErrProducerLost   = errors.New("producer lost")
	ErrAttachFailed   = errors.New("attach failed")

	// Misuse.
	ErrWrongRole = errors.New("operation not permitted for this side of the channel")
	ErrBadSlot   = errors.New("slot not held")
	ErrClosed    = errors.New("channel closed")
)
