//////////////////////////////////////////////////////////////////////////////
//
// Writer and reader configuration
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package framepipe

import (
	"time"
)

// Defaults used for zero config fields.
const (
	DefaultSlots             = 3
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultDrainTimeout      = time.Second

	DefaultAttachTimeout    = 5 * time.Second
	DefaultAttachBackoff    = 10 * time.Millisecond
	DefaultMaxAttachBackoff = 500 * time.Millisecond
	DefaultWaitTimeout      = 100 * time.Millisecond
	DefaultHeartbeatTimeout = 500 * time.Millisecond
	DefaultGracePeriod      = 500 * time.Millisecond
)

type WriterConfig struct {
	// Channel name. Required.
	Name string

	// Where the channel lives. Defaults to SharedMemory("").
	Backend Backend

	// Ring geometry. Slots defaults to DefaultSlots, Format to RGBA32.
	// SlotBytes is required: the largest frame the writer will accept.
	Layout Layout

	// How often the writer refreshes its liveness heartbeat.
	HeartbeatInterval time.Duration

	// How long Stop waits for readers to detach before closing anyway.
	DrainTimeout time.Duration

	// Optional sink receiving every accepted frame, e.g. a local preview.
	Preview Sink
}

func (c *WriterConfig) setDefaults() {
	if c.Backend == nil {
		c.Backend = SharedMemory("")
	}
	if c.Layout.Slots == 0 {
		c.Layout.Slots = DefaultSlots
	}
	if c.Layout.Format == 0 {
		c.Layout.Format = RGBA32
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

type ReaderConfig struct {
	// Channel name. Required.
	Name string

	// Where the channel lives. Defaults to SharedMemory("").
	Backend Backend

	// Layout the reader expects. Zero fields match anything.
	Expect Layout

	// Receives every delivered frame. Required.
	Sink Sink

	// Notified of lifecycle events. Optional.
	Observer Observer

	// Attach retries with exponential backoff, from AttachBackoff up to
	// MaxAttachBackoff, until AttachTimeout has elapsed.
	AttachTimeout    time.Duration
	AttachBackoff    time.Duration
	MaxAttachBackoff time.Duration

	// Bound on each wait for a new frame.
	WaitTimeout time.Duration

	// The producer is declared lost once its heartbeat is older than
	// HeartbeatTimeout + GracePeriod. A negative GracePeriod means none.
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration

	// Hand the sink a view of the shared slot instead of a private copy. The
	// slot stays pinned while the sink runs, so a slow sink holds back the
	// writer's ring.
	ZeroCopy bool

	// Skip frames already published when the reader attaches.
	SkipBacklog bool
}

func (c *ReaderConfig) setDefaults() {
	if c.Backend == nil {
		c.Backend = SharedMemory("")
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = DefaultAttachTimeout
	}
	if c.AttachBackoff <= 0 {
		c.AttachBackoff = DefaultAttachBackoff
	}
	if c.MaxAttachBackoff < c.AttachBackoff {
		c.MaxAttachBackoff = DefaultMaxAttachBackoff
		if c.MaxAttachBackoff < c.AttachBackoff {
			c.MaxAttachBackoff = c.AttachBackoff
		}
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	} else if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
}
