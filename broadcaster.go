//////////////////////////////////////////////////////////////////////////////
//
// Broadcast frames from one sink to multiple subscribers.
//
// Each subscriber has its own channel (i.e. queue). When a frame is written,
// it is copied once and the copy is added to each subscriber's channel.
// Subscribers share the copy and must treat it as read-only.
//
// Each subscriber may specify the maximum number of frames it wishes to
// buffer. Once this capacity is reached, the oldest frame is dropped for each
// new frame, so a slow subscriber always catches up to the latest picture.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package framepipe

import (
	"sync"

	"github.com/pkg/errors"
)

var errNotSubscribed = errors.New("not subscribed")

// Broadcaster implements the Sink interface, fanning frames out to
// subscriber channels. Use it when frames must outlive the delivery call,
// e.g. to hand them to a UI thread.
type Broadcaster struct {
	mutex       sync.Mutex
	subscribers []chan *Frame
	closed      bool
}

// NewBroadcaster instantiates a new one-to-many frame broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Close the broadcaster. All subscriber channels are drained and closed.
// Later writes return ErrClosed.
func (b *Broadcaster) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subscriber := range b.subscribers {
		for len(subscriber) > 0 {
			<-subscriber // Drain
		}
		close(subscriber)
	}

	// Allow subscriber channels to be garbage collected
	b.subscribers = nil
	b.closed = true
	return nil
}

// Subscribe to frames, buffering up to n frames for the subscriber
func (b *Broadcaster) Subscribe(n int) <-chan *Frame {
	if n < 1 {
		panic("malformed buffer size")
	}

	// Create a new _buffered_ channel
	channel := make(chan *Frame, n)
	b.mutex.Lock()
	if b.closed {
		close(channel)
	} else {
		b.subscribers = append(b.subscribers, channel)
	}
	b.mutex.Unlock()
	return channel
}

// Unsubscribe from broadcaster by providing the read-only channel returned
// by Subscribe().
func (b *Broadcaster) Unsubscribe(s <-chan *Frame) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, subscriber := range b.subscribers {
		if s == subscriber {
			// Remove subscriber from slice (order not preserved)
			subs := b.subscribers
			close(subs[i])
			subs[len(subs)-1], subs[i] = subs[i], subs[len(subs)-1]
			b.subscribers = subs[:len(subs)-1]
			return nil
		}
	}

	return errNotSubscribed
}

// WriteFrame copies f and queues the copy for every subscriber.
func (b *Broadcaster) WriteFrame(f *Frame) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.subscribers) == 0 {
		return nil
	}

	c := f.Clone()
	for _, subscriber := range b.subscribers {
		select {
		case subscriber <- c:
		default:
			// Subscriber backlogged. Drop oldest frame, add newest.
			select {
			case <-subscriber:
			default:
			}
			subscriber <- c
		}
	}
	return nil
}
