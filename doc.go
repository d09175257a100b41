//////////////////////////////////////////////////////////////////////////////
//
// Package framepipe moves raw video frames from a capture process to one or
// more consumer processes through a ring of frame slots in shared memory.
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

/*
Package framepipe moves raw video frames from a producer to consumers without
per-frame allocation or socket copies.

A Writer owns a named channel: a fixed ring of frame slots. Each frame from a
Producer is copied into the next slot and published. A Reader attaches to the
channel by name, waits for new frames and hands each one to a Sink. The
writer never waits for readers. If a reader falls behind it simply sees the
newest frame next, so frames may be skipped but are never repeated, reordered
or torn.

Two backends implement the channel. SharedMemory places the ring in a segment
under /dev/shm so writer and readers can live in different processes.
InProcess keeps the ring in ordinary memory for a writer and reader sharing a
process. Both behave identically.

Example:

	w := framepipe.NewWriter(framepipe.WriterConfig{
		Name:   "screen0",
		Layout: framepipe.Layout{Slots: 3, SlotBytes: 1920 * 1080 * 4, Format: framepipe.RGBA32},
	})
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()
	go w.Run(ctx, capturer)

	// Elsewhere, possibly another process:
	r := framepipe.NewReader(framepipe.ReaderConfig{
		Name: "screen0",
		Sink: framepipe.SinkFunc(display),
	})
	r.Start()
	defer r.Stop()
*/
package framepipe
