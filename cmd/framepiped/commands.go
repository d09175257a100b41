package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/framepipe"
	"github.com/lanikai/framepipe/internal/v4l2"
)

// Flags shared by several commands.
type channelFlags struct {
	name     string
	geometry string
	format   string
	slots    int
}

func (c *channelFlags) register(fs *flag.FlagSet, withLayout bool) {
	fs.StringVarP(&c.name, "name", "n", "", "Channel name (required)")
	if withLayout {
		fs.StringVarP(&c.geometry, "geometry", "g", "1280x720", "Frame size, in pixels")
		fs.StringVarP(&c.format, "format", "f", "RGBA32", "Pixel format: RGBA32, BGRA32, I420 or NV12")
		fs.IntVarP(&c.slots, "slots", "s", framepipe.DefaultSlots, "Number of frame slots")
	}
}

// parse validates the flags. It returns the frame size and format.
func (c *channelFlags) parse() (width, height int, format framepipe.PixelFormat, err error) {
	if c.name == "" {
		return 0, 0, 0, errors.New("--name is required")
	}
	if c.geometry == "" {
		return 0, 0, 0, nil
	}
	if n, err := fmt.Sscanf(c.geometry, "%dx%d", &width, &height); n != 2 || err != nil {
		return 0, 0, 0, errors.Errorf("bad geometry %q, want WIDTHxHEIGHT", c.geometry)
	}
	format, err = framepipe.ParsePixelFormat(c.format)
	return width, height, format, err
}

func (c *channelFlags) layout(width, height int, format framepipe.PixelFormat) framepipe.Layout {
	return framepipe.Layout{
		Slots:     c.slots,
		SlotBytes: format.FrameSize(width, height, format.MinStride(width)),
		Format:    format,
	}
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SortFlags = false
	err := fs.Parse(args)
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	return err
}

// writeCommand publishes a scrolling test pattern or camera frames.
func writeCommand(ctx context.Context, backend framepipe.Backend, args []string) error {
	var cf channelFlags
	var rate, count int
	var preview, source string
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	cf.register(fs, true)
	fs.StringVarP(&source, "source", "i", "pattern", "Frame source: \"pattern\" or a V4L2 device such as /dev/video0")
	fs.IntVarP(&rate, "rate", "r", 30, "Pattern frames per second (0 for as fast as possible)")
	fs.IntVarP(&count, "count", "c", 0, "Stop after this many frames (0 for no limit)")
	fs.StringVarP(&preview, "preview", "p", "", "Also append every frame to this file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	width, height, format, err := cf.parse()
	if err != nil {
		return err
	}

	cfg := framepipe.WriterConfig{
		Name:    cf.name,
		Backend: backend,
		Layout:  cf.layout(width, height, format),
	}

	var producer framepipe.Producer
	if source == "pattern" {
		p := framepipe.NewTestPattern(width, height, format, rate)
		p.Count = count
		producer = p
		log.Info("Writing %dx%d %v test pattern at %d fps into %q", width, height, format, rate, cf.name)
	} else {
		cam, err := v4l2.Open(source, v4l2.Config{Width: width, Height: height, Format: format})
		if err != nil {
			return err
		}
		defer cam.Close()
		cfg.Layout = cam.Layout(cf.slots)
		producer = cam
		log.Info("Writing %dx%d %v from %s into %q", cam.Width(), cam.Height(), format, source, cf.name)
	}
	if preview != "" {
		sink, err := framepipe.NewFileSink(preview)
		if err != nil {
			return err
		}
		defer sink.Close()
		cfg.Preview = sink
	}

	w := framepipe.NewWriter(cfg)
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	err = w.Run(ctx, producer)
	st := w.Stats()
	log.Info("Published %d frames (%d rejected, %d substituted, %d overwritten)",
		st.Published, st.Rejected, st.Substituted, st.Overwritten)
	if err == context.Canceled {
		return nil
	}
	return err
}

// readCommand attaches a reader and prints throughput until interrupted or
// the producer goes away.
func readCommand(ctx context.Context, backend framepipe.Backend, args []string) error {
	var cf channelFlags
	var dump string
	var interval, attachTimeout time.Duration
	var zeroCopy, skipBacklog bool
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	cf.register(fs, false)
	fs.StringVarP(&cf.format, "format", "f", "", "Expected pixel format (default: any)")
	fs.StringVarP(&dump, "dump", "d", "", "Append raw frames to this file")
	fs.DurationVarP(&interval, "interval", "i", time.Second, "Statistics interval")
	fs.DurationVarP(&attachTimeout, "attach-timeout", "t", framepipe.DefaultAttachTimeout, "Give up attaching after this long")
	fs.BoolVar(&zeroCopy, "zero-copy", false, "Hand frames to the sink straight from shared memory")
	fs.BoolVar(&skipBacklog, "skip-backlog", false, "Ignore frames published before attaching")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if _, _, _, err := cf.parse(); err != nil {
		return err
	}
	var expect framepipe.Layout
	if cf.format != "" {
		format, err := framepipe.ParsePixelFormat(cf.format)
		if err != nil {
			return err
		}
		expect.Format = format
	}

	var bytesIn uint64
	var sink framepipe.Sink = framepipe.SinkFunc(func(f *framepipe.Frame) error {
		atomic.AddUint64(&bytesIn, uint64(len(f.Data)))
		return nil
	})
	if dump != "" {
		fileSink, err := framepipe.NewFileSink(dump)
		if err != nil {
			return err
		}
		defer fileSink.Close()
		sink = framepipe.Tee(sink, fileSink)
	}

	finished := make(chan error, 1)
	r := framepipe.NewReader(framepipe.ReaderConfig{
		Name:          cf.name,
		Backend:       backend,
		Expect:        expect,
		Sink:          sink,
		AttachTimeout: attachTimeout,
		ZeroCopy:      zeroCopy,
		SkipBacklog:   skipBacklog,
		Observer: framepipe.ObserverFunc(func(e framepipe.Event) {
			switch e.Kind {
			case framepipe.EventAttachFailed, framepipe.EventProducerLost:
				finished <- e.Err
			}
		}),
	})
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last framepipe.ReaderStats
	var lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-finished:
			if errors.Is(err, framepipe.ErrChannelClosing) {
				log.Info("Writer closed %q", cf.name)
				return nil
			}
			return err
		case <-ticker.C:
			st := r.Stats()
			b := atomic.LoadUint64(&bytesIn)
			secs := interval.Seconds()
			log.Info("%s: %.1f fps, %.1f MiB/s, %d skipped, %d timeouts, %d restarts",
				r.State(), float64(st.Delivered-last.Delivered)/secs, float64(b-lastBytes)/secs/(1<<20),
				st.Skipped-last.Skipped, st.Timeouts-last.Timeouts, st.Restarts)
			last, lastBytes = st, b
		}
	}
}

type inspector interface {
	Inspect(name string) (framepipe.Control, error)
}

// inspectCommand prints the control block without registering as a reader
// when the backend allows it.
func inspectCommand(ctx context.Context, backend framepipe.Backend, args []string) error {
	var cf channelFlags
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cf.register(fs, false)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if _, _, _, err := cf.parse(); err != nil {
		return err
	}

	var ctl framepipe.Control
	if in, ok := backend.(inspector); ok {
		var err error
		if ctl, err = in.Inspect(cf.name); err != nil {
			return err
		}
	} else {
		ch, err := backend.Attach(cf.name, framepipe.Layout{})
		if err != nil {
			return err
		}
		ctl = ch.Control()
		ch.Close()
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "channel\t%s (%s)\n", cf.name, backend.Name())
	fmt.Fprintf(tw, "version\t%d\n", ctl.Version)
	fmt.Fprintf(tw, "layout\t%d slots x %d bytes, %v\n", ctl.Layout.Slots, ctl.Layout.SlotBytes, ctl.Layout.Format)
	fmt.Fprintf(tw, "writer\tattached=%t pid=%d id=%s generation=%d\n",
		ctl.WriterAttached, ctl.WriterPID, uuid.UUID(ctl.WriterID), ctl.Generation)
	fmt.Fprintf(tw, "heartbeat\t%s (%v ago)\n", ctl.Heartbeat.Format(time.RFC3339Nano), time.Since(ctl.Heartbeat).Round(time.Millisecond))
	fmt.Fprintf(tw, "last sequence\t%d\n", ctl.LastSequence)
	fmt.Fprintf(tw, "readers\t%d\n", ctl.Readers)
	fmt.Fprintf(tw, "closing\t%t\n", ctl.Closing)
	return tw.Flush()
}

func removeCommand(ctx context.Context, backend framepipe.Backend, args []string) error {
	var cf channelFlags
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	cf.register(fs, false)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if _, _, _, err := cf.parse(); err != nil {
		return err
	}
	if err := backend.Remove(cf.name); err != nil {
		return err
	}
	log.Info("Removed %q", cf.name)
	return nil
}

// loopbackCommand runs a test-pattern writer and a reader side by side, the
// way a capture window shows its own preview next to a viewer.
func loopbackCommand(ctx context.Context, backend framepipe.Backend, args []string) error {
	var cf channelFlags
	var rate int
	var duration time.Duration
	fs := flag.NewFlagSet("loopback", flag.ContinueOnError)
	cf.register(fs, true)
	fs.IntVarP(&rate, "rate", "r", 30, "Frames per second (0 for as fast as possible)")
	fs.DurationVarP(&duration, "duration", "d", 5*time.Second, "How long to run")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if cf.name == "" {
		cf.name = "loopback-" + uuid.New().String()
	}
	width, height, format, err := cf.parse()
	if err != nil {
		return err
	}

	var previewed uint64
	w := framepipe.NewWriter(framepipe.WriterConfig{
		Name:    cf.name,
		Backend: backend,
		Layout:  cf.layout(width, height, format),
		Preview: framepipe.SinkFunc(func(*framepipe.Frame) error {
			atomic.AddUint64(&previewed, 1)
			return nil
		}),
	})
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	r := framepipe.NewReader(framepipe.ReaderConfig{
		Name:    cf.name,
		Backend: backend,
		Sink:    framepipe.SinkFunc(func(*framepipe.Frame) error { return nil }),
	})
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Stop()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	if err := w.Run(ctx, framepipe.NewTestPattern(width, height, format, rate)); err != nil && err != context.DeadlineExceeded && err != context.Canceled {
		return err
	}

	ws, rs := w.Stats(), r.Stats()
	log.Info("Writer published %d (previewed %d, rejected %d); reader got %d, skipped %d",
		ws.Published, atomic.LoadUint64(&previewed), ws.Rejected, rs.Delivered, rs.Skipped)
	return nil
}
