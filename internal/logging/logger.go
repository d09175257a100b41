package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Logger struct {
	// The level at which this logger logs. Any log messages intended for a higher
	// (more verbose) log level are ignored.
	Level

	// Tag used to filter and classify log messages.
	Tag string

	// Set when the level was given explicitly rather than derived from the
	// parent, so Configure leaves it alone.
	pinned bool

	out *destination
}

// Shared by a logger and everything derived from it. The mutex prevents
// messages from different goroutines from interleaving.
type destination struct {
	w  io.Writer
	mu sync.Mutex
}

// Write to stderr by default.
var DefaultLogger = &Logger{Level: defaultLevel, out: &destination{w: os.Stderr}}

var (
	derivedMu sync.Mutex
	derived   []*Logger
)

// Override the destination for this logger and every logger derived from it.
func (log *Logger) SetDestination(out io.Writer) {
	log.out.mu.Lock()
	log.out.w = out
	log.out.mu.Unlock()
}

// Derive a new logger with the given tag. Look up the level based on the tag.
func (log *Logger) WithTag(tag string) *Logger {
	l := &Logger{Level: determineLevel(tag, log.Level), Tag: tag, out: log.out}
	derivedMu.Lock()
	derived = append(derived, l)
	derivedMu.Unlock()
	return l
}

// Derive a new logger with the given default level. This can still be overridden at
// runtime.
func (log *Logger) WithDefaultLevel(level Level) *Logger {
	return &Logger{Level: determineLevel(log.Tag, level), Tag: log.Tag, pinned: true, out: log.out}
}

func refreshDerived() {
	derivedMu.Lock()
	defer derivedMu.Unlock()
	for _, l := range derived {
		if !l.pinned {
			l.Level = determineLevel(l.Tag, defaultLevel)
		}
	}
}

// Wrapper for []byte that implements io.Writer. Simpler and cheaper than
// bytes.Buffer.
type buffer []byte

func (b *buffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

func (b *buffer) writeString(s string) {
	*b = append(*b, s...)
}

func (b *buffer) writeByte(c byte) {
	*b = append(*b, c)
}

// A global buffer pool, shared across all loggers. Initial capacity is 256 to
// accommodate *most* log lines.
var bufPool = sync.Pool{
	New: func() interface{} {
		return make(buffer, 0, 256)
	},
}

// Log a message at the given level. Include the file and line number from
// 'calldepth' steps up the call stack.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if level > log.Level {
		// Message is too verbose for this logger.
		return
	}

	// Grab an empty buffer from the pool.
	buf := bufPool.Get().(buffer)
	// When we're done, reset the buffer and return it to the pool.
	defer func() { bufPool.Put(buf[:0]) }()

	// Write the current timestamp.
	colorTimestamp.Fprint(&buf, time.Now().Format(timestampFormat))

	// Write level and tag.
	level.color().Fprintf(&buf, " %c/%s", level.letter(), log.Tag)

	// Get the caller of Error()/Warn()/Info()/etc.
	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}

	// Write file and line number.
	colorSource.Fprintf(&buf, "[%s:%d] ", filepath.Base(file), line)

	// Write formatted log message.
	fmt.Fprintf(&buf, format, a...)

	// Append newline if necessary.
	if n := len(format); n == 0 || format[n-1] != '\n' {
		buf.writeByte('\n')
	}

	// Lock before writing to avoid interleaving of log messages.
	log.out.mu.Lock()
	_, err := log.out.w.Write(buf)
	log.out.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("Failed to log to %v: %v", log.out.w, err))
	}
}

func (log *Logger) Error(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
}

func (log *Logger) Warn(format string, a ...interface{}) {
	log.Log(Warn, 1, format, a...)
}

func (log *Logger) Info(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}

func (log *Logger) Debug(format string, a ...interface{}) {
	log.Log(Debug, 1, format, a...)
}

func (log *Logger) Trace(n int, format string, a ...interface{}) {
	log.Log(Level(n), 1, format, a...)
}
