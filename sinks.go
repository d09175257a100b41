//////////////////////////////////////////////////////////////////////////////
//
// Frame sink implementations
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package framepipe

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// FileSink appends the raw bytes of each frame to a file, useful for testing
// or piping frames into another tool.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	n    int
}

func NewFileSink(filename string) (*FileSink, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "file sink")
	}

	return &FileSink{file: f}, nil
}

// Close file sink
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Frames returns the number of frames written.
func (s *FileSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// WriteFrame writes the frame payload to the file.
func (s *FileSink) WriteFrame(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(f.Data); err != nil {
		return err
	}
	s.n++
	return nil
}

type teeSink []Sink

// Tee returns a sink that delivers each frame to every given sink in order.
// All sinks see the frame even if one fails; the first error is returned.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

func (t teeSink) WriteFrame(f *Frame) error {
	var first error
	for _, s := range t {
		if err := s.WriteFrame(f); err != nil && first == nil {
			first = err
		}
	}
	return first
}
