package framepipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.raw")
	s, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, s.WriteFrame(&Frame{Data: []byte("abc")}))
	require.NoError(t, s.WriteFrame(&Frame{Data: []byte("def")}))
	assert.Equal(t, 2, s.Frames())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	_, err = NewFileSink(filepath.Join(t.TempDir(), "missing", "frames.raw"))
	assert.Error(t, err)
}

func TestTee(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	boom := errors.New("boom")
	failing := SinkFunc(func(*Frame) error { return boom })

	err := Tee(a, failing, b).WriteFrame(&Frame{Sequence: 9})
	assert.Equal(t, boom, err)
	assert.Equal(t, []uint64{9}, a.Sequences())
	assert.Equal(t, []uint64{9}, b.Sequences())
}
