package framepipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/framepipe/internal/shm"
)

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend("inproc")
	require.NoError(t, err)
	assert.Equal(t, InProcess(), b)

	b, err = OpenBackend("shm:/tmp/frames")
	require.NoError(t, err)
	require.IsType(t, &shm.Backend{}, b)
	assert.Equal(t, "/tmp/frames", b.(*shm.Backend).Dir)

	_, err = OpenBackend("inproc:extra")
	assert.Error(t, err)

	_, err = OpenBackend("carrier-pigeon")
	assert.Error(t, err)
}

func TestRegisterBackend(t *testing.T) {
	var gotArg string
	RegisterBackend("test-backend", func(arg string) (Backend, error) {
		gotArg = arg
		return InProcess(), nil
	})

	assert.Contains(t, BackendTypes(), "test-backend")
	assert.Contains(t, BackendTypes(), "shm")

	_, err := OpenBackend("test-backend:a:b")
	require.NoError(t, err)
	assert.Equal(t, "a:b", gotArg)
}
