package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	DisableColor()
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"e": Error, "WARN": Warn, "info": Info, "D": Debug, "trace": MaxLevel, "3": Level(3),
	} {
		level, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, level, s)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	_, err = ParseLevel("12")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var out bytes.Buffer
	root := &Logger{Level: Warn, out: &destination{w: &out}}
	log := root.WithDefaultLevel(Warn)
	log.Tag = "test"

	log.Info("hidden %d", 1)
	log.Warn("shown %d", 2)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "W/test")
	assert.Contains(t, lines[0], "logger_test.go")
	assert.True(t, strings.HasSuffix(lines[0], "shown 2"))
}

func TestConfigureTagLevel(t *testing.T) {
	var out bytes.Buffer
	root := &Logger{Level: Info, out: &destination{w: &out}}
	log := root.WithTag("cfgtest")
	assert.Equal(t, Info, log.Level)

	require.NoError(t, Configure("cfgtest=debug"))
	assert.Equal(t, Debug, log.Level)

	log.Debug("now visible")
	assert.Contains(t, out.String(), "D/cfgtest")

	assert.Error(t, Configure("cfgtest=bogus"))
}
