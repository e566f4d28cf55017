package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "info", Format: "json", Service: "budget-ledger", Version: "dev"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hello")
	log.Debug().Msg("hidden")

	out := buf.String()
	assert.Contains(t, out, `"service":"budget-ledger"`)
	assert.Contains(t, out, `"version":"dev"`)
	assert.Contains(t, out, "hello")
	assert.NotContains(t, out, "hidden")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "verbose"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
