package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersWorkWithoutInit(t *testing.T) {
	prev := Logger
	Logger = nil
	t.Cleanup(func() { Logger = prev })

	// Session construction uses these before main may have configured the
	// logger; they must fall back instead of dereferencing nil.
	require.NotPanics(t, func() {
		WithConnection("conn-1").Info("hello")
		WithWorkspace("ws-1").Info("hello")
		WithError(errors.New("boom")).Info("hello")
	})
	assert.NotNil(t, WithConnection("conn-1"))
}

func TestInitLoggerSetsGlobal(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	InitLogger("debug", "json")
	require.NotNil(t, Logger)
	assert.Same(t, Logger, base())
}
