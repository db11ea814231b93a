package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/TandS-Engine/api"
)

func TestParseFlagsDefaults(t *testing.T) {
	opts, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, api.DefaultConfig(), opts.config)
	assert.Equal(t, "info", opts.logLevel)
	assert.False(t, opts.devLog)
}

func TestParseFlagsPositionalPort(t *testing.T) {
	opts, err := parseFlags([]string{"-workers", "2", "9100"})
	require.NoError(t, err)

	assert.Equal(t, 9100, opts.config.Port)
	assert.Equal(t, 2, opts.config.PoolSize)
}

func TestParseFlagsEnvironment(t *testing.T) {
	t.Setenv("TANDS_PORT", "7000")
	t.Setenv("TANDS_IDLE_TIMEOUT", "5s")
	t.Setenv("TANDS_QUEUE_CAPACITY", "10")
	t.Setenv("TANDS_CLOSE_ON_PROTOCOL_ERROR", "false")
	t.Setenv("TANDS_LOG_LEVEL", "debug")

	opts, err := parseFlags([]string{"-queue", "20"})
	require.NoError(t, err)

	assert.Equal(t, 7000, opts.config.Port)
	assert.Equal(t, 5*time.Second, opts.config.IdleTimeout)
	assert.Equal(t, 20, opts.config.QueueCapacity, "flags override the environment")
	assert.False(t, opts.config.CloseOnProtocolError)
	assert.Equal(t, "debug", opts.logLevel)
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "bad positional port", args: []string{"abc"}},
		{name: "extra arguments", args: []string{"9000", "9001"}},
		{name: "port out of range", args: []string{"-port", "70000"}},
		{name: "bad env duration", env: map[string]string{"TANDS_IDLE_TIMEOUT": "soon"}},
		{name: "bad env int", env: map[string]string{"TANDS_WORKERS": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := parseFlags(tt.args)
			assert.ErrorIs(t, err, api.ErrInvalidConfig)
		})
	}
}
