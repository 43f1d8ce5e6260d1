package redmux

import (
	"context"
	. "testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1*time.Second, cfg.ReconnectWait)
	assert.Equal(t, 2*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Zero(t, cfg.ReadBufferMax)
	assert.Equal(t, RequestConfig{}, cfg.Request)
}

func TestLoadConfig(t *T) {
	t.Setenv("REDMUX_RECONNECT_WAIT", "250ms")
	t.Setenv("REDMUX_HEALTH_CHECK_INTERVAL", "5s")
	t.Setenv("REDMUX_READ_BUFFER_MAX", "1048576")
	t.Setenv("REDMUX_REQUEST_CANCEL_IF_NOT_CONNECTED", "true")

	cfg, err := LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectWait)
	assert.Equal(t, 5*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout) // default
	assert.Equal(t, 1048576, cfg.ReadBufferMax)
	assert.True(t, cfg.Request.CancelIfNotConnected)
	assert.False(t, cfg.Request.CancelOnConnectionLost)

	req := cfg.NewDefaultRequest()
	assert.True(t, req.Config.CancelIfNotConnected)
}
