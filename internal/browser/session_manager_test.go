package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFallbacks(t *testing.T) {
	var zero Config
	assert.Equal(t, 1366, zero.viewportWidth())
	assert.Equal(t, 768, zero.viewportHeight())
	assert.Equal(t, 30*time.Second, zero.navigationTimeout())
	assert.Equal(t, 2, zero.poolSize())

	cfg := Config{ViewportWidth: 800, ViewportHeight: 600, NavigationTimeout: 5 * time.Second, PoolSize: 4}
	assert.Equal(t, 800, cfg.viewportWidth())
	assert.Equal(t, 600, cfg.viewportHeight())
	assert.Equal(t, 5*time.Second, cfg.navigationTimeout())
	assert.Equal(t, 4, cfg.poolSize())
}

func TestDefaultConfigIsHeadless(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Headless)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
}

func TestManagerBeforeStart(t *testing.T) {
	m := NewSessionManager(DefaultConfig())
	assert.False(t, m.IsConnected())
	assert.Empty(t, m.ControlURL())
	require.NoError(t, m.Shutdown(context.Background()))
}
