package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowConsumesBudget(t *testing.T) {
	l := NewLimiter("cognism", 2, time.Hour)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "third call inside the window must be rejected")
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter("cognism", 1, time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.Error(t, err, "second slot is an hour away")
}

func TestNilLimiterIsUnlimited(t *testing.T) {
	var l *Limiter
	assert.True(t, l.Allow())
	require.NoError(t, l.Wait(context.Background()))
}
