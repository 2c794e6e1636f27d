package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowAllowsUpToLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	w := NewWindow(rdb, "ws_ratelimit", 20, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		ok, err := w.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i)
	}
	ok, err := w.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "attempt 21")

	ok, err = w.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "other address")

	assert.Equal(t, time.Minute, mr.TTL("ws_ratelimit:10.0.0.1"))
	assert.Equal(t, time.Minute, w.RetryAfter(ctx, "10.0.0.1"))

	mr.FastForward(61 * time.Second)
	ok, err = w.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "new window")
}

func TestWindowFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	w := NewWindow(rdb, "http_ratelimit", 1, time.Minute)
	for i := 0; i < 3; i++ {
		ok, err := w.Allow(context.Background(), "10.0.0.1")
		assert.Error(t, err)
		assert.True(t, ok)
	}

	ok, err := NewWindow(nil, "x", 1, time.Minute).Allow(context.Background(), "a")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestLocal(t *testing.T) {
	l := NewLocal(1, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	l.Cleanup(time.Now().Add(4 * time.Minute))
	assert.Equal(t, 0, l.Len())

	assert.True(t, NewLocal(0, 0).Allow("a"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", ClientIP(r))

	r.RemoteAddr = "[::1]:80"
	assert.Equal(t, "::1", ClientIP(r))

	r.RemoteAddr = "[::1]"
	assert.Equal(t, "::1", ClientIP(r))
}
