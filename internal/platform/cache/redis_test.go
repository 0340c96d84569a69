package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewConnectsAndLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := New(ctx, Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	lock, err := NewLocker(client).Obtain(ctx, "lock:test", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, mr.Exists("lock:test"))
	require.NoError(t, lock.Release(ctx))
}

func TestNewFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Options{Addr: addr, PingTimeout: 200 * time.Millisecond})
	require.Error(t, err)

	_, err = New(context.Background(), Options{})
	require.Error(t, err)
	require.Nil(t, NewLocker(nil))
}
