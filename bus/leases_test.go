package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func TestLeaseExclusive(t *testing.T) {
	table, err := NewLeaseTable(time.Second)
	require.NoError(t, err)
	defer table.Close()

	l, err := table.Lock(context.Background(), "q1/major", "s1")
	require.NoError(t, err)

	_, err = table.Lock(context.Background(), "q1/major", "s2")
	require.ErrorIs(t, err, ErrLocked)

	_, err = table.Lock(context.Background(), "q1/other", "s2")
	require.NoError(t, err, "different key must not contend")

	require.True(t, table.Release(l.ID()))
	require.False(t, table.Release(l.ID()), "second release is a no-op")

	_, err = table.Lock(context.Background(), "q1/major", "s2")
	require.NoError(t, err)
}

func TestLeaseExpiry(t *testing.T) {
	table, err := NewLeaseTable(300 * time.Millisecond)
	require.NoError(t, err)
	defer table.Close()

	var expired atomic.Int32
	table.OnExpire(func(*Lease) { expired.Inc() })

	l, err := table.Lock(context.Background(), "key", "s1")
	require.NoError(t, err)

	got, err := table.Lookup(l.ID())
	require.NoError(t, err)
	require.Equal(t, "s1", got.Owner())

	time.Sleep(500 * time.Millisecond)

	_, err = table.Lookup(l.ID())
	require.ErrorIs(t, err, ErrExpired)
	require.Error(t, l.Err(), "expired lease must be cancelled")
	require.EqualValues(t, 1, expired.Load())

	_, err = table.Lookup("garbage")
	require.ErrorIs(t, err, ErrUnknown)

	l2, err := table.Lock(context.Background(), "key", "s2")
	require.NoError(t, err, "lock after expiry must succeed")
	table.Release(l2.ID())
}

func TestLeaseConcurrent(t *testing.T) {
	table, err := NewLeaseTable(time.Second)
	require.NoError(t, err)
	defer table.Close()

	var won atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := table.Lock(context.Background(), "shared", "s")
			if err == nil {
				won.Inc()
				return nil
			}
			if err == ErrLocked {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, won.Load())
	require.Equal(t, 1, table.Held())
}
