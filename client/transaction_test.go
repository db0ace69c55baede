package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionCommit(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	reader := c.session(t)
	ctx := context.Background()

	l, err := s.StartTransaction(ctx, c.quorum, []byte("user/1"))
	require.NoError(t, err)
	assert.Equal(t, LeaseActive, l.State())
	assert.NotEmpty(t, l.ID())
	assert.Same(t, l, s.Transaction())

	require.NoError(t, s.Set(ctx, []byte("user/1/name"), []byte("alice")))
	require.NoError(t, s.Set(ctx, []byte("user/1/mail"), []byte("a@example.com")))
	require.NoError(t, s.Submit(ctx))

	_, ok := get(t, reader, "user/1/name")
	assert.False(t, ok, "staged writes are invisible until commit")

	require.NoError(t, l.Commit(ctx))
	assert.Equal(t, LeaseCommitted, l.State())
	assert.Nil(t, s.Transaction())

	v, ok := get(t, reader, "user/1/name")
	assert.True(t, ok)
	assert.Equal(t, "alice", v)

	require.ErrorIs(t, l.Commit(ctx), ErrAPI, "a committed lease cannot commit again")
	require.NoError(t, l.Rollback(ctx), "rollback of a terminal lease is a no-op")
	assert.Equal(t, LeaseCommitted, l.State())
}

func TestTransactionCommitSubmitsQueuedWrites(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	ctx := context.Background()

	l, err := s.StartTransaction(ctx, c.quorum, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, []byte("k"), []byte("v")))
	require.NoError(t, l.Commit(ctx))

	v, ok := get(t, s, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestTransactionExclusive(t *testing.T) {
	c := setupCluster(t, "")
	a := c.session(t)
	b := c.session(t)
	ctx := context.Background()

	la, err := a.StartTransaction(ctx, c.quorum, []byte("account/7"))
	require.NoError(t, err)

	start := time.Now()
	_, err = b.StartTransaction(ctx, c.quorum, []byte("account/7"))
	require.ErrorIs(t, err, ErrLockFailure)
	assert.Less(t, time.Since(start), time.Second, "lock failure does not wait")
	assert.Nil(t, b.Transaction())

	lb, err := b.StartTransaction(ctx, c.quorum, []byte("account/8"))
	require.NoError(t, err, "other major keys are not locked")
	require.NoError(t, lb.Rollback(ctx))

	require.NoError(t, la.Commit(ctx))
	lb, err = b.StartTransaction(ctx, c.quorum, []byte("account/7"))
	require.NoError(t, err)
	require.NoError(t, lb.Commit(ctx))
}

func TestTransactionOnePerSession(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	ctx := context.Background()

	_, err := s.StartTransaction(ctx, c.quorum, []byte("a"))
	require.NoError(t, err)
	_, err = s.StartTransaction(ctx, c.quorum, []byte("b"))
	require.ErrorIs(t, err, ErrAPI)
}

func TestTransactionRollback(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	ctx := context.Background()

	l, err := s.StartTransaction(ctx, c.quorum, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, []byte("staged"), []byte("1")))
	require.NoError(t, s.Submit(ctx))
	require.NoError(t, s.Set(ctx, []byte("queued"), []byte("1")))

	require.NoError(t, l.Rollback(ctx))
	assert.Equal(t, LeaseRolledBack, l.State())
	ops, _ := s.Pending()
	assert.Zero(t, ops, "queued transaction writes are dropped")
	require.NoError(t, l.Rollback(ctx))

	_, ok := get(t, s, "staged")
	assert.False(t, ok)

	l, err = s.StartTransaction(ctx, c.quorum, []byte("k"))
	require.NoError(t, err, "rollback released the lock")
	require.NoError(t, l.Rollback(ctx))
}

func TestTransactionExpiry(t *testing.T) {
	c := setupCluster(t, "200ms")
	s := c.session(t)
	other := c.session(t)
	ctx := context.Background()

	l, err := s.StartTransaction(ctx, c.quorum, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, []byte("k"), []byte("late")))

	time.Sleep(600 * time.Millisecond)

	// the lock is free for others once the lease ran out
	lo, err := other.StartTransaction(ctx, c.quorum, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, lo.Rollback(ctx))

	err = l.Commit(ctx)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.NotErrorIs(t, err, ErrLockFailure)
	assert.Equal(t, LeaseExpired, l.State())
	assert.Nil(t, s.Transaction())

	_, ok := get(t, s, "k")
	assert.False(t, ok)
}

func TestTransactionExpiryWithoutPendingWrites(t *testing.T) {
	c := setupCluster(t, "200ms")
	s := c.session(t)
	ctx := context.Background()

	l, err := s.StartTransaction(ctx, c.quorum, []byte("k"))
	require.NoError(t, err)
	time.Sleep(600 * time.Millisecond)

	require.ErrorIs(t, l.Commit(ctx), ErrLockTimeout)
	assert.Equal(t, LeaseExpired, l.State())

	err = l.Commit(ctx)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.NotErrorIs(t, err, ErrAPI)
	assert.Equal(t, LeaseExpired, l.State())
	require.NoError(t, l.Rollback(ctx))
}

func TestTransactionUnknownQuorum(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)

	_, err := s.StartTransaction(context.Background(), 999, []byte("k"))
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestWithTransaction(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	ctx := context.Background()

	err := s.WithTransaction(ctx, c.quorum, []byte("k"), func(ctx context.Context, l *Lease) error {
		return s.Set(ctx, []byte("committed"), []byte("1"))
	})
	require.NoError(t, err)
	_, ok := get(t, s, "committed")
	assert.True(t, ok)

	boom := errors.New("boom")
	var lease *Lease
	err = s.WithTransaction(ctx, c.quorum, []byte("k"), func(ctx context.Context, l *Lease) error {
		lease = l
		require.NoError(t, s.Set(ctx, []byte("rolled"), []byte("1")))
		require.NoError(t, s.Submit(ctx))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, LeaseRolledBack, lease.State())
	_, ok = get(t, s, "rolled")
	assert.False(t, ok)

	assert.PanicsWithValue(t, "kaboom", func() {
		s.WithTransaction(ctx, c.quorum, []byte("k"), func(ctx context.Context, l *Lease) error {
			lease = l
			panic("kaboom")
		})
	})
	assert.Equal(t, LeaseRolledBack, lease.State())

	// the lock was released on every path
	l, err := s.StartTransaction(ctx, c.quorum, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, l.Rollback(ctx))
}
