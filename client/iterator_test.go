package client

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, s *Session, n int) []string {
	ctx := context.Background()
	keys := make([]string, n)
	for i := range n {
		keys[i] = fmt.Sprintf("%05d", i)
		require.NoError(t, s.Set(ctx, []byte(keys[i]), []byte("v"+keys[i])))
	}
	require.NoError(t, s.Submit(ctx))
	return keys
}

func collect(t *testing.T, s *Session, p RangeParams) []string {
	it, err := s.Keys(context.Background(), p)
	require.NoError(t, err)
	var out []string
	for k := range it.All() {
		out = append(out, string(k))
	}
	require.NoError(t, it.Err())
	return out
}

func TestPaginationCompleteness(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	keys := fill(t, s, 10000)

	for _, g := range []int{100, 1} {
		t.Run(fmt.Sprintf("granularity=%d", g), func(t *testing.T) {
			before := c.stats.lists.Load()
			got := collect(t, s, Range().Granularity(g))
			require.Equal(t, keys, got)

			// every page is full except the last, which ends iteration
			pages := c.stats.lists.Load() - before
			assert.Equal(t, int64(len(keys)/g+1), pages)
		})
	}
}

func TestBoundedCountIsOnePage(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	keys := fill(t, s, 500)

	before := c.stats.lists.Load()
	got := collect(t, s, Range().Count(50))
	assert.Equal(t, keys[:50], got)
	assert.Equal(t, int64(1), c.stats.lists.Load()-before)

	before = c.stats.lists.Load()
	got = collect(t, s, Range().Count(250).Granularity(100))
	assert.Equal(t, keys[:250], got)
	assert.Equal(t, int64(3), c.stats.lists.Load()-before, "100 + 100 + 50")
}

func TestForwardBackwardSymmetry(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	fill(t, s, 1000)

	forward := collect(t, s, Range().Granularity(33))
	backward := collect(t, s, Range().Backward().Granularity(33))
	slices.Reverse(backward)
	assert.Equal(t, forward, backward)
}

func TestRangeBounds(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	keys := fill(t, s, 100)

	tests := []struct {
		name string
		p    RangeParams
		want []string
	}{
		{"forward start inclusive end exclusive", Range().StartKey([]byte("00010")).EndKey([]byte("00020")), keys[10:20]},
		{"forward open end", Range().StartKey([]byte("00095")), keys[95:]},
		{"forward count", Range().StartKey([]byte("00010")).Count(3), keys[10:13]},
		{"backward start inclusive end exclusive", Range().Backward().StartKey([]byte("00020")).EndKey([]byte("00010")),
			[]string{"00020", "00019", "00018", "00017", "00016", "00015", "00014", "00013", "00012", "00011"}},
		{"backward from top", Range().Backward().Count(2), []string{"00099", "00098"}},
		{"empty range", Range().StartKey([]byte("00050")).EndKey([]byte("00050")), nil},
		{"inverted range", Range().StartKey([]byte("00060")).EndKey([]byte("00050")), nil},
		{"start past end of table", Range().StartKey([]byte("z")), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(t, s, tt.p.Granularity(4)))
		})
	}
}

func TestPrefixContainment(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	ctx := context.Background()

	for _, k := range []string{"a", "user/1", "user/2", "user/3", "userx", "v"} {
		require.NoError(t, s.Set(ctx, []byte(k), []byte(k)))
	}
	require.NoError(t, s.Submit(ctx))

	got := collect(t, s, Range().Prefix([]byte("user/")).Granularity(2))
	assert.Equal(t, []string{"user/1", "user/2", "user/3"}, got)

	got = collect(t, s, Range().Prefix([]byte("user/")).Backward().Granularity(2))
	assert.Equal(t, []string{"user/3", "user/2", "user/1"}, got)

	n, err := s.Count(ctx, Range().Prefix([]byte("user")))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
}

func TestKeyValues(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	fill(t, s, 250)

	it, err := s.KeyValues(context.Background(), Range().StartKey([]byte("00100")).Granularity(7))
	require.NoError(t, err)

	n := 100
	for k, v := range it.All() {
		assert.Equal(t, fmt.Sprintf("%05d", n), string(k))
		assert.Equal(t, "v"+string(k), string(v))
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 250, n)
}

func TestCount(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	fill(t, s, 300)
	ctx := context.Background()

	n, err := s.Count(ctx, Range())
	require.NoError(t, err)
	assert.Equal(t, uint64(300), n)

	n, err = s.Count(ctx, Range().StartKey([]byte("00100")).EndKey([]byte("00200")))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)

	n, err = s.Count(ctx, Range().Count(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
}

func TestIteratorReset(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t)
	fill(t, s, 3)

	it, err := s.Keys(context.Background(), Range())
	require.NoError(t, err)
	for it.Next() {
	}
	require.NoError(t, it.Err())

	err = it.Reset()
	require.ErrorIs(t, err, ErrResetUnsupported)
	assert.False(t, it.Next(), "an exhausted iterator stays exhausted")
	assert.NoError(t, it.Err(), "reset failing is not an iteration error")

	kv, err := s.KeyValues(context.Background(), Range())
	require.NoError(t, err)
	require.ErrorIs(t, kv.Reset(), ErrResetUnsupported)
}

func TestIteratorWithBatchedWrites(t *testing.T) {
	c := setupCluster(t, "")
	s := c.session(t, func(c *Config) { c.BatchMode = BatchNoAutoSubmit })
	ctx := context.Background()
	fill(t, s, 20)

	it, err := s.Keys(ctx, Range().Granularity(5))
	require.NoError(t, err)

	var seen []string
	for it.Next() {
		k := string(it.Key())
		seen = append(seen, k)
		require.NoError(t, s.Set(ctx, []byte("copy/"+k), []byte("1")))
	}
	require.NoError(t, it.Err())
	assert.Len(t, seen, 20, "queued writes do not show up in the iteration")

	ops, _ := s.Pending()
	assert.Equal(t, 20, ops)
	require.NoError(t, s.Submit(ctx))

	n, err := s.Count(ctx, Range().Prefix([]byte("copy/")))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
}

// failingTransport answers list requests with a failure once armed.
type failingTransport struct {
	transport.Transport
	armed  bool
	status int
	conn   int
}

func (f *failingTransport) Dispatch(ctx context.Context, req *api.Request) (int, transport.Cursor) {
	if f.armed {
		return f.status, nil
	}
	return f.Transport.Dispatch(ctx, req)
}

func (f *failingTransport) ConnectivityStatus(ctx context.Context) int {
	if f.armed {
		return f.conn
	}
	return f.Transport.ConnectivityStatus(ctx)
}

func TestIteratorPageFailure(t *testing.T) {
	c := setupCluster(t, "")
	fill(t, c.session(t), 10)

	var ft *failingTransport
	dial := func(ctx context.Context, nodes []string) (transport.Transport, error) {
		tr, err := c.dial(ctx, nodes)
		ft = &failingTransport{Transport: tr, status: api.StatusNoService, conn: api.StatusNoMaster}
		return ft, err
	}
	s, err := New(context.Background(), c.config(), dial)
	require.NoError(t, err)
	defer s.Close()

	it, err := s.Keys(context.Background(), Range().Granularity(4))
	require.NoError(t, err)
	for range 4 {
		require.True(t, it.Next())
	}

	ft.armed = true
	assert.False(t, it.Next())
	require.ErrorIs(t, it.Err(), ErrNoMaster)

	_, err = s.Keys(context.Background(), Range())
	require.ErrorIs(t, err, ErrNoMaster, "the first page is fetched eagerly")
}
