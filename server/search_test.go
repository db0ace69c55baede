package server

import (
	"fmt"
	"testing"

	"github.com/aep/sdbp/api"
	"github.com/stretchr/testify/require"
)

func seedKeys(t *testing.T, f *fixture, ks ...string) {
	batch := make([]api.Request, 0, len(ks))
	for _, k := range ks {
		batch = append(batch, api.Request{Op: api.OpSet, TableID: f.table, Key: []byte(k), Value: []byte("v" + k)})
	}
	res := f.do("seed", &api.Request{Op: api.OpSubmit, Batch: batch})
	require.Equal(t, api.StatusSuccess, res.Status)
}

func TestListBounds(t *testing.T) {
	f := setupTestServer(t, "")
	seedKeys(t, f, "a", "b", "c", "d", "e")

	tests := []struct {
		name string
		req  api.Request
		want []string
	}{
		{"all", api.Request{}, []string{"a", "b", "c", "d", "e"}},
		{"start inclusive", api.Request{Key: []byte("b")}, []string{"b", "c", "d", "e"}},
		{"end exclusive", api.Request{Key: []byte("b"), EndKey: []byte("d")}, []string{"b", "c"}},
		{"skip start", api.Request{Key: []byte("b"), Skip: true}, []string{"c", "d", "e"}},
		{"count", api.Request{Count: 2}, []string{"a", "b"}},
		{"backward all", api.Request{Backward: true}, []string{"e", "d", "c", "b", "a"}},
		{"backward start inclusive", api.Request{Backward: true, Key: []byte("d")}, []string{"d", "c", "b", "a"}},
		{"backward end exclusive", api.Request{Backward: true, Key: []byte("d"), EndKey: []byte("b")}, []string{"d", "c"}},
		{"backward skip", api.Request{Backward: true, Key: []byte("d"), Skip: true, Count: 2}, []string{"c", "b"}},
		{"backward missing start", api.Request{Backward: true, Key: []byte("cc")}, []string{"c", "b", "a"}},
		{"empty range", api.Request{Key: []byte("d"), EndKey: []byte("b")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Op = api.OpListKeys
			res := f.do("s", &req)
			require.Equal(t, api.StatusSuccess, res.Status)
			require.Equal(t, tt.want, keys(res))
		})
	}
}

func TestListPrefix(t *testing.T) {
	f := setupTestServer(t, "")
	seedKeys(t, f, "a", "user1", "user2", "user3", "v")

	res := f.do("s", &api.Request{Op: api.OpListKeyValues, Prefix: []byte("user")})
	require.Equal(t, []string{"user1", "user2", "user3"}, keys(res))
	require.Equal(t, "vuser1", string(res.Entries[0].Value))

	res = f.do("s", &api.Request{Op: api.OpListKeys, Prefix: []byte("user"), Backward: true})
	require.Equal(t, []string{"user3", "user2", "user1"}, keys(res))

	res = f.do("s", &api.Request{Op: api.OpListKeys, Prefix: []byte("user"), Key: []byte("user2"), Backward: true})
	require.Equal(t, []string{"user2", "user1"}, keys(res))

	res = f.do("s", &api.Request{Op: api.OpListKeys, Prefix: []byte("user"), Key: []byte("a")})
	require.Equal(t, []string{"user1", "user2", "user3"}, keys(res), "start before the prefix is clamped to it")

	res = f.do("s", &api.Request{Op: api.OpCount, Prefix: []byte("user")})
	require.EqualValues(t, 3, res.Entries[0].Number)
}

func TestListDoesNotCrossTables(t *testing.T) {
	f := setupTestServer(t, "")
	other := f.create(t, &api.Request{Op: api.OpCreateTable, Name: "other", DatabaseID: f.db, QuorumID: f.quorum})
	seedKeys(t, f, "a", "b")
	f.do("s", &api.Request{Op: api.OpSet, TableID: other, Key: []byte("zzz"), Value: []byte("x")})

	res := f.do("s", &api.Request{Op: api.OpListKeys, Backward: true})
	require.Equal(t, []string{"b", "a"}, keys(res))

	res = f.do("s", &api.Request{Op: api.OpCount, TableID: other})
	require.EqualValues(t, 1, res.Entries[0].Number)
}

// Unpadded decimal keys sort bytewise, so the two directions from the same
// start see very different amounts of data.
func TestListDecimalBoundary(t *testing.T) {
	f := setupTestServer(t, "")
	ks := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		ks = append(ks, fmt.Sprint(i))
	}
	seedKeys(t, f, ks...)

	res := f.do("s", &api.Request{Op: api.OpCount})
	require.EqualValues(t, 1000, res.Entries[0].Number)

	res = f.do("s", &api.Request{Op: api.OpListKeys, Key: []byte("100"), Count: 111})
	require.Len(t, res.Entries, 111)
	require.Equal(t, "100", string(res.Entries[0].Key))

	res = f.do("s", &api.Request{Op: api.OpListKeys, Key: []byte("100"), Backward: true, Count: 200})
	require.Equal(t, []string{"100", "10", "1", "0"}, keys(res))
}
