package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	s      *Server
	store  kv.KV
	quorum uint64
	db     uint64
	table  uint64
}

func setupTestServer(t *testing.T, lockExpire string) *fixture {
	store, err := kv.NewMemPebble()
	require.NoError(t, err)
	t.Cleanup(store.Close)

	cfg := DefaultConfig()
	cfg.LockExpire = lockExpire
	s, err := New(context.Background(), cfg, store)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	f := &fixture{s: s, store: store}
	f.quorum = f.create(t, &api.Request{Op: api.OpCreateQuorum, Name: "Storage", Nodes: []uint64{1}})
	f.db = f.create(t, &api.Request{Op: api.OpCreateDatabase, Name: "test_db"})
	f.table = f.create(t, &api.Request{Op: api.OpCreateTable, Name: "test_table", DatabaseID: f.db, QuorumID: f.quorum})
	return f
}

func (f *fixture) create(t *testing.T, req *api.Request) uint64 {
	res := f.s.Handle(context.Background(), "setup", req)
	require.Equal(t, api.StatusSuccess, res.Status, api.StatusString(res.Status))
	require.Len(t, res.Entries, 1)
	return res.Entries[0].Number
}

func (f *fixture) do(session string, req *api.Request) *api.Result {
	if req.TableID == 0 && req.Op != api.OpStartTransaction && req.Op != api.OpCommitTransaction && req.Op != api.OpRollbackTransaction {
		req.TableID = f.table
	}
	return f.s.Handle(context.Background(), session, req)
}

func keys(res *api.Result) []string {
	var out []string
	for _, e := range res.Entries {
		out = append(out, string(e.Key))
	}
	return out
}

func TestSchema(t *testing.T) {
	f := setupTestServer(t, "")

	res := f.s.Handle(context.Background(), "s", &api.Request{Op: api.OpGetTableID, DatabaseID: f.db, Name: "test_table"})
	require.Equal(t, api.StatusSuccess, res.Status)
	require.Equal(t, f.table, res.Entries[0].Number)

	res = f.s.Handle(context.Background(), "s", &api.Request{Op: api.OpGetDatabaseID, Name: "missing"})
	require.Equal(t, api.StatusBadSchema, res.Status)

	res = f.s.Handle(context.Background(), "s", &api.Request{Op: api.OpCreateDatabase, Name: "test_db"})
	require.Equal(t, api.StatusFailed, res.Status, "duplicate name")

	res = f.s.Handle(context.Background(), "s", &api.Request{Op: api.OpCreateTable, Name: "x", DatabaseID: 999, QuorumID: f.quorum})
	require.Equal(t, api.StatusBadSchema, res.Status)

	res = f.s.Handle(context.Background(), "s", &api.Request{Op: api.OpCreateDatabase, Name: "bad name"})
	require.Equal(t, api.StatusBadSchema, res.Status)
}

func TestSchemaSurvivesRestart(t *testing.T) {
	f := setupTestServer(t, "")
	require.Equal(t, api.StatusSuccess, f.do("s", &api.Request{Op: api.OpSet, Key: []byte("k"), Value: []byte("v")}).Status)
	f.s.Close()

	s2, err := New(context.Background(), DefaultConfig(), f.store)
	require.NoError(t, err)
	defer s2.Close()

	res := s2.Handle(context.Background(), "s", &api.Request{Op: api.OpGet, TableID: f.table, Key: []byte("k")})
	require.Equal(t, api.StatusSuccess, res.Status)
	require.Equal(t, "v", string(res.Entries[0].Value))
	require.EqualValues(t, 1, *res.PaxosID)

	res = s2.Handle(context.Background(), "s", &api.Request{Op: api.OpCreateDatabase, Name: "another"})
	require.Equal(t, api.StatusSuccess, res.Status)
	require.Greater(t, res.Entries[0].Number, f.table, "ids must not be reused after restart")
}

func TestCrud(t *testing.T) {
	f := setupTestServer(t, "")

	res := f.do("s", &api.Request{Op: api.OpGet, Key: []byte("k")})
	require.Equal(t, api.StatusFailed, res.Status)

	res = f.do("s", &api.Request{Op: api.OpSet, Key: []byte("k"), Value: []byte("v")})
	require.Equal(t, api.StatusSuccess, res.Status)
	require.EqualValues(t, 1, *res.NodeID)
	require.Equal(t, f.table, *res.TableID)
	require.Equal(t, f.quorum, *res.QuorumID)

	res = f.do("s", &api.Request{Op: api.OpGet, Key: []byte("k")})
	require.Equal(t, api.StatusSuccess, res.Status)
	require.Equal(t, "v", string(res.Entries[0].Value))

	res = f.do("s", &api.Request{Op: api.OpAdd, Key: []byte("n"), Number: 5})
	require.EqualValues(t, 5, res.Entries[0].Signed)
	res = f.do("s", &api.Request{Op: api.OpAdd, Key: []byte("n"), Number: -7})
	require.EqualValues(t, -2, res.Entries[0].Signed)

	res = f.do("s", &api.Request{Op: api.OpAdd, Key: []byte("k"), Number: 1})
	require.Equal(t, api.StatusFailed, res.Status, "adding to a non-number")

	res = f.do("s", &api.Request{Op: api.OpDelete, Key: []byte("k")})
	require.Equal(t, api.StatusSuccess, res.Status)
	res = f.do("s", &api.Request{Op: api.OpGet, Key: []byte("k")})
	require.Equal(t, api.StatusFailed, res.Status)

	res = f.do("s", &api.Request{Op: api.OpSet, Value: []byte("v")})
	require.Equal(t, api.StatusAPIError, res.Status, "empty key")

	res = f.do("s", &api.Request{Op: api.OpGet, TableID: 999, Key: []byte("k")})
	require.Equal(t, api.StatusBadSchema, res.Status)
}

func TestSequence(t *testing.T) {
	f := setupTestServer(t, "")

	next := func() uint64 {
		res := f.do("s", &api.Request{Op: api.OpSequenceNext, Key: []byte("seq")})
		require.Equal(t, api.StatusSuccess, res.Status)
		return res.Entries[0].Number
	}
	require.EqualValues(t, 1, next())
	require.EqualValues(t, 2, next())

	require.Equal(t, api.StatusSuccess, f.do("s", &api.Request{Op: api.OpSequenceSet, Key: []byte("seq"), Number: 100}).Status)
	require.EqualValues(t, 100, next())
	require.EqualValues(t, 101, next())
}

func TestSubmitPartial(t *testing.T) {
	f := setupTestServer(t, "")

	res := f.do("s", &api.Request{Op: api.OpSubmit, Batch: []api.Request{
		{Op: api.OpSet, TableID: f.table, Key: []byte("a"), Value: []byte("1")},
		{Op: api.OpSet, TableID: 999, Key: []byte("b"), Value: []byte("2")},
		{Op: api.OpAdd, TableID: f.table, Key: []byte("a"), Number: 1},
	}})
	require.Equal(t, api.StatusPartial, res.Status)
	require.Equal(t, api.StatusBadSchema, res.Entries[1].Status)
	require.EqualValues(t, 2, res.Entries[2].Signed, "later ops see earlier ops of the same batch")

	res = f.do("s", &api.Request{Op: api.OpSubmit, Batch: []api.Request{
		{Op: api.OpSet, TableID: 999, Key: []byte("b"), Value: []byte("2")},
	}})
	require.Equal(t, api.StatusBadSchema, res.Status)
}

func TestTruncate(t *testing.T) {
	f := setupTestServer(t, "")
	for i := 0; i < 10; i++ {
		f.do("s", &api.Request{Op: api.OpSet, Key: []byte(fmt.Sprint(i)), Value: []byte("v")})
	}
	require.Equal(t, api.StatusSuccess, f.do("s", &api.Request{Op: api.OpTruncateTable}).Status)
	res := f.do("s", &api.Request{Op: api.OpCount})
	require.EqualValues(t, 0, res.Entries[0].Number)
}

func TestLeaderlessQuorum(t *testing.T) {
	f := setupTestServer(t, "")
	q := f.create(t, &api.Request{Op: api.OpCreateQuorum, Name: "orphan"})
	tbl := f.create(t, &api.Request{Op: api.OpCreateTable, Name: "orphaned", DatabaseID: f.db, QuorumID: q})

	res := f.do("s1", &api.Request{Op: api.OpGet, TableID: tbl, Key: []byte("k")})
	require.Equal(t, api.StatusFailure, res.Status)
	require.Equal(t, api.StatusNoPrimary, f.s.Connectivity(context.Background(), "s1"))
	require.Equal(t, api.StatusSuccess, f.s.Connectivity(context.Background(), "s2"))

	f.do("s1", &api.Request{Op: api.OpGet, Key: []byte("k")})
	require.Equal(t, api.StatusSuccess, f.s.Connectivity(context.Background(), "s1"))
}

func TestReadYourWritesAhead(t *testing.T) {
	f := setupTestServer(t, "")
	res := f.do("s", &api.Request{Op: api.OpGet, Key: []byte("k"), Consistency: api.ConsistencyRYW, MinPaxosID: 1000})
	require.Equal(t, api.StatusNoService, res.Status)
}

func TestHealthHandler(t *testing.T) {
	f := setupTestServer(t, "")
	h := f.s.HealthHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sdbp_dispatch_total")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tables":1`)
}

func TestConfig(t *testing.T) {
	path := t.TempDir() + "/sdbp.yaml"
	require.NoError(t, os.WriteFile(path, []byte("nodeID: 7\nstore: pebble\npath: /tmp/x\nlockExpire: 250ms\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.EqualValues(t, 7, cfg.NodeID)
	require.Equal(t, "pebble", cfg.Store)
	require.Equal(t, "default", cfg.Cluster, "unset fields keep their default")

	d, err := cfg.lockExpire()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	cfg.LockExpire = "-1s"
	_, err = cfg.lockExpire()
	require.Error(t, err)
}
