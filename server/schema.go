package server

import (
	"context"
	"sync"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/kv"
	"github.com/cockroachdb/errors"
)

type Quorum struct {
	ID    uint64   `json:"id"`
	Name  string   `json:"name"`
	Nodes []uint64 `json:"nodes"`
}

// Leaderless reports whether no node can act as the quorum's primary.
func (q *Quorum) Leaderless() bool {
	return len(q.Nodes) == 0
}

type Database struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type Table struct {
	ID         uint64 `json:"id"`
	DatabaseID uint64 `json:"databaseID"`
	QuorumID   uint64 `json:"quorumID"`
	Name       string `json:"name"`
}

var errExists = errors.New("already exists")

// schema is the in-memory copy of every schema record, loaded on startup and
// kept in step with the store on each change.
type schema struct {
	mu        sync.RWMutex
	nextID    uint64
	quorums   map[uint64]*Quorum
	databases map[uint64]*Database
	tables    map[uint64]*Table
}

func newSchema() *schema {
	return &schema{
		quorums:   make(map[uint64]*Quorum),
		databases: make(map[uint64]*Database),
		tables:    make(map[uint64]*Table),
	}
}

func (sc *schema) table(id uint64) (*Table, *Quorum) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	t := sc.tables[id]
	if t == nil {
		return nil, nil
	}
	return t, sc.quorums[t.QuorumID]
}

func (sc *schema) quorum(id uint64) *Quorum {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.quorums[id]
}

func (sc *schema) lookup(req *api.Request) (uint64, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	switch req.Op {
	case api.OpGetQuorumID:
		for _, q := range sc.quorums {
			if q.Name == req.Name {
				return q.ID, true
			}
		}
	case api.OpGetDatabaseID:
		for _, d := range sc.databases {
			if d.Name == req.Name {
				return d.ID, true
			}
		}
	case api.OpGetTableID:
		for _, t := range sc.tables {
			if t.DatabaseID == req.DatabaseID && t.Name == req.Name {
				return t.ID, true
			}
		}
	}
	return 0, false
}

func (s *Server) handleSchema(ctx context.Context, req *api.Request) *api.Result {
	switch req.Op {
	case api.OpGetQuorumID, api.OpGetDatabaseID, api.OpGetTableID:
		id, ok := s.schema.lookup(req)
		if !ok {
			return s.result(api.StatusBadSchema)
		}
		res := s.result(api.StatusSuccess)
		res.Entries = []api.Entry{{Number: id}}
		return res
	case api.OpTruncateTable:
		return s.truncateTable(ctx, req.TableID)
	}

	id, err := s.createSchema(ctx, req)
	if err != nil {
		log.Debug("[server].createSchema:", "op", req.Op, "name", req.Name, "err", err)
		if errors.Is(err, errExists) {
			return s.result(api.StatusFailed)
		}
		return s.result(api.StatusBadSchema)
	}
	res := s.result(api.StatusSuccess)
	res.Entries = []api.Entry{{Number: id}}
	return res
}

func (s *Server) createSchema(ctx context.Context, req *api.Request) (uint64, error) {
	var what string
	switch req.Op {
	case api.OpCreateQuorum:
		what = "quorum"
	case api.OpCreateDatabase:
		what = "database"
	case api.OpCreateTable:
		what = "table"
	}
	if err := validateName(what, req.Name); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sc := s.schema
	if _, ok := sc.lookup(lookupFor(req)); ok {
		return 0, errors.Wrapf(errExists, "%s %q", what, req.Name)
	}

	sc.mu.RLock()
	id := sc.nextID + 1
	var (
		key    []byte
		record any
	)
	switch req.Op {
	case api.OpCreateQuorum:
		key, record = schemaKey(kindQuorum, id), &Quorum{ID: id, Name: req.Name, Nodes: req.Nodes}
	case api.OpCreateDatabase:
		key, record = schemaKey(kindDatabase, id), &Database{ID: id, Name: req.Name}
	case api.OpCreateTable:
		if sc.databases[req.DatabaseID] == nil {
			sc.mu.RUnlock()
			return 0, errors.Newf("no database %d", req.DatabaseID)
		}
		if sc.quorums[req.QuorumID] == nil {
			sc.mu.RUnlock()
			return 0, errors.Newf("no quorum %d", req.QuorumID)
		}
		key, record = schemaKey(kindTable, id), &Table{ID: id, DatabaseID: req.DatabaseID, QuorumID: req.QuorumID, Name: req.Name}
	}
	sc.mu.RUnlock()

	val, err := encodeRecord(record)
	if err != nil {
		return 0, err
	}

	w := s.kv.Write()
	defer w.Close()
	if err := w.Put(key, val); err != nil {
		return 0, err
	}
	if err := w.Put(nextIDKey, be(id)); err != nil {
		return 0, err
	}
	if err := s.commit(ctx, w, "schema"); err != nil {
		return 0, err
	}

	sc.install(record, id)
	log.Info("[server].createSchema:", "kind", what, "name", req.Name, "id", id)
	return id, nil
}

// lookupFor turns a create request into the lookup of the name it would take.
func lookupFor(req *api.Request) *api.Request {
	l := *req
	switch req.Op {
	case api.OpCreateQuorum:
		l.Op = api.OpGetQuorumID
	case api.OpCreateDatabase:
		l.Op = api.OpGetDatabaseID
	case api.OpCreateTable:
		l.Op = api.OpGetTableID
	}
	return &l
}

func (sc *schema) install(record any, id uint64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	switch r := record.(type) {
	case *Quorum:
		sc.quorums[r.ID] = r
	case *Database:
		sc.databases[r.ID] = r
	case *Table:
		sc.tables[r.ID] = r
	}
	if id > sc.nextID {
		sc.nextID = id
	}
}

func (s *Server) truncateTable(ctx context.Context, tableID uint64) *api.Result {
	t, _ := s.schema.table(tableID)
	if t == nil {
		return s.result(api.StatusBadSchema)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w := s.kv.Write()
	defer w.Close()
	n, err := kv.DeleteRange(ctx, w, tablePrefix(t.ID), tableEnd(t.ID))
	if err != nil {
		log.Error("[server].truncateTable:", "table", t.ID, "err", err)
		return s.result(api.StatusFailed)
	}
	paxos, err := s.commitPaxos(ctx, w, "truncate")
	if err != nil {
		return s.result(api.StatusFailed)
	}
	log.Info("[server].truncateTable:", "table", t.Name, "deleted", n)

	res := s.result(api.StatusSuccess)
	s.diag(res, t, paxos)
	return res
}
