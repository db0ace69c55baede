package server

import (
	"context"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/kv"
)

func (s *Server) get(ctx context.Context, session string, req *api.Request) *api.Result {
	t, status := s.resolve(session, req.TableID)
	if status != api.StatusSuccess {
		return s.result(status)
	}
	if len(req.Key) == 0 {
		return s.result(api.StatusAPIError)
	}

	r := s.kv.Read()
	defer r.Close()
	paxos := s.paxosID.Load()

	v, err := r.Get(ctx, dataKey(t.ID, req.Key))
	if err != nil {
		log.Error("[server].get:", "table", t.ID, "key", string(req.Key), "err", err)
		return s.result(api.StatusFailure)
	}

	var res *api.Result
	if v == nil {
		res = s.result(api.StatusFailed)
	} else {
		res = s.result(api.StatusSuccess)
		res.Entries = []api.Entry{{Key: req.Key, Value: v}}
	}
	s.diag(res, t, paxos)
	return res
}

// submit applies every write without a transaction in one commit and stages
// the rest into their transactions. Ops that fail validation are skipped and
// reported in their entry; the others still apply.
func (s *Server) submit(ctx context.Context, session string, ops []api.Request) *api.Result {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w := s.kv.Write()
	defer w.Close()

	entries := make([]api.Entry, len(ops))
	var (
		applied, failed int
		firstFailure    int
		last            *Table
	)
	for i := range ops {
		op := &ops[i]
		var t *Table
		if op.Transaction != "" {
			t, entries[i] = s.stage(session, op)
		} else {
			t, entries[i] = s.apply(ctx, w, session, op)
		}
		if entries[i].Status != api.StatusSuccess {
			failed++
			if firstFailure == 0 {
				firstFailure = entries[i].Status
			}
			continue
		}
		if op.Transaction == "" {
			applied++
		}
		last = t
	}

	paxos := s.paxosID.Load()
	if applied > 0 {
		var err error
		if paxos, err = s.commitPaxos(ctx, w, "submit"); err != nil {
			return s.result(api.StatusFailure)
		}
	}

	status := api.StatusSuccess
	switch {
	case failed == 0:
	case failed == len(ops):
		status = firstFailure
	default:
		status = api.StatusPartial
	}
	res := s.result(status)
	res.Entries = entries
	s.diag(res, last, paxos)
	return res
}

func (s *Server) apply(ctx context.Context, w kv.Write, session string, op *api.Request) (*Table, api.Entry) {
	t, status := s.resolve(session, op.TableID)
	if status != api.StatusSuccess {
		return nil, api.Entry{Status: status}
	}
	if len(op.Key) == 0 {
		return nil, api.Entry{Status: api.StatusAPIError}
	}
	key := dataKey(t.ID, op.Key)
	e := api.Entry{Key: op.Key}

	var err error
	switch op.Op {
	case api.OpSet:
		err = w.Put(key, op.Value)

	case api.OpDelete:
		err = w.Del(key)

	case api.OpAdd:
		var old, next []byte
		if old, err = w.Get(ctx, key); err != nil {
			break
		}
		if next, e.Signed, err = addNumber(old, op.Number); err != nil {
			return nil, api.Entry{Status: api.StatusFailed}
		}
		e.Value = next
		err = w.Put(key, next)

	case api.OpSequenceSet:
		var v []byte
		if v, err = sequenceValue(op.Number); err != nil {
			return nil, api.Entry{Status: api.StatusAPIError}
		}
		err = w.Put(key, v)

	case api.OpSequenceNext:
		var old, next []byte
		if old, err = w.Get(ctx, key); err != nil {
			break
		}
		if e.Number, next, err = sequenceNext(old); err != nil {
			return nil, api.Entry{Status: api.StatusFailed}
		}
		err = w.Put(key, next)

	default:
		return nil, api.Entry{Status: api.StatusAPIError}
	}

	if err != nil {
		log.Error("[server].apply:", "op", op.Op, "key", string(op.Key), "err", err)
		return nil, api.Entry{Status: api.StatusFailure}
	}
	return t, e
}
