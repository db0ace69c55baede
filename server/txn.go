package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/bus"
)

// txn buffers the writes of one transaction until commit. Its id is the id
// of the lease that makes it exclusive on (quorum, major key).
type txn struct {
	lease    *bus.Lease
	session  string
	quorumID uint64
	ops      []api.Request
}

func leaseKey(quorumID uint64, majorKey []byte) string {
	return strconv.FormatUint(quorumID, 10) + "\xff" + string(majorKey)
}

func (s *Server) startTransaction(ctx context.Context, session string, req *api.Request) *api.Result {
	q := s.schema.quorum(req.QuorumID)
	if q == nil {
		return s.result(api.StatusBadSchema)
	}
	if q.Leaderless() {
		s.noPrimary.Set(session, struct{}{})
		return s.result(api.StatusFailure)
	}
	if len(req.MajorKey) == 0 {
		return s.result(api.StatusAPIError)
	}

	if s.inTransaction(session) {
		log.Debug("[server].startTransaction:", "session", session, "err", "session already in a transaction")
		return s.result(api.StatusAPIError)
	}

	// the lease table may call expireTxn, so txmu must not be held here
	lease, err := s.leases.Lock(ctx, leaseKey(q.ID, req.MajorKey), session)
	if errors.Is(err, bus.ErrLocked) {
		lockContention.Inc()
		return s.result(api.StatusLockFailure)
	}
	if err != nil {
		return s.result(api.StatusFailure)
	}

	s.txmu.Lock()
	s.txns[lease.ID()] = &txn{lease: lease, session: session, quorumID: q.ID}
	s.txmu.Unlock()
	transactionsActive.Inc()

	res := s.result(api.StatusSuccess)
	res.Entries = []api.Entry{{Value: []byte(lease.ID())}}
	quorum := q.ID
	res.QuorumID = &quorum
	return res
}

func (s *Server) inTransaction(session string) bool {
	s.txmu.Lock()
	defer s.txmu.Unlock()
	for _, t := range s.txns {
		if d, _ := t.lease.Deadline(); t.session == session && time.Now().Before(d) {
			return true
		}
	}
	return false
}

// live returns the running transaction id of session, or the status to fail with.
func (s *Server) live(session string, id string) (*txn, int) {
	if _, err := s.leases.Lookup(id); err != nil {
		s.dropTxn(id)
		if errors.Is(err, bus.ErrExpired) {
			return nil, api.StatusLockTimeout
		}
		return nil, api.StatusAPIError
	}

	s.txmu.Lock()
	defer s.txmu.Unlock()
	t := s.txns[id]
	if t == nil || t.session != session {
		return nil, api.StatusAPIError
	}
	return t, api.StatusSuccess
}

// stage buffers a write into its transaction. Callers hold writeMu.
func (s *Server) stage(session string, op *api.Request) (*Table, api.Entry) {
	t, status := s.live(session, op.Transaction)
	if status != api.StatusSuccess {
		return nil, api.Entry{Status: status}
	}
	tbl, status := s.resolve(session, op.TableID)
	if status != api.StatusSuccess {
		return nil, api.Entry{Status: status}
	}
	if tbl.QuorumID != t.quorumID || len(op.Key) == 0 || !(op.Op.Write() || op.Op == api.OpSequenceNext) {
		return nil, api.Entry{Status: api.StatusAPIError}
	}

	staged := *op
	staged.Transaction = ""
	staged.Key = append([]byte(nil), op.Key...)
	staged.Value = append([]byte(nil), op.Value...)

	s.txmu.Lock()
	t.ops = append(t.ops, staged)
	s.txmu.Unlock()

	return tbl, api.Entry{Key: op.Key}
}

func (s *Server) commitTransaction(ctx context.Context, session string, req *api.Request) *api.Result {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t, status := s.live(session, req.Transaction)
	if status != api.StatusSuccess {
		return s.result(status)
	}

	s.txmu.Lock()
	ops := t.ops
	s.txmu.Unlock()

	w := s.kv.Write()
	defer w.Close()

	entries := make([]api.Entry, len(ops))
	var last *Table
	for i := range ops {
		tbl, e := s.apply(ctx, w, session, &ops[i])
		if e.Status != api.StatusSuccess {
			// an all-or-nothing commit: the whole transaction is abandoned
			s.releaseTxn(t)
			res := s.result(e.Status)
			res.Entries = []api.Entry{e}
			return res
		}
		entries[i] = e
		last = tbl
	}

	paxos, err := s.commitPaxos(ctx, w, "transaction")
	s.releaseTxn(t)
	if err != nil {
		return s.result(api.StatusFailure)
	}

	res := s.result(api.StatusSuccess)
	res.Entries = entries
	s.diag(res, last, paxos)
	return res
}

// rollbackTransaction succeeds even if the transaction is gone already.
func (s *Server) rollbackTransaction(ctx context.Context, session string, req *api.Request) *api.Result {
	s.txmu.Lock()
	t := s.txns[req.Transaction]
	s.txmu.Unlock()

	if t != nil && t.session == session {
		s.releaseTxn(t)
	}
	return s.result(api.StatusSuccess)
}

func (s *Server) releaseTxn(t *txn) {
	s.leases.Release(t.lease.ID())
	s.dropTxn(t.lease.ID())
}

func (s *Server) dropTxn(id string) {
	s.txmu.Lock()
	defer s.txmu.Unlock()
	if s.txns[id] != nil {
		delete(s.txns, id)
		transactionsActive.Dec()
	}
}

func (s *Server) expireTxn(l *bus.Lease) {
	lockExpired.Inc()
	log.Info("[server].expireTxn:", "lease", l.ID(), "session", l.Owner())
	s.dropTxn(l.ID())
}
