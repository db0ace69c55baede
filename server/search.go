package server

import (
	"bytes"
	"context"

	"github.com/aep/sdbp/api"
)

// list answers LIST_KEYS, LIST_KEYVALUES and COUNT.
//
// Forward: keys k with start <= k < end, ascending.
// Backward: keys k with end < k <= start, descending; an empty start means
// the top of the table (or of the prefix).
// Skip excludes the start key itself, which is how continuation pages resume.
// Count 0 means unbounded.
func (s *Server) list(ctx context.Context, session string, req *api.Request) *api.Result {
	t, status := s.resolve(session, req.TableID)
	if status != api.StatusSuccess {
		return s.result(status)
	}

	base := tablePrefix(t.ID)
	lo, hi := bounds(req)
	if hi != nil && bytes.Compare(lo, hi) >= 0 {
		res := s.result(api.StatusSuccess)
		if req.Op == api.OpCount {
			res.Entries = []api.Entry{{}}
		}
		s.diag(res, t, s.paxosID.Load())
		return res
	}

	r := s.kv.Read()
	defer r.Close()
	paxos := s.paxosID.Load()

	lower := append(append([]byte(nil), base...), lo...)
	upper := tableEnd(t.ID)
	if hi != nil {
		upper = append(append([]byte(nil), base...), hi...)
	}

	seq := r.Iter
	if req.Backward {
		seq = r.ReverseIter
	}

	var (
		entries []api.Entry
		n       uint64
	)
	for kv, err := range seq(ctx, lower, upper) {
		if err != nil {
			log.Error("[server].list:", "table", t.ID, "err", err)
			return s.result(api.StatusFailure)
		}
		key := kv.K[len(base):]
		if !bytes.HasPrefix(key, req.Prefix) {
			continue
		}
		if req.Skip && bytes.Equal(key, req.Key) {
			continue
		}
		if req.Backward && len(req.EndKey) > 0 && bytes.Compare(key, req.EndKey) <= 0 {
			break
		}

		n++
		switch req.Op {
		case api.OpListKeys:
			entries = append(entries, api.Entry{Key: key})
		case api.OpListKeyValues:
			entries = append(entries, api.Entry{Key: key, Value: kv.V})
		}
		if req.Count > 0 && n >= req.Count {
			break
		}
	}

	res := s.result(api.StatusSuccess)
	if req.Op == api.OpCount {
		entries = []api.Entry{{Number: n}}
	}
	res.Entries = entries
	s.diag(res, t, paxos)
	return res
}

// bounds turns a list request into the inclusive lower and exclusive upper
// key bound within the table. A nil upper bound means the end of the table.
func bounds(req *api.Request) (lo []byte, hi []byte) {
	pe := prefixEnd(req.Prefix)
	if len(req.Prefix) == 0 {
		pe = nil
	}

	if !req.Backward {
		lo = req.Key
		if bytes.Compare(req.Prefix, lo) > 0 {
			lo = req.Prefix
		}
		if len(req.EndKey) > 0 {
			hi = req.EndKey
		}
		if pe != nil && (hi == nil || bytes.Compare(pe, hi) < 0) {
			hi = pe
		}
		return lo, hi
	}

	lo = req.Prefix
	if len(req.EndKey) > 0 && bytes.Compare(req.EndKey, lo) > 0 {
		lo = req.EndKey
	}
	if len(req.Key) > 0 {
		hi = successor(req.Key)
	}
	if pe != nil && (hi == nil || bytes.Compare(pe, hi) < 0) {
		hi = pe
	}
	return lo, hi
}
