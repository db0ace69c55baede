package client

import (
	"context"
	"iter"

	"github.com/aep/sdbp/api"
)

// RangeParams selects keys of the current table. The start key is inclusive
// and the end key exclusive in the direction of travel; backward, start is
// the highest key returned. Count 0 means no limit.
type RangeParams struct {
	prefix      []byte
	start       []byte
	end         []byte
	count       uint64
	backward    bool
	granularity int
}

func Range() RangeParams {
	return RangeParams{granularity: DefaultGranularity}
}

func (p RangeParams) Prefix(prefix []byte) RangeParams { p.prefix = prefix; return p }
func (p RangeParams) StartKey(key []byte) RangeParams  { p.start = key; return p }
func (p RangeParams) EndKey(key []byte) RangeParams    { p.end = key; return p }
func (p RangeParams) Count(n uint64) RangeParams       { p.count = n; return p }
func (p RangeParams) Forward() RangeParams             { p.backward = false; return p }
func (p RangeParams) Backward() RangeParams            { p.backward = true; return p }

// Granularity sets how many items each page requests from the server.
func (p RangeParams) Granularity(n int) RangeParams {
	p.granularity = n
	return p
}

func (p RangeParams) IsBackward() bool {
	return p.backward
}

// pager fetches one range page by page. It is used once, front to back.
type pager struct {
	ctx context.Context
	s   *Session
	op  api.Opcode
	p   RangeParams

	remaining uint64
	page      []api.Entry
	pos       int
	cur       api.Entry
	// the server has nothing beyond the current page
	last bool
	err  error
}

func newPager(ctx context.Context, s *Session, op api.Opcode, p RangeParams) (*pager, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.tableID == 0 {
		return nil, apiError(op, "no table selected")
	}
	if p.granularity <= 0 {
		p.granularity = DefaultGranularity
	}
	pg := &pager{ctx: ctx, s: s, op: op, p: p, remaining: p.count}
	if err := pg.fetch(p.start, false); err != nil {
		return nil, err
	}
	return pg, nil
}

func (pg *pager) fetch(from []byte, skip bool) error {
	num := uint64(pg.p.granularity)
	if pg.p.count > 0 && pg.remaining < num {
		num = pg.remaining
	}

	c, err := pg.s.call(pg.ctx, &api.Request{
		Op:       pg.op,
		TableID:  pg.s.tableID,
		Prefix:   pg.p.prefix,
		Key:      from,
		EndKey:   pg.p.end,
		Count:    num,
		Backward: pg.p.backward,
		Skip:     skip,
	})
	if err != nil {
		return err
	}

	pg.page = pg.page[:0]
	for c.Begin(); !c.IsEnd(); c.Next() {
		e := api.Entry{Key: append([]byte(nil), c.Key()...)}
		if pg.op == api.OpListKeyValues {
			e.Value = append([]byte(nil), c.Value()...)
		}
		pg.page = append(pg.page, e)
	}
	pg.pos = 0
	pg.last = uint64(len(pg.page)) < num
	return nil
}

func (pg *pager) next() bool {
	if pg.err != nil {
		return false
	}
	if pg.p.count > 0 && pg.remaining == 0 {
		return false
	}
	if pg.pos >= len(pg.page) {
		if pg.last || len(pg.page) == 0 {
			return false
		}
		if err := pg.fetch(pg.cur.Key, true); err != nil {
			pg.err = err
			return false
		}
		if len(pg.page) == 0 {
			return false
		}
	}

	pg.cur = pg.page[pg.pos]
	pg.pos++
	if pg.p.count > 0 {
		pg.remaining--
	}
	return true
}

// KeyIterator walks the keys of a range.
type KeyIterator struct {
	pg *pager
}

// Keys starts iterating the keys of p. The first page is fetched before Keys returns.
func (s *Session) Keys(ctx context.Context, p RangeParams) (*KeyIterator, error) {
	pg, err := newPager(ctx, s, api.OpListKeys, p)
	if err != nil {
		return nil, err
	}
	return &KeyIterator{pg: pg}, nil
}

func (it *KeyIterator) Next() bool  { return it.pg.next() }
func (it *KeyIterator) Key() []byte { return it.pg.cur.Key }
func (it *KeyIterator) Err() error  { return it.pg.err }

// Reset always fails; an iterator cannot be rewound.
func (it *KeyIterator) Reset() error {
	return ErrResetUnsupported
}

// All yields the remaining keys. Check Err afterwards.
func (it *KeyIterator) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for it.Next() {
			if !yield(it.Key()) {
				return
			}
		}
	}
}

// KeyValueIterator walks the keys and values of a range.
type KeyValueIterator struct {
	pg *pager
}

// KeyValues starts iterating the keys and values of p. The first page is
// fetched before KeyValues returns.
func (s *Session) KeyValues(ctx context.Context, p RangeParams) (*KeyValueIterator, error) {
	pg, err := newPager(ctx, s, api.OpListKeyValues, p)
	if err != nil {
		return nil, err
	}
	return &KeyValueIterator{pg: pg}, nil
}

func (it *KeyValueIterator) Next() bool    { return it.pg.next() }
func (it *KeyValueIterator) Key() []byte   { return it.pg.cur.Key }
func (it *KeyValueIterator) Value() []byte { return it.pg.cur.Value }
func (it *KeyValueIterator) Err() error    { return it.pg.err }

func (it *KeyValueIterator) Reset() error {
	return ErrResetUnsupported
}

// All yields the remaining pairs. Check Err afterwards.
func (it *KeyValueIterator) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		for it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}

// Count asks the server how many keys p selects, without transferring them.
func (s *Session) Count(ctx context.Context, p RangeParams) (uint64, error) {
	if s.tableID == 0 {
		return 0, apiError(api.OpCount, "no table selected")
	}
	c, err := s.call(ctx, &api.Request{
		Op:       api.OpCount,
		TableID:  s.tableID,
		Prefix:   p.prefix,
		Key:      p.start,
		EndKey:   p.end,
		Count:    p.count,
		Backward: p.backward,
	})
	if err != nil {
		return 0, err
	}
	return c.Number(), nil
}
