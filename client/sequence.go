package client

import "context"

// Sequence hands out increasing ids stored at one key of a table.
// A fresh sequence starts at 1.
type Sequence struct {
	s       *Session
	tableID uint64
	key     []byte
}

// Sequence binds key of the current table. Later table changes on the
// session do not move the sequence.
func (s *Session) Sequence(key []byte) *Sequence {
	return &Sequence{s: s, tableID: s.tableID, key: append([]byte(nil), key...)}
}

func (q *Sequence) Next(ctx context.Context) (uint64, error) {
	return q.s.sequenceNext(ctx, q.tableID, q.key)
}

// Set makes value the next id Next returns.
func (q *Sequence) Set(ctx context.Context, value uint64) error {
	return q.s.sequenceSet(ctx, q.tableID, q.key, value)
}

func (q *Sequence) Reset(ctx context.Context) error {
	return q.Set(ctx, 1)
}
