package client

import (
	"context"
	"fmt"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/transport"
)

// batch accumulates writes until Submit or Cancel.
type batch struct {
	ops  []api.Request
	size int
	// set when a write pushed size past the limit in BatchNoAutoSubmit
	overflow bool
}

func opSize(op *api.Request) int {
	return len(op.Key) + len(op.Value)
}

func (b *batch) add(op api.Request) {
	b.size += opSize(&op)
	b.ops = append(b.ops, op)
}

func (b *batch) reset() {
	b.ops = nil
	b.size = 0
	b.overflow = false
}

// take returns the queued ops and empties the batch.
func (b *batch) take() []api.Request {
	ops := b.ops
	b.reset()
	return ops
}

// dropTransaction removes ops queued for a transaction that will not commit.
func (b *batch) dropTransaction(id string) {
	kept := b.ops[:0]
	size := 0
	for _, op := range b.ops {
		if op.Transaction == id {
			continue
		}
		kept = append(kept, op)
		size += opSize(&op)
	}
	b.ops = kept
	b.size = size
}

// Pending returns how many writes are queued and their byte size.
func (s *Session) Pending() (ops int, size int) {
	return len(s.batch.ops), s.batch.size
}

// Overflowed reports whether the batch crossed its limit in BatchNoAutoSubmit.
func (s *Session) Overflowed() bool {
	return s.batch.overflow
}

func (s *Session) enqueue(ctx context.Context, op api.Request) (transport.Cursor, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(op.Key) == 0 {
		return nil, apiError(op.Op, "empty key")
	}
	if s.tableID == 0 {
		return nil, apiError(op.Op, "no table selected")
	}
	op.TableID = s.tableID
	op.Key = append([]byte(nil), op.Key...)
	if op.Value != nil {
		op.Value = append([]byte(nil), op.Value...)
	}
	if s.lease != nil && s.lease.state == LeaseActive {
		op.Transaction = s.lease.id
	}

	if s.mode == BatchSingle {
		status, c := s.dispatch(ctx, &op)
		return c, translate(ctx, s.tr, op.Op, status, c)
	}

	if s.batch.overflow {
		ops, size := s.Pending()
		return nil, &Error{
			Kind: KindBatchLimitExceeded,
			Op:   op.Op,
			Msg:  fmt.Sprintf("%d queued ops of %d bytes exceed the limit of %d, submit or cancel first", ops, size, s.limit),
		}
	}

	s.batch.add(op)
	if s.batch.size > s.limit {
		if s.mode == BatchNoAutoSubmit {
			s.batch.overflow = true
			return nil, nil
		}
		log.Debug("[client].enqueue:", "msg", "batch limit exceeded, submitting", "ops", len(s.batch.ops), "size", s.batch.size)
		return nil, s.Submit(ctx)
	}
	return nil, nil
}
