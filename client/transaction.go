package client

import (
	"context"
	"fmt"

	"github.com/aep/sdbp/api"
	"github.com/cockroachdb/errors"
)

type LeaseState int

const (
	LeaseInactive LeaseState = iota
	LeaseActive
	LeaseCommitted
	LeaseRolledBack
	LeaseExpired
)

func (s LeaseState) String() string {
	switch s {
	case LeaseInactive:
		return "inactive"
	case LeaseActive:
		return "active"
	case LeaseCommitted:
		return "committed"
	case LeaseRolledBack:
		return "rolled back"
	case LeaseExpired:
		return "expired"
	}
	return fmt.Sprintf("LeaseState(%d)", int(s))
}

// Lease is a server side transaction that holds the lock on a major key of a
// quorum. Writes issued through the session while it is active become part of
// the transaction and are applied together on Commit.
type Lease struct {
	s        *Session
	id       string
	quorumID uint64
	majorKey []byte
	state    LeaseState
}

func (l *Lease) ID() string        { return l.id }
func (l *Lease) QuorumID() uint64  { return l.quorumID }
func (l *Lease) MajorKey() []byte  { return l.majorKey }
func (l *Lease) State() LeaseState { return l.state }

// StartTransaction locks majorKey on quorumID. It fails with ErrLockFailure
// right away if another session holds the lock.
func (s *Session) StartTransaction(ctx context.Context, quorumID uint64, majorKey []byte) (*Lease, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.lease != nil && s.lease.state == LeaseActive {
		return nil, apiError(api.OpStartTransaction, "session already has an active transaction %s", s.lease.id)
	}
	if len(majorKey) == 0 {
		return nil, apiError(api.OpStartTransaction, "empty major key")
	}

	// writes queued before the transaction must not end up in it
	if err := s.Submit(ctx); err != nil {
		return nil, err
	}

	c, err := s.call(ctx, &api.Request{
		Op:       api.OpStartTransaction,
		QuorumID: quorumID,
		MajorKey: majorKey,
	})
	if err != nil {
		return nil, err
	}
	if c.IsEnd() || len(c.Value()) == 0 {
		return nil, apiError(api.OpStartTransaction, "server returned no transaction id")
	}

	l := &Lease{
		s:        s,
		id:       string(c.Value()),
		quorumID: quorumID,
		majorKey: append([]byte(nil), majorKey...),
		state:    LeaseActive,
	}
	s.lease = l
	log.Debug("[client].StartTransaction:", "lease", l.id, "quorum", quorumID)
	return l, nil
}

// Commit submits queued writes and applies the transaction atomically.
// A lease that ran out before Commit reaches the server ends Expired and
// Commit returns ErrLockTimeout. A transport failure leaves the lease Active
// so the caller may retry or roll back.
func (l *Lease) Commit(ctx context.Context) error {
	if l.state == LeaseExpired {
		return &Error{Kind: KindLockTimeout, Status: api.StatusLockTimeout, Op: api.OpCommitTransaction, Msg: "transaction expired"}
	}
	if l.state != LeaseActive {
		return apiError(api.OpCommitTransaction, "transaction is %s", l.state)
	}
	s := l.s

	// a submit failing with LockTimeout already marks the lease Expired
	if err := s.Submit(ctx); err != nil {
		return err
	}

	_, err := s.call(ctx, &api.Request{Op: api.OpCommitTransaction, Transaction: l.id})
	switch {
	case err == nil:
		l.end(LeaseCommitted)
		return nil
	case errors.Is(err, ErrLockTimeout):
		l.end(LeaseExpired)
	case isServerVerdict(err):
		l.end(LeaseRolledBack)
	}
	return err
}

// Rollback abandons the transaction. It is a no-op once the lease is no longer active.
func (l *Lease) Rollback(ctx context.Context) error {
	if l.state != LeaseActive {
		return nil
	}
	s := l.s
	s.batch.dropTransaction(l.id)
	l.end(LeaseRolledBack)

	if s.closed.Load() {
		return nil
	}
	_, err := s.call(ctx, &api.Request{Op: api.OpRollbackTransaction, Transaction: l.id})
	return err
}

func (l *Lease) end(state LeaseState) {
	l.state = state
	if l.s.lease == l {
		l.s.lease = nil
	}
	log.Debug("[client].Lease:", "lease", l.id, "state", state)
}

// isServerVerdict reports whether the server answered err itself, so the
// transaction is known to be gone. Connectivity failures leave that open.
func isServerVerdict(err error) bool {
	return errors.Is(err, ErrFailed) || errors.Is(err, ErrBadSchema) || errors.Is(err, ErrAPI)
}

// WithTransaction runs fn inside a transaction on majorKey and commits when fn
// returns nil. The transaction is rolled back when fn fails or panics.
func (s *Session) WithTransaction(ctx context.Context, quorumID uint64, majorKey []byte, fn func(ctx context.Context, l *Lease) error) (err error) {
	l, err := s.StartTransaction(ctx, quorumID, majorKey)
	if err != nil {
		return err
	}
	defer func() {
		if l.state != LeaseActive {
			return
		}
		if r := recover(); r != nil {
			l.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
		if rerr := l.Rollback(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := fn(ctx, l); err != nil {
		return err
	}
	return l.Commit(ctx)
}
