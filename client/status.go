package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/transport"
	"github.com/cockroachdb/errors"
)

// Kind classifies every failure a Session can report.
type Kind int

const (
	KindUnknown Kind = iota
	KindAPIError
	KindBadSchema
	KindPartial
	KindFailure
	KindFailed
	KindNoConnection
	KindNoMaster
	KindNoPrimary
	KindNoService
	KindLockFailure
	KindLockTimeout
	KindMasterTimeout
	KindGlobalTimeout
	KindPrimaryTimeout
	KindBatchLimitExceeded
	KindNotSupported
	KindClosed
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindAPIError:           "api error",
	KindBadSchema:          "bad schema",
	KindPartial:            "partial failure",
	KindFailure:            "failure",
	KindFailed:             "failed",
	KindNoConnection:       "no connection",
	KindNoMaster:           "no master",
	KindNoPrimary:          "no primary",
	KindNoService:          "no service",
	KindLockFailure:        "lock failure",
	KindLockTimeout:        "lock timeout",
	KindMasterTimeout:      "master timeout",
	KindGlobalTimeout:      "global timeout",
	KindPrimaryTimeout:     "primary timeout",
	KindBatchLimitExceeded: "batch limit exceeded",
	KindNotSupported:       "not supported",
	KindClosed:             "session closed",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type returned by this package. Status is the raw
// protocol status, zero for errors raised locally. The ids are set when the
// server reported them.
type Error struct {
	Kind   Kind
	Status int
	Op     api.Opcode
	Msg    string

	NodeID   *uint64
	QuorumID *uint64
	TableID  *uint64
	PaxosID  *uint64

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sdbp: ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%s)", api.StatusString(e.Status))
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " op=%s", e.Op)
	}
	for _, id := range []struct {
		name string
		v    *uint64
	}{{"node", e.NodeID}, {"quorum", e.QuorumID}, {"table", e.TableID}, {"paxos", e.PaxosID}} {
		if id.v != nil {
			fmt.Fprintf(&b, " %s=%d", id.name, *id.v)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNoPrimary) works
// regardless of status and diagnostics. A target with a message only matches
// errors carrying the same message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrAPI                = &Error{Kind: KindAPIError}
	ErrBadSchema          = &Error{Kind: KindBadSchema}
	ErrPartial            = &Error{Kind: KindPartial}
	ErrFailure            = &Error{Kind: KindFailure}
	ErrFailed             = &Error{Kind: KindFailed}
	ErrNoConnection       = &Error{Kind: KindNoConnection}
	ErrNoMaster           = &Error{Kind: KindNoMaster}
	ErrNoPrimary          = &Error{Kind: KindNoPrimary}
	ErrNoService          = &Error{Kind: KindNoService}
	ErrLockFailure        = &Error{Kind: KindLockFailure}
	ErrLockTimeout        = &Error{Kind: KindLockTimeout}
	ErrMasterTimeout      = &Error{Kind: KindMasterTimeout}
	ErrGlobalTimeout      = &Error{Kind: KindGlobalTimeout}
	ErrPrimaryTimeout     = &Error{Kind: KindPrimaryTimeout}
	ErrBatchLimitExceeded = &Error{Kind: KindBatchLimitExceeded}
	ErrResetUnsupported   = &Error{Kind: KindNotSupported, Msg: "iterator cannot be reset"}
	ErrClosed             = &Error{Kind: KindClosed}

	ErrPoolUninitialized = &Error{Kind: KindAPIError, Msg: "pool is not initialized"}
	ErrPoolInitialized   = &Error{Kind: KindAPIError, Msg: "pool is already initialized"}
)

func apiError(op api.Opcode, format string, args ...any) error {
	return &Error{Kind: KindAPIError, Status: api.StatusAPIError, Op: op, Err: errors.Newf(format, args...)}
}

var statusKinds = map[int]Kind{
	api.StatusAPIError:       KindAPIError,
	api.StatusPartial:        KindPartial,
	api.StatusFailure:        KindFailure,
	api.StatusFailed:         KindFailed,
	api.StatusNoMaster:       KindNoMaster,
	api.StatusNoConnection:   KindNoConnection,
	api.StatusNoPrimary:      KindNoPrimary,
	api.StatusMasterTimeout:  KindMasterTimeout,
	api.StatusGlobalTimeout:  KindGlobalTimeout,
	api.StatusPrimaryTimeout: KindPrimaryTimeout,
	api.StatusNoService:      KindNoService,
	api.StatusBadSchema:      KindBadSchema,
	api.StatusLockFailure:    KindLockFailure,
	api.StatusLockTimeout:    KindLockTimeout,
}

// translate maps a dispatch status to an error. Failure and NoService are
// refined by asking the transport why the cluster could not be reached.
func translate(ctx context.Context, tr transport.Transport, op api.Opcode, status int, c transport.Cursor) error {
	if status == api.StatusSuccess {
		return nil
	}

	kind, ok := statusKinds[status]
	if !ok {
		kind = KindUnknown
	}

	if status == api.StatusFailure || status == api.StatusNoService {
		switch tr.ConnectivityStatus(ctx) {
		case api.StatusNoConnection:
			kind = KindNoConnection
		case api.StatusNoMaster:
			kind = KindNoMaster
		case api.StatusNoPrimary:
			kind = KindNoPrimary
		}
	}

	e := &Error{Kind: kind, Status: status, Op: op}
	if c != nil {
		e.NodeID = optional(c.NodeID())
		e.QuorumID = optional(c.QuorumID())
		e.TableID = optional(c.TableID())
		e.PaxosID = optional(c.PaxosID())
	}
	return e
}

func optional(v uint64, ok bool) *uint64 {
	if !ok {
		return nil
	}
	return &v
}
