package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/aep/sdbp/api"
	"github.com/google/uuid"
)

const (
	DefaultGlobalTimeout = 120 * time.Second
	DefaultMasterTimeout = 21 * time.Second
)

// Local dispatches to a Handler in the same process. Requests and results
// are deep copied so neither side can alias the other's buffers.
type Local struct {
	h       Handler
	session string
	closed  atomic.Bool
}

func NewLocal(h Handler) *Local {
	return &Local{h: h, session: uuid.NewString()}
}

// LocalDialer ignores the node list and binds every session to h.
func LocalDialer(h Handler) Dialer {
	return func(ctx context.Context, nodes []string) (Transport, error) {
		return NewLocal(h), nil
	}
}

func (l *Local) Session() string {
	return l.session
}

func (l *Local) Dispatch(ctx context.Context, req *api.Request) (int, Cursor) {
	if l.closed.Load() {
		return api.StatusAPIError, nil
	}

	ctx, cancel := withGlobalTimeout(ctx, req.GlobalTimeout)
	defer cancel()

	in, err := clone(req)
	if err != nil {
		return api.StatusAPIError, nil
	}
	res := l.h.Handle(ctx, l.session, in)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return api.StatusGlobalTimeout, nil
	}
	out, err := clone(res)
	if err != nil || out == nil {
		return api.StatusFailure, nil
	}
	return out.Status, NewCursor(out)
}

func (l *Local) ConnectivityStatus(ctx context.Context) int {
	if l.closed.Load() {
		return api.StatusNoConnection
	}
	return l.h.Connectivity(ctx, l.session)
}

func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}

func withGlobalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultGlobalTimeout
	}
	return context.WithTimeout(ctx, d)
}

func clone[T any](v *T) (*T, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	return out, json.Unmarshal(b, out)
}
