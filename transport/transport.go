// Package transport carries protocol requests from a client session to a server.
package transport

import (
	"context"
	"log/slog"
	"os"

	"github.com/aep/sdbp/api"
	"github.com/lmittmann/tint"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

// Transport is one connection handle. Implementations must copy any key or
// value bytes they hold past the return of Dispatch.
type Transport interface {
	Dispatch(ctx context.Context, req *api.Request) (int, Cursor)

	// ConnectivityStatus classifies the last failure as NoConnection,
	// NoMaster or NoPrimary. Only meaningful after Failure or NoService.
	ConnectivityStatus(ctx context.Context) int

	Close() error
}

// Dialer opens a Transport to the given nodes.
type Dialer func(ctx context.Context, nodes []string) (Transport, error)

// Handler is the server side of a transport.
type Handler interface {
	Handle(ctx context.Context, session string, req *api.Request) *api.Result
	Connectivity(ctx context.Context, session string) int
}

// Cursor walks the entries of one result.
type Cursor interface {
	Begin()
	Next()
	IsEnd() bool
	Len() int

	Key() []byte
	Value() []byte
	ValueString() string
	Number() uint64
	SignedNumber() int64
	CommandStatus() int

	NodeID() (uint64, bool)
	QuorumID() (uint64, bool)
	TableID() (uint64, bool)
	PaxosID() (uint64, bool)
}

type resultCursor struct {
	res *api.Result
	at  int
}

// NewCursor exposes res as a Cursor positioned at the first entry.
func NewCursor(res *api.Result) Cursor {
	if res == nil {
		res = &api.Result{}
	}
	return &resultCursor{res: res}
}

func (c *resultCursor) Begin()      { c.at = 0 }
func (c *resultCursor) Next()       { c.at++ }
func (c *resultCursor) IsEnd() bool { return c.at >= len(c.res.Entries) }
func (c *resultCursor) Len() int    { return len(c.res.Entries) }

func (c *resultCursor) entry() api.Entry {
	if c.IsEnd() {
		return api.Entry{}
	}
	return c.res.Entries[c.at]
}

func (c *resultCursor) Key() []byte         { return c.entry().Key }
func (c *resultCursor) Value() []byte       { return c.entry().Value }
func (c *resultCursor) ValueString() string { return string(c.entry().Value) }
func (c *resultCursor) Number() uint64      { return c.entry().Number }
func (c *resultCursor) SignedNumber() int64 { return c.entry().Signed }

func (c *resultCursor) CommandStatus() int {
	if c.IsEnd() {
		return c.res.Status
	}
	return c.entry().Status
}

func opt(v *uint64) (uint64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func (c *resultCursor) NodeID() (uint64, bool)   { return opt(c.res.NodeID) }
func (c *resultCursor) QuorumID() (uint64, bool) { return opt(c.res.QuorumID) }
func (c *resultCursor) TableID() (uint64, bool)  { return opt(c.res.TableID) }
func (c *resultCursor) PaxosID() (uint64, bool)  { return opt(c.res.PaxosID) }
