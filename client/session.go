// Package client is the sdbp client: a Session batches writes, pages through
// key ranges and holds transaction leases against a cluster reached through a
// transport.Transport.
package client

//go:generate mockgen -destination=mock_transport_test.go -package=client github.com/aep/sdbp/transport Transport

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/transport"
	"github.com/cockroachdb/errors"
	"github.com/lmittmann/tint"
	"github.com/maypok86/otter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	log    = slog.New(tint.NewHandler(os.Stderr, nil))
	tracer = otel.Tracer("github.com/aep/sdbp/client")
)

// Session is one connection to a cluster. It is not safe for concurrent use;
// use a Pool to share connections between goroutines.
type Session struct {
	cfg Config
	tr  transport.Transport

	mode          BatchMode
	consistency   api.Consistency
	limit         int
	globalTimeout time.Duration
	masterTimeout time.Duration

	databaseID uint64
	tableID    uint64
	// ids selected by the config, restored when a pooled session is reused
	homeDatabaseID uint64
	homeTableID    uint64

	batch batch
	lease *Lease

	// highest paxos id this session has seen a write commit at
	lastPaxosID uint64
	result      transport.Cursor

	names otter.Cache[string, uint64]

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New opens a Session to cfg.Nodes through dial.
func New(ctx context.Context, cfg Config, dial transport.Dialer) (*Session, error) {
	if len(cfg.Nodes) == 0 {
		return nil, apiError("", "no nodes configured")
	}
	cfg = cfg.withDefaults()

	tr, err := dial(ctx, cfg.Nodes)
	if err != nil {
		return nil, &Error{Kind: KindNoConnection, Status: api.StatusNoConnection, Err: errors.Wrap(err, "dial")}
	}

	names, err := otter.MustBuilder[string, uint64](1024).WithTTL(time.Minute).Build()
	if err != nil {
		tr.Close()
		return nil, err
	}

	s := &Session{
		cfg:           cfg,
		tr:            tr,
		mode:          cfg.BatchMode,
		consistency:   cfg.Consistency,
		limit:         cfg.BatchLimit,
		globalTimeout: time.Duration(cfg.GlobalTimeout),
		masterTimeout: time.Duration(cfg.MasterTimeout),
		names:         names,
	}

	if cfg.Database != "" {
		if err := s.UseDatabase(ctx, cfg.Database); err != nil {
			s.Close()
			return nil, err
		}
		if cfg.Table != "" {
			if err := s.UseTable(ctx, cfg.Table); err != nil {
				s.Close()
				return nil, err
			}
		}
	}
	s.homeDatabaseID, s.homeTableID = s.databaseID, s.tableID
	return s, nil
}

func (s *Session) SetBatchMode(m BatchMode)               { s.mode = m }
func (s *Session) BatchMode() BatchMode                   { return s.mode }
func (s *Session) SetBatchLimit(n int)                    { s.limit = n }
func (s *Session) SetConsistency(c api.Consistency)       { s.consistency = c }
func (s *Session) Consistency() api.Consistency           { return s.consistency }
func (s *Session) SetGlobalTimeout(d time.Duration)       { s.globalTimeout = d }
func (s *Session) SetMasterTimeout(d time.Duration)       { s.masterTimeout = d }
func (s *Session) GlobalTimeout() time.Duration           { return s.globalTimeout }
func (s *Session) MasterTimeout() time.Duration           { return s.masterTimeout }
func (s *Session) Nodes() []string                        { return append([]string(nil), s.cfg.Nodes...) }
func (s *Session) Result() transport.Cursor               { return s.result }
func (s *Session) Transaction() *Lease                    { return s.lease }
func (s *Session) CurrentTable() (database, table uint64) { return s.databaseID, s.tableID }

// dispatch sends one request and records its result for Result.
func (s *Session) dispatch(ctx context.Context, req *api.Request) (int, transport.Cursor) {
	ctx, span := tracer.Start(ctx, "client.dispatch", trace.WithAttributes(
		attribute.String("op", string(req.Op)),
		attribute.Int("batch", len(req.Batch)),
	))
	defer span.End()

	req.GlobalTimeout = s.globalTimeout
	req.MasterTimeout = s.masterTimeout
	req.Consistency = s.consistency
	if s.consistency == api.ConsistencyRYW {
		req.MinPaxosID = s.lastPaxosID
	}

	start := time.Now()
	status, c := s.tr.Dispatch(ctx, req)
	span.SetAttributes(attribute.String("status", api.StatusString(status)))
	log.Debug("[client].dispatch:", "op", req.Op, "status", api.StatusString(status), "took", time.Since(start))

	if c != nil {
		s.result = c
		if p, ok := c.PaxosID(); ok && p > s.lastPaxosID {
			s.lastPaxosID = p
		}
	}
	return status, c
}

// call dispatches req and translates a failed status.
func (s *Session) call(ctx context.Context, req *api.Request) (transport.Cursor, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	status, c := s.dispatch(ctx, req)
	if err := translate(ctx, s.tr, req.Op, status, c); err != nil {
		return c, err
	}
	if c == nil {
		c = transport.NewCursor(nil)
	}
	c.Begin()
	return c, nil
}

func (s *Session) requireTable(op api.Opcode, tableID uint64, key []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return apiError(op, "empty key")
	}
	if tableID == 0 {
		return apiError(op, "no table selected")
	}
	return nil
}

// Get reads key from the current table. A missing key is reported as ok == false.
// Writes still queued in the batch are not visible.
func (s *Session) Get(ctx context.Context, key []byte) (value []byte, ok bool, err error) {
	if err := s.requireTable(api.OpGet, s.tableID, key); err != nil {
		return nil, false, err
	}
	req := &api.Request{Op: api.OpGet, TableID: s.tableID, Key: key}
	status, c := s.dispatch(ctx, req)
	if status == api.StatusFailed {
		return nil, false, nil
	}
	if err := translate(ctx, s.tr, api.OpGet, status, c); err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, nil
	}
	c.Begin()
	if c.IsEnd() {
		return nil, false, nil
	}
	return c.Value(), true, nil
}

func (s *Session) Set(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.enqueue(ctx, api.Request{Op: api.OpSet, Key: key, Value: value})
	return err
}

func (s *Session) Delete(ctx context.Context, key []byte) error {
	_, err := s.enqueue(ctx, api.Request{Op: api.OpDelete, Key: key})
	return err
}

// Add adds delta to the number stored at key. The new value is only known
// when the write is sent on its own; a queued Add returns 0.
func (s *Session) Add(ctx context.Context, key []byte, delta int64) (int64, error) {
	c, err := s.enqueue(ctx, api.Request{Op: api.OpAdd, Key: key, Number: delta})
	if err != nil || c == nil {
		return 0, err
	}
	c.Begin()
	return c.SignedNumber(), nil
}

// SequenceNext returns the sequence value stored at key and advances it. It is never queued.
func (s *Session) SequenceNext(ctx context.Context, key []byte) (uint64, error) {
	return s.sequenceNext(ctx, s.tableID, key)
}

// SequenceSet makes value the next number SequenceNext hands out. It is never queued.
func (s *Session) SequenceSet(ctx context.Context, key []byte, value uint64) error {
	return s.sequenceSet(ctx, s.tableID, key, value)
}

func (s *Session) sequenceNext(ctx context.Context, tableID uint64, key []byte) (uint64, error) {
	if err := s.requireTable(api.OpSequenceNext, tableID, key); err != nil {
		return 0, err
	}
	c, err := s.call(ctx, &api.Request{Op: api.OpSequenceNext, TableID: tableID, Key: key})
	if err != nil {
		return 0, err
	}
	return c.Number(), nil
}

func (s *Session) sequenceSet(ctx context.Context, tableID uint64, key []byte, value uint64) error {
	if err := s.requireTable(api.OpSequenceSet, tableID, key); err != nil {
		return err
	}
	if value > uint64(1<<63-1) {
		return apiError(api.OpSequenceSet, "sequence value %d out of range", value)
	}
	_, err := s.call(ctx, &api.Request{Op: api.OpSequenceSet, TableID: tableID, Key: key, Number: int64(value)})
	return err
}

// Submit sends every queued write in one request. The batch is emptied even
// when the submit fails.
func (s *Session) Submit(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(s.batch.ops) == 0 {
		return nil
	}
	ops := s.batch.take()

	status, c := s.dispatch(ctx, &api.Request{Op: api.OpSubmit, Batch: ops})
	err := translate(ctx, s.tr, api.OpSubmit, status, c)
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) && c != nil {
		failed := 0
		for c.Begin(); !c.IsEnd(); c.Next() {
			if c.CommandStatus() != api.StatusSuccess {
				failed++
			}
		}
		e.Msg = strconv.Itoa(failed) + " of " + strconv.Itoa(len(ops)) + " operations failed"
		if e.Kind == KindLockTimeout && s.lease != nil {
			s.lease.end(LeaseExpired)
		}
	}
	return err
}

// Cancel discards every queued write.
func (s *Session) Cancel() {
	s.batch.reset()
}

// Close releases the transport. Queued writes are discarded. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.batch.reset()
		s.closeErr = s.tr.Close()
		s.names.Close()
	})
	return s.closeErr
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

// reset restores the settings of the config, for reuse from a pool.
func (s *Session) reset() {
	s.batch.reset()
	s.lease = nil
	s.mode = s.cfg.BatchMode
	s.consistency = s.cfg.Consistency
	s.limit = s.cfg.BatchLimit
	s.globalTimeout = time.Duration(s.cfg.GlobalTimeout)
	s.masterTimeout = time.Duration(s.cfg.MasterTimeout)
	s.databaseID, s.tableID = s.homeDatabaseID, s.homeTableID
}

// SubmitGuard submits on Close unless cancelled.
type SubmitGuard struct {
	s         *Session
	cancelled bool
}

// Begin returns a guard meant to be closed with defer.
func (s *Session) Begin() *SubmitGuard {
	return &SubmitGuard{s: s}
}

func (g *SubmitGuard) Cancel() {
	g.cancelled = true
}

func (g *SubmitGuard) Close(ctx context.Context) error {
	if g.cancelled {
		return nil
	}
	return g.s.Submit(ctx)
}
