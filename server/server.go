// Package server is a single node reference implementation of the sdbp protocol.
package server

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aep/sdbp/api"
	"github.com/aep/sdbp/bus"
	"github.com/aep/sdbp/kv"
	"github.com/cockroachdb/errors"
	"github.com/lmittmann/tint"
	"github.com/maypok86/otter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/yaml"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

type Config struct {
	NodeID uint64 `json:"nodeID"`

	// Store is mem, pebble or tikv. Path is the pebble directory or the tikv pd endpoint.
	Store string `json:"store"`
	Path  string `json:"path,omitempty"`

	LockExpire string `json:"lockExpire,omitempty"`

	Cluster    string `json:"cluster,omitempty"`
	NatsURL    string `json:"natsURL,omitempty"`
	NatsHost   string `json:"natsHost,omitempty"`
	NatsPort   int    `json:"natsPort,omitempty"`
	HealthAddr string `json:"healthAddr,omitempty"`

	OTLPEndpoint string `json:"otlpEndpoint,omitempty"`

	CACert     string `json:"caCert,omitempty"`
	ServerCert string `json:"serverCert,omitempty"`
	ServerKey  string `json:"serverKey,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		NodeID:     1,
		Store:      "mem",
		LockExpire: "3s",
		Cluster:    "default",
		NatsHost:   "localhost",
		NatsPort:   4222,
		HealthAddr: ":27667",
	}
}

// LoadConfig reads a yaml file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

func (c Config) lockExpire() (time.Duration, error) {
	if c.LockExpire == "" {
		return 3 * time.Second, nil
	}
	d, err := time.ParseDuration(c.LockExpire)
	if err != nil {
		return 0, errors.Wrap(err, "lockExpire")
	}
	if d <= 0 {
		return 0, errors.Newf("lockExpire must be positive, got %s", d)
	}
	return d, nil
}

func OpenStore(c Config) (kv.KV, error) {
	switch c.Store {
	case "", "mem":
		return kv.NewMemPebble()
	case "pebble":
		return kv.NewPebble(c.Path)
	case "tikv":
		return kv.NewTikv(c.Path)
	}
	return nil, errors.Newf("unknown store %q", c.Store)
}

type Server struct {
	cfg    Config
	kv     kv.KV
	leases *bus.LeaseTable
	schema *schema

	// serializes commits so paxos ids are handed out in commit order
	writeMu sync.Mutex
	paxosID atomic.Uint64

	txmu sync.Mutex
	txns map[string]*txn

	// sessions whose last request hit a leaderless quorum
	noPrimary otter.Cache[string, struct{}]

	closeOnce sync.Once
}

func New(ctx context.Context, cfg Config, store kv.KV) (*Server, error) {
	expire, err := cfg.lockExpire()
	if err != nil {
		return nil, err
	}
	leases, err := bus.NewLeaseTable(expire)
	if err != nil {
		return nil, err
	}
	noPrimary, err := otter.MustBuilder[string, struct{}](100_000).WithTTL(10 * time.Minute).Build()
	if err != nil {
		leases.Close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		kv:        store,
		leases:    leases,
		schema:    newSchema(),
		txns:      make(map[string]*txn),
		noPrimary: noPrimary,
	}
	leases.OnExpire(s.expireTxn)

	if err := s.startup(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the lease reaper. The store stays open; it belongs to the caller.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.leases.Close()
		s.noPrimary.Close()
	})
}

func (s *Server) Handle(ctx context.Context, session string, req *api.Request) *api.Result {
	ctx, span := tracer.Start(ctx, "server.Handle", trace.WithAttributes(
		attribute.String("op", string(req.Op)),
		attribute.String("session", session),
	))
	defer span.End()

	start := time.Now()
	res := s.handle(ctx, session, req)

	status := api.StatusString(res.Status)
	span.SetAttributes(attribute.String("status", status))
	dispatchTotal.WithLabelValues(string(req.Op), status).Inc()
	dispatchDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())

	log.Debug("[server].Handle:", "op", req.Op, "session", session, "status", status)
	return res
}

func (s *Server) handle(ctx context.Context, session string, req *api.Request) *api.Result {
	if req.Consistency == api.ConsistencyRYW && req.MinPaxosID > s.paxosID.Load() {
		// this node has not applied the client's last write yet
		return s.result(api.StatusNoService)
	}

	switch req.Op {
	case api.OpCreateQuorum, api.OpCreateDatabase, api.OpCreateTable, api.OpTruncateTable,
		api.OpGetQuorumID, api.OpGetDatabaseID, api.OpGetTableID:
		return s.handleSchema(ctx, req)

	case api.OpGet:
		return s.get(ctx, session, req)

	case api.OpSet, api.OpAdd, api.OpDelete, api.OpSequenceSet, api.OpSequenceNext:
		return s.submit(ctx, session, []api.Request{*req})

	case api.OpSubmit:
		return s.submit(ctx, session, req.Batch)

	case api.OpListKeys, api.OpListKeyValues, api.OpCount:
		return s.list(ctx, session, req)

	case api.OpStartTransaction:
		return s.startTransaction(ctx, session, req)
	case api.OpCommitTransaction:
		return s.commitTransaction(ctx, session, req)
	case api.OpRollbackTransaction:
		return s.rollbackTransaction(ctx, session, req)
	}
	return s.result(api.StatusAPIError)
}

// Connectivity tells a client why its last request failed.
func (s *Server) Connectivity(ctx context.Context, session string) int {
	if err := s.kv.Ping(); err != nil {
		return api.StatusNoPrimary
	}
	if s.noPrimary.Has(session) {
		return api.StatusNoPrimary
	}
	return api.StatusSuccess
}

// resolve finds the table a data request targets. A status other than
// StatusSuccess is the entry status to answer with.
func (s *Server) resolve(session string, tableID uint64) (*Table, int) {
	t, q := s.schema.table(tableID)
	if t == nil || q == nil {
		return nil, api.StatusBadSchema
	}
	if q.Leaderless() {
		s.noPrimary.Set(session, struct{}{})
		return nil, api.StatusFailure
	}
	s.noPrimary.Delete(session)
	return t, api.StatusSuccess
}

func (s *Server) result(status int) *api.Result {
	node := s.cfg.NodeID
	return &api.Result{Status: status, NodeID: &node}
}

func (s *Server) diag(res *api.Result, t *Table, paxos uint64) {
	if t != nil {
		table, quorum := t.ID, t.QuorumID
		res.TableID = &table
		res.QuorumID = &quorum
	}
	res.PaxosID = &paxos
}

func (s *Server) commit(ctx context.Context, w kv.Write, op string) error {
	start := time.Now()
	err := w.Commit(ctx)
	kvCommitDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		kvCommitFailures.WithLabelValues(op).Inc()
		log.Error("[server].commit:", "op", op, "err", err)
	}
	return err
}

// commitPaxos commits w as the next paxos round. Callers hold writeMu.
func (s *Server) commitPaxos(ctx context.Context, w kv.Write, op string) (uint64, error) {
	paxos := s.paxosID.Load() + 1
	if err := w.Put(paxosKey, be(paxos)); err != nil {
		return 0, err
	}
	if err := s.commit(ctx, w, op); err != nil {
		return 0, err
	}
	s.paxosID.Store(paxos)
	return paxos, nil
}
