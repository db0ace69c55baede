package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aep/sdbp/api"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type NATSOptions struct {
	// Cluster namespaces the subjects, so several clusters can share one nats.
	Cluster string `json:"cluster,omitempty"`

	CACert     string `json:"caCert,omitempty"`
	ClientCert string `json:"clientCert,omitempty"`
	ClientKey  string `json:"clientKey,omitempty"`
}

func (o NATSOptions) subject(suffix string) string {
	cluster := o.Cluster
	if cluster == "" {
		cluster = "default"
	}
	return "sdbp." + cluster + "." + suffix
}

// NATS dispatches over nats request/reply. A server answering the status
// subject counts as the master; until one has answered, every dispatch
// first waits for it for at most the request's master timeout.
type NATS struct {
	nc      *nats.Conn
	opts    NATSOptions
	session string
	master  atomic.Bool
	once    sync.Once
}

func NATSDialer(opts NATSOptions) Dialer {
	return func(ctx context.Context, nodes []string) (Transport, error) {
		return DialNATS(ctx, nodes, opts)
	}
}

// DialNATS connects lazily: an unreachable node list is not an error here,
// it surfaces as NoConnection on the first dispatch.
func DialNATS(ctx context.Context, nodes []string, opts NATSOptions) (*NATS, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes")
	}
	urls := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !strings.Contains(n, "://") {
			n = "nats://" + n
		}
		urls = append(urls, n)
	}

	session := uuid.NewString()
	nopts := []nats.Option{
		nats.Name("sdbp-" + session),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(100 * time.Millisecond),
	}
	if opts.CACert != "" {
		nopts = append(nopts, nats.RootCAs(opts.CACert))
	}
	if opts.ClientCert != "" {
		nopts = append(nopts, nats.ClientCert(opts.ClientCert, opts.ClientKey))
	}

	nc, err := nats.Connect(strings.Join(urls, ","), nopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATS{nc: nc, opts: opts, session: session}, nil
}

func (t *NATS) Dispatch(ctx context.Context, req *api.Request) (int, Cursor) {
	if t.nc.IsClosed() {
		return api.StatusAPIError, nil
	}

	if !t.master.Load() {
		if status := t.findMaster(ctx, req.MasterTimeout); status != api.StatusSuccess {
			return status, nil
		}
	}

	data, err := json.Marshal(api.DispatchRequest{Session: t.session, Request: req})
	if err != nil {
		return api.StatusAPIError, nil
	}

	ctx, cancel := withGlobalTimeout(ctx, req.GlobalTimeout)
	defer cancel()

	msg, err := t.nc.RequestWithContext(ctx, t.opts.subject("dispatch"), data)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrNoResponders):
		t.master.Store(false)
		return api.StatusNoService, nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return api.StatusGlobalTimeout, nil
	default:
		log.Debug("[nats].Dispatch:", "op", req.Op, "err", err)
		t.master.Store(false)
		return api.StatusFailure, nil
	}

	var res api.Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		log.Warn("[nats].Dispatch:", "op", req.Op, "err", err)
		return api.StatusFailure, nil
	}
	return res.Status, NewCursor(&res)
}

func (t *NATS) findMaster(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultMasterTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		if _, err := t.status(ctx); err == nil {
			t.master.Store(true)
			return api.StatusSuccess
		}
		select {
		case <-ctx.Done():
			return api.StatusMasterTimeout
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (t *NATS) status(ctx context.Context) (*api.StatusResponse, error) {
	if !t.nc.IsConnected() {
		return nil, nats.ErrConnectionClosed
	}
	data, err := json.Marshal(api.StatusRequest{Session: t.session})
	if err != nil {
		return nil, err
	}
	msg, err := t.nc.RequestWithContext(ctx, t.opts.subject("status"), data)
	if err != nil {
		return nil, err
	}
	var res api.StatusResponse
	return &res, json.Unmarshal(msg.Data, &res)
}

func (t *NATS) ConnectivityStatus(ctx context.Context) int {
	if !t.nc.IsConnected() {
		return api.StatusNoConnection
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	res, err := t.status(ctx)
	if err != nil {
		return api.StatusNoMaster
	}
	return res.Connectivity
}

func (t *NATS) Close() error {
	t.once.Do(t.nc.Close)
	return nil
}

// ServeNATS answers dispatch and status requests for h until the returned stop is called.
func ServeNATS(nc *nats.Conn, opts NATSOptions, h Handler) (stop func() error, err error) {
	dispatch, err := nc.QueueSubscribe(opts.subject("dispatch"), "sdbp", func(m *nats.Msg) {
		var in api.DispatchRequest
		var res *api.Result
		if err := json.Unmarshal(m.Data, &in); err != nil || in.Request == nil {
			res = &api.Result{Status: api.StatusAPIError}
		} else {
			ctx, cancel := withGlobalTimeout(context.Background(), in.Request.GlobalTimeout)
			res = h.Handle(ctx, in.Session, in.Request)
			cancel()
		}
		respond(m, res)
	})
	if err != nil {
		return nil, err
	}

	status, err := nc.QueueSubscribe(opts.subject("status"), "sdbp", func(m *nats.Msg) {
		var in api.StatusRequest
		json.Unmarshal(m.Data, &in)
		respond(m, &api.StatusResponse{Connectivity: h.Connectivity(context.Background(), in.Session)})
	})
	if err != nil {
		dispatch.Unsubscribe()
		return nil, err
	}

	return func() error {
		return errors.Join(dispatch.Unsubscribe(), status.Unsubscribe())
	}, nil
}

func respond(m *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("[nats].respond:", "err", err)
		return
	}
	if err := m.Respond(data); err != nil {
		log.Debug("[nats].respond:", "err", err)
	}
}
