package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var promRegistry *prometheus.Registry

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdbp_dispatch_total",
			Help: "Total number of protocol requests by opcode and status",
		},
		[]string{"op", "status"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdbp_dispatch_duration_seconds",
			Help:    "Duration of protocol requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	kvCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kv_commit_duration_seconds",
			Help:    "Duration of KV commit operations",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 0.2, 0.5, 1, 1.5, 2},
		},
		[]string{"operation"},
	)

	kvCommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_commit_failures_total",
			Help: "Total number of failed KV commit operations",
		},
		[]string{"operation"},
	)

	lockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdbp_lock_contention_total",
		Help: "Transactions refused because the major key was locked",
	})

	lockExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdbp_lock_expired_total",
		Help: "Transactions whose lease ran out before commit",
	})

	transactionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sdbp_transactions_active",
		Help: "Transactions currently holding a lease",
	})
)

func init() {
	promRegistry = prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())

	promRegistry.MustRegister(httpRequestsTotal)
	promRegistry.MustRegister(dispatchTotal)
	promRegistry.MustRegister(dispatchDuration)
	promRegistry.MustRegister(kvCommitDuration)
	promRegistry.MustRegister(kvCommitFailures)
	promRegistry.MustRegister(lockContention)
	promRegistry.MustRegister(lockExpired)
	promRegistry.MustRegister(transactionsActive)
}

type statusResponse struct {
	NodeID    uint64 `json:"nodeID"`
	PaxosID   uint64 `json:"paxosID"`
	Quorums   int    `json:"quorums"`
	Databases int    `json:"databases"`
	Tables    int    `json:"tables"`
	Leases    int    `json:"leases"`
}

// HealthHandler serves /healthz, /metrics and /status.
func (s *Server) HealthHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(PrometheusMiddleware)

	e.GET("/healthz", func(c echo.Context) error {
		if err := s.kv.Ping(); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.String(http.StatusOK, "OK")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	e.GET("/status", func(c echo.Context) error {
		s.schema.mu.RLock()
		res := statusResponse{
			NodeID:    s.cfg.NodeID,
			PaxosID:   s.paxosID.Load(),
			Quorums:   len(s.schema.quorums),
			Databases: len(s.schema.databases),
			Tables:    len(s.schema.tables),
		}
		s.schema.mu.RUnlock()
		res.Leases = s.leases.Held()
		return c.JSON(http.StatusOK, res)
	})

	return otelhttp.NewHandler(e, "sdbp-health")
}

func (s *Server) statsd(addr string) *http.Server {
	healthServer := &http.Server{
		Addr:              addr,
		Handler:           s.HealthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("[server].statsd:", "addr", addr, "err", err)
		}
	}()
	return healthServer
}

func PrometheusMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		httpRequestsTotal.WithLabelValues(c.Request().Method, c.Path(), fmt.Sprintf("%d", c.Response().Status)).Inc()
		return err
	}
}
