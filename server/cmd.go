package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aep/sdbp/bus"
	"github.com/aep/sdbp/transport"
	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	configPath string
	flags      = DefaultConfig()
)

var CMD = &cobra.Command{
	Use:   "server",
	Short: "start a reference sdbp server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := flags
		if configPath != "" {
			var err error
			if cfg, err = LoadConfig(configPath); err != nil {
				log.Error("[server].config:", "err", err)
				os.Exit(1)
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := Main(ctx, cfg); err != nil {
			log.Error("[server].Main:", "err", err)
			os.Exit(1)
		}
	},
}

func init() {
	CMD.Flags().StringVarP(&configPath, "config", "c", "", "yaml config file, overrides all other flags")
	CMD.Flags().Uint64Var(&flags.NodeID, "node-id", flags.NodeID, "id reported as the node of every result")
	CMD.Flags().StringVar(&flags.Store, "store", flags.Store, "mem, pebble or tikv")
	CMD.Flags().StringVar(&flags.Path, "path", flags.Path, "pebble directory or tikv pd endpoint")
	CMD.Flags().StringVar(&flags.LockExpire, "lock-expire", flags.LockExpire, "transaction lease lifetime")
	CMD.Flags().StringVar(&flags.Cluster, "cluster", flags.Cluster, "cluster name used in nats subjects")
	CMD.Flags().StringVar(&flags.NatsURL, "nats", flags.NatsURL, "external nats url; an embedded server is started if empty")
	CMD.Flags().StringVar(&flags.NatsHost, "nats-host", flags.NatsHost, "embedded nats listen host")
	CMD.Flags().IntVar(&flags.NatsPort, "nats-port", flags.NatsPort, "embedded nats listen port")
	CMD.Flags().StringVar(&flags.HealthAddr, "health", flags.HealthAddr, "listen address for /healthz and /metrics")
	CMD.Flags().StringVar(&flags.OTLPEndpoint, "otlp", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "otlp grpc collector endpoint")
	CMD.Flags().StringVar(&flags.CACert, "ca-cert", "", "Path to CA certificate file for client verification (enables mTLS)")
	CMD.Flags().StringVar(&flags.ServerCert, "server-cert", "", "Path to server certificate file")
	CMD.Flags().StringVar(&flags.ServerKey, "server-key", "", "Path to server private key file")
}

// Main runs a server until ctx is done.
func Main(ctx context.Context, cfg Config) error {
	if cfg.OTLPEndpoint != "" {
		shutdown, err := InitTracer(ctx, cfg.OTLPEndpoint, cfg.NodeID)
		if err != nil {
			return errors.Wrap(err, "tracing")
		}
		defer shutdown(context.Background())
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer store.Close()

	s, err := New(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer s.Close()

	url := cfg.NatsURL
	if url == "" {
		ns, err := bus.NewEmbeddedNats(bus.EmbeddedOptions{
			Host:       cfg.NatsHost,
			Port:       cfg.NatsPort,
			CACert:     cfg.CACert,
			ServerCert: cfg.ServerCert,
			ServerKey:  cfg.ServerKey,
		})
		if err != nil {
			return errors.Wrap(err, "embedded nats")
		}
		defer ns.Shutdown()
		url = ns.ClientURL()
	}

	var nopts []nats.Option
	if cfg.CACert != "" {
		nopts = append(nopts, nats.RootCAs(cfg.CACert))
	}
	if cfg.ServerCert != "" {
		nopts = append(nopts, nats.ClientCert(cfg.ServerCert, cfg.ServerKey))
	}
	nc, err := nats.Connect(url, nopts...)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", url)
	}
	defer nc.Close()

	stop, err := transport.ServeNATS(nc, transport.NATSOptions{Cluster: cfg.Cluster}, s)
	if err != nil {
		return err
	}
	defer stop()

	hs := s.statsd(cfg.HealthAddr)
	defer hs.Close()

	log.Info("[server].Main:", "node", cfg.NodeID, "store", cfg.Store, "nats", url, "cluster", cfg.Cluster)
	<-ctx.Done()
	return nil
}
