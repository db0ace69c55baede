package bus

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	natsd "github.com/nats-io/nats-server/v2/server"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

type EmbeddedOptions struct {
	Host string `json:"host"`
	// Port -1 picks a random free port.
	Port int `json:"port"`

	CACert     string `json:"caCert,omitempty"`
	ServerCert string `json:"serverCert,omitempty"`
	ServerKey  string `json:"serverKey,omitempty"`
}

// NewEmbeddedNats starts an in-process nats server and waits until it accepts clients.
func NewEmbeddedNats(o EmbeddedOptions) (*natsd.Server, error) {
	if o.Host == "" {
		o.Host = "localhost"
	}
	opts := &natsd.Options{
		Host:   o.Host,
		Port:   o.Port,
		NoSigs: true,
		NoLog:  true,
	}

	if o.ServerCert != "" {
		tc, err := natsd.GenTLSConfig(&natsd.TLSConfigOpts{
			CertFile: o.ServerCert,
			KeyFile:  o.ServerKey,
			CaFile:   o.CACert,
			Verify:   o.CACert != "",
		})
		if err != nil {
			return nil, fmt.Errorf("nats tls: %w", err)
		}
		opts.TLSConfig = tc
		opts.TLS = true
		opts.TLSVerify = o.CACert != ""
	}

	s, err := natsd.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("nats server on %s:%d did not become ready", o.Host, o.Port)
	}
	log.Info("[bus].nats:", "url", s.ClientURL())
	return s, nil
}
