// Package mkmtls creates a development CA and node certificates for running
// the nats transport with mutual TLS.
package mkmtls

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/aep/sdbp/server"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

const (
	caKeyFile  = "ca.key"
	caCertFile = "ca.crt"
)

var dir string

var CMD = &cobra.Command{
	Use:   "mkmtls [dns_name1] [dns_name2] ...",
	Short: "create a CA and a node certificate for nats mTLS",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		files, err := Generate(dir, args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, f := range files {
			fmt.Println("created", f)
		}
	},
}

func init() {
	CMD.Flags().StringVarP(&dir, "dir", "d", ".", "output directory, the CA is reused if it exists there")
}

// Generate writes a certificate for dnsNames signed by the CA in dir, creating
// the CA first if needed, plus a server config fragment pointing at the files.
// The first name is used as the file name base.
func Generate(dir string, dnsNames []string) ([]string, error) {
	if len(dnsNames) == 0 {
		return nil, errors.New("at least one dns name is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var files []string
	caKey, caCert, err := loadCA(dir)
	if errors.Is(err, os.ErrNotExist) {
		caKey, caCert, err = createCA(dir)
		files = append(files, filepath.Join(dir, caCertFile))
	}
	if err != nil {
		return nil, errors.Wrap(err, "ca")
	}

	name := dnsNames[0]
	certFile := filepath.Join(dir, name+".crt")
	keyFile := filepath.Join(dir, name+".key")
	if err := generateCert(caKey, caCert, dnsNames, certFile, keyFile); err != nil {
		return nil, err
	}
	files = append(files, certFile, keyFile)

	cfg := server.DefaultConfig()
	cfg.NatsHost = name
	cfg.CACert = filepath.Join(dir, caCertFile)
	cfg.ServerCert = certFile
	cfg.ServerKey = keyFile
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	cfgFile := filepath.Join(dir, name+"-server.yaml")
	if err := os.WriteFile(cfgFile, b, 0o644); err != nil {
		return nil, err
	}
	return append(files, cfgFile), nil
}

func loadCA(dir string) (ed25519.PrivateKey, *x509.Certificate, error) {
	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("failed to parse CA key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse CA key")
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, errors.New("private key is not an Ed25519 key")
	}

	certPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, nil, err
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("failed to parse CA cert PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse CA cert")
	}
	return edKey, cert, nil
}

func createCA(dir string) (ed25519.PrivateKey, *x509.Certificate, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"sdbp"},
			CommonName:   "sdbp development CA",
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create CA certificate")
	}
	if err := writePEM(filepath.Join(dir, caKeyFile), key, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writePEM(filepath.Join(dir, caCertFile), der, 0o644); err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	return key, cert, err
}

func generateCert(caKey ed25519.PrivateKey, caCert *x509.Certificate, dnsNames []string, certFile, keyFile string) error {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"sdbp"},
			CommonName:   dnsNames[0],
		},
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
		KeyUsage:  x509.KeyUsageDigitalSignature,
		// nodes are nats servers and clients of each other
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, key.Public(), caKey)
	if err != nil {
		return errors.Wrap(err, "failed to create certificate")
	}
	if err := writePEM(keyFile, key, 0o600); err != nil {
		return err
	}
	return writePEM(certFile, der, 0o644)
}

// writePEM stores a private key as PKCS#8 or DER bytes as a certificate.
func writePEM(path string, v any, perm os.FileMode) error {
	block := &pem.Block{Type: "CERTIFICATE"}
	switch v := v.(type) {
	case []byte:
		block.Bytes = v
	case ed25519.PrivateKey:
		b, err := x509.MarshalPKCS8PrivateKey(v)
		if err != nil {
			return err
		}
		block.Type, block.Bytes = "PRIVATE KEY", b
	default:
		return errors.Newf("cannot encode %T", v)
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), perm)
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}
