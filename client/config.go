package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aep/sdbp/api"
	"github.com/cockroachdb/errors"
	"sigs.k8s.io/yaml"
)

type BatchMode int

const (
	// BatchDefault queues writes and submits automatically once the batch limit is exceeded.
	BatchDefault BatchMode = iota
	// BatchNoAutoSubmit queues writes and refuses new ones once the limit was exceeded.
	BatchNoAutoSubmit
	// BatchSingle sends every write on its own.
	BatchSingle
)

func (m BatchMode) String() string {
	switch m {
	case BatchDefault:
		return "default"
	case BatchNoAutoSubmit:
		return "noautosubmit"
	case BatchSingle:
		return "single"
	}
	return fmt.Sprintf("batchmode(%d)", int(m))
}

func (m BatchMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *BatchMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "default", "":
		*m = BatchDefault
	case "noautosubmit", "no_auto_submit":
		*m = BatchNoAutoSubmit
	case "single":
		*m = BatchSingle
	default:
		return fmt.Errorf("unknown batch mode %q", b)
	}
	return nil
}

const (
	DefaultBatchLimit    = 1 << 20
	DefaultGranularity   = 100
	DefaultGlobalTimeout = 120 * time.Second
	DefaultMasterTimeout = 21 * time.Second
)

type Config struct {
	Nodes       []string        `json:"nodes"`
	Consistency api.Consistency `json:"consistency"`
	BatchMode   BatchMode       `json:"batchMode"`
	// BatchLimit is the byte size of queued keys and values that triggers a submit.
	BatchLimit int `json:"batchLimit,omitempty"`

	GlobalTimeout api.Duration `json:"globalTimeout,omitempty"`
	MasterTimeout api.Duration `json:"masterTimeout,omitempty"`

	// Database and Table are selected when the session opens.
	Database string `json:"database,omitempty"`
	Table    string `json:"table,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Consistency:   api.ConsistencyStrict,
		BatchMode:     BatchDefault,
		BatchLimit:    DefaultBatchLimit,
		GlobalTimeout: api.Duration(DefaultGlobalTimeout),
		MasterTimeout: api.Duration(DefaultMasterTimeout),
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

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = api.Duration(DefaultGlobalTimeout)
	}
	if c.MasterTimeout <= 0 {
		c.MasterTimeout = api.Duration(DefaultMasterTimeout)
	}
	return c
}
