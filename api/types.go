package api

import (
	"fmt"
	"strings"
	"time"
)

// Status codes returned by a dispatch. Negative values are failures.
const (
	StatusSuccess  = 0
	StatusAPIError = -1

	StatusPartial = -101
	StatusFailure = -102

	StatusNoMaster     = -201
	StatusNoConnection = -202
	StatusNoPrimary    = -203

	StatusMasterTimeout  = -301
	StatusGlobalTimeout  = -302
	StatusPrimaryTimeout = -303

	StatusNoService   = -401
	StatusFailed      = -402
	StatusBadSchema   = -403
	StatusLockFailure = -404
	StatusLockTimeout = -405
)

func StatusString(status int) string {
	switch status {
	case StatusSuccess:
		return "SDBP_SUCCESS"
	case StatusAPIError:
		return "SDBP_API_ERROR"
	case StatusPartial:
		return "SDBP_PARTIAL"
	case StatusFailure:
		return "SDBP_FAILURE"
	case StatusNoMaster:
		return "SDBP_NOMASTER"
	case StatusNoConnection:
		return "SDBP_NOCONNECTION"
	case StatusNoPrimary:
		return "SDBP_NOPRIMARY"
	case StatusMasterTimeout:
		return "SDBP_MASTER_TIMEOUT"
	case StatusGlobalTimeout:
		return "SDBP_GLOBAL_TIMEOUT"
	case StatusPrimaryTimeout:
		return "SDBP_PRIMARY_TIMEOUT"
	case StatusNoService:
		return "SDBP_NOSERVICE"
	case StatusFailed:
		return "SDBP_FAILED"
	case StatusBadSchema:
		return "SDBP_BADSCHEMA"
	case StatusLockFailure:
		return "SDBP_LOCK_FAILURE"
	case StatusLockTimeout:
		return "SDBP_LOCK_TIMEOUT"
	}
	return "<UNKNOWN>"
}

type Opcode string

const (
	OpCreateQuorum   Opcode = "Q"
	OpCreateDatabase Opcode = "C"
	OpCreateTable    Opcode = "c"
	OpTruncateTable  Opcode = "t"
	OpGetQuorumID    Opcode = "u"
	OpGetDatabaseID  Opcode = "i"
	OpGetTableID     Opcode = "T"

	OpGet          Opcode = "G"
	OpSet          Opcode = "S"
	OpAdd          Opcode = "a"
	OpDelete       Opcode = "X"
	OpSequenceSet  Opcode = "q"
	OpSequenceNext Opcode = "n"

	OpListKeys      Opcode = "L"
	OpListKeyValues Opcode = "l"
	OpCount         Opcode = "N"

	OpSubmit Opcode = "B"

	OpStartTransaction    Opcode = "x"
	OpCommitTransaction   Opcode = "y"
	OpRollbackTransaction Opcode = "z"
)

// Write reports whether the opcode mutates data and may be batched.
// Sequence operations mutate too but always execute immediately.
func (o Opcode) Write() bool {
	switch o {
	case OpSet, OpAdd, OpDelete:
		return true
	}
	return false
}

type Consistency int

const (
	ConsistencyAny Consistency = iota
	ConsistencyRYW
	ConsistencyStrict
)

func (c Consistency) String() string {
	switch c {
	case ConsistencyAny:
		return "any"
	case ConsistencyRYW:
		return "ryw"
	case ConsistencyStrict:
		return "strict"
	}
	return "unknown"
}

func (c Consistency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Consistency) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "any", "":
		*c = ConsistencyAny
	case "ryw", "read_your_writes":
		*c = ConsistencyRYW
	case "strict":
		*c = ConsistencyStrict
	default:
		return fmt.Errorf("unknown consistency %q", b)
	}
	return nil
}

// Duration is a time.Duration that reads from config files as "1.5s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Request struct {
	Op Opcode `json:"op"`

	DatabaseID uint64   `json:"db,omitempty"`
	TableID    uint64   `json:"tbl,omitempty"`
	QuorumID   uint64   `json:"quorum,omitempty"`
	Name       string   `json:"name,omitempty"`
	Nodes      []uint64 `json:"nodes,omitempty"`

	Key    []byte `json:"k,omitempty"`
	Value  []byte `json:"v,omitempty"`
	EndKey []byte `json:"end,omitempty"`
	Prefix []byte `json:"prefix,omitempty"`
	Number int64  `json:"n,omitempty"`

	Count    uint64 `json:"count,omitempty"`
	Backward bool   `json:"backward,omitempty"`
	Skip     bool   `json:"skip,omitempty"`

	MajorKey    []byte `json:"major,omitempty"`
	Transaction string `json:"tx,omitempty"`

	Consistency Consistency `json:"consistency,omitempty"`
	MinPaxosID  uint64      `json:"minPaxos,omitempty"`

	GlobalTimeout time.Duration `json:"globalTimeout,omitempty"`
	MasterTimeout time.Duration `json:"masterTimeout,omitempty"`

	Batch []Request `json:"batch,omitempty"`
}

type Entry struct {
	Status int    `json:"status,omitempty"`
	Key    []byte `json:"k,omitempty"`
	Value  []byte `json:"v,omitempty"`
	Number uint64 `json:"n,omitempty"`
	Signed int64  `json:"sn,omitempty"`
}

type Result struct {
	Status  int     `json:"status"`
	Entries []Entry `json:"entries,omitempty"`

	NodeID   *uint64 `json:"nodeID,omitempty"`
	QuorumID *uint64 `json:"quorumID,omitempty"`
	TableID  *uint64 `json:"tableID,omitempty"`
	PaxosID  *uint64 `json:"paxosID,omitempty"`
}

// DispatchRequest is the envelope sent over the wire by a connection handle.
type DispatchRequest struct {
	Session string   `json:"session"`
	Request *Request `json:"request"`
}

// StatusRequest asks the server how the session's last failure should be classified.
type StatusRequest struct {
	Session string `json:"session"`
}

type StatusResponse struct {
	Connectivity int    `json:"connectivity"`
	NodeID       uint64 `json:"nodeID"`
}
