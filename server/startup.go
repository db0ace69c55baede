package server

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// startup loads the schema and the last paxos id from the store.
func (s *Server) startup(ctx context.Context) error {
	dbr := s.kv.Read()
	defer dbr.Close()

	for kv, err := range dbr.Iter(ctx, []byte("s"), []byte("t")) {
		if err != nil {
			return errors.Wrap(err, "loading schema")
		}
		if len(kv.K) != 10 {
			continue
		}
		var record any
		switch kv.K[1] {
		case kindQuorum:
			record = &Quorum{}
		case kindDatabase:
			record = &Database{}
		case kindTable:
			record = &Table{}
		default:
			continue
		}
		if err := decodeRecord(kv.V, record); err != nil {
			log.Error("[server].startup:", "key", string(kv.K), "err", err)
			continue
		}
		s.schema.install(record, binary.BigEndian.Uint64(kv.K[2:]))
	}

	for _, key := range [][]byte{nextIDKey, paxosKey} {
		v, err := dbr.Get(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "loading %s", key)
		}
		if len(v) != 8 {
			continue
		}
		n := binary.BigEndian.Uint64(v)
		if string(key) == string(paxosKey) {
			s.paxosID.Store(n)
		} else if n > s.schema.nextID {
			s.schema.nextID = n
		}
	}

	log.Info("[server].startup:",
		"quorums", len(s.schema.quorums),
		"databases", len(s.schema.databases),
		"tables", len(s.schema.tables),
		"paxos", s.paxosID.Load())
	return nil
}
