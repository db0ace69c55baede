package kv

import (
	"context"
	"iter"
)

type KeyAndValue struct {
	K []byte
	V []byte
}

// KV is the storage engine behind the reference server.
type KV interface {
	Close()
	Write() Write
	Read() Read
	Ping() error
}

// Read is a point-in-time view. Get returns nil, nil for a missing key.
// Iter yields [start, end) ascending, ReverseIter yields it descending.
// An empty bound is unbounded.
type Read interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error]
	ReverseIter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error]
	Close()
}

type Write interface {
	Read
	Put(key []byte, value []byte) error
	Del(key []byte) error
	Commit(ctx context.Context) error
	Rollback() error
}

// DeleteRange removes every key in [start, end) through w.
func DeleteRange(ctx context.Context, w Write, start, end []byte) (int, error) {
	var keys [][]byte
	for kv, err := range w.Iter(ctx, start, end) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, kv.K)
	}
	for _, k := range keys {
		if err := w.Del(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
