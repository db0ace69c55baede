package kv

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	pingcaplog "github.com/pingcap/log"
	tikverr "github.com/tikv/client-go/v2/error"
	"github.com/tikv/client-go/v2/txnkv"
	"github.com/tikv/client-go/v2/txnkv/txnsnapshot"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer trace.Tracer

func init() {
	l, p, _ := pingcaplog.InitLogger(&pingcaplog.Config{})

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	l, _ = config.Build()

	pingcaplog.ReplaceGlobals(l, p)

	tracer = otel.Tracer("github.com/aep/sdbp/kv")
}

var log = slog.New(tint.NewHandler(os.Stderr, nil))

type Tikv struct {
	k *txnkv.Client
}

// tikvIterator is the part of unionstore.Iterator both txn and snapshot iterators share.
type tikvIterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next() error
	Close()
}

type TikvWrite struct {
	txn      *txnkv.KVTxn
	err      error
	commited bool
}

func (w *TikvWrite) Commit(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	if w.commited {
		return fmt.Errorf("already commited")
	}

	ctx, span := tracer.Start(ctx, "kv.TikvWrite.Commit")
	defer span.End()

	if err := w.txn.Commit(ctx); err != nil {
		w.err = err
		return err
	}
	w.commited = true
	return nil
}

func (w *TikvWrite) Rollback() error {
	if w.commited {
		return nil
	}
	if w.err != nil {
		return w.err
	}
	w.err = fmt.Errorf("rolled back")
	return w.txn.Rollback()
}

func (w *TikvWrite) Put(key []byte, value []byte) error {
	if w.err != nil {
		return w.err
	}
	err := w.txn.Set(key, value)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	log.Debug("[tikv].Put:", "key", string(key), "err", err)
	return w.err
}

func (w *TikvWrite) Get(ctx context.Context, key []byte) ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}

	ctx, span := tracer.Start(ctx, "kv.TikvWrite.Get")
	defer span.End()

	return tikvGet(w.txn.Get(ctx, key))
}

func (w *TikvWrite) Del(key []byte) error {
	if w.err != nil {
		return w.err
	}
	err := w.txn.Delete(key)
	if err != nil {
		w.err = err
	}
	return err
}

func (w *TikvWrite) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		_, span := tracer.Start(ctx, "kv.TikvWrite.Iter")
		defer span.End()

		it, err := w.txn.Iter(start, end)
		tikvIter(it, err, start, nil, yield)
	}
}

func (w *TikvWrite) ReverseIter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		_, span := tracer.Start(ctx, "kv.TikvWrite.ReverseIter")
		defer span.End()

		it, err := w.txn.IterReverse(end)
		tikvIter(it, err, start, start, yield)
	}
}

func (w *TikvWrite) Close() {
	w.Rollback()
}

type TikvRead struct {
	txn *txnsnapshot.KVSnapshot
	err error
}

func (r *TikvRead) Get(ctx context.Context, key []byte) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}

	ctx, span := tracer.Start(ctx, "kv.TikvRead.Get")
	defer span.End()

	return tikvGet(r.txn.Get(ctx, key))
}

func (r *TikvRead) Close() {
}

func (r *TikvRead) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		if r.err != nil {
			yield(KeyAndValue{}, r.err)
			return
		}
		_, span := tracer.Start(ctx, "kv.TikvRead.Iter")
		defer span.End()

		it, err := r.txn.Iter(start, end)
		tikvIter(it, err, start, nil, yield)
	}
}

func (r *TikvRead) ReverseIter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		if r.err != nil {
			yield(KeyAndValue{}, r.err)
			return
		}
		_, span := tracer.Start(ctx, "kv.TikvRead.ReverseIter")
		defer span.End()

		it, err := r.txn.IterReverse(end)
		tikvIter(it, err, start, start, yield)
	}
}

func tikvGet(b []byte, err error) ([]byte, error) {
	if tikverr.IsErrNotFound(err) {
		return nil, nil
	}
	return b, err
}

// tikvIter drains it into yield. A reverse iterator has no lower bound of its
// own, so floor stops it once keys drop below start.
func tikvIter(it tikvIterator, err error, start []byte, floor []byte, yield func(KeyAndValue, error) bool) {
	if err != nil {
		log.Debug("[tikv].Iter:", "start", string(start), "err", err)
		yield(KeyAndValue{}, err)
		return
	}
	defer it.Close()

	for it.Valid() {
		if len(floor) > 0 && bytes.Compare(it.Key(), floor) < 0 {
			return
		}
		log.Debug("[tikv].Iter:", "start", string(start), "at", string(it.Key()))
		if !yield(KeyAndValue{K: it.Key(), V: it.Value()}, nil) {
			return
		}
		if err := it.Next(); err != nil {
			log.Debug("[tikv].Iter:", "start", string(start), "err", err)
			yield(KeyAndValue{}, err)
			return
		}
	}
}

func (t *Tikv) Close() {
	t.k.Close()
}

func (t *Tikv) Write() Write {
	txn, err := t.k.Begin()
	return &TikvWrite{txn: txn, err: err}
}

func (t *Tikv) Read() Read {
	ts, err := t.k.CurrentTimestamp("global")
	if err != nil {
		return &TikvRead{nil, err}
	}
	return &TikvRead{t.k.GetSnapshot(ts), nil}
}

func (t *Tikv) Ping() error {
	_, err := t.k.CurrentTimestamp("global")
	return err
}

// NewTikv connects to the placement driver at endpoint, falling back to PD_ENDPOINT.
func NewTikv(endpoint string) (KV, error) {
	if endpoint == "" {
		endpoint = os.Getenv("PD_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "127.0.0.1:2379"
	}
	k, err := txnkv.NewClient([]string{endpoint})
	if err != nil {
		return nil, err
	}
	return &Tikv{k}, nil
}
