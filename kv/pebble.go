package kv

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type Pebbledb struct {
	db *pebble.DB

	// pebble has no optimistic conflict detection, so writers are serialized instead
	writeLock sync.Mutex
}

type PebbleWrite struct {
	p        *Pebbledb
	batch    *pebble.Batch
	err      error
	commited bool
	locked   bool
}

func (w *PebbleWrite) lock() {
	if !w.locked {
		w.p.writeLock.Lock()
		w.locked = true
	}
}

func (w *PebbleWrite) unlock() {
	if w.locked {
		w.locked = false
		w.p.writeLock.Unlock()
	}
}

func (w *PebbleWrite) Commit(ctx context.Context) error {
	defer w.unlock()
	if w.err != nil {
		return w.err
	}
	if w.commited {
		return fmt.Errorf("already committed")
	}
	_, span := tracer.Start(ctx, "kv.PebbleWrite.Commit")
	defer span.End()

	if err := w.batch.Commit(pebble.Sync); err != nil {
		w.err = err
		return err
	}
	w.commited = true
	return w.batch.Close()
}

func (w *PebbleWrite) Rollback() error {
	w.unlock()
	if w.commited {
		return nil
	}
	if w.err != nil {
		return w.err
	}
	w.err = fmt.Errorf("rolled back")
	return w.batch.Close()
}

func (w *PebbleWrite) Put(key []byte, value []byte) error {
	w.lock()
	if w.err != nil {
		return w.err
	}
	err := w.batch.Set(key, value, nil)
	log.Debug("[pebble].Put:", "key", string(key), "err", err)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	return w.err
}

func (w *PebbleWrite) Del(key []byte) error {
	w.lock()
	if w.err != nil {
		return w.err
	}
	err := w.batch.Delete(key, nil)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	return w.err
}

func (w *PebbleWrite) Get(ctx context.Context, key []byte) ([]byte, error) {
	w.lock()
	if w.err != nil {
		return nil, w.err
	}
	return pebbleGet(w.batch, key)
}

func (w *PebbleWrite) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	w.lock()
	return pebbleIter(w.batch, start, end, false)
}

func (w *PebbleWrite) ReverseIter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	w.lock()
	return pebbleIter(w.batch, start, end, true)
}

func (w *PebbleWrite) Close() {
	w.Rollback()
}

type PebbleRead struct {
	snapshot *pebble.Snapshot
}

func (r *PebbleRead) Get(ctx context.Context, key []byte) ([]byte, error) {
	return pebbleGet(r.snapshot, key)
}

func (r *PebbleRead) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return pebbleIter(r.snapshot, start, end, false)
}

func (r *PebbleRead) ReverseIter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return pebbleIter(r.snapshot, start, end, true)
}

func (r *PebbleRead) Close() {
	r.snapshot.Close()
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func pebbleGet(r pebbleReader, key []byte) ([]byte, error) {
	val, closer, err := r.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			log.Debug("[pebble].Get:", "key", string(key), "err", "not found")
			return nil, nil
		}
		log.Debug("[pebble].Get:", "key", string(key), "err", err)
		return nil, err
	}
	defer closer.Close()

	log.Debug("[pebble].Get:", "key", string(key))
	return append([]byte{}, val...), nil
}

func pebbleIter(r pebbleReader, start []byte, end []byte, reverse bool) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		opts := &pebble.IterOptions{}
		if len(start) > 0 {
			opts.LowerBound = start
		}
		if len(end) > 0 {
			opts.UpperBound = end
		}
		it, err := r.NewIter(opts)
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}
		defer it.Close()

		valid, step := it.First, it.Next
		if reverse {
			valid, step = it.Last, it.Prev
		}
		for ok := valid(); ok; ok = step() {
			// the iterator reuses its buffers on every move
			key := append([]byte(nil), it.Key()...)
			val := append([]byte(nil), it.Value()...)

			log.Debug("[pebble].Iter:", "start", string(start), "end", string(end), "reverse", reverse, "at", string(key))
			if !yield(KeyAndValue{K: key, V: val}, nil) {
				return
			}
		}

		if err := it.Error(); err != nil {
			log.Debug("[pebble].Iter:", "start", string(start), "end", string(end), "err", err)
			yield(KeyAndValue{}, err)
		}
	}
}

func (p *Pebbledb) Close() {
	p.db.Close()
}

func (p *Pebbledb) Write() Write {
	return &PebbleWrite{p: p, batch: p.db.NewIndexedBatch()}
}

func (p *Pebbledb) Read() Read {
	return &PebbleRead{snapshot: p.db.NewSnapshot()}
}

func (p *Pebbledb) Ping() error {
	if p.db == nil {
		return fmt.Errorf("pebble not open")
	}
	return nil
}

// NewPebble opens an on-disk store in dir.
func NewPebble(dir string) (KV, error) {
	if dir == "" {
		dir = "sdbp-data"
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Pebbledb{db: db}, nil
}

// NewMemPebble creates an in-memory store, used by tests and `server --store mem`.
func NewMemPebble() (KV, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Pebbledb{db: db}, nil
}
