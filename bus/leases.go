package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
)

var (
	ErrLocked  = errors.New("locked")
	ErrExpired = errors.New("lease expired")
	ErrUnknown = errors.New("unknown lease")
)

// Lease is an exclusive hold on a key. It is cancelled when it expires or is released.
type Lease struct {
	ctx    context.Context
	cancel func()

	id      string
	key     string
	owner   string
	expires time.Time
}

func (l *Lease) Deadline() (deadline time.Time, ok bool) {
	return l.expires, true
}

func (l *Lease) Done() <-chan struct{} {
	return l.ctx.Done()
}

func (l *Lease) Err() error {
	return l.ctx.Err()
}

func (l *Lease) Value(key any) any {
	return l.ctx.Value(key)
}

func (l *Lease) ID() string    { return l.id }
func (l *Lease) Key() string   { return l.key }
func (l *Lease) Owner() string { return l.owner }

// LeaseTable grants at most one live lease per key. Leases are never renewed;
// each lives for the table's ttl unless released first.
type LeaseTable struct {
	m     sync.Mutex
	ttl   time.Duration
	byKey map[string]*Lease
	byID  map[string]*Lease

	// ids of leases that ran out, so a late commit can tell expiry from garbage
	expired otter.Cache[string, string]

	onExpire func(*Lease)
	stop     chan struct{}
	once     sync.Once
}

func NewLeaseTable(ttl time.Duration) (*LeaseTable, error) {
	remember := 10 * ttl
	if remember < time.Minute {
		remember = time.Minute
	}
	expired, err := otter.MustBuilder[string, string](10_000).WithTTL(remember).Build()
	if err != nil {
		return nil, err
	}

	t := &LeaseTable{
		ttl:     ttl,
		byKey:   make(map[string]*Lease),
		byID:    make(map[string]*Lease),
		expired: expired,
		stop:    make(chan struct{}),
	}

	tick := ttl / 4
	if tick > 200*time.Millisecond || tick <= 0 {
		tick = 200 * time.Millisecond
	}
	go func() {
		tk := time.NewTicker(tick)
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case now := <-tk.C:
				t.reap(now)
			}
		}
	}()

	return t, nil
}

func (t *LeaseTable) TTL() time.Duration {
	return t.ttl
}

// OnExpire registers fn to be called, outside the table's lock, for every lease that times out.
func (t *LeaseTable) OnExpire(fn func(*Lease)) {
	t.m.Lock()
	defer t.m.Unlock()
	t.onExpire = fn
}

func (t *LeaseTable) Lock(ctx context.Context, key string, owner string) (*Lease, error) {
	t.reap(time.Now())

	t.m.Lock()
	defer t.m.Unlock()

	if t.byKey[key] != nil {
		return nil, ErrLocked
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Lease{
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		key:     key,
		owner:   owner,
		expires: time.Now().Add(t.ttl),
	}
	t.byKey[key] = l
	t.byID[l.id] = l
	return l, nil
}

// Lookup returns the live lease with id, ErrExpired if it timed out, or ErrUnknown.
func (t *LeaseTable) Lookup(id string) (*Lease, error) {
	t.reap(time.Now())

	t.m.Lock()
	defer t.m.Unlock()

	if l := t.byID[id]; l != nil {
		return l, nil
	}
	if t.expired.Has(id) {
		return nil, ErrExpired
	}
	return nil, ErrUnknown
}

// Release drops the lease. It reports false if the lease was no longer held.
func (t *LeaseTable) Release(id string) bool {
	t.m.Lock()
	defer t.m.Unlock()

	l := t.byID[id]
	if l == nil {
		return false
	}
	t.drop(l)
	return true
}

func (t *LeaseTable) Held() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.byID)
}

func (t *LeaseTable) Close() {
	t.once.Do(func() {
		close(t.stop)
		t.m.Lock()
		for _, l := range t.byID {
			t.drop(l)
		}
		t.m.Unlock()
		t.expired.Close()
	})
}

func (t *LeaseTable) drop(l *Lease) {
	l.cancel()
	delete(t.byID, l.id)
	delete(t.byKey, l.key)
}

func (t *LeaseTable) reap(now time.Time) {
	t.m.Lock()
	var gone []*Lease
	for _, l := range t.byID {
		if !now.Before(l.expires) {
			t.drop(l)
			t.expired.Set(l.id, l.key)
			gone = append(gone, l)
		}
	}
	fn := t.onExpire
	t.m.Unlock()

	if fn == nil {
		return
	}
	for _, l := range gone {
		log.Debug("[bus].reap:", "key", l.key, "lease", l.id, "owner", l.owner)
		fn(l)
	}
}
