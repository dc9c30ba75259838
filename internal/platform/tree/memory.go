package tree

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Memory is an in-process tree. Snapshots are delivered on a single
// dispatcher goroutine in the order the writes were committed, so listeners
// may call back into the tree without deadlocking.
type Memory struct {
	mu     sync.Mutex
	root   any
	subs   map[*Subscription]struct{}
	keys   *KeyGenerator
	queue  *dispatchQueue
	closed bool
}

// NewMemory creates an empty in-process tree and starts its dispatcher.
func NewMemory() *Memory {
	m := &Memory{
		subs:  make(map[*Subscription]struct{}),
		keys:  NewKeyGenerator(),
		queue: newDispatchQueue(),
	}
	go m.queue.run()
	return m
}

// Close stops the dispatcher. Pending deliveries are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.queue.close()
	return nil
}

func (m *Memory) Get(_ context.Context, path string) (json.RawMessage, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unavailable("get", p, ErrClosed)
	}
	return encode(lookup(m.root, Segments(p)))
}

func (m *Memory) Set(_ context.Context, path string, value any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	node, err := normalize(value)
	if err != nil {
		return err
	}
	return m.write("set", p, node)
}

func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	p, err := Clean(path)
	if err != nil {
		return "", err
	}
	node, err := normalize(value)
	if err != nil {
		return "", err
	}
	key := m.keys.Next()
	if err := m.write("push", Join(p, key), node); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Remove(_ context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	return m.write("remove", p, nil)
}

func (m *Memory) Subscribe(_ context.Context, path string, fn Listener) (*Subscription, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	sub := newSubscription(p, fn)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unavailable("subscribe", p, ErrClosed)
	}
	snap, err := encode(lookup(m.root, Segments(p)))
	if err != nil {
		return nil, err
	}
	m.subs[sub] = struct{}{}
	sub.detach = func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}
	m.queue.push(func() { sub.deliver(snap) })
	return sub, nil
}

// write commits node at p and queues a snapshot for every related listener
// while still holding the lock, which fixes delivery order to commit order.
func (m *Memory) write(op, p string, node any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable(op, p, ErrClosed)
	}
	m.root = assign(m.root, Segments(p), node)

	for sub := range m.subs {
		if !Related(sub.path, p) {
			continue
		}
		snap, err := encode(lookup(m.root, Segments(sub.path)))
		if err != nil {
			return err
		}
		s := sub
		m.queue.push(func() { s.deliver(snap) })
	}
	return nil
}

// KeyGenerator produces push keys: monotonic ULIDs that sort in creation
// order. It is safe for concurrent use.
type KeyGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewKeyGenerator creates a generator seeded from crypto/rand.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns a new unique key.
func (g *KeyGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// dispatchQueue is an unbounded FIFO of deliveries drained by one goroutine.
type dispatchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *dispatchQueue) push(fn func()) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, fn)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *dispatchQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *dispatchQueue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}
