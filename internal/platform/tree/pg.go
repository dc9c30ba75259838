package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying changed paths.
const notifyChannel = "tree_changes"

// PG stores the tree in PostgreSQL as flattened leaves (see
// migrations/001_tree.sql). Every write runs in one transaction that also
// issues pg_notify with the written path, so notifications arrive in commit
// order. Subscriptions share one dedicated LISTEN connection; each change
// triggers a re-read of every related subscribed path.
type PG struct {
	pool   *pgxpool.Pool
	keys   *KeyGenerator
	logger zerolog.Logger

	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	listening bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	queue     *dispatchQueue
	done      chan struct{}
}

// NewPG creates a PostgreSQL-backed tree on pool. The pool stays owned by
// the caller.
func NewPG(pool *pgxpool.Pool, logger zerolog.Logger) *PG {
	ctx, cancel := context.WithCancel(context.Background())
	return &PG{
		pool:   pool,
		keys:   NewKeyGenerator(),
		logger: logger.With().Str("component", "pgtree").Logger(),
		subs:   make(map[*Subscription]struct{}),
		ctx:    ctx,
		cancel: cancel,
		queue:  newDispatchQueue(),
	}
}

// Close stops the notification listener and drops pending deliveries.
func (t *PG) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listening := t.listening
	t.mu.Unlock()

	t.cancel()
	t.queue.close()
	if listening {
		<-t.done
	}
	return nil
}

func (t *PG) Get(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	var rows pgx.Rows
	if p == "" {
		rows, err = t.pool.Query(ctx, `SELECT path, value FROM tree_leaf ORDER BY path`)
	} else {
		rows, err = t.pool.Query(ctx, `
			SELECT path, value FROM tree_leaf
			WHERE path = $1 OR starts_with(path, $2)
			ORDER BY path`, p, p+"/")
	}
	if err != nil {
		return nil, unavailable("get", p, err)
	}
	defer rows.Close()

	var leaves []leaf
	for rows.Next() {
		var l leaf
		var value []byte
		if err := rows.Scan(&l.Path, &value); err != nil {
			return nil, unavailable("get", p, err)
		}
		l.Value = value
		leaves = append(leaves, l)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get", p, err)
	}

	node, err := unflatten(p, leaves)
	if err != nil {
		return nil, err
	}
	return encode(node)
}

func (t *PG) Set(ctx context.Context, path string, value any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	node, err := normalize(value)
	if err != nil {
		return err
	}
	return t.write(ctx, "set", p, node)
}

func (t *PG) Push(ctx context.Context, path string, value any) (string, error) {
	p, err := Clean(path)
	if err != nil {
		return "", err
	}
	node, err := normalize(value)
	if err != nil {
		return "", err
	}
	key := t.keys.Next()
	if err := t.write(ctx, "push", Join(p, key), node); err != nil {
		return "", err
	}
	return key, nil
}

func (t *PG) Remove(ctx context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	return t.write(ctx, "remove", p, nil)
}

func (t *PG) write(ctx context.Context, op, p string, node any) error {
	leaves, err := flatten(p, node, nil)
	if err != nil {
		return err
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return unavailable(op, p, err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	if p == "" {
		b.Queue(`DELETE FROM tree_leaf`)
	} else {
		b.Queue(`DELETE FROM tree_leaf WHERE path = $1 OR starts_with(path, $2)`, p, p+"/")
		if anc := Ancestors(p); len(anc) > 0 {
			b.Queue(`DELETE FROM tree_leaf WHERE path = ANY($1)`, anc)
		}
	}
	for _, l := range leaves {
		b.Queue(`INSERT INTO tree_leaf (path, value, updated_at) VALUES ($1, $2, NOW())`, l.Path, string(l.Value))
	}
	b.Queue(`SELECT pg_notify($1, $2)`, notifyChannel, p)

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return unavailable(op, p, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable(op, p, err)
	}
	return nil
}

func (t *PG) Subscribe(_ context.Context, path string, fn Listener) (*Subscription, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, unavailable("subscribe", p, ErrClosed)
	}
	if !t.listening {
		if err := t.startListener(); err != nil {
			return nil, unavailable("subscribe", p, err)
		}
	}

	sub := newSubscription(p, fn)
	t.subs[sub] = struct{}{}
	sub.detach = func() {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}
	t.queue.push(func() { t.prime(sub) })
	return sub, nil
}

// Listener reconnect backoff bounds.
var (
	relistenMin = 250 * time.Millisecond
	relistenMax = 10 * time.Second
)

// startListener acquires the LISTEN connection and starts the listener and
// dispatcher goroutines. Callers hold t.mu.
func (t *PG) startListener() error {
	conn, err := t.acquireListener()
	if err != nil {
		return err
	}

	t.listening = true
	t.done = make(chan struct{})
	go t.queue.run()
	go t.listen(conn)
	return nil
}

func (t *PG) acquireListener() (*pgxpool.Conn, error) {
	conn, err := t.pool.Acquire(t.ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(t.ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	return conn, nil
}

// listen forwards notifications to the dispatcher. When the connection is
// lost every subscription gets an error, and once LISTEN is re-established
// every subscription is re-read, covering writes made in between.
func (t *PG) listen(conn *pgxpool.Conn) {
	defer close(t.done)

	for {
		err := t.wait(conn)
		conn.Release()
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Error().Err(err).Msg("notification listener lost; reconnecting")
		t.failAll(unavailable("listen", "", err))

		if conn = t.relisten(); conn == nil {
			return
		}
		t.logger.Info().Msg("notification listener restored")
		t.reprimeAll()
	}
}

func (t *PG) wait(conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(t.ctx)
		if err != nil {
			return err
		}
		changed := n.Payload
		t.queue.push(func() { t.fanout(changed) })
	}
}

// relisten retries LISTEN with exponential backoff until it succeeds or the
// tree is closed, in which case it returns nil.
func (t *PG) relisten() *pgxpool.Conn {
	delay := relistenMin
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, err := t.acquireListener()
		if err == nil {
			return conn
		}
		if t.ctx.Err() != nil {
			return nil
		}
		t.logger.Warn().Err(err).Dur("retry_in", delay).Msg("relisten failed")
		delay = min(delay*2, relistenMax)
	}
}

func (t *PG) reprimeAll() {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		s := sub
		t.queue.push(func() { t.prime(s) })
	}
}

func (t *PG) prime(sub *Subscription) {
	if !sub.Active() {
		return
	}
	snap, err := t.Get(t.ctx, sub.path)
	if err != nil {
		t.logger.Error().Err(err).Str("path", sub.path).Msg("initial snapshot read failed")
		sub.fail(err)
		return
	}
	sub.deliver(snap)
}

// failAll reports err to every live subscription.
func (t *PG) failAll(err error) {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		s := sub
		t.queue.push(func() { s.fail(err) })
	}
}

func (t *PG) fanout(changed string) {
	t.mu.Lock()
	byPath := make(map[string][]*Subscription)
	for sub := range t.subs {
		if Related(sub.path, changed) {
			byPath[sub.path] = append(byPath[sub.path], sub)
		}
	}
	t.mu.Unlock()

	for path, subs := range byPath {
		snap, err := t.Get(t.ctx, path)
		if err != nil {
			t.logger.Error().Err(err).Str("path", path).Msg("snapshot re-read failed")
			for _, sub := range subs {
				sub.fail(err)
			}
			continue
		}
		for _, sub := range subs {
			sub.deliver(snap)
		}
	}
}
