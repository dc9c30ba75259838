// Package store holds the client-side reactive state: who is signed in and
// the last-known records of that user. Stores are safe for concurrent use;
// every mutation replaces whole fields and is published to watchers as a
// copied snapshot.
package store

import (
	"context"
	"sync"
)

// broadcaster fans snapshots out to watchers. Each watcher keeps only the
// latest undelivered snapshot. publish must be called with the owning
// store's write lock held so watchers observe mutations in order.
type broadcaster[S any] struct {
	mu       sync.Mutex
	watchers map[chan S]struct{}
}

func (b *broadcaster[S]) watch(ctx context.Context, current S) <-chan S {
	ch := make(chan S, 1)
	ch <- current

	b.mu.Lock()
	if b.watchers == nil {
		b.watchers = make(map[chan S]struct{})
	}
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.watchers, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *broadcaster[S]) publish(s S) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (b *broadcaster[S]) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}
