package tree

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Subscription is the detach handle returned by Client.Subscribe.
type Subscription struct {
	path   string
	fn     Listener
	closed atomic.Bool
	once   sync.Once
	detach func()
}

func newSubscription(path string, fn Listener) *Subscription {
	return &Subscription{path: path, fn: fn}
}

// Path returns the subscribed path.
func (s *Subscription) Path() string { return s.path }

// Active reports whether the subscription still delivers snapshots.
func (s *Subscription) Active() bool { return !s.closed.Load() }

// Unsubscribe detaches the listener. Deliveries queued before the call are
// dropped. Calling it more than once has no further effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.detach != nil {
			s.detach()
		}
	})
}

func (s *Subscription) deliver(snapshot json.RawMessage) {
	if s.closed.Load() {
		return
	}
	s.fn(snapshot, nil)
}

func (s *Subscription) fail(err error) {
	if s.closed.Load() {
		return
	}
	s.fn(nil, err)
}
