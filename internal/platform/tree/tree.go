// Package tree defines the path-addressable JSON document store that the sync
// layer reads from and writes to, together with its implementations: an
// in-process tree, a PostgreSQL-backed tree, and a remote client that talks to
// the sync server over HTTP and WebSockets.
//
// Paths are "/"-delimited keys ("appointments/u1/a1"). A path that holds no
// data reads as a nil snapshot. Writing JSON null (or a nil value) at a path
// removes it, and removing the last child of an object removes the object.
package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable reports that the store call itself was rejected
	// (transport failure, closed client, database error).
	ErrUnavailable = errors.New("remote store unavailable")
	// ErrInvalidPath reports a malformed path.
	ErrInvalidPath = errors.New("invalid path")
	// ErrClosed reports use of a client after Close.
	ErrClosed = errors.New("tree client closed")
)

// Listener receives the full current snapshot of a subscribed path. A nil
// snapshot means the path holds no data.
//
// A non-nil err (matching ErrUnavailable) means the store could not produce
// a snapshot; snapshot is nil then. A subscription the store rejected is
// detached after its error. After a transport failure the subscription
// stays attached and resumes with a fresh snapshot once the store recovers.
type Listener func(snapshot json.RawMessage, err error)

// Client is the remote store capability consumed by the sync layer.
type Client interface {
	// Get reads the subtree at path. It returns nil when the path is empty.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Set replaces the subtree at path with value.
	Set(ctx context.Context, path string, value any) error
	// Push stores value under a newly generated child key of path and
	// returns the key.
	Push(ctx context.Context, path string, value any) (string, error)
	// Remove deletes the subtree at path.
	Remove(ctx context.Context, path string) error
	// Subscribe attaches fn to path. fn is called with the current snapshot
	// once the subscription is attached and again after every write that
	// touches the subtree, an ancestor or a descendant of path.
	Subscribe(ctx context.Context, path string, fn Listener) (*Subscription, error)
}

// unavailable wraps a store failure so callers can match it with
// errors.Is(err, ErrUnavailable).
func unavailable(op, path string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("tree %s %q: %w: %w", op, path, ErrUnavailable, err)
}
