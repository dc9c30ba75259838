// Package changefeed publishes a record of every successful tree mutation.
// Tree wraps any tree.Client; publishers ship the records to Kafka, a
// signed webhook, or the log.
package changefeed

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/platform/auth"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

// Op is the kind of mutation.
type Op string

const (
	OpSet    Op = "set"
	OpPush   Op = "push"
	OpRemove Op = "remove"
)

// Change describes one committed mutation. For a push, Path is the parent
// and Key the generated child key.
type Change struct {
	Op    Op        `json:"op"`
	Path  string    `json:"path"`
	Key   string    `json:"key,omitempty"`
	Actor string    `json:"actor,omitempty"`
	At    time.Time `json:"at"`
}

// Target returns the path that was written.
func (c Change) Target() string {
	if c.Key != "" {
		return tree.Join(c.Path, c.Key)
	}
	return c.Path
}

// PartitionKey groups changes by collection and owner ("appointments/u1")
// so one owner's changes stay ordered.
func (c Change) PartitionKey() string {
	segs := tree.Segments(c.Target())
	if len(segs) > 2 {
		segs = segs[:2]
	}
	return tree.Join(segs...)
}

// Publisher ships changes somewhere.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
	Close() error
}

// Multi fans a change out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, c Change) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Tree publishes a Change after each successful Set, Push and Remove of the
// wrapped client. Publish failures are logged and never fail the write.
// The actor is the user id carried by the write's context.
type Tree struct {
	tree.Client
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func New(c tree.Client, pub Publisher, logger zerolog.Logger) *Tree {
	return &Tree{
		Client: c,
		pub:    pub,
		logger: logger.With().Str("component", "changefeed").Logger(),
		now:    time.Now,
	}
}

func (t *Tree) Set(ctx context.Context, path string, value any) error {
	if err := t.Client.Set(ctx, path, value); err != nil {
		return err
	}
	op := OpSet
	if value == nil {
		op = OpRemove
	}
	t.publish(ctx, Change{Op: op, Path: path})
	return nil
}

func (t *Tree) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := t.Client.Push(ctx, path, value)
	if err != nil {
		return "", err
	}
	t.publish(ctx, Change{Op: OpPush, Path: path, Key: key})
	return key, nil
}

func (t *Tree) Remove(ctx context.Context, path string) error {
	if err := t.Client.Remove(ctx, path); err != nil {
		return err
	}
	t.publish(ctx, Change{Op: OpRemove, Path: path})
	return nil
}

func (t *Tree) publish(ctx context.Context, c Change) {
	if p, err := tree.Clean(c.Path); err == nil {
		c.Path = p
	}
	c.Actor = auth.UserIDFromContext(ctx)
	c.At = t.now().UTC()
	if err := t.pub.Publish(context.WithoutCancel(ctx), c); err != nil {
		t.logger.Error().Err(err).Str("op", string(c.Op)).Str("path", c.Target()).Msg("failed to publish change")
	}
}
