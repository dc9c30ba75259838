package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/platform/tree"
)

// SnapshotPrefix is the key prefix of exported snapshots.
const SnapshotPrefix = "snapshots"

// rootSegment names the whole tree in snapshot keys.
const rootSegment = "_root"

const snapshotLayout = "20060102T150405.000Z"

// ErrNothingToExport reports an export of an empty path.
var ErrNothingToExport = errors.New("nothing to export")

// Exporter copies tree subtrees to a BlobStore and back.
type Exporter struct {
	tree   tree.Client
	store  BlobStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewExporter(c tree.Client, store BlobStore, logger zerolog.Logger) *Exporter {
	return &Exporter{
		tree:   c,
		store:  store,
		logger: logger.With().Str("component", "exporter").Logger(),
		now:    time.Now,
	}
}

// SnapshotDir returns the key prefix under which snapshots of p are stored.
func SnapshotDir(p string) string {
	if p == "" {
		p = rootSegment
	}
	return SnapshotPrefix + "/" + p + "/"
}

// Export writes the subtree at p to snapshots/<p>/<timestamp>.json.
func (e *Exporter) Export(ctx context.Context, p string) (*Object, error) {
	p, err := tree.Clean(p)
	if err != nil {
		return nil, err
	}
	snap, err := e.tree.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if tree.IsEmpty(snap) {
		return nil, fmt.Errorf("%w: %q", ErrNothingToExport, p)
	}

	key := SnapshotDir(p) + e.now().UTC().Format(snapshotLayout) + ".json"
	obj, err := e.store.Put(ctx, key, "application/json", bytes.NewReader(snap))
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("path", p).Str("key", key).Int64("size", obj.Size).Msg("snapshot exported")
	return obj, nil
}

// Latest returns the newest snapshot of p.
func (e *Exporter) Latest(ctx context.Context, p string) (*Object, error) {
	p, err := tree.Clean(p)
	if err != nil {
		return nil, err
	}
	objs, err := e.store.List(ctx, SnapshotDir(p))
	if err != nil {
		return nil, err
	}
	var latest *Object
	for _, o := range objs {
		if strings.Contains(strings.TrimPrefix(o.Key, SnapshotDir(p)), "/") {
			continue
		}
		if latest == nil || o.Key > latest.Key {
			latest = o
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("snapshot of %q: %w", p, ErrBlobNotFound)
	}
	return latest, nil
}

// Restore replaces the subtree at p with the snapshot stored under key.
func (e *Exporter) Restore(ctx context.Context, key, p string) error {
	p, err := tree.Clean(p)
	if err != nil {
		return err
	}
	data, _, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("snapshot %s is not valid JSON", key)
	}
	if err := e.tree.Set(ctx, p, json.RawMessage(data)); err != nil {
		return err
	}
	e.logger.Info().Str("path", p).Str("key", key).Msg("snapshot restored")
	return nil
}
