package records

import (
	"context"
	"encoding/json"
	"time"

	"github.com/unihealth/unihealth/internal/platform/tree"
)

// HealthMetrics accesses the healthData/{uid} singletons.
type HealthMetrics struct {
	tree tree.Client
	now  func() time.Time
}

// NewHealthMetrics creates the accessor.
func NewHealthMetrics(c tree.Client) *HealthMetrics {
	return &HealthMetrics{tree: c, now: time.Now}
}

// Path returns the tree path of uid's metrics.
func (h *HealthMetrics) Path(uid string) string {
	return tree.Join(HealthDataCollection, uid)
}

// Fetch reads uid's metrics. It returns nil, nil when none were saved.
func (h *HealthMetrics) Fetch(ctx context.Context, uid string) (*HealthMetric, error) {
	if err := requireSegment("health metric", "uid", uid); err != nil {
		return nil, err
	}
	snap, err := h.tree.Get(ctx, h.Path(uid))
	if err != nil {
		return nil, err
	}
	return decodeHealth(snap)
}

// Subscribe calls fn with uid's current metrics (nil when none) and again
// after every save.
func (h *HealthMetrics) Subscribe(ctx context.Context, uid string, fn func(*HealthMetric, error)) (*tree.Subscription, error) {
	if err := requireSegment("health metric", "uid", uid); err != nil {
		return nil, err
	}
	return h.tree.Subscribe(ctx, h.Path(uid), func(snapshot json.RawMessage, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(decodeHealth(snapshot))
	})
}

// Watch is Subscribe as a latest-value channel closed when ctx is done.
func (h *HealthMetrics) Watch(ctx context.Context, uid string) (<-chan Snapshot[*HealthMetric], error) {
	return watch(ctx, func(fn func(*HealthMetric, error)) (*tree.Subscription, error) {
		return h.Subscribe(ctx, uid, fn)
	})
}

// Save overwrites uid's metrics wholesale and stamps lastUpdated.
func (h *HealthMetrics) Save(ctx context.Context, uid string, m HealthMetric) error {
	if err := requireSegment("health metric", "uid", uid); err != nil {
		return err
	}
	if err := Validate("health metric", &m); err != nil {
		return err
	}
	m.LastUpdated = Stamp(h.now())
	return h.tree.Set(ctx, h.Path(uid), &m)
}

func decodeHealth(snap json.RawMessage) (*HealthMetric, error) {
	if tree.IsEmpty(snap) {
		return nil, nil
	}
	var m HealthMetric
	if err := json.Unmarshal(snap, &m); err != nil {
		return nil, &ValidationError{Entity: "health metric", Err: err}
	}
	if err := Validate("health metric", &m); err != nil {
		return nil, err
	}
	return &m, nil
}
