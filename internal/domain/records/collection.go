package records

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/unihealth/unihealth/internal/platform/tree"
)

// Snapshot is one delivery of a watched value.
type Snapshot[V any] struct {
	Value V
	Err   error
}

// Collection gives access to one per-owner keyed collection
// ({collection}/{ownerID}/{key}).
type Collection[T any, P record[T]] struct {
	tree   tree.Client
	name   string
	entity string
	now    func() time.Time
}

// Collections of the three keyed entities.
type (
	Appointments  = Collection[Appointment, *Appointment]
	Prescriptions = Collection[Prescription, *Prescription]
	Certificates  = Collection[Certificate, *Certificate]
)

// NewAppointments returns the appointments/{patientId} collection.
func NewAppointments(c tree.Client) *Appointments {
	return &Appointments{tree: c, name: AppointmentsCollection, entity: "appointment", now: time.Now}
}

// NewDoctorAppointments returns the doctorAppointments/{doctorId} mirror.
func NewDoctorAppointments(c tree.Client) *Appointments {
	return &Appointments{tree: c, name: DoctorAppointmentsCollection, entity: "appointment", now: time.Now}
}

// NewPrescriptions returns the prescriptions/{patientId} collection.
func NewPrescriptions(c tree.Client) *Prescriptions {
	return &Prescriptions{tree: c, name: PrescriptionsCollection, entity: "prescription", now: time.Now}
}

// NewCertificates returns the certificates/{patientId} collection.
func NewCertificates(c tree.Client) *Certificates {
	return &Certificates{tree: c, name: CertificatesCollection, entity: "certificate", now: time.Now}
}

// Name returns the top-level key of the collection.
func (c *Collection[T, P]) Name() string { return c.name }

// Path returns the tree path of ownerID's children.
func (c *Collection[T, P]) Path(ownerID string) string {
	return tree.Join(c.name, ownerID)
}

func (c *Collection[T, P]) ownerPath(ownerID string) (string, error) {
	if err := requireSegment(c.entity, "ownerId", ownerID); err != nil {
		return "", err
	}
	return c.Path(ownerID), nil
}

// Fetch reads every child of ownerID. An empty path yields an empty list.
func (c *Collection[T, P]) Fetch(ctx context.Context, ownerID string) ([]T, error) {
	p, err := c.ownerPath(ownerID)
	if err != nil {
		return nil, err
	}
	snap, err := c.tree.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	return KeyedObjectToList[T, P](c.entity, snap)
}

// FetchAll reads the whole collection across owners and keeps the records
// written by doctorID, tagged with their owning patient.
func (c *Collection[T, P]) FetchAll(ctx context.Context, doctorID string) ([]T, error) {
	if err := requireSegment(c.entity, "doctorId", doctorID); err != nil {
		return nil, err
	}
	snap, err := c.tree.Get(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return ScanByDoctor[T, P](c.entity, snap, doctorID)
}

// Subscribe calls fn with the current list of ownerID's children and again
// after every write to them. fn runs on the tree's delivery goroutine; a
// snapshot that fails to decode, or a store failure, is passed as a nil list
// with the error.
func (c *Collection[T, P]) Subscribe(ctx context.Context, ownerID string, fn func([]T, error)) (*tree.Subscription, error) {
	p, err := c.ownerPath(ownerID)
	if err != nil {
		return nil, err
	}
	return c.tree.Subscribe(ctx, p, func(snapshot json.RawMessage, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(KeyedObjectToList[T, P](c.entity, snapshot))
	})
}

// Watch is Subscribe as a channel. Only the latest undelivered snapshot is
// kept; the channel closes once ctx is done.
func (c *Collection[T, P]) Watch(ctx context.Context, ownerID string) (<-chan Snapshot[[]T], error) {
	return watch(ctx, func(fn func([]T, error)) (*tree.Subscription, error) {
		return c.Subscribe(ctx, ownerID, fn)
	})
}

// Create validates item, stamps its creation time and appends it under
// ownerID. It returns the generated key.
func (c *Collection[T, P]) Create(ctx context.Context, ownerID string, item T) (string, error) {
	key, _, err := c.create(ctx, ownerID, item)
	return key, err
}

func (c *Collection[T, P]) create(ctx context.Context, ownerID string, item T) (string, T, error) {
	p, err := c.ownerPath(ownerID)
	if err != nil {
		return "", item, err
	}
	rec := P(&item)
	rec.setID("")
	if err := Validate(c.entity, &item); err != nil {
		return "", item, err
	}
	rec.setCreatedAt(Stamp(c.now()))

	key, err := c.tree.Push(ctx, p, &item)
	if err != nil {
		return "", item, err
	}
	return key, item, nil
}

// watch adapts a callback subscription into a latest-value channel.
func watch[V any](ctx context.Context, subscribe func(func(V, error)) (*tree.Subscription, error)) (<-chan Snapshot[V], error) {
	out := make(chan Snapshot[V], 1)
	var mu sync.Mutex
	closed := false

	sub, err := subscribe(func(v V, err error) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case <-out:
		default:
		}
		out <- Snapshot[V]{Value: v, Err: err}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}
