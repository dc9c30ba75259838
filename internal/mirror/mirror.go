// Package mirror keeps the client stores in step with the tree for the
// signed-in user: subscriptions feed the HealthStore, and a Session drives
// the IdentityStore from an Authenticator and starts the mirror by role.
package mirror

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/domain/doctor"
	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/platform/tree"
	"github.com/unihealth/unihealth/internal/store"
)

// ErrNoDoctor reports a doctor-only call while no doctor mirror is running.
var ErrNoDoctor = errors.New("doctor mirror not started")

// Mirror subscribes one user's collections into a HealthStore. Starting a new
// user stops the previous one; deliveries from stopped subscriptions never
// reach the store.
type Mirror struct {
	records *records.Service
	doctor  *doctor.Service
	health  *store.HealthStore
	logger  zerolog.Logger

	mu       sync.Mutex
	subs     []*tree.Subscription
	gen      uint64
	doctorID string
}

func New(rs *records.Service, ds *doctor.Service, health *store.HealthStore, logger zerolog.Logger) *Mirror {
	return &Mirror{
		records: rs,
		doctor:  ds,
		health:  health,
		logger:  logger.With().Str("component", "mirror").Logger(),
	}
}

// StartPatient mirrors uid's health data, appointments, prescriptions and
// certificates. A collection that cannot be subscribed has its error slot
// set; the joined subscribe errors are returned.
func (m *Mirror) StartPatient(ctx context.Context, uid string) error {
	gen := m.reset("")
	m.health.Reset()
	var errs []error

	m.health.SetLoading(store.KeyHealthData, true)
	sub, err := m.records.Health.Subscribe(ctx, uid, func(v *records.HealthMetric, err error) {
		deliver(m, gen, store.KeyHealthData, v, err, m.health.SetHealthData)
	})
	errs = append(errs, m.track(gen, store.KeyHealthData, sub, err))

	m.health.SetLoading(store.KeyAppointments, true)
	sub, err = m.records.Appointments.Subscribe(ctx, uid, func(v []records.Appointment, err error) {
		deliver(m, gen, store.KeyAppointments, v, err, m.health.SetAppointments)
	})
	errs = append(errs, m.track(gen, store.KeyAppointments, sub, err))

	m.health.SetLoading(store.KeyPrescriptions, true)
	sub, err = m.records.Prescriptions.Subscribe(ctx, uid, func(v []records.Prescription, err error) {
		deliver(m, gen, store.KeyPrescriptions, v, err, m.health.SetPrescriptions)
	})
	errs = append(errs, m.track(gen, store.KeyPrescriptions, sub, err))

	m.health.SetLoading(store.KeyCertificates, true)
	sub, err = m.records.Certificates.Subscribe(ctx, uid, func(v []records.Certificate, err error) {
		deliver(m, gen, store.KeyCertificates, v, err, m.health.SetCertificates)
	})
	errs = append(errs, m.track(gen, store.KeyCertificates, sub, err))

	m.logger.Debug().Str("uid", uid).Msg("patient mirror started")
	return errors.Join(errs...)
}

// StartDoctor follows doctorID's appointment mirror and loads the
// prescriptions and certificates they wrote.
func (m *Mirror) StartDoctor(ctx context.Context, doctorID string) error {
	gen := m.reset(doctorID)
	m.health.Reset()

	m.health.SetLoading(store.KeyAppointments, true)
	sub, err := m.doctor.SubscribeAppointments(ctx, doctorID, func(v []records.Appointment, err error) {
		deliver(m, gen, store.KeyAppointments, v, err, m.health.SetAppointments)
	})
	subErr := m.track(gen, store.KeyAppointments, sub, err)

	m.logger.Debug().Str("doctor_id", doctorID).Msg("doctor mirror started")
	return errors.Join(subErr, m.refresh(ctx, gen, doctorID))
}

// RefreshDoctor reloads the prescription and certificate scans of the
// running doctor mirror.
func (m *Mirror) RefreshDoctor(ctx context.Context) error {
	m.mu.Lock()
	gen, doctorID := m.gen, m.doctorID
	m.mu.Unlock()
	if doctorID == "" {
		return ErrNoDoctor
	}
	return m.refresh(ctx, gen, doctorID)
}

func (m *Mirror) refresh(ctx context.Context, gen uint64, doctorID string) error {
	m.health.SetLoading(store.KeyPrescriptions, true)
	m.health.SetLoading(store.KeyCertificates, true)

	rx, rxErr := m.doctor.Prescriptions(ctx, doctorID)
	deliver(m, gen, store.KeyPrescriptions, rx, rxErr, m.health.SetPrescriptions)

	certs, certErr := m.doctor.Certificates(ctx, doctorID)
	deliver(m, gen, store.KeyCertificates, certs, certErr, m.health.SetCertificates)

	return errors.Join(rxErr, certErr)
}

// Patients runs the roster join for the running doctor mirror.
func (m *Mirror) Patients(ctx context.Context) (*doctor.PatientsResult, error) {
	m.mu.Lock()
	doctorID := m.doctorID
	m.mu.Unlock()
	if doctorID == "" {
		return nil, ErrNoDoctor
	}
	return m.doctor.Patients(ctx, doctorID)
}

// Stop detaches every subscription. It is safe to call more than once.
func (m *Mirror) Stop() {
	m.reset("")
}

// reset stops the current subscriptions and starts a new generation.
func (m *Mirror) reset(doctorID string) uint64 {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.gen++
	m.doctorID = doctorID
	gen := m.gen
	m.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return gen
}

// apply runs fn while gen is still the running generation, so a concurrent
// reset cannot interleave with a store write.
func (m *Mirror) apply(gen uint64, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		fn()
	}
}

// track keeps sub for the generation that created it, or records err in the
// store. A subscription that outlived its generation is dropped at once.
func (m *Mirror) track(gen uint64, key store.Key, sub *tree.Subscription, err error) error {
	if err != nil {
		m.logger.Error().Err(err).Str("collection", string(key)).Msg("subscribe failed")
		m.apply(gen, func() { m.health.SetError(key, err.Error()) })
		return err
	}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

func deliver[V any](m *Mirror, gen uint64, key store.Key, v V, err error, set func(V)) {
	if err != nil {
		m.logger.Warn().Err(err).Str("collection", string(key)).Msg("mirror update failed")
		m.apply(gen, func() { m.health.SetError(key, err.Error()) })
		return
	}
	m.apply(gen, func() {
		set(v)
		m.health.ClearError(key)
		m.health.SetLoading(key, false)
	})
}
