package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/unihealth/unihealth/internal/domain/records"
)

// Key names one of the mirrored collections.
type Key string

const (
	KeyHealthData    Key = "healthData"
	KeyAppointments  Key = "appointments"
	KeyPrescriptions Key = "prescriptions"
	KeyCertificates  Key = "certificates"
)

// Keys lists every collection tracked by HealthStore.
var Keys = []Key{KeyHealthData, KeyAppointments, KeyPrescriptions, KeyCertificates}

// HealthState is a snapshot of the HealthStore. Loading and Errors carry an
// entry for every key in Keys.
type HealthState struct {
	HealthData    *records.HealthMetric
	Appointments  []records.Appointment
	Prescriptions []records.Prescription
	Certificates  []records.Certificate
	Loading       map[Key]bool
	Errors        map[Key]string
}

// HealthStore holds the last-known records of the signed-in user with
// independent loading and error flags per collection. For any key, loading
// and a non-empty error never hold at the same time.
type HealthStore struct {
	mu    sync.RWMutex
	state HealthState
	subs  broadcaster[HealthState]
}

func NewHealthStore() *HealthStore {
	return &HealthStore{state: emptyHealthState()}
}

func emptyHealthState() HealthState {
	st := HealthState{
		Appointments:  []records.Appointment{},
		Prescriptions: []records.Prescription{},
		Certificates:  []records.Certificate{},
		Loading:       make(map[Key]bool, len(Keys)),
		Errors:        make(map[Key]string, len(Keys)),
	}
	for _, k := range Keys {
		st.Loading[k] = false
		st.Errors[k] = ""
	}
	return st
}

func (s *HealthStore) update(fn func(st *HealthState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.subs.publish(s.state.clone())
}

func (s *HealthStore) SetHealthData(m *records.HealthMetric) {
	if m != nil {
		cp := *m
		m = &cp
	}
	s.update(func(st *HealthState) { st.HealthData = m })
}

func (s *HealthStore) SetAppointments(list []records.Appointment) {
	list = nonNil(slices.Clone(list))
	s.update(func(st *HealthState) { st.Appointments = list })
}

func (s *HealthStore) SetPrescriptions(list []records.Prescription) {
	list = nonNil(slices.Clone(list))
	s.update(func(st *HealthState) { st.Prescriptions = list })
}

func (s *HealthStore) SetCertificates(list []records.Certificate) {
	list = nonNil(slices.Clone(list))
	s.update(func(st *HealthState) { st.Certificates = list })
}

// SetLoading sets the loading flag of key. Starting to load clears the
// key's error.
func (s *HealthStore) SetLoading(key Key, loading bool) {
	s.update(func(st *HealthState) {
		st.Loading[key] = loading
		if loading {
			st.Errors[key] = ""
		}
	})
}

// SetError records msg for key and clears its loading flag.
func (s *HealthStore) SetError(key Key, msg string) {
	s.update(func(st *HealthState) {
		st.Errors[key] = msg
		st.Loading[key] = false
	})
}

func (s *HealthStore) ClearError(key Key) {
	s.update(func(st *HealthState) { st.Errors[key] = "" })
}

func (s *HealthStore) ClearAllErrors() {
	s.update(func(st *HealthState) {
		for k := range st.Errors {
			st.Errors[k] = ""
		}
	})
}

// Reset drops all data and flags, as on sign-out.
func (s *HealthStore) Reset() {
	s.update(func(st *HealthState) { *st = emptyHealthState() })
}

// Snapshot returns a copy of the current state.
func (s *HealthStore) Snapshot() HealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Watch delivers the current state and then every later state, keeping only
// the latest undelivered one. The channel closes when ctx is done.
func (s *HealthStore) Watch(ctx context.Context) <-chan HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.watch(ctx, s.state.clone())
}

// clone copies the flag maps, the metrics record and the entity slices.
// Nested fields of the entities stay shared and are read-only.
func (st HealthState) clone() HealthState {
	if st.HealthData != nil {
		m := *st.HealthData
		st.HealthData = &m
	}
	st.Appointments = slices.Clone(st.Appointments)
	st.Prescriptions = slices.Clone(st.Prescriptions)
	st.Certificates = slices.Clone(st.Certificates)
	st.Loading = maps.Clone(st.Loading)
	st.Errors = maps.Clone(st.Errors)
	return st
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
