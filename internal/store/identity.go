package store

import (
	"context"
	"sync"

	"github.com/unihealth/unihealth/internal/domain/records"
)

// Status is the sign-in lifecycle state.
type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusFailed          Status = "failed"
)

// IdentityState is a snapshot of the IdentityStore.
type IdentityState struct {
	Identity *records.Identity
	Role     records.Role
	Loading  bool
	Error    string
	Status   Status
}

// IdentityStore is the single source of truth for the signed-in user.
type IdentityStore struct {
	mu    sync.RWMutex
	state IdentityState
	subs  broadcaster[IdentityState]
}

// NewIdentityStore returns a store in the unauthenticated state.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{state: IdentityState{Status: StatusUnauthenticated}}
}

func (s *IdentityStore) update(fn func(st *IdentityState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.subs.publish(s.state.clone())
}

// BeginLoading enters the loading state, clearing any previous error. It is
// the entry point of both a first sign-in and a retry after a failure.
func (s *IdentityStore) BeginLoading() {
	s.update(func(st *IdentityState) {
		st.Loading = true
		st.Error = ""
		st.Status = StatusLoading
	})
}

// SetIdentity records a signed-in user and takes its role, which may be
// empty. A nil identity signs out.
func (s *IdentityStore) SetIdentity(id *records.Identity) {
	if id == nil {
		s.SignOut()
		return
	}
	cp := *id
	s.update(func(st *IdentityState) {
		st.Identity = &cp
		st.Role = cp.Role
		st.Loading = false
		st.Error = ""
		st.Status = StatusAuthenticated
	})
}

// SetRole replaces the role of the current identity.
func (s *IdentityStore) SetRole(role records.Role) {
	s.update(func(st *IdentityState) {
		st.Role = role
		if st.Identity != nil {
			id := *st.Identity
			id.Role = role
			st.Identity = &id
		}
	})
}

// SetError moves to the failed state with msg and clears loading.
func (s *IdentityStore) SetError(msg string) {
	s.update(func(st *IdentityState) {
		st.Error = msg
		st.Loading = false
		st.Status = StatusFailed
	})
}

// ClearError drops the error message. A failed store without an identity
// returns to unauthenticated.
func (s *IdentityStore) ClearError() {
	s.update(func(st *IdentityState) {
		st.Error = ""
		if st.Status == StatusFailed {
			if st.Identity != nil {
				st.Status = StatusAuthenticated
			} else {
				st.Status = StatusUnauthenticated
			}
		}
	})
}

// SignOut clears the identity and returns to unauthenticated.
func (s *IdentityStore) SignOut() {
	s.update(func(st *IdentityState) {
		*st = IdentityState{Status: StatusUnauthenticated}
	})
}

// Snapshot returns a copy of the current state.
func (s *IdentityStore) Snapshot() IdentityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Watch delivers the current state and then every later state, keeping only
// the latest undelivered one. The channel closes when ctx is done.
func (s *IdentityStore) Watch(ctx context.Context) <-chan IdentityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.watch(ctx, s.state.clone())
}

func (st IdentityState) clone() IdentityState {
	if st.Identity != nil {
		id := *st.Identity
		st.Identity = &id
	}
	return st
}
