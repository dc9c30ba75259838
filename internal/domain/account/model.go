// Package account implements email and password sign-in over the tree: a
// server-side Service that owns the credential records, an echo Handler
// exposing it, and a Client that signs in against a remote sync server.
package account

import (
	"context"
	"errors"
	"sync"

	"github.com/unihealth/unihealth/internal/domain/records"
)

var (
	// ErrEmailTaken reports a sign-up for an email that already has an
	// account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials reports an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

// Credentials is a sign-in request.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignUpRequest creates an account. An empty role defaults to patient.
type SignUpRequest struct {
	Name     string       `json:"name"`
	Email    string       `json:"email" validate:"required,email"`
	Password string       `json:"password" validate:"required,min=6"`
	Role     records.Role `json:"role,omitempty" validate:"omitempty,oneof=patient doctor"`
}

// Session is the result of a successful sign-in or sign-up.
type Session struct {
	Token    string           `json:"token"`
	Identity records.Identity `json:"identity"`
}

// Authenticator is the sign-in capability consumed by the client session.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*records.Identity, error)
	SignUp(ctx context.Context, req SignUpRequest) (*records.Identity, error)
	SignOut(ctx context.Context) error
	// Current returns the signed-in identity, or nil.
	Current() *records.Identity
	// OnIdentityChange registers fn to be called with the new identity (nil
	// on sign-out) after every change. The returned func unregisters it.
	OnIdentityChange(fn func(*records.Identity)) (cancel func())
}

// identityNotifier tracks the current identity and its listeners. Listeners
// run outside the lock in registration order.
type identityNotifier struct {
	mu        sync.Mutex
	current   *records.Identity
	listeners []identityListener
	nextID    int
}

type identityListener struct {
	id int
	fn func(*records.Identity)
}

func (n *identityNotifier) Current() *records.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return nil
	}
	cp := *n.current
	return &cp
}

func (n *identityNotifier) OnIdentityChange(fn func(*records.Identity)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, identityListener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, l := range n.listeners {
				if l.id == id {
					n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (n *identityNotifier) set(id *records.Identity) {
	n.mu.Lock()
	if id != nil {
		cp := *id
		id = &cp
	}
	n.current = id
	listeners := make([]identityListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, l := range listeners {
		if id == nil {
			l.fn(nil)
			continue
		}
		cp := *id
		l.fn(&cp)
	}
}
