package mirror

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/domain/account"
	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/store"
)

// Session binds an Authenticator to the IdentityStore and runs the Mirror
// for whoever is signed in.
type Session struct {
	auth     account.Authenticator
	identity *store.IdentityStore
	health   *store.HealthStore
	mirror   *Mirror
	logger   zerolog.Logger

	ctx    context.Context
	cancel func()
	once   sync.Once
}

// NewSession starts following auth. Mirror subscriptions are opened with ctx.
func NewSession(ctx context.Context, auth account.Authenticator, identity *store.IdentityStore, health *store.HealthStore, m *Mirror, logger zerolog.Logger) *Session {
	s := &Session{
		auth:     auth,
		identity: identity,
		health:   health,
		mirror:   m,
		logger:   logger.With().Str("component", "session").Logger(),
		ctx:      ctx,
	}
	s.cancel = auth.OnIdentityChange(s.identityChanged)
	if cur := auth.Current(); cur != nil {
		s.identityChanged(cur)
	}
	return s
}

func (s *Session) SignIn(ctx context.Context, email, password string) error {
	s.identity.BeginLoading()
	if _, err := s.auth.SignIn(ctx, email, password); err != nil {
		s.identity.SetError(err.Error())
		return err
	}
	return nil
}

func (s *Session) SignUp(ctx context.Context, req account.SignUpRequest) error {
	s.identity.BeginLoading()
	if _, err := s.auth.SignUp(ctx, req); err != nil {
		s.identity.SetError(err.Error())
		return err
	}
	return nil
}

func (s *Session) SignOut(ctx context.Context) error {
	return s.auth.SignOut(ctx)
}

// Close stops following the Authenticator and detaches the mirror.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.mirror.Stop()
	})
}

func (s *Session) identityChanged(id *records.Identity) {
	if id == nil {
		s.mirror.Stop()
		s.health.Reset()
		s.identity.SignOut()
		s.logger.Info().Msg("signed out")
		return
	}

	s.identity.SetIdentity(id)
	var err error
	if id.Role == records.RoleDoctor {
		err = s.mirror.StartDoctor(s.ctx, id.UID)
	} else {
		err = s.mirror.StartPatient(s.ctx, id.UID)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("uid", id.UID).Msg("mirror started with errors")
	}
	s.logger.Info().Str("uid", id.UID).Str("role", string(id.Role)).Msg("signed in")
}
