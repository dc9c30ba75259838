package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/platform/auth"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

// CredentialsCollection is the tree subtree holding password hashes. It is
// never served to clients.
const CredentialsCollection = tree.ProtectedRoot

type credential struct {
	UID          string `json:"uid"`
	PasswordHash string `json:"passwordHash"`
}

// Service keeps credentials at credentials/{sha256(email)} and profiles at
// users/{uid}, and issues session tokens. Used in-process it also acts as an
// Authenticator for a single signed-in user.
type Service struct {
	identityNotifier

	tree     tree.Client
	profiles *records.Profiles
	tokens   *auth.TokenIssuer
	logger   zerolog.Logger
	cost     int
	now      func() time.Time

	// signUpMu serializes the email check and the credential write.
	signUpMu sync.Mutex
}

func NewService(c tree.Client, tokens *auth.TokenIssuer, logger zerolog.Logger) *Service {
	return &Service{
		tree:     c,
		profiles: records.NewProfiles(c),
		tokens:   tokens,
		logger:   logger.With().Str("component", "account").Logger(),
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// SetHashCost overrides the bcrypt cost.
func (s *Service) SetHashCost(cost int) {
	s.cost = cost
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func credentialPath(email string) string {
	sum := sha256.Sum256([]byte(normalizeEmail(email)))
	return tree.Join(CredentialsCollection, hex.EncodeToString(sum[:]))
}

// Register creates an account and returns a session for it.
func (s *Service) Register(ctx context.Context, req SignUpRequest) (*Session, error) {
	req.Email = normalizeEmail(req.Email)
	if req.Role == "" {
		req.Role = records.RolePatient
	}
	if err := records.Validate("sign-up", &req); err != nil {
		return nil, err
	}

	s.signUpMu.Lock()
	defer s.signUpMu.Unlock()

	p := credentialPath(req.Email)
	existing, err := s.tree.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if !tree.IsEmpty(existing) {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	uid := uuid.NewString()

	if err := s.tree.Set(ctx, p, credential{UID: uid, PasswordHash: string(hash)}); err != nil {
		return nil, err
	}
	profile := records.Profile{
		Name:      req.Name,
		Email:     req.Email,
		Role:      req.Role,
		CreatedAt: records.Stamp(s.now()),
	}
	if err := s.profiles.Put(ctx, uid, profile); err != nil {
		if rmErr := s.tree.Remove(ctx, p); rmErr != nil {
			s.logger.Error().Err(rmErr).Str("uid", uid).Msg("failed to roll back credentials")
		}
		return nil, err
	}

	s.logger.Info().Str("uid", uid).Str("role", string(req.Role)).Msg("account created")
	return s.session(records.Identity{UID: uid, DisplayName: req.Name, Email: req.Email, Role: req.Role})
}

// Authenticate checks email and password and returns a session.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	creds := Credentials{Email: normalizeEmail(email), Password: password}
	if err := records.Validate("sign-in", &creds); err != nil {
		return nil, err
	}

	snap, err := s.tree.Get(ctx, credentialPath(creds.Email))
	if err != nil {
		return nil, err
	}
	if tree.IsEmpty(snap) {
		return nil, ErrInvalidCredentials
	}
	var cred credential
	if err := json.Unmarshal(snap, &cred); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("verify password: %w", err)
	}

	id, err := s.Identity(ctx, cred.UID)
	if err != nil {
		return nil, err
	}
	if id.Email == "" {
		id.Email = creds.Email
	}
	return s.session(*id)
}

// Identity reads uid's profile. A profile without a role is a patient; a
// missing profile yields an identity with only the uid set.
func (s *Service) Identity(ctx context.Context, uid string) (*records.Identity, error) {
	profile, err := s.profiles.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	id := &records.Identity{UID: uid, Role: records.RolePatient}
	if profile != nil {
		id.DisplayName = profile.Name
		id.Email = profile.Email
		if profile.Role.Valid() {
			id.Role = profile.Role
		}
	}
	return id, nil
}

func (s *Service) session(id records.Identity) (*Session, error) {
	token, err := s.tokens.Issue(id.UID, string(id.Role), id.Email, id.DisplayName)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, Identity: id}, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*records.Identity, error) {
	sess, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	s.set(&sess.Identity)
	return &sess.Identity, nil
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*records.Identity, error) {
	sess, err := s.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	s.set(&sess.Identity)
	return &sess.Identity, nil
}

func (s *Service) SignOut(context.Context) error {
	s.set(nil)
	return nil
}
