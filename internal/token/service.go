package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rslserver/internal/store"
	"rslserver/pkg/contracts/domain"
)

// Service issues and introspects access tokens. Every dependency is
// injected; the service keeps no state outside the store and the keyring.
type Service struct {
	store    store.Store
	keyring  *Keyring
	lifetime time.Duration
	issuer   string
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a token service.
func NewService(st store.Store, keyring *Keyring, lifetime time.Duration, issuer string, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		keyring:  keyring,
		lifetime: lifetime,
		issuer:   issuer,
		logger:   logger.With(slog.String("component", "token_service")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a new token record. It always mints a fresh value: N
// concurrent issuances for the same subject produce N distinct, valid
// tokens. If the caller has gone away before the record is committed the
// issuance is abandoned with no side effect.
func (s *Service) Issue(ctx context.Context, scope, subjectID, clientID, licenseID string) (*domain.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err := newOpaqueValue()
	if err != nil {
		return nil, err
	}

	issuedAt := s.now().UTC()
	token := &domain.Token{
		Value:     value,
		ClientID:  clientID,
		SubjectID: subjectID,
		Scope:     scope,
		LicenseID: licenseID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.lifetime),
	}

	if err := s.store.PutToken(ctx, token); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	s.logger.InfoContext(ctx, "token issued",
		slog.String("client_id", clientID),
		slog.String("subject_id", subjectID),
		slog.String("scope", scope),
		slog.Time("expires_at", token.ExpiresAt),
	)
	return token, nil
}

// Introspection is the introspection response for one token value.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	LicenseID string `json:"rsl_license_id,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Introspect resolves a token value. A token that does not exist and a
// token past its expiry are observably identical: both return only
// active=false, so callers cannot probe for the existence of expired
// credentials.
func (s *Service) Introspect(ctx context.Context, value string) (*Introspection, error) {
	token, err := s.store.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Introspection{Active: false}, nil
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	if !token.ActiveAt(s.now()) {
		return &Introspection{Active: false}, nil
	}

	return &Introspection{
		Active:    true,
		Scope:     token.Scope,
		ClientID:  token.ClientID,
		Subject:   token.SubjectID,
		LicenseID: token.LicenseID,
		Issuer:    s.issuer,
		IssuedAt:  token.IssuedAt.Unix(),
		ExpiresAt: token.ExpiresAt.Unix(),
	}, nil
}

// SigningKeys returns the published JWK verification set.
func (s *Service) SigningKeys() JWKSet {
	return s.keyring.JWKSet()
}

// Lifetime reports the configured token validity window.
func (s *Service) Lifetime() time.Duration { return s.lifetime }
