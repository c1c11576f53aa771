package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	apierrors "rslserver/internal/errors"
	"rslserver/internal/store"
)

// ClientRegistry authenticates API clients. Secrets are bcrypt-hashed at
// registration; the plaintext exists only in the registration response.
type ClientRegistry struct {
	store store.Store
	now   func() time.Time
}

// NewClientRegistry creates a client registry backed by the store.
func NewClientRegistry(st store.Store) *ClientRegistry {
	return &ClientRegistry{store: st, now: time.Now}
}

// Register stores a client credential. The caller supplies the id and
// secret; pre-provisioned credentials (development mode) use this path too.
func (c *ClientRegistry) Register(ctx context.Context, clientID, secret string) error {
	if clientID == "" || secret == "" {
		return apierrors.ErrValidation("client_id", "client id and secret are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash client secret: %w", err)
	}
	return c.store.PutClient(ctx, &store.Client{
		ID:         clientID,
		SecretHash: hash,
		CreatedAt:  c.now().UTC(),
	})
}

// Verify checks a client credential pair. Unknown clients and wrong
// secrets return the same error, so callers cannot probe for client ids.
func (c *ClientRegistry) Verify(ctx context.Context, clientID, secret string) error {
	client, err := c.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ErrInvalidClient
		}
		return fmt.Errorf("lookup client: %w", err)
	}
	if bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)) != nil {
		return apierrors.ErrInvalidClient
	}
	return nil
}

// authCodeTTL bounds how long an authorization code stays redeemable.
const authCodeTTL = 10 * time.Minute

// authCode is one single-use grant code with its bound subject.
type authCode struct {
	clientID  string
	subjectID string
	scope     string
	expiresAt time.Time
}

// AuthCodes issues and redeems single-use authorization codes for the
// authorization_code grant. Codes are held in memory only; they are
// short-lived handshake state, not durable records.
type AuthCodes struct {
	mu    sync.Mutex
	codes map[string]authCode
	now   func() time.Time
}

// NewAuthCodes creates an empty code registry.
func NewAuthCodes() *AuthCodes {
	return &AuthCodes{
		codes: make(map[string]authCode),
		now:   time.Now,
	}
}

// Issue mints a code bound to the client and subject.
func (a *AuthCodes) Issue(clientID, subjectID, scope string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate authorization code: %w", err)
	}
	code := "rslac_" + base64.RawURLEncoding.EncodeToString(raw)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.codes[code] = authCode{
		clientID:  clientID,
		subjectID: subjectID,
		scope:     scope,
		expiresAt: a.now().Add(authCodeTTL),
	}
	return code, nil
}

// Redeem consumes a code. Each code redeems at most once; expired,
// unknown, and wrong-client codes all fail identically.
func (a *AuthCodes) Redeem(code, clientID string) (subjectID, scope string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, found := a.codes[code]
	if !found {
		return "", "", false
	}
	delete(a.codes, code)

	if entry.clientID != clientID || a.now().After(entry.expiresAt) {
		return "", "", false
	}
	return entry.subjectID, entry.scope, true
}
