// Package token issues and introspects opaque bearer tokens, maintains
// the server's Ed25519 signing key, publishes the JWK verification set,
// and mints the signed payment-proof tokens consumed by policy
// evaluation.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// SigningKey is one Ed25519 key pair with its published metadata.
type SigningKey struct {
	ID        string
	Public    ed25519.PublicKey
	private   ed25519.PrivateKey
	Active    bool
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// JWK is the JSON encoding of one public verification key.
type JWK struct {
	Kty    string   `json:"kty"`
	Crv    string   `json:"crv"`
	X      string   `json:"x"`
	Use    string   `json:"use"`
	KeyOps []string `json:"key_ops"`
	Alg    string   `json:"alg"`
	Kid    string   `json:"kid"`
}

// JWKSet is the key-endpoint response body.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Keyring holds the server's signing keys. The current key signs; all
// active, unexpired keys are published for verification so rotation does
// not invalidate proofs in flight.
type Keyring struct {
	keys    []*SigningKey
	current *SigningKey
	now     func() time.Time
}

// NewKeyring generates a fresh Ed25519 key under the given key id.
func NewKeyring(keyID string) (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	key := &SigningKey{
		ID:        keyID,
		Public:    pub,
		private:   priv,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	return &Keyring{
		keys:    []*SigningKey{key},
		current: key,
		now:     time.Now,
	}, nil
}

// Current returns the key used for new signatures.
func (k *Keyring) Current() *SigningKey { return k.current }

// PrivateKey exposes the current private key for signing.
func (k *Keyring) PrivateKey() ed25519.PrivateKey { return k.current.private }

// PublicKeyFor returns the public key for a key id, if it is still
// publishable.
func (k *Keyring) PublicKeyFor(kid string) (ed25519.PublicKey, bool) {
	for _, key := range k.keys {
		if key.ID == kid && k.publishable(key) {
			return key.Public, true
		}
	}
	return nil, false
}

// JWKSet returns the published verification keys: active and not expired.
func (k *Keyring) JWKSet() JWKSet {
	set := JWKSet{Keys: []JWK{}}
	for _, key := range k.keys {
		if !k.publishable(key) {
			continue
		}
		set.Keys = append(set.Keys, JWK{
			Kty:    "OKP",
			Crv:    "Ed25519",
			X:      base64.RawURLEncoding.EncodeToString(key.Public),
			Use:    "sig",
			KeyOps: []string{"verify"},
			Alg:    "EdDSA",
			Kid:    key.ID,
		})
	}
	return set
}

func (k *Keyring) publishable(key *SigningKey) bool {
	if !key.Active {
		return false
	}
	if key.ExpiresAt != nil && k.now().After(*key.ExpiresAt) {
		return false
	}
	return true
}

// newOpaqueValue generates a 256-bit random bearer token value.
func newOpaqueValue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token value: %w", err)
	}
	return "rsl_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
