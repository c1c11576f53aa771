package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rslserver/internal/policy"
	"rslserver/pkg/contracts/domain"
)

// proofLifetime bounds how long a payment proof stays redeemable. A
// charge is proved once and redeemed promptly by the retry; a day covers
// clock skew and slow clients without leaving indefinite credentials.
const proofLifetime = 24 * time.Hour

// ErrInvalidProof is returned for proofs that fail verification.
var ErrInvalidProof = errors.New("token: invalid payment proof")

// proofClaims is the JWT claim set of a payment proof.
type proofClaims struct {
	jwt.RegisteredClaims
	LicenseID     string   `json:"rsl_license_id"`
	Permissions   []string `json:"rsl_permissions"`
	TransactionID string   `json:"rsl_transaction_id"`
}

// MintPaymentProof signs a proof that the given transaction paid for the
// listed permissions on the license. The proof is an EdDSA JWT verifiable
// against the published JWK set.
func (s *Service) MintPaymentProof(licenseID string, permissions []domain.PermissionType, transactionID string) (string, error) {
	now := s.now().UTC()
	perms := make([]string, len(permissions))
	for i, p := range permissions {
		perms[i] = string(p)
	}

	claims := proofClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   licenseID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(proofLifetime)),
		},
		LicenseID:     licenseID,
		Permissions:   perms,
		TransactionID: transactionID,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.keyring.Current().ID

	signed, err := tok.SignedString(s.keyring.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("sign payment proof: %w", err)
	}
	return signed, nil
}

// VerifyPaymentProof checks a proof's signature, expiry, and issuer, and
// converts it into the form the policy evaluator consumes.
func (s *Service) VerifyPaymentProof(proof string) (*policy.PaymentProof, error) {
	var claims proofClaims
	parsed, err := jwt.ParseWithClaims(proof, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		pub, ok := s.keyring.PublicKeyFor(kid)
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return pub, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidProof
	}
	if claims.LicenseID == "" || claims.TransactionID == "" {
		return nil, ErrInvalidProof
	}

	perms := make([]domain.PermissionType, len(claims.Permissions))
	for i, p := range claims.Permissions {
		perms[i] = domain.PermissionType(p)
	}
	return &policy.PaymentProof{
		TransactionID: claims.TransactionID,
		LicenseID:     claims.LicenseID,
		Permissions:   perms,
	}, nil
}
