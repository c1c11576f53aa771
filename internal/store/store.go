// Package store defines the persistence collaborator consumed by every
// service. The interface hides storage mechanics; the in-memory
// implementation in this package is the reference backend and the test
// double. Mutating operations are compare-and-swap on a per-record
// version stamp so two concurrent updates cannot silently lose one.
package store

import (
	"context"
	"errors"
	"time"

	"rslserver/pkg/contracts/domain"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound        = errors.New("store: record not found")
	ErrDuplicate       = errors.New("store: record already exists")
	ErrVersionConflict = errors.New("store: version conflict")
)

// LicenseRecord is the stored form of a license: the document plus its
// canonical serializations and the CAS version stamp.
type LicenseRecord struct {
	Document      domain.LicenseDocument
	CanonicalXML  []byte
	CanonicalJSON []byte
	Version       int64
}

// SubscriptionRecord wraps a webhook subscription with its version stamp.
type SubscriptionRecord struct {
	Subscription domain.WebhookSubscription
	Version      int64
}

// Client is a registered API client. The secret is stored only as a
// bcrypt hash.
type Client struct {
	ID         string
	SecretHash []byte
	CreatedAt  time.Time
}

// ChargeRecord ties a completed payment to the idempotency key that
// requested it, so a retried payment-gated evaluation returns the
// recorded transaction instead of charging twice.
type ChargeRecord struct {
	IdempotencyKey string
	LicenseID      string
	TransactionID  string
	Amount         float64
	Currency       string
	ChargedAt      time.Time
}

// Store is the persistence collaborator. Append-only collections
// (deliveries, audit entries) expose no update or delete.
type Store interface {
	// Licenses. UpdateLicense compares rec.Version against the stored
	// version and returns ErrVersionConflict on mismatch.
	CreateLicense(ctx context.Context, rec *LicenseRecord) error
	GetLicense(ctx context.Context, licenseID string) (*LicenseRecord, error)
	UpdateLicense(ctx context.Context, rec *LicenseRecord) error
	ListLicenses(ctx context.Context, owner string) ([]*LicenseRecord, error)

	// Tokens. Records are immutable once written.
	PutToken(ctx context.Context, token *domain.Token) error
	GetToken(ctx context.Context, value string) (*domain.Token, error)

	// Clients.
	PutClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// Webhook subscriptions. UpdateSubscription is compare-and-swap like
	// UpdateLicense.
	CreateSubscription(ctx context.Context, rec *SubscriptionRecord) error
	GetSubscription(ctx context.Context, id string) (*SubscriptionRecord, error)
	UpdateSubscription(ctx context.Context, rec *SubscriptionRecord) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, owner string) ([]*SubscriptionRecord, error)
	ListActiveSubscriptions(ctx context.Context) ([]*SubscriptionRecord, error)

	// Webhook delivery ledger, append-only.
	AppendDelivery(ctx context.Context, rec *domain.WebhookDeliveryRecord) error
	ListDeliveries(ctx context.Context, subscriptionID string) ([]*domain.WebhookDeliveryRecord, error)

	// Audit log, append-only. ListAudit returns entries for the license
	// ordered most recent first; limit <= 0 means no limit.
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, licenseID string, limit int) ([]*domain.AuditEntry, error)
	ListAllAudit(ctx context.Context) ([]*domain.AuditEntry, error)

	// Payment charges keyed by idempotency key.
	PutCharge(ctx context.Context, rec *ChargeRecord) error
	GetCharge(ctx context.Context, idempotencyKey string) (*ChargeRecord, error)

	// Close releases the backend.
	Close() error
}
