package store

import (
	"context"
	"sort"
	"sync"

	"rslserver/pkg/contracts/domain"
)

// MemoryStore is the in-memory Store implementation. All methods are safe
// for concurrent use; updates enforce the version stamp under the lock so
// the compare and the swap are one critical section.
type MemoryStore struct {
	mu            sync.RWMutex
	licenses      map[string]*LicenseRecord
	tokens        map[string]*domain.Token
	clients       map[string]*Client
	subscriptions map[string]*SubscriptionRecord
	deliveries    []*domain.WebhookDeliveryRecord
	audit         []*domain.AuditEntry
	charges       map[string]*ChargeRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licenses:      make(map[string]*LicenseRecord),
		tokens:        make(map[string]*domain.Token),
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]*SubscriptionRecord),
		charges:       make(map[string]*ChargeRecord),
	}
}

// CreateLicense stores a new license record at version 1.
func (s *MemoryStore) CreateLicense(ctx context.Context, rec *LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Document.LicenseID
	if _, exists := s.licenses[id]; exists {
		return ErrDuplicate
	}
	cp := *rec
	cp.Version = 1
	s.licenses[id] = &cp
	rec.Version = 1
	return nil
}

// GetLicense returns a copy of the stored record.
func (s *MemoryStore) GetLicense(ctx context.Context, licenseID string) (*LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.licenses[licenseID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateLicense replaces the record if rec.Version matches the stored
// version, then bumps the version.
func (s *MemoryStore) UpdateLicense(ctx context.Context, rec *LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Document.LicenseID
	current, ok := s.licenses[id]
	if !ok {
		return ErrNotFound
	}
	if current.Version != rec.Version {
		return ErrVersionConflict
	}
	cp := *rec
	cp.Version = current.Version + 1
	s.licenses[id] = &cp
	rec.Version = cp.Version
	return nil
}

// ListLicenses returns records for the owner; empty owner lists all.
func (s *MemoryStore) ListLicenses(ctx context.Context, owner string) ([]*LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*LicenseRecord
	for _, rec := range s.licenses {
		if owner != "" && rec.Document.Owner != owner {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Document.CreatedAt.Before(out[j].Document.CreatedAt)
	})
	return out, nil
}

// PutToken stores a token record. Token values are random, so a collision
// is a duplicate write.
func (s *MemoryStore) PutToken(ctx context.Context, token *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Value]; exists {
		return ErrDuplicate
	}
	cp := *token
	s.tokens[token.Value] = &cp
	return nil
}

// GetToken returns the token record for the opaque value.
func (s *MemoryStore) GetToken(ctx context.Context, value string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[value]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *token
	return &cp, nil
}

// PutClient stores or replaces a client registration.
func (s *MemoryStore) PutClient(ctx context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ID] = &cp
	return nil
}

// GetClient returns the client registration.
func (s *MemoryStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *client
	return &cp, nil
}

// CreateSubscription stores a new subscription at version 1.
func (s *MemoryStore) CreateSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Subscription.ID
	if _, exists := s.subscriptions[id]; exists {
		return ErrDuplicate
	}
	cp := *rec
	cp.Version = 1
	s.subscriptions[id] = &cp
	rec.Version = 1
	return nil
}

// GetSubscription returns a copy of the stored subscription.
func (s *MemoryStore) GetSubscription(ctx context.Context, id string) (*SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateSubscription is compare-and-swap on the version stamp.
func (s *MemoryStore) UpdateSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Subscription.ID
	current, ok := s.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	if current.Version != rec.Version {
		return ErrVersionConflict
	}
	cp := *rec
	cp.Version = current.Version + 1
	s.subscriptions[id] = &cp
	rec.Version = cp.Version
	return nil
}

// DeleteSubscription removes the subscription row. Prior delivery records
// are untouched.
func (s *MemoryStore) DeleteSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return ErrNotFound
	}
	delete(s.subscriptions, id)
	return nil
}

// ListSubscriptions returns subscriptions for the owner; empty owner
// lists all.
func (s *MemoryStore) ListSubscriptions(ctx context.Context, owner string) ([]*SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SubscriptionRecord
	for _, rec := range s.subscriptions {
		if owner != "" && rec.Subscription.Owner != owner {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Subscription.CreatedAt.Before(out[j].Subscription.CreatedAt)
	})
	return out, nil
}

// ListActiveSubscriptions returns every subscription with the active flag set.
func (s *MemoryStore) ListActiveSubscriptions(ctx context.Context) ([]*SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SubscriptionRecord
	for _, rec := range s.subscriptions {
		if !rec.Subscription.Active {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// AppendDelivery appends one delivery attempt record.
func (s *MemoryStore) AppendDelivery(ctx context.Context, rec *domain.WebhookDeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

// ListDeliveries returns delivery records for the subscription, most
// recent attempt first.
func (s *MemoryStore) ListDeliveries(ctx context.Context, subscriptionID string) ([]*domain.WebhookDeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WebhookDeliveryRecord
	for _, rec := range s.deliveries {
		if rec.SubscriptionID != subscriptionID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AttemptedAt.After(out[j].AttemptedAt)
	})
	return out, nil
}

// AppendAudit appends one audit entry.
func (s *MemoryStore) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAudit returns audit entries for the license, most recent first.
func (s *MemoryStore) ListAudit(ctx context.Context, licenseID string, limit int) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AuditEntry
	for _, entry := range s.audit {
		if entry.LicenseID != licenseID {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAllAudit returns every audit entry in append order.
func (s *MemoryStore) ListAllAudit(ctx context.Context) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AuditEntry, 0, len(s.audit))
	for _, entry := range s.audit {
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

// PutCharge stores a charge record keyed by its idempotency key.
func (s *MemoryStore) PutCharge(ctx context.Context, rec *ChargeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.charges[rec.IdempotencyKey]; exists {
		return ErrDuplicate
	}
	cp := *rec
	s.charges[rec.IdempotencyKey] = &cp
	return nil
}

// GetCharge returns the charge recorded under the idempotency key.
func (s *MemoryStore) GetCharge(ctx context.Context, idempotencyKey string) (*ChargeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.charges[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Close releases nothing for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
