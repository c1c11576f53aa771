// Package webhook manages event subscriptions and delivers signed event
// notifications. Registration and the delivery ledger live here; actual
// delivery runs asynchronously in the Dispatcher so no triggering request
// ever waits on a subscriber's endpoint.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	apierrors "rslserver/internal/errors"
	"rslserver/internal/store"
	"rslserver/pkg/contracts/domain"
)

// Registry manages webhook subscriptions.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a subscription registry.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: logger.With(slog.String("component", "webhook_registry")),
		now:    time.Now,
	}
}

// Register creates a subscription. The target URL must parse as absolute
// http(s) and every event must belong to the closed enum. The secret is
// generated here, once; updates never regenerate it.
func (r *Registry) Register(ctx context.Context, owner, rawURL string, events []domain.EventType) (*domain.WebhookSubscription, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, apierrors.NewWithDetails(apierrors.ErrInvalidURL.StatusCode, apierrors.CodeInvalidURL, apierrors.ErrInvalidURL.Message, err.Error())
	}
	if err := validateEvents(events); err != nil {
		return nil, apierrors.NewWithDetails(apierrors.ErrInvalidEvents.StatusCode, apierrors.CodeInvalidEvents, apierrors.ErrInvalidEvents.Message, err.Error())
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	sub := domain.WebhookSubscription{
		ID:        uuid.New().String(),
		Owner:     owner,
		URL:       rawURL,
		Events:    append([]domain.EventType(nil), events...),
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	rec := &store.SubscriptionRecord{Subscription: sub}
	if err := r.store.CreateSubscription(ctx, rec); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	r.logger.InfoContext(ctx, "webhook subscription registered",
		slog.String("subscription_id", sub.ID),
		slog.String("owner", owner),
		slog.Int("event_count", len(events)),
	)
	return &sub, nil
}

// UpdateParams carries the mutable subscription fields. Nil means leave
// unchanged. The secret is deliberately absent; see RotateSecret.
type UpdateParams struct {
	URL    *string
	Events []domain.EventType
	Active *bool
}

// Update mutates the subscription row. Prior delivery records are never
// touched. The update is compare-and-swap against the stored version, so
// two concurrent updates cannot silently lose one.
func (r *Registry) Update(ctx context.Context, id string, params UpdateParams) (*domain.WebhookSubscription, error) {
	rec, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if params.URL != nil {
		if err := validateURL(*params.URL); err != nil {
			return nil, apierrors.NewWithDetails(apierrors.ErrInvalidURL.StatusCode, apierrors.CodeInvalidURL, apierrors.ErrInvalidURL.Message, err.Error())
		}
		rec.Subscription.URL = *params.URL
	}
	if params.Events != nil {
		if err := validateEvents(params.Events); err != nil {
			return nil, apierrors.NewWithDetails(apierrors.ErrInvalidEvents.StatusCode, apierrors.CodeInvalidEvents, apierrors.ErrInvalidEvents.Message, err.Error())
		}
		rec.Subscription.Events = append([]domain.EventType(nil), params.Events...)
	}
	if params.Active != nil {
		rec.Subscription.Active = *params.Active
	}
	rec.Subscription.UpdatedAt = r.now().UTC()

	if err := r.store.UpdateSubscription(ctx, rec); err != nil {
		return nil, mapStoreErr(err)
	}
	sub := rec.Subscription
	return &sub, nil
}

// RotateSecret replaces the subscription secret with a fresh one. This is
// the only path that changes a secret after registration.
func (r *Registry) RotateSecret(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	rec, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	rec.Subscription.Secret = secret
	rec.Subscription.UpdatedAt = r.now().UTC()

	if err := r.store.UpdateSubscription(ctx, rec); err != nil {
		return nil, mapStoreErr(err)
	}

	r.logger.InfoContext(ctx, "webhook secret rotated",
		slog.String("subscription_id", id))
	sub := rec.Subscription
	return &sub, nil
}

// Delete removes the subscription row; its delivery history stays.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	r.logger.InfoContext(ctx, "webhook subscription deleted",
		slog.String("subscription_id", id))
	return nil
}

// Get returns one subscription.
func (r *Registry) Get(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	rec, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	sub := rec.Subscription
	return &sub, nil
}

// List returns subscriptions for the owner; empty owner lists all.
func (r *Registry) List(ctx context.Context, owner string) ([]*domain.WebhookSubscription, error) {
	recs, err := r.store.ListSubscriptions(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.WebhookSubscription, len(recs))
	for i, rec := range recs {
		sub := rec.Subscription
		out[i] = &sub
	}
	return out, nil
}

// Deliveries returns the delivery ledger for a subscription, most recent
// attempt first.
func (r *Registry) Deliveries(ctx context.Context, subscriptionID string) ([]*domain.WebhookDeliveryRecord, error) {
	if _, err := r.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, mapStoreErr(err)
	}
	return r.store.ListDeliveries(ctx, subscriptionID)
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

func validateEvents(events []domain.EventType) error {
	if len(events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, e := range events {
		if !e.Valid() {
			return fmt.Errorf("unknown event type %q", e)
		}
	}
	return nil
}

// newSecret generates a 256-bit secret, hex encoded.
func newSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(raw), nil
}

func mapStoreErr(err error) error {
	switch {
	case err == store.ErrNotFound:
		return apierrors.ErrSubscriptionNotFound
	case err == store.ErrVersionConflict:
		return apierrors.ErrConflict
	default:
		return err
	}
}
