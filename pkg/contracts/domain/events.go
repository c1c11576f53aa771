package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates the webhook events a subscriber can register for.
// The set is closed; registration rejects anything outside it.
type EventType string

const (
	EventLicenseCreated   EventType = "license.created"
	EventLicenseUpdated   EventType = "license.updated"
	EventLicenseExpired   EventType = "license.expired"
	EventPaymentCompleted EventType = "payment.completed"
	EventUsageDetected    EventType = "usage.detected"
)

// AllEventTypes lists every member of the closed event enum.
var AllEventTypes = []EventType{
	EventLicenseCreated,
	EventLicenseUpdated,
	EventLicenseExpired,
	EventPaymentCompleted,
	EventUsageDetected,
}

// Valid reports whether the event type is a member of the closed enum.
func (e EventType) Valid() bool {
	switch e {
	case EventLicenseCreated, EventLicenseUpdated, EventLicenseExpired, EventPaymentCompleted, EventUsageDetected:
		return true
	}
	return false
}

// Event is the envelope delivered to webhook subscribers. Its JSON
// serialization is the exact byte sequence covered by the HMAC signature.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryStatus records the outcome of one webhook delivery attempt.
type DeliveryStatus string

const (
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// WebhookSubscription is a registered event consumer. The secret is
// generated once at registration and never re-derived; it changes only
// through an explicit rotation.
type WebhookSubscription struct {
	ID        string      `json:"id"`
	Owner     string      `json:"owner"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"-"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Subscribed reports whether the subscription covers the event type.
func (s *WebhookSubscription) Subscribed(t EventType) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// WebhookDeliveryRecord is one row of the append-only delivery ledger.
// Exactly one record is written per attempt; prior records are never
// mutated by subscription updates or later attempts.
type WebhookDeliveryRecord struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	SubscriptionID string         `json:"subscription_id"`
	Payload        []byte         `json:"payload"`
	Signature      string         `json:"signature"`
	Status         DeliveryStatus `json:"status"`
	Attempt        int            `json:"attempt"`
	StatusCode     int            `json:"status_code,omitempty"`
	Error          string         `json:"error,omitempty"`
	AttemptedAt    time.Time      `json:"attempted_at"`
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID        string          `json:"id"`
	LicenseID string          `json:"license_id"`
	Actor     Actor           `json:"actor"`
	Action    string          `json:"action"`
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Actor identifies who performed an audited action.
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Audit action names. The statistics queries aggregate over these.
const (
	ActionLicenseCreated     = "license_created"
	ActionLicenseUpdated     = "license_updated"
	ActionLicenseDeactivated = "license_deactivated"
	ActionAccessGranted      = "access_granted"
	ActionAccessDenied       = "access_denied"
	ActionPaymentCompleted   = "payment_completed"
	ActionPaymentFailed      = "payment_failed"
	ActionTokenIssued        = "token_issued"
)
