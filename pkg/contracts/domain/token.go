package domain

import (
	"time"
)

// TokenLifetime is the fixed validity window of an issued access token.
const TokenLifetime = time.Hour

// Token is an opaque bearer credential scoped to a license grant. The
// record is immutable once issued; only the derived active status changes
// as the clock passes ExpiresAt, and that is never written back.
type Token struct {
	Value     string    `json:"-"`
	ClientID  string    `json:"client_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	Scope     string    `json:"scope"`
	LicenseID string    `json:"license_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActiveAt reports whether the token is live at the given instant.
func (t *Token) ActiveAt(now time.Time) bool {
	return !now.After(t.ExpiresAt)
}

// DecisionCode discriminates policy evaluation outcomes.
type DecisionCode string

const (
	DecisionGranted           DecisionCode = "granted"
	DecisionPermissionDenied  DecisionCode = "permission_denied"
	DecisionUserTypeDenied    DecisionCode = "user_type_not_allowed"
	DecisionGeoRestricted     DecisionCode = "geographic_restriction"
	DecisionPaymentRequired   DecisionCode = "payment_required"
	DecisionPaymentFailed     DecisionCode = "payment_failed"
	DecisionLicenseInactive   DecisionCode = "license_inactive"
)

// Granted reports whether the decision permits access.
func (c DecisionCode) Granted() bool { return c == DecisionGranted }

// Decision is the result of evaluating a license against a request
// context. For payment_required outcomes, GatedPermissions and Payment
// echo back what the caller must pay for and under which model.
type Decision struct {
	Code             DecisionCode     `json:"code"`
	Granted          []PermissionType `json:"granted,omitempty"`
	Restrictions     []string         `json:"restrictions,omitempty"`
	DeniedPermission PermissionType   `json:"denied_permission,omitempty"`
	GatedPermissions []PermissionType `json:"gated_permissions,omitempty"`
	Payment          *PaymentTerms    `json:"payment_model,omitempty"`
	TransactionID    string           `json:"transaction_id,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// RequestContext describes the consumer asking for access.
type RequestContext struct {
	UserType             UserType         `json:"user_type"`
	CountryCode          string           `json:"country_code"`
	RequestedPermissions []PermissionType `json:"requested_permissions"`
}
