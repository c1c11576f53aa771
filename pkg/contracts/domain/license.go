// Package domain contains the core domain models for the RSL server.
// These types serve as the Single Source of Truth (SSOT) for license
// generation, validation, and policy evaluation alike, so the closed
// enums are defined exactly once.
package domain

import (
	"time"
)

// PermissionType enumerates the usage permissions an RSL document can grant.
type PermissionType string

const (
	PermissionTrainAI     PermissionType = "train-ai"
	PermissionSearch      PermissionType = "search"
	PermissionAISummarize PermissionType = "ai-summarize"
	PermissionArchive     PermissionType = "archive"
	PermissionAnalysis    PermissionType = "analysis"
)

// AllPermissionTypes lists every member of the closed permission enum.
var AllPermissionTypes = []PermissionType{
	PermissionTrainAI,
	PermissionSearch,
	PermissionAISummarize,
	PermissionArchive,
	PermissionAnalysis,
}

// Valid reports whether the permission type is a member of the closed enum.
func (p PermissionType) Valid() bool {
	switch p {
	case PermissionTrainAI, PermissionSearch, PermissionAISummarize, PermissionArchive, PermissionAnalysis:
		return true
	}
	return false
}

// UserType enumerates the consumer categories a license can address.
type UserType string

const (
	UserTypeCommercial UserType = "commercial"
	UserTypeEducation  UserType = "education"
	UserTypeGovernment UserType = "government"
	UserTypeNonprofit  UserType = "nonprofit"
	UserTypeIndividual UserType = "individual"
)

// AllUserTypes lists every member of the closed user-type enum.
var AllUserTypes = []UserType{
	UserTypeCommercial,
	UserTypeEducation,
	UserTypeGovernment,
	UserTypeNonprofit,
	UserTypeIndividual,
}

// Valid reports whether the user type is a member of the closed enum.
func (u UserType) Valid() bool {
	switch u {
	case UserTypeCommercial, UserTypeEducation, UserTypeGovernment, UserTypeNonprofit, UserTypeIndividual:
		return true
	}
	return false
}

// PaymentModel enumerates how a license expects to be paid.
type PaymentModel string

const (
	PaymentFree         PaymentModel = "free"
	PaymentAttribution  PaymentModel = "attribution"
	PaymentPerCrawl     PaymentModel = "per-crawl"
	PaymentPerInference PaymentModel = "per-inference"
	PaymentSubscription PaymentModel = "subscription"
)

// Valid reports whether the payment model is a member of the closed enum.
func (p PaymentModel) Valid() bool {
	switch p {
	case PaymentFree, PaymentAttribution, PaymentPerCrawl, PaymentPerInference, PaymentSubscription:
		return true
	}
	return false
}

// RequiresCharge reports whether the payment model involves moving money.
func (p PaymentModel) RequiresCharge() bool {
	switch p {
	case PaymentPerCrawl, PaymentPerInference, PaymentSubscription:
		return true
	}
	return false
}

// ConditionPayment is the permission condition that gates a grant behind
// a completed charge.
const ConditionPayment = "payment"

// ConditionAttribution marks a permission that requires attribution text.
const ConditionAttribution = "attribution"

// Permission is one usage rule inside a license document. A document holds
// at most one Permission per type.
type Permission struct {
	Type         PermissionType `json:"type" validate:"required"`
	Allowed      bool           `json:"allowed"`
	Conditions   []string       `json:"conditions,omitempty"`
	Restrictions []string       `json:"restrictions,omitempty"`
}

// HasCondition reports whether the permission carries the named condition.
func (p Permission) HasCondition(name string) bool {
	for _, c := range p.Conditions {
		if c == name {
			return true
		}
	}
	return false
}

// UserTypeRule is one consumer-category rule. A document holds at most one
// rule per user type.
type UserTypeRule struct {
	Type       UserType `json:"type" validate:"required"`
	Allowed    bool     `json:"allowed"`
	Conditions []string `json:"conditions,omitempty"`
	Pricing    *Pricing `json:"pricing,omitempty"`
}

// Pricing carries per-user-type payment terms.
type Pricing struct {
	Amount   float64 `json:"amount" validate:"min=0"`
	Currency string  `json:"currency" validate:"len=3"`
}

// GeographicRule restricts or permits a single country. Absence of a rule
// for a country means no restriction is recorded: evaluation defaults to
// allow. That default is deliberate and documented, not an accident of
// implementation.
type GeographicRule struct {
	CountryCode string   `json:"country_code" validate:"required,len=2"`
	Allowed     bool     `json:"allowed"`
	Conditions  []string `json:"conditions,omitempty"`
}

// PaymentTerms couples the payment model with its amount where applicable.
// Amount and Currency are elided for free and attribution models.
type PaymentTerms struct {
	Model    PaymentModel `json:"model" validate:"required"`
	Amount   float64      `json:"amount,omitempty"`
	Currency string       `json:"currency,omitempty"`
}

// ContentDescriptor identifies the licensed work.
type ContentDescriptor struct {
	Title       string `json:"title" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	ContentHash string `json:"content_hash" validate:"required"`
	URL         string `json:"url,omitempty"`
}

// LicenseMetadata carries provenance and warranty declarations plus the
// append-only audit trail of document-level actions.
type LicenseMetadata struct {
	Creator    string            `json:"creator"`
	Provenance string            `json:"provenance,omitempty"`
	Warranty   string            `json:"warranty,omitempty"`
	Disclaimer string            `json:"disclaimer,omitempty"`
	AuditTrail []AuditTrailEntry `json:"audit_trail,omitempty"`
}

// AuditTrailEntry is one embedded document-history record.
type AuditTrailEntry struct {
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// LicenseDocument is the canonical machine-readable license. Mutations go
// through the owning service, which regenerates the canonical serialization
// while preserving the license id. Documents are soft-deactivated, never
// hard-deleted; evaluation against a deactivated document fails closed.
type LicenseDocument struct {
	LicenseID              string            `json:"license_id"`
	Owner                  string            `json:"owner" validate:"required"`
	Content                ContentDescriptor `json:"content"`
	Permissions            []Permission      `json:"permissions"`
	UserTypes              []UserTypeRule    `json:"user_types"`
	GeographicRestrictions []GeographicRule  `json:"geographic_restrictions,omitempty"`
	Payment                PaymentTerms      `json:"payment_model"`
	Metadata               LicenseMetadata   `json:"metadata"`
	Active                 bool              `json:"active"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	ExpiresAt              *time.Time        `json:"expires_at,omitempty"`
}

// PermissionByType returns the document's rule for the given permission
// type, if one exists.
func (d *LicenseDocument) PermissionByType(t PermissionType) (Permission, bool) {
	for _, p := range d.Permissions {
		if p.Type == t {
			return p, true
		}
	}
	return Permission{}, false
}

// UserTypeRuleFor returns the document's rule for the given user type, if
// one exists.
func (d *LicenseDocument) UserTypeRuleFor(t UserType) (UserTypeRule, bool) {
	for _, u := range d.UserTypes {
		if u.Type == t {
			return u, true
		}
	}
	return UserTypeRule{}, false
}

// GeographicRuleFor returns the document's rule for the given country, if
// one exists. The boolean result distinguishes "rule says allowed" from
// "no rule recorded".
func (d *LicenseDocument) GeographicRuleFor(countryCode string) (GeographicRule, bool) {
	for _, g := range d.GeographicRestrictions {
		if g.CountryCode == countryCode {
			return g, true
		}
	}
	return GeographicRule{}, false
}
