// Package license implements the RSL document model: building validated
// license documents from owner submissions and producing the canonical
// serializations (XML for interoperability, JSON for the API). Generation
// and validation are pure functions; persistence and side effects live in
// the services layer.
package license

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"rslserver/pkg/contracts/domain"
)

// Spec is an owner's license submission. Generate normalizes it into a
// canonical document; identical specs produce byte-for-byte identical
// canonical serializations.
type Spec struct {
	LicenseID              string                   `json:"license_id,omitempty"`
	Owner                  string                   `json:"owner" validate:"required"`
	Content                domain.ContentDescriptor `json:"content"`
	Permissions            []domain.Permission      `json:"permissions" validate:"required,min=1"`
	UserTypes              []domain.UserTypeRule    `json:"user_types" validate:"required,min=1"`
	GeographicRestrictions []domain.GeographicRule  `json:"geographic_restrictions,omitempty"`
	Payment                domain.PaymentTerms      `json:"payment_model"`
	Metadata               domain.LicenseMetadata   `json:"metadata"`
	ExpiresAt              *time.Time               `json:"expires_at,omitempty"`
}

// permissionOrder fixes the canonical ordering of permission entries.
var permissionOrder = map[domain.PermissionType]int{
	domain.PermissionTrainAI:     0,
	domain.PermissionSearch:      1,
	domain.PermissionAISummarize: 2,
	domain.PermissionArchive:     3,
	domain.PermissionAnalysis:    4,
}

// userTypeOrder fixes the canonical ordering of user-type entries.
var userTypeOrder = map[domain.UserType]int{
	domain.UserTypeCommercial: 0,
	domain.UserTypeEducation:  1,
	domain.UserTypeGovernment: 2,
	domain.UserTypeNonprofit:  3,
	domain.UserTypeIndividual: 4,
}

// Generate builds the canonical license document from a spec. Entries are
// sorted into the fixed canonical order, enum membership and per-type
// uniqueness are enforced, and string condition/restriction sets are
// sorted. The document carries no timestamps; the owning service stamps
// them when the record is stored, so generation stays deterministic.
func Generate(spec Spec) (*domain.LicenseDocument, error) {
	if spec.Owner == "" {
		return nil, fmt.Errorf("license spec: owner is required")
	}
	if spec.Content.Title == "" {
		return nil, fmt.Errorf("license spec: content title is required")
	}
	if spec.Content.ContentHash == "" {
		return nil, fmt.Errorf("license spec: content hash is required")
	}
	if len(spec.Permissions) == 0 {
		return nil, fmt.Errorf("license spec: at least one permission is required")
	}
	if len(spec.UserTypes) == 0 {
		return nil, fmt.Errorf("license spec: at least one user type rule is required")
	}
	if !spec.Payment.Model.Valid() {
		return nil, fmt.Errorf("license spec: unknown payment model %q", spec.Payment.Model)
	}
	if spec.Payment.Model.RequiresCharge() {
		if spec.Payment.Amount <= 0 {
			return nil, fmt.Errorf("license spec: payment model %q requires a positive amount", spec.Payment.Model)
		}
		if len(spec.Payment.Currency) != 3 {
			return nil, fmt.Errorf("license spec: payment model %q requires an ISO-4217 currency", spec.Payment.Model)
		}
	}

	permissions, err := normalizePermissions(spec.Permissions)
	if err != nil {
		return nil, err
	}
	userTypes, err := normalizeUserTypes(spec.UserTypes)
	if err != nil {
		return nil, err
	}
	geo, err := normalizeGeographicRules(spec.GeographicRestrictions)
	if err != nil {
		return nil, err
	}

	payment := spec.Payment
	if !payment.Model.RequiresCharge() {
		// Elide amounts that carry no meaning for free/attribution.
		payment.Amount = 0
		payment.Currency = ""
	}

	licenseID := spec.LicenseID
	if licenseID == "" {
		licenseID = uuid.New().String()
	}

	doc := &domain.LicenseDocument{
		LicenseID:              licenseID,
		Owner:                  spec.Owner,
		Content:                spec.Content,
		Permissions:            permissions,
		UserTypes:              userTypes,
		GeographicRestrictions: geo,
		Payment:                payment,
		Metadata:               spec.Metadata,
		Active:                 true,
		ExpiresAt:              spec.ExpiresAt,
	}
	return doc, nil
}

func normalizePermissions(in []domain.Permission) ([]domain.Permission, error) {
	seen := make(map[domain.PermissionType]bool, len(in))
	out := make([]domain.Permission, 0, len(in))
	for _, p := range in {
		if !p.Type.Valid() {
			return nil, fmt.Errorf("license spec: unknown permission type %q", p.Type)
		}
		if seen[p.Type] {
			return nil, fmt.Errorf("license spec: duplicate permission type %q", p.Type)
		}
		seen[p.Type] = true
		p.Conditions = sortedSet(p.Conditions)
		p.Restrictions = sortedSet(p.Restrictions)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return permissionOrder[out[i].Type] < permissionOrder[out[j].Type]
	})
	return out, nil
}

func normalizeUserTypes(in []domain.UserTypeRule) ([]domain.UserTypeRule, error) {
	seen := make(map[domain.UserType]bool, len(in))
	out := make([]domain.UserTypeRule, 0, len(in))
	for _, u := range in {
		if !u.Type.Valid() {
			return nil, fmt.Errorf("license spec: unknown user type %q", u.Type)
		}
		if seen[u.Type] {
			return nil, fmt.Errorf("license spec: duplicate user type %q", u.Type)
		}
		seen[u.Type] = true
		u.Conditions = sortedSet(u.Conditions)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return userTypeOrder[out[i].Type] < userTypeOrder[out[j].Type]
	})
	return out, nil
}

func normalizeGeographicRules(in []domain.GeographicRule) ([]domain.GeographicRule, error) {
	seen := make(map[string]bool, len(in))
	out := make([]domain.GeographicRule, 0, len(in))
	for _, g := range in {
		if len(g.CountryCode) != 2 {
			return nil, fmt.Errorf("license spec: country code %q is not ISO-3166-1 alpha-2", g.CountryCode)
		}
		if seen[g.CountryCode] {
			return nil, fmt.Errorf("license spec: duplicate geographic rule for %q", g.CountryCode)
		}
		seen[g.CountryCode] = true
		g.Conditions = sortedSet(g.Conditions)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CountryCode < out[j].CountryCode
	})
	return out, nil
}

// sortedSet copies, sorts, and de-duplicates a string set. Nil stays nil
// so elided fields serialize as absent rather than empty.
func sortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
