// Package policy decides whether a license grants a requested use. The
// checks run in a fixed order and the first failing check wins, so a
// request denied for a missing permission is reported as permission_denied
// even if the geography would also have denied it.
package policy

import (
	"sort"
	"time"

	"rslserver/pkg/contracts/domain"
)

// PaymentProof is evidence of a completed charge, already verified by the
// token service before it reaches the evaluator. A nil proof means no
// payment is attached to the request.
type PaymentProof struct {
	TransactionID string
	LicenseID     string
	Permissions   []domain.PermissionType
}

// Covers reports whether the proof applies to the license and permission.
func (p *PaymentProof) Covers(licenseID string, perm domain.PermissionType) bool {
	if p == nil || p.LicenseID != licenseID {
		return false
	}
	for _, covered := range p.Permissions {
		if covered == perm {
			return true
		}
	}
	return false
}

// Evaluator evaluates license policy. It holds no mutable state; the
// injected clock exists so expiry checks are testable.
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator creates an evaluator using the wall clock.
func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// NewEvaluatorWithClock creates an evaluator with an injected clock.
func NewEvaluatorWithClock(now func() time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate runs the ordered policy checks and returns the decision. It is
// a pure function of (document, context, proof, clock): it never mutates
// the document and never performs IO. Charging money is the caller's job;
// the evaluator only reports payment_required when a grant is gated and
// no covering proof is attached.
//
// Check order, first failure wins:
//  1. deactivated or expired license fails closed,
//  2. every requested permission must be present with allowed=true,
//  3. the context's user type must have a rule with allowed=true,
//  4. a geographic rule for the context's country with allowed=false
//     denies; no rule for the country means allow (explicit default),
//  5. permitted permissions carrying the payment condition require a
//     covering proof, otherwise payment_required echoes the gated
//     permission types and the license's payment model.
func (e *Evaluator) Evaluate(doc *domain.LicenseDocument, reqCtx domain.RequestContext, proof *PaymentProof) domain.Decision {
	if doc == nil || !doc.Active {
		return domain.Decision{
			Code:   domain.DecisionLicenseInactive,
			Reason: "license is deactivated",
		}
	}
	if doc.ExpiresAt != nil && e.now().After(*doc.ExpiresAt) {
		return domain.Decision{
			Code:   domain.DecisionLicenseInactive,
			Reason: "license has expired",
		}
	}

	// 1. Requested permissions must each be present and allowed.
	for _, requested := range reqCtx.RequestedPermissions {
		perm, ok := doc.PermissionByType(requested)
		if !ok || !perm.Allowed {
			return domain.Decision{
				Code:             domain.DecisionPermissionDenied,
				DeniedPermission: requested,
				Reason:           "license does not grant " + string(requested),
			}
		}
	}

	// 2. User type must be explicitly allowed.
	rule, ok := doc.UserTypeRuleFor(reqCtx.UserType)
	if !ok || !rule.Allowed {
		return domain.Decision{
			Code:   domain.DecisionUserTypeDenied,
			Reason: "license does not permit user type " + string(reqCtx.UserType),
		}
	}

	// 3. Geography: an explicit disallow rule denies; absence of a rule
	// for the country is a documented default-allow.
	if geo, found := doc.GeographicRuleFor(reqCtx.CountryCode); found && !geo.Allowed {
		return domain.Decision{
			Code:   domain.DecisionGeoRestricted,
			Reason: "license restricts country " + reqCtx.CountryCode,
		}
	}

	// 4. Payment gates among the permitted, requested entries.
	var gated []domain.PermissionType
	for _, requested := range reqCtx.RequestedPermissions {
		perm, _ := doc.PermissionByType(requested)
		if perm.HasCondition(domain.ConditionPayment) && !proof.Covers(doc.LicenseID, requested) {
			gated = append(gated, requested)
		}
	}
	if len(gated) > 0 {
		payment := doc.Payment
		return domain.Decision{
			Code:             domain.DecisionPaymentRequired,
			GatedPermissions: gated,
			Payment:          &payment,
			Reason:           "payment is required for the gated permissions",
		}
	}

	// 5. Grant, carrying the restrictions attached to the granted entries.
	decision := domain.Decision{
		Code:    domain.DecisionGranted,
		Granted: append([]domain.PermissionType(nil), reqCtx.RequestedPermissions...),
	}
	restrictionSet := make(map[string]bool)
	for _, requested := range reqCtx.RequestedPermissions {
		perm, _ := doc.PermissionByType(requested)
		for _, r := range perm.Restrictions {
			restrictionSet[r] = true
		}
	}
	if len(restrictionSet) > 0 {
		for r := range restrictionSet {
			decision.Restrictions = append(decision.Restrictions, r)
		}
		sort.Strings(decision.Restrictions)
	}
	if proof != nil {
		decision.TransactionID = proof.TransactionID
	}
	return decision
}
