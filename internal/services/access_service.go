package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"rslserver/internal/audit"
	apierrors "rslserver/internal/errors"
	"rslserver/internal/infrastructure"
	"rslserver/internal/payment"
	"rslserver/internal/policy"
	"rslserver/internal/store"
	"rslserver/internal/token"
	"rslserver/internal/webhook"
	"rslserver/pkg/contracts/domain"
)

// AccessRequest is one consumer's request to use licensed content.
type AccessRequest struct {
	LicenseID      string
	ClientID       string
	SubjectID      string
	Context        domain.RequestContext
	PaymentProof   string
	Payment        *payment.Info
	IdempotencyKey string
}

// AccessResult carries the decision plus the credentials minted for a
// grant. Token is nil unless the decision granted access; PaymentProof is
// set only when this request completed a charge.
type AccessResult struct {
	Decision     domain.Decision
	Token        *domain.Token
	PaymentProof string
}

// AccessService runs the full access flow: evaluate, charge when the
// license gates on payment, and issue a token on grant.
type AccessService interface {
	RequestAccess(ctx context.Context, req AccessRequest) (*AccessResult, error)
	Evaluate(ctx context.Context, licenseID string, reqCtx domain.RequestContext, proof string) (domain.Decision, error)
}

type accessService struct {
	store      store.Store
	evaluator  *policy.Evaluator
	tokens     *token.Service
	processor  payment.Processor
	auditLog   *audit.Log
	dispatcher *webhook.Dispatcher
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewAccessService creates the access orchestration service.
func NewAccessService(
	st store.Store,
	evaluator *policy.Evaluator,
	tokens *token.Service,
	processor payment.Processor,
	auditLog *audit.Log,
	dispatcher *webhook.Dispatcher,
	metrics *infrastructure.BusinessMetrics,
	logger *slog.Logger,
) AccessService {
	return &accessService{
		store:      st,
		evaluator:  evaluator,
		tokens:     tokens,
		processor:  processor,
		auditLog:   auditLog,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.With(slog.String("service", "access")),
		now:        time.Now,
	}
}

// Evaluate runs a dry policy evaluation without charging or issuing. An
// attached proof string is verified first; an unverifiable proof fails
// the request rather than being silently ignored.
func (s *accessService) Evaluate(ctx context.Context, licenseID string, reqCtx domain.RequestContext, proof string) (domain.Decision, error) {
	rec, err := s.loadLicense(ctx, licenseID)
	if err != nil {
		return domain.Decision{}, err
	}

	verified, err := s.verifyProof(proof)
	if err != nil {
		return domain.Decision{}, err
	}

	decision := s.evaluate(ctx, &rec.Document, reqCtx, verified)
	return decision, nil
}

// RequestAccess is the end-to-end access flow:
//
//  1. load the license and verify any attached payment proof,
//  2. evaluate policy,
//  3. on payment_required with payment details attached, charge once
//     under the idempotency key and mint a proof for the transaction,
//  4. re-evaluate with the proof and issue a token on grant.
//
// Once the charge commits, the remaining steps run on a detached context:
// a disconnecting client can abandon an issuance before any side effect,
// but a committed charge always produces its audit entry and proof.
func (s *accessService) RequestAccess(ctx context.Context, req AccessRequest) (*AccessResult, error) {
	tracer := otel.Tracer("access-service")
	ctx, span := tracer.Start(ctx, "access_service.request_access",
		trace.WithAttributes(
			attribute.String("license_id", req.LicenseID),
			attribute.String("user_type", string(req.Context.UserType)),
		))
	defer span.End()

	rec, err := s.loadLicense(ctx, req.LicenseID)
	if err != nil {
		return nil, err
	}
	doc := &rec.Document

	verified, err := s.verifyProof(req.PaymentProof)
	if err != nil {
		return nil, err
	}

	decision := s.evaluate(ctx, doc, req.Context, verified)
	result := &AccessResult{Decision: decision}

	if decision.Code == domain.DecisionPaymentRequired && req.Payment != nil {
		mintedProof, chargedProof, err := s.charge(ctx, doc, req, decision)
		if err != nil {
			return nil, err
		}
		// Side effects of the committed charge must survive client
		// disconnect from here on.
		ctx = context.WithoutCancel(ctx)
		result.PaymentProof = mintedProof

		decision = s.evaluate(ctx, doc, req.Context, chargedProof)
		result.Decision = decision
	}

	actor := domain.Actor{UserID: req.ClientID}

	if !decision.Code.Granted() {
		s.auditDenial(ctx, req, decision, actor)
		return result, nil
	}

	tok, err := s.tokens.Issue(ctx, scopeFor(decision.Granted), req.SubjectID, req.ClientID, req.LicenseID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	result.Token = tok
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("license_id", req.LicenseID)))
	}

	s.auditGrant(ctx, req, decision, actor)
	s.publishUsage(ctx, req, decision)
	return result, nil
}

// charge executes the gated payment exactly once per idempotency key.
// A key already holding a recorded charge replays that transaction
// instead of charging again. Returns the minted proof JWT and its
// verified form for re-evaluation.
func (s *accessService) charge(ctx context.Context, doc *domain.LicenseDocument, req AccessRequest, decision domain.Decision) (string, *policy.PaymentProof, error) {
	amount, currency := priceFor(doc, req.Context.UserType)
	actor := domain.Actor{UserID: req.ClientID}

	txID, replayed, err := s.chargeOnce(ctx, req, amount, currency)
	if err != nil {
		detached := context.WithoutCancel(ctx)
		s.recordPaymentOutcome(detached, req, actor, domain.ActionPaymentFailed, map[string]interface{}{
			"error":    err.Error(),
			"amount":   amount,
			"currency": currency,
		})
		if errors.Is(err, payment.ErrChargeDeclined) {
			return "", nil, apierrors.ErrPaymentFailed
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, fmt.Errorf("charge: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	if !replayed {
		s.recordPaymentOutcome(detached, req, actor, domain.ActionPaymentCompleted, map[string]interface{}{
			"transaction_id": txID,
			"amount":         amount,
			"currency":       currency,
		})
		s.publishPayment(detached, req, txID, amount, currency)
		if s.metrics != nil {
			s.metrics.PaymentChargesTotal.Add(detached, 1,
				metric.WithAttributes(
					attribute.String("license_id", req.LicenseID),
					attribute.String("currency", currency),
				))
		}
	}

	minted, err := s.tokens.MintPaymentProof(req.LicenseID, decision.GatedPermissions, txID)
	if err != nil {
		return "", nil, fmt.Errorf("mint payment proof: %w", err)
	}
	return minted, &policy.PaymentProof{
		TransactionID: txID,
		LicenseID:     req.LicenseID,
		Permissions:   decision.GatedPermissions,
	}, nil
}

// chargeOnce consults the idempotency ledger before touching the
// processor. The recorded transaction wins over a second charge.
func (s *accessService) chargeOnce(ctx context.Context, req AccessRequest, amount float64, currency string) (string, bool, error) {
	if req.IdempotencyKey != "" {
		if prior, err := s.store.GetCharge(ctx, req.IdempotencyKey); err == nil {
			s.logger.InfoContext(ctx, "replaying recorded charge",
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.String("transaction_id", prior.TransactionID),
			)
			return prior.TransactionID, true, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", false, fmt.Errorf("lookup charge: %w", err)
		}
	}

	txID, err := s.processor.Charge(ctx, *req.Payment, amount, currency)
	if err != nil {
		return "", false, err
	}

	if req.IdempotencyKey != "" {
		rec := &store.ChargeRecord{
			IdempotencyKey: req.IdempotencyKey,
			LicenseID:      req.LicenseID,
			TransactionID:  txID,
			Amount:         amount,
			Currency:       currency,
			ChargedAt:      s.now().UTC(),
		}
		// The provider already committed; losing the ledger row must not
		// fail the flow, only get logged.
		if err := s.store.PutCharge(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.ErrorContext(ctx, "failed to record charge",
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.String("transaction_id", txID),
				slog.String("error", err.Error()),
			)
		}
	}
	return txID, false, nil
}

func (s *accessService) loadLicense(ctx context.Context, licenseID string) (*store.LicenseRecord, error) {
	rec, err := s.store.GetLicense(ctx, licenseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.LicenseNotFoundError(licenseID)
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return rec, nil
}

func (s *accessService) verifyProof(proof string) (*policy.PaymentProof, error) {
	if proof == "" {
		return nil, nil
	}
	verified, err := s.tokens.VerifyPaymentProof(proof)
	if err != nil {
		return nil, apierrors.NewWithDetails(
			apierrors.ErrInvalidRequest.StatusCode,
			apierrors.CodeInvalidRequest,
			"Payment proof failed verification",
			err.Error(),
		)
	}
	return verified, nil
}

// evaluate wraps the pure evaluator with metrics.
func (s *accessService) evaluate(ctx context.Context, doc *domain.LicenseDocument, reqCtx domain.RequestContext, proof *policy.PaymentProof) domain.Decision {
	start := s.now()
	decision := s.evaluator.Evaluate(doc, reqCtx, proof)

	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("code", string(decision.Code)),
			attribute.String("user_type", string(reqCtx.UserType)),
		)
		s.metrics.PolicyEvaluationsTotal.Add(ctx, 1, attrs)
		s.metrics.PolicyEvaluationLatency.Record(ctx, s.now().Sub(start).Seconds(), attrs)
		if !decision.Code.Granted() {
			s.metrics.PolicyDenialsTotal.Add(ctx, 1, attrs)
		}
	}
	return decision
}

func (s *accessService) auditGrant(ctx context.Context, req AccessRequest, decision domain.Decision, actor domain.Actor) {
	payload := map[string]interface{}{
		"granted":      decision.Granted,
		"user_type":    req.Context.UserType,
		"country_code": req.Context.CountryCode,
	}
	if decision.TransactionID != "" {
		payload["transaction_id"] = decision.TransactionID
	}
	if _, err := s.auditLog.Append(ctx, req.LicenseID, actor, domain.ActionAccessGranted, payload); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed for grant",
			slog.String("license_id", req.LicenseID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *accessService) auditDenial(ctx context.Context, req AccessRequest, decision domain.Decision, actor domain.Actor) {
	payload := map[string]interface{}{
		"code":         decision.Code,
		"reason":       decision.Reason,
		"user_type":    req.Context.UserType,
		"country_code": req.Context.CountryCode,
		"requested":    req.Context.RequestedPermissions,
	}
	if _, err := s.auditLog.Append(ctx, req.LicenseID, actor, domain.ActionAccessDenied, payload); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed for denial",
			slog.String("license_id", req.LicenseID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *accessService) recordPaymentOutcome(ctx context.Context, req AccessRequest, actor domain.Actor, action string, payload map[string]interface{}) {
	if _, err := s.auditLog.Append(ctx, req.LicenseID, actor, action, payload); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed for payment",
			slog.String("license_id", req.LicenseID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func (s *accessService) publishPayment(ctx context.Context, req AccessRequest, txID string, amount float64, currency string) {
	event, err := webhook.NewEvent(domain.EventPaymentCompleted, map[string]interface{}{
		"license_id":     req.LicenseID,
		"transaction_id": txID,
		"amount":         amount,
		"currency":       currency,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "payment event build failed",
			slog.String("license_id", req.LicenseID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "payment event publish failed",
			slog.String("license_id", req.LicenseID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *accessService) publishUsage(ctx context.Context, req AccessRequest, decision domain.Decision) {
	event, err := webhook.NewEvent(domain.EventUsageDetected, map[string]interface{}{
		"license_id":  req.LicenseID,
		"client_id":   req.ClientID,
		"user_type":   req.Context.UserType,
		"permissions": decision.Granted,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "usage event build failed",
			slog.String("license_id", req.LicenseID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "usage event publish failed",
			slog.String("license_id", req.LicenseID),
			slog.String("error", err.Error()),
		)
	}
}

// priceFor resolves the amount a consumer of the given user type owes.
// A per-user-type pricing override wins over the document-level terms.
func priceFor(doc *domain.LicenseDocument, userType domain.UserType) (float64, string) {
	if rule, ok := doc.UserTypeRuleFor(userType); ok && rule.Pricing != nil {
		return rule.Pricing.Amount, rule.Pricing.Currency
	}
	return doc.Payment.Amount, doc.Payment.Currency
}

// scopeFor joins the granted permissions into the token scope string.
func scopeFor(granted []domain.PermissionType) string {
	parts := make([]string, len(granted))
	for i, p := range granted {
		parts[i] = string(p)
	}
	return strings.Join(parts, " ")
}
