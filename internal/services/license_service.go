// Package services composes the core components into the operations the
// transport layer exposes. Every dependency is injected at construction;
// there are no package-level singletons.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "rslserver/internal/errors"
	"rslserver/internal/audit"
	"rslserver/internal/license"
	"rslserver/internal/store"
	"rslserver/internal/webhook"
	"rslserver/pkg/contracts/domain"
)

// LicenseService manages license lifecycle: creation, mutation,
// deactivation, and the canonical serializations.
type LicenseService interface {
	Create(ctx context.Context, spec license.Spec, actor domain.Actor) (*store.LicenseRecord, error)
	Get(ctx context.Context, licenseID string) (*store.LicenseRecord, error)
	List(ctx context.Context, owner string) ([]*store.LicenseRecord, error)
	Update(ctx context.Context, licenseID string, spec license.Spec, actor domain.Actor) (*store.LicenseRecord, error)
	Deactivate(ctx context.Context, licenseID string, actor domain.Actor) error
	Validate(ctx context.Context, canonicalXML []byte) license.ValidationResult
	History(ctx context.Context, licenseID string, limit int) ([]*domain.AuditEntry, error)
}

type licenseService struct {
	store      store.Store
	auditLog   *audit.Log
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewLicenseService creates the license lifecycle service.
func NewLicenseService(st store.Store, auditLog *audit.Log, dispatcher *webhook.Dispatcher, logger *slog.Logger) LicenseService {
	return &licenseService{
		store:      st,
		auditLog:   auditLog,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("service", "license")),
		now:        time.Now,
	}
}

// Create validates the submission, generates the canonical document, and
// persists it with both serializations. The audit entry and the
// license.created event are side effects of the committed record, never
// of a failed attempt.
func (s *licenseService) Create(ctx context.Context, spec license.Spec, actor domain.Actor) (*store.LicenseRecord, error) {
	tracer := otel.Tracer("license-service")
	ctx, span := tracer.Start(ctx, "license_service.create",
		trace.WithAttributes(attribute.String("owner", spec.Owner)))
	defer span.End()

	doc, err := license.Generate(spec)
	if err != nil {
		return nil, apierrors.InvalidRequestWithError(err)
	}
	if result := license.ValidateDocument(doc); !result.Valid {
		return nil, apierrors.NewValidationErrors(toFieldErrors(result.Errors))
	}

	now := s.now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	rec, err := s.buildRecord(doc)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateLicense(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apierrors.ErrConflict
		}
		return nil, fmt.Errorf("create license: %w", err)
	}

	span.SetAttributes(attribute.String("license_id", doc.LicenseID))
	s.logger.InfoContext(ctx, "license created",
		slog.String("license_id", doc.LicenseID),
		slog.String("owner", doc.Owner),
	)

	s.afterLifecycleChange(ctx, doc, actor, domain.ActionLicenseCreated, domain.EventLicenseCreated)
	return rec, nil
}

// Get loads a license record by id.
func (s *licenseService) Get(ctx context.Context, licenseID string) (*store.LicenseRecord, error) {
	rec, err := s.store.GetLicense(ctx, licenseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.LicenseNotFoundError(licenseID)
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return rec, nil
}

// List returns the owner's licenses.
func (s *licenseService) List(ctx context.Context, owner string) ([]*store.LicenseRecord, error) {
	return s.store.ListLicenses(ctx, owner)
}

// Update regenerates the canonical document from the new spec, keeping
// the license id and creation time. The store update is compare-and-swap;
// a concurrent mutation surfaces as a conflict instead of a lost update.
func (s *licenseService) Update(ctx context.Context, licenseID string, spec license.Spec, actor domain.Actor) (*store.LicenseRecord, error) {
	current, err := s.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if !current.Document.Active {
		return nil, apierrors.ErrLicenseInactive
	}
	if spec.Owner != "" && spec.Owner != current.Document.Owner {
		return nil, apierrors.ErrValidation("owner", "license owner cannot be changed")
	}

	spec.LicenseID = licenseID
	spec.Owner = current.Document.Owner
	doc, err := license.Generate(spec)
	if err != nil {
		return nil, apierrors.InvalidRequestWithError(err)
	}

	doc.CreatedAt = current.Document.CreatedAt
	doc.UpdatedAt = s.now().UTC()
	doc.Metadata.AuditTrail = current.Document.Metadata.AuditTrail

	rec, err := s.buildRecord(doc)
	if err != nil {
		return nil, err
	}
	rec.Version = current.Version
	if err := s.store.UpdateLicense(ctx, rec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, apierrors.ErrConflict
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.LicenseNotFoundError(licenseID)
		}
		return nil, fmt.Errorf("update license: %w", err)
	}

	s.logger.InfoContext(ctx, "license updated",
		slog.String("license_id", licenseID))
	s.afterLifecycleChange(ctx, doc, actor, domain.ActionLicenseUpdated, domain.EventLicenseUpdated)
	return rec, nil
}

// Deactivate soft-deletes the license. The record stays; every later
// evaluation against it fails closed. Subscribers learn about it through
// the license.expired event.
func (s *licenseService) Deactivate(ctx context.Context, licenseID string, actor domain.Actor) error {
	rec, err := s.Get(ctx, licenseID)
	if err != nil {
		return err
	}
	if !rec.Document.Active {
		return nil // already deactivated, idempotent
	}

	rec.Document.Active = false
	rec.Document.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateLicense(ctx, rec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return apierrors.ErrConflict
		}
		return fmt.Errorf("deactivate license: %w", err)
	}

	s.logger.InfoContext(ctx, "license deactivated",
		slog.String("license_id", licenseID))
	s.afterLifecycleChange(ctx, &rec.Document, actor, domain.ActionLicenseDeactivated, domain.EventLicenseExpired)
	return nil
}

// Validate runs structural validation over a canonical XML serialization.
func (s *licenseService) Validate(ctx context.Context, canonicalXML []byte) license.ValidationResult {
	return license.Validate(canonicalXML)
}

// History returns the license's audit entries, most recent first.
func (s *licenseService) History(ctx context.Context, licenseID string, limit int) ([]*domain.AuditEntry, error) {
	if _, err := s.Get(ctx, licenseID); err != nil {
		return nil, err
	}
	return s.auditLog.Query(ctx, licenseID, limit)
}

func (s *licenseService) buildRecord(doc *domain.LicenseDocument) (*store.LicenseRecord, error) {
	xmlBytes, err := license.CanonicalXML(doc)
	if err != nil {
		return nil, fmt.Errorf("canonical xml: %w", err)
	}
	jsonBytes, err := license.CanonicalJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return &store.LicenseRecord{
		Document:      *doc,
		CanonicalXML:  xmlBytes,
		CanonicalJSON: jsonBytes,
	}, nil
}

// afterLifecycleChange appends the audit entry and publishes the webhook
// event for a committed lifecycle change. The record is already durable
// here, so these side effects run on a detached context: a client
// disconnect must not hide a committed change from the audit trail or
// from subscribers.
func (s *licenseService) afterLifecycleChange(ctx context.Context, doc *domain.LicenseDocument, actor domain.Actor, action string, eventType domain.EventType) {
	detached := context.WithoutCancel(ctx)

	if _, err := s.auditLog.Append(detached, doc.LicenseID, actor, action, map[string]string{
		"owner": doc.Owner,
		"title": doc.Content.Title,
	}); err != nil {
		s.logger.ErrorContext(detached, "audit append failed after lifecycle change",
			slog.String("license_id", doc.LicenseID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}

	event, err := webhook.NewEvent(eventType, map[string]interface{}{
		"license_id": doc.LicenseID,
		"owner":      doc.Owner,
		"active":     doc.Active,
	})
	if err != nil {
		s.logger.ErrorContext(detached, "event envelope build failed",
			slog.String("license_id", doc.LicenseID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.dispatcher.Publish(detached, event); err != nil {
		s.logger.ErrorContext(detached, "event publish failed",
			slog.String("license_id", doc.LicenseID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()),
		)
	}
}

func toFieldErrors(messages []string) []apierrors.ValidationError {
	out := make([]apierrors.ValidationError, len(messages))
	for i, msg := range messages {
		out[i] = apierrors.ValidationError{Field: "document", Message: msg}
	}
	return out
}
