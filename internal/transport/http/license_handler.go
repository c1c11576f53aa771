package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apierrors "rslserver/internal/errors"
	"rslserver/internal/license"
	mw "rslserver/internal/middleware"
	"rslserver/internal/services"
	"rslserver/internal/store"
	"rslserver/pkg/contracts/domain"
)

// LicenseHandler serves license lifecycle endpoints.
type LicenseHandler struct {
	service     services.LicenseService
	access      services.AccessService
	logger      *slog.Logger
	development bool
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(service services.LicenseService, access services.AccessService, logger *slog.Logger, development bool) *LicenseHandler {
	return &LicenseHandler{
		service:     service,
		access:      access,
		logger:      logger.With(slog.String("handler", "license")),
		development: development,
	}
}

// Routes returns a chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/validate", h.Validate)

	r.Route("/{licenseID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Deactivate)
		r.Get("/xml", h.CanonicalXML)
		r.Get("/history", h.History)
		r.Post("/evaluate", h.Evaluate)
	})
	return r
}

// licenseResponse is the JSON view of a stored license.
type licenseResponse struct {
	License *domain.LicenseDocument `json:"license"`
	Version int64                   `json:"version"`
}

func toLicenseResponse(rec *store.LicenseRecord) licenseResponse {
	doc := rec.Document
	return licenseResponse{License: &doc, Version: rec.Version}
}

// Create handles POST /api/licenses.
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license_handler.create")
	defer span.End()
	r = r.WithContext(ctx)

	var spec license.Spec
	if apiErr := decodeAndValidate(r, &spec); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	rec, err := h.service.Create(ctx, spec, actorFrom(r))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}

	span.SetAttributes(attribute.String("license_id", rec.Document.LicenseID))
	respondJSON(w, r, http.StatusCreated, toLicenseResponse(rec))
}

// Get handles GET /api/licenses/{licenseID}.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, toLicenseResponse(rec))
}

// CanonicalXML handles GET /api/licenses/{licenseID}/xml, serving the
// canonical interoperability serialization byte-for-byte as stored.
func (h *LicenseHandler) CanonicalXML(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(rec.CanonicalXML)
}

// List handles GET /api/licenses?owner=.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	out := make([]licenseResponse, len(recs))
	for i, rec := range recs {
		out[i] = toLicenseResponse(rec)
	}
	render.JSON(w, r, map[string]interface{}{"licenses": out, "count": len(out)})
}

// Update handles PUT /api/licenses/{licenseID}.
func (h *LicenseHandler) Update(w http.ResponseWriter, r *http.Request) {
	var spec license.Spec
	if apiErr := decodeAndValidate(r, &spec); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	rec, err := h.service.Update(r.Context(), chi.URLParam(r, "licenseID"), spec, actorFrom(r))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, toLicenseResponse(rec))
}

// Deactivate handles DELETE /api/licenses/{licenseID}. The record is
// soft-deactivated, never removed.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Deactivate(r.Context(), chi.URLParam(r, "licenseID"), actorFrom(r)); err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]interface{}{"success": true})
}

// validateRequest carries a canonical XML document to check.
type validateRequest struct {
	Document string `json:"document" validate:"required"`
}

// Validate handles POST /api/licenses/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}
	render.JSON(w, r, h.service.Validate(r.Context(), []byte(req.Document)))
}

// History handles GET /api/licenses/{licenseID}/history?limit=.
func (h *LicenseHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, r, h.logger,
				apierrors.ErrValidation("limit", "limit must be a non-negative integer"),
				h.development)
			return
		}
		limit = parsed
	}

	entries, err := h.service.History(r.Context(), chi.URLParam(r, "licenseID"), limit)
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// evaluateRequest is a dry policy evaluation request.
type evaluateRequest struct {
	UserType             string   `json:"user_type" validate:"required"`
	CountryCode          string   `json:"country_code" validate:"required,len=2"`
	RequestedPermissions []string `json:"requested_permissions" validate:"required,min=1"`
	PaymentProof         string   `json:"payment_proof"`
}

// Evaluate handles POST /api/licenses/{licenseID}/evaluate. It reports
// the decision without charging or issuing anything.
func (h *LicenseHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req evaluateRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	userType := domain.UserType(req.UserType)
	if !userType.Valid() {
		respondError(w, r, h.logger,
			apierrors.ErrValidation("user_type", "unknown user type "+req.UserType),
			h.development)
		return
	}
	perms := make([]domain.PermissionType, len(req.RequestedPermissions))
	for i, raw := range req.RequestedPermissions {
		p := domain.PermissionType(raw)
		if !p.Valid() {
			respondError(w, r, h.logger,
				apierrors.ErrValidation("requested_permissions", "unknown permission "+raw),
				h.development)
			return
		}
		perms[i] = p
	}

	decision, err := h.access.Evaluate(ctx, chi.URLParam(r, "licenseID"), domain.RequestContext{
		UserType:             userType,
		CountryCode:          req.CountryCode,
		RequestedPermissions: perms,
	}, req.PaymentProof)
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, decision)
}

// actorFrom builds the audit actor from request metadata.
func actorFrom(r *http.Request) domain.Actor {
	return domain.Actor{
		UserID:    r.Header.Get("X-Client-ID"),
		IP:        mw.GetRealIP(r),
		UserAgent: r.UserAgent(),
	}
}
