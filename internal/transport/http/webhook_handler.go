package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"rslserver/internal/webhook"
	"rslserver/pkg/contracts/domain"
)

// WebhookHandler serves subscription management endpoints.
type WebhookHandler struct {
	registry    *webhook.Registry
	logger      *slog.Logger
	development bool
}

// NewWebhookHandler creates a webhook subscription handler.
func NewWebhookHandler(registry *webhook.Registry, logger *slog.Logger, development bool) *WebhookHandler {
	return &WebhookHandler{
		registry:    registry,
		logger:      logger.With(slog.String("handler", "webhook")),
		development: development,
	}
}

// Routes returns a chi router for webhook endpoints.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Get("/", h.List)
	r.Route("/{subscriptionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
		r.Post("/rotate-secret", h.RotateSecret)
		r.Get("/deliveries", h.Deliveries)
	})
	return r
}

// registerRequest is the subscription registration payload.
type registerRequest struct {
	Owner  string   `json:"owner" validate:"required"`
	URL    string   `json:"url" validate:"required"`
	Events []string `json:"events" validate:"required,min=1"`
}

// subscriptionResponse is the JSON view of a subscription. The secret
// appears only in registration and rotation responses; it is never
// readable afterwards.
type subscriptionResponse struct {
	Subscription *domain.WebhookSubscription `json:"subscription"`
	Secret       string                      `json:"secret,omitempty"`
}

// Register handles POST /api/webhooks. The response is the only place
// the generated secret is ever visible.
func (h *WebhookHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	events := make([]domain.EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = domain.EventType(e)
	}

	sub, err := h.registry.Register(r.Context(), req.Owner, req.URL, events)
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	respondJSON(w, r, http.StatusCreated, subscriptionResponse{
		Subscription: sub,
		Secret:       sub.Secret,
	})
}

// Get handles GET /api/webhooks/{subscriptionID}.
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, subscriptionResponse{Subscription: sub})
}

// List handles GET /api/webhooks?owner=.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, map[string]interface{}{"subscriptions": subs, "count": len(subs)})
}

// updateRequest carries the mutable subscription fields. Absent fields
// stay unchanged; the secret is not updatable here.
type updateRequest struct {
	URL    *string  `json:"url,omitempty"`
	Events []string `json:"events,omitempty"`
	Active *bool    `json:"active,omitempty"`
}

// Update handles PUT /api/webhooks/{subscriptionID}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	params := webhook.UpdateParams{URL: req.URL, Active: req.Active}
	if req.Events != nil {
		params.Events = make([]domain.EventType, len(req.Events))
		for i, e := range req.Events {
			params.Events[i] = domain.EventType(e)
		}
	}

	sub, err := h.registry.Update(r.Context(), chi.URLParam(r, "subscriptionID"), params)
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, subscriptionResponse{Subscription: sub})
}

// Delete handles DELETE /api/webhooks/{subscriptionID}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "subscriptionID")); err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]interface{}{"success": true})
}

// RotateSecret handles POST /api/webhooks/{subscriptionID}/rotate-secret.
func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.RotateSecret(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, subscriptionResponse{Subscription: sub, Secret: sub.Secret})
}

// Deliveries handles GET /api/webhooks/{subscriptionID}/deliveries.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	recs, err := h.registry.Deliveries(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, map[string]interface{}{"deliveries": recs, "count": len(recs)})
}
