package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apierrors "rslserver/internal/errors"
	"rslserver/internal/infrastructure"
	"rslserver/internal/payment"
	"rslserver/internal/services"
	"rslserver/internal/token"
	"rslserver/pkg/contracts/domain"
)

// Supported grant types.
const (
	GrantClientCredentials = "client_credentials"
	GrantAuthorizationCode = "authorization_code"
	GrantRSL               = "rsl"
)

// TokenHandler serves the token, introspection, and signing-key endpoints.
type TokenHandler struct {
	tokens      *token.Service
	access      services.AccessService
	clients     *services.ClientRegistry
	authCodes   *services.AuthCodes
	metrics     *infrastructure.BusinessMetrics
	logger      *slog.Logger
	development bool
}

// NewTokenHandler creates the token endpoint handler.
func NewTokenHandler(
	tokens *token.Service,
	access services.AccessService,
	clients *services.ClientRegistry,
	authCodes *services.AuthCodes,
	metrics *infrastructure.BusinessMetrics,
	logger *slog.Logger,
	development bool,
) *TokenHandler {
	return &TokenHandler{
		tokens:      tokens,
		access:      access,
		clients:     clients,
		authCodes:   authCodes,
		metrics:     metrics,
		logger:      logger.With(slog.String("handler", "token")),
		development: development,
	}
}

// Routes returns the token endpoint routes.
func (h *TokenHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/token", h.Token)
	r.Post("/introspect", h.Introspect)
	return r
}

// clientCredentialsRequest is the client_credentials grant payload.
type clientCredentialsRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	Scope        string `json:"scope"`
}

// authorizationCodeRequest is the authorization_code grant payload.
type authorizationCodeRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	Code         string `json:"code" validate:"required"`
	RedirectURI  string `json:"redirect_uri"`
}

// rslGrantRequest is the rsl grant payload: a licensed-access request.
// Scope names the requested permissions, space delimited.
type rslGrantRequest struct {
	ClientID       string `json:"client_id" validate:"required"`
	ClientSecret   string `json:"client_secret" validate:"required"`
	LicenseID      string `json:"license_id" validate:"required"`
	UserType       string `json:"user_type" validate:"required"`
	CountryCode    string `json:"country_code" validate:"required,len=2"`
	Scope          string `json:"scope" validate:"required"`
	SubjectID      string `json:"subject_id"`
	PaymentProof   string `json:"payment_proof"`
	PaymentMethod  string `json:"payment_method"`
	PaymentRef     string `json:"payment_reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

// tokenResponse is the success response for every grant type.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	LicenseID    string `json:"rsl_license_id,omitempty"`
	PaymentProof string `json:"rsl_payment_proof,omitempty"`
}

// Token handles POST /token. The grant type is read first so each grant
// binds its own strongly-typed request; no handler works off a loose map.
func (h *TokenHandler) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("token-handler")

	grantType, body, apiErr := splitGrantType(r)
	if apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	ctx, span := tracer.Start(ctx, "token_handler.token",
		trace.WithAttributes(attribute.String("grant_type", grantType)))
	defer span.End()
	r = r.WithContext(ctx)

	switch grantType {
	case GrantClientCredentials:
		h.clientCredentials(w, r, body)
	case GrantAuthorizationCode:
		h.authorizationCode(w, r, body)
	case GrantRSL:
		h.rslGrant(w, r, body)
	default:
		respondError(w, r, h.logger, apierrors.ErrUnsupportedGrantType, h.development)
	}
}

func (h *TokenHandler) clientCredentials(w http.ResponseWriter, r *http.Request, body []byte) {
	var req clientCredentialsRequest
	if apiErr := bindGrant(body, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}
	if err := h.clients.Verify(r.Context(), req.ClientID, req.ClientSecret); err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}

	tok, err := h.tokens.Issue(r.Context(), req.Scope, "", req.ClientID, "")
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	h.respondToken(w, r, tok, "")
}

func (h *TokenHandler) authorizationCode(w http.ResponseWriter, r *http.Request, body []byte) {
	var req authorizationCodeRequest
	if apiErr := bindGrant(body, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}
	if err := h.clients.Verify(r.Context(), req.ClientID, req.ClientSecret); err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}

	subjectID, scope, ok := h.authCodes.Redeem(req.Code, req.ClientID)
	if !ok {
		respondError(w, r, h.logger, apierrors.NewWithDetails(
			http.StatusBadRequest, apierrors.CodeInvalidRequest,
			"Invalid request format", "authorization code is invalid or expired"),
			h.development)
		return
	}

	tok, err := h.tokens.Issue(r.Context(), scope, subjectID, req.ClientID, "")
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	h.respondToken(w, r, tok, "")
}

func (h *TokenHandler) rslGrant(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()

	var req rslGrantRequest
	if apiErr := bindGrant(body, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}
	if err := h.clients.Verify(ctx, req.ClientID, req.ClientSecret); err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}

	userType := domain.UserType(req.UserType)
	if !userType.Valid() {
		respondError(w, r, h.logger,
			apierrors.ErrValidation("user_type", "unknown user type "+req.UserType),
			h.development)
		return
	}
	perms, apiErr := parsePermissionScope(req.Scope)
	if apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	accessReq := services.AccessRequest{
		LicenseID: req.LicenseID,
		ClientID:  req.ClientID,
		SubjectID: req.SubjectID,
		Context: domain.RequestContext{
			UserType:             userType,
			CountryCode:          strings.ToUpper(req.CountryCode),
			RequestedPermissions: perms,
		},
		PaymentProof:   req.PaymentProof,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.IdempotencyKey == "" {
		accessReq.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.PaymentMethod != "" {
		accessReq.Payment = &payment.Info{
			Method:    req.PaymentMethod,
			Reference: req.PaymentRef,
		}
	}

	result, err := h.access.RequestAccess(ctx, accessReq)
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}

	if !result.Decision.Code.Granted() {
		apiErr := apierrors.FromDecisionCode(string(result.Decision.Code))
		respondError(w, r, h.logger, apierrors.NewWithDetails(
			apiErr.StatusCode, apiErr.ErrorCode, apiErr.Message, result.Decision),
			h.development)
		return
	}

	resp := tokenResponse{
		AccessToken:  result.Token.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int64(h.tokens.Lifetime().Seconds()),
		Scope:        result.Token.Scope,
		LicenseID:    req.LicenseID,
		PaymentProof: result.PaymentProof,
	}
	respondJSON(w, r, http.StatusOK, resp)
}

func (h *TokenHandler) respondToken(w http.ResponseWriter, r *http.Request, tok *domain.Token, licenseID string) {
	respondJSON(w, r, http.StatusOK, tokenResponse{
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.tokens.Lifetime().Seconds()),
		Scope:       tok.Scope,
		LicenseID:   licenseID,
	})
}

// introspectRequest is the introspection payload.
type introspectRequest struct {
	Token         string `json:"token" validate:"required"`
	TokenTypeHint string `json:"token_type_hint"`
}

// Introspect handles POST /introspect.
func (h *TokenHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req introspectRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		respondError(w, r, h.logger, apiErr, h.development)
		return
	}

	info, err := h.tokens.Introspect(ctx, req.Token)
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	if h.metrics != nil {
		h.metrics.TokenIntrospectionsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("active", info.Active)))
	}
	render.JSON(w, r, info)
}

// JWKS handles GET /.well-known/jwks.json.
func (h *TokenHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.tokens.SigningKeys())
}

// splitGrantType peeks the grant_type discriminator and returns the raw
// body for the grant-specific binder.
func splitGrantType(r *http.Request) (string, []byte, *apierrors.APIError) {
	body, grantType, err := readGrantBody(r)
	if err != nil {
		return "", nil, apierrors.InvalidRequestWithError(err)
	}
	if grantType == "" {
		return "", nil, apierrors.ErrValidation("grant_type", "grant_type is required")
	}
	return grantType, body, nil
}

// parsePermissionScope maps a space-delimited scope onto permission types.
func parsePermissionScope(scope string) ([]domain.PermissionType, *apierrors.APIError) {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil, apierrors.ErrValidation("scope", "scope must name at least one permission")
	}
	perms := make([]domain.PermissionType, len(fields))
	for i, f := range fields {
		p := domain.PermissionType(f)
		if !p.Valid() {
			return nil, apierrors.ErrValidation("scope", "unknown permission "+f)
		}
		perms[i] = p
	}
	return perms, nil
}
