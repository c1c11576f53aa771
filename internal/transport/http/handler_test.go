package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"rslserver/internal/audit"
	"rslserver/internal/license"
	"rslserver/internal/payment"
	"rslserver/internal/policy"
	"rslserver/internal/services"
	"rslserver/internal/store"
	"rslserver/internal/token"
	"rslserver/internal/webhook"
	"rslserver/pkg/contracts/domain"
)

// handlerEnv wires real services over the in-memory store and mounts the
// handlers the way the application router does.
type handlerEnv struct {
	router    chi.Router
	store     *store.MemoryStore
	tokens    *token.Service
	licenses  services.LicenseService
	authCodes *services.AuthCodes
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()

	keyring, err := token.NewKeyring("test-key-1")
	require.NoError(t, err)
	tokens := token.NewService(st, keyring, time.Hour, "rsl-server", logger)

	dispatcher := webhook.NewDispatcher(st, webhook.DispatcherConfig{
		DeliveryTimeout: time.Second,
		MaxAttempts:     1,
		BackoffBase:     time.Millisecond,
		QueueSize:       16,
	}, logger, nil)
	t.Cleanup(dispatcher.Close)

	auditLog := audit.NewLog(st, logger)
	clients := services.NewClientRegistry(st)
	authCodes := services.NewAuthCodes()
	licenses := services.NewLicenseService(st, auditLog, dispatcher, logger)
	access := services.NewAccessService(st, policy.NewEvaluator(), tokens,
		payment.NewMemoryProcessor(), auditLog, dispatcher, nil, logger)
	registry := webhook.NewRegistry(st, logger)

	require.NoError(t, clients.Register(context.Background(), "client-1", "s3cret"))

	tokenHandler := NewTokenHandler(tokens, access, clients, authCodes, nil, logger, false)
	licenseHandler := NewLicenseHandler(licenses, access, logger, false)
	webhookHandler := NewWebhookHandler(registry, logger, false)

	r := chi.NewRouter()
	r.Get("/.well-known/jwks.json", tokenHandler.JWKS)
	r.Route("/api", func(r chi.Router) {
		r.Mount("/oauth", tokenHandler.Routes())
		r.Mount("/licenses", licenseHandler.Routes())
		r.Mount("/webhooks", webhookHandler.Routes())
	})

	return &handlerEnv{
		router:    r,
		store:     st,
		tokens:    tokens,
		licenses:  licenses,
		authCodes: authCodes,
	}
}

// do performs one request with a JSON body against the mounted router.
func (e *handlerEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out))
}

// errorCode extracts error.error_code from the standard error envelope.
func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			ErrorCode string `json:"error_code"`
		} `json:"error"`
	}
	decodeBody(t, rr, &envelope)
	require.False(t, envelope.Success)
	return envelope.Error.ErrorCode
}

// createLicense seeds a license through the service layer.
func (e *handlerEnv) createLicense(t *testing.T, spec license.Spec) {
	t.Helper()
	_, err := e.licenses.Create(context.Background(), spec, domain.Actor{UserID: "test-seed"})
	require.NoError(t, err)
}

func paidNewsSpec() license.Spec {
	return license.Spec{
		LicenseID: "lic-news-1",
		Owner:     "news-corp",
		Content: domain.ContentDescriptor{
			Title:       "Daily Briefing Archive",
			ContentType: "text/html",
			ContentHash: "sha256:4f2d8a",
		},
		Permissions: []domain.Permission{
			{Type: domain.PermissionSearch, Allowed: true},
			{Type: domain.PermissionTrainAI, Allowed: true, Conditions: []string{domain.ConditionPayment}},
		},
		UserTypes: []domain.UserTypeRule{
			{Type: domain.UserTypeIndividual, Allowed: true},
			{Type: domain.UserTypeCommercial, Allowed: true},
		},
		Payment: domain.PaymentTerms{Model: domain.PaymentPerCrawl, Amount: 0.05, Currency: "USD"},
	}
}
