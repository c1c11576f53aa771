package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rslserver/internal/audit"
	apierrors "rslserver/internal/errors"
	"rslserver/internal/license"
	"rslserver/internal/payment"
	"rslserver/internal/policy"
	"rslserver/internal/store"
	"rslserver/internal/token"
	"rslserver/internal/webhook"
	"rslserver/pkg/contracts/domain"
)

type testEnv struct {
	store     *store.MemoryStore
	processor *payment.MemoryProcessor
	tokens    *token.Service
	auditLog  *audit.Log
	licenses  LicenseService
	access    AccessService
}

func newTestEnv(t *testing.T) *testEnv {
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
	processor := payment.NewMemoryProcessor()

	return &testEnv{
		store:     st,
		processor: processor,
		tokens:    tokens,
		auditLog:  auditLog,
		licenses:  NewLicenseService(st, auditLog, dispatcher, logger),
		access:    NewAccessService(st, policy.NewEvaluator(), tokens, processor, auditLog, dispatcher, nil, logger),
	}
}

func newsSpec() license.Spec {
	return license.Spec{
		LicenseID: "lic-news-1",
		Owner:     "news-corp",
		Content: domain.ContentDescriptor{
			Title:       "Daily Briefing Archive",
			ContentType: "text/html",
			ContentHash: "sha256:4f2d8a",
			URL:         "https://news.example.com/briefing",
		},
		Permissions: []domain.Permission{
			{Type: domain.PermissionSearch, Allowed: true},
			{Type: domain.PermissionTrainAI, Allowed: true, Conditions: []string{"payment"}},
		},
		UserTypes: []domain.UserTypeRule{
			{Type: domain.UserTypeIndividual, Allowed: true},
			{Type: domain.UserTypeCommercial, Allowed: true},
		},
		Payment: domain.PaymentTerms{Model: domain.PaymentPerCrawl, Amount: 0.05, Currency: "USD"},
	}
}

func testActor() domain.Actor {
	return domain.Actor{UserID: "owner-console", IP: "203.0.113.10"}
}

func TestLicenseCreatePersistsCanonicalForms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	assert.Equal(t, "lic-news-1", rec.Document.LicenseID)
	assert.True(t, rec.Document.Active)
	assert.Equal(t, int64(1), rec.Version)
	assert.NotEmpty(t, rec.CanonicalXML)
	assert.NotEmpty(t, rec.CanonicalJSON)
	assert.False(t, rec.Document.CreatedAt.IsZero())

	// The committed create leaves an audit entry behind.
	entries, err := env.auditLog.Query(ctx, "lic-news-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionLicenseCreated, entries[0].Action)
	assert.Equal(t, testActor(), entries[0].Actor)
}

func TestLicenseCreateRejectsInvalidSpec(t *testing.T) {
	env := newTestEnv(t)

	spec := newsSpec()
	spec.Payment = domain.PaymentTerms{Model: domain.PaymentPerCrawl, Amount: 0, Currency: "USD"}
	_, err := env.licenses.Create(context.Background(), spec, testActor())
	require.Error(t, err)
	assert.True(t, apierrors.IsCode(err, apierrors.CodeInvalidRequest))
}

func TestLicenseCreateRejectsDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)
	_, err = env.licenses.Create(ctx, newsSpec(), testActor())
	assert.True(t, apierrors.IsCode(err, apierrors.CodeConflict))
}

func TestLicenseUpdateRegeneratesDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	spec := newsSpec()
	spec.Payment.Amount = 0.10
	updated, err := env.licenses.Update(ctx, "lic-news-1", spec, testActor())
	require.NoError(t, err)

	assert.Equal(t, 0.10, updated.Document.Payment.Amount)
	assert.Equal(t, created.Version+1, updated.Version)
	assert.Equal(t, created.Document.CreatedAt, updated.Document.CreatedAt)
	assert.NotEqual(t, created.CanonicalXML, updated.CanonicalXML)
}

func TestLicenseUpdateRejectsOwnerChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	spec := newsSpec()
	spec.Owner = "someone-else"
	_, err = env.licenses.Update(ctx, "lic-news-1", spec, testActor())
	require.Error(t, err)
	assert.True(t, apierrors.IsCode(err, apierrors.CodeInvalidRequest))
}

func TestLicenseDeactivateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	require.NoError(t, env.licenses.Deactivate(ctx, "lic-news-1", testActor()))
	require.NoError(t, env.licenses.Deactivate(ctx, "lic-news-1", testActor()))

	rec, err := env.licenses.Get(ctx, "lic-news-1")
	require.NoError(t, err)
	assert.False(t, rec.Document.Active)

	// Only the first deactivation is an action; the second was a no-op.
	entries, err := env.auditLog.Query(ctx, "lic-news-1", 0)
	require.NoError(t, err)
	deactivations := 0
	for _, e := range entries {
		if e.Action == domain.ActionLicenseDeactivated {
			deactivations++
		}
	}
	assert.Equal(t, 1, deactivations)
}

func TestLicenseUpdateRejectsDeactivatedLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)
	require.NoError(t, env.licenses.Deactivate(ctx, "lic-news-1", testActor()))

	_, err = env.licenses.Update(ctx, "lic-news-1", newsSpec(), testActor())
	assert.True(t, apierrors.IsCode(err, apierrors.CodeLicenseInactive))
}

func TestLicenseGetUnknownID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.licenses.Get(context.Background(), "lic-missing")
	assert.True(t, apierrors.IsCode(err, apierrors.CodeLicenseNotFound))
}

func TestLicenseHistoryTracksLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)
	_, err = env.licenses.Update(ctx, "lic-news-1", newsSpec(), testActor())
	require.NoError(t, err)
	require.NoError(t, env.licenses.Deactivate(ctx, "lic-news-1", testActor()))

	entries, err := env.licenses.History(ctx, "lic-news-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.ActionLicenseDeactivated, entries[0].Action)
	assert.Equal(t, domain.ActionLicenseUpdated, entries[1].Action)
	assert.Equal(t, domain.ActionLicenseCreated, entries[2].Action)
}
