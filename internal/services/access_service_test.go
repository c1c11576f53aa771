package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "rslserver/internal/errors"
	"rslserver/internal/payment"
	"rslserver/pkg/contracts/domain"
)

func accessRequest(perms ...domain.PermissionType) AccessRequest {
	return AccessRequest{
		LicenseID: "lic-news-1",
		ClientID:  "client-1",
		SubjectID: "crawler-1",
		Context: domain.RequestContext{
			UserType:             domain.UserTypeCommercial,
			CountryCode:          "US",
			RequestedPermissions: perms,
		},
	}
}

func TestRequestAccessGrantsFreePermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	result, err := env.access.RequestAccess(ctx, accessRequest(domain.PermissionSearch))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionGranted, result.Decision.Code)
	require.NotNil(t, result.Token)
	assert.Equal(t, "search", result.Token.Scope)
	assert.Empty(t, result.PaymentProof)
	assert.Empty(t, env.processor.Charges())

	entries, err := env.auditLog.Query(ctx, "lic-news-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionAccessGranted, entries[0].Action)
}

func TestRequestAccessReportsPaymentRequired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	result, err := env.access.RequestAccess(ctx, accessRequest(domain.PermissionTrainAI))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionPaymentRequired, result.Decision.Code)
	assert.Equal(t, []domain.PermissionType{domain.PermissionTrainAI}, result.Decision.GatedPermissions)
	require.NotNil(t, result.Decision.Payment)
	assert.Equal(t, 0.05, result.Decision.Payment.Amount)
	assert.Nil(t, result.Token)
	assert.Empty(t, env.processor.Charges())
}

func TestRequestAccessChargesAndGrants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	req := accessRequest(domain.PermissionTrainAI)
	req.Payment = &payment.Info{Method: "card", Reference: "ref-1"}
	req.IdempotencyKey = "idem-1"

	result, err := env.access.RequestAccess(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionGranted, result.Decision.Code)
	require.NotNil(t, result.Token)
	assert.Equal(t, "train-ai", result.Token.Scope)
	assert.NotEmpty(t, result.Decision.TransactionID)
	require.NotEmpty(t, result.PaymentProof)

	// The minted proof stands on its own for later requests.
	verified, err := env.tokens.VerifyPaymentProof(result.PaymentProof)
	require.NoError(t, err)
	assert.Equal(t, "lic-news-1", verified.LicenseID)
	assert.Equal(t, result.Decision.TransactionID, verified.TransactionID)

	charges := env.processor.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, 0.05, charges[0].Amount)
	assert.Equal(t, "USD", charges[0].Currency)

	rec, err := env.store.GetCharge(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, result.Decision.TransactionID, rec.TransactionID)
}

func TestRequestAccessReplaysIdempotentCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	req := accessRequest(domain.PermissionTrainAI)
	req.Payment = &payment.Info{Method: "card"}
	req.IdempotencyKey = "idem-1"

	first, err := env.access.RequestAccess(ctx, req)
	require.NoError(t, err)
	second, err := env.access.RequestAccess(ctx, req)
	require.NoError(t, err)

	// One provider charge, both requests granted against the same
	// transaction.
	assert.Len(t, env.processor.Charges(), 1)
	assert.Equal(t, domain.DecisionGranted, second.Decision.Code)
	assert.Equal(t, first.Decision.TransactionID, second.Decision.TransactionID)
}

func TestRequestAccessDeclinedCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	req := accessRequest(domain.PermissionTrainAI)
	req.Payment = &payment.Info{Method: "declined-card"}

	_, err = env.access.RequestAccess(ctx, req)
	require.Error(t, err)
	assert.True(t, apierrors.IsCode(err, apierrors.CodePaymentFailed))

	entries, err := env.auditLog.Query(ctx, "lic-news-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionPaymentFailed, entries[0].Action)
}

func TestRequestAccessRejectsUnverifiableProof(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	req := accessRequest(domain.PermissionTrainAI)
	req.PaymentProof = "not-a-jwt"

	_, err = env.access.RequestAccess(ctx, req)
	require.Error(t, err)
	assert.True(t, apierrors.IsCode(err, apierrors.CodeInvalidRequest))
}

func TestRequestAccessDenialIsRecordedNotErrored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	spec := newsSpec()
	spec.UserTypes = append(spec.UserTypes, domain.UserTypeRule{Type: domain.UserTypeGovernment, Allowed: false})
	_, err := env.licenses.Create(ctx, spec, testActor())
	require.NoError(t, err)

	req := accessRequest(domain.PermissionSearch)
	req.Context.UserType = domain.UserTypeGovernment

	result, err := env.access.RequestAccess(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionUserTypeDenied, result.Decision.Code)
	assert.Nil(t, result.Token)

	entries, err := env.auditLog.Query(ctx, "lic-news-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionAccessDenied, entries[0].Action)
}

func TestRequestAccessUnknownLicense(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.access.RequestAccess(context.Background(), accessRequest(domain.PermissionSearch))
	assert.True(t, apierrors.IsCode(err, apierrors.CodeLicenseNotFound))
}

func TestEvaluateIsDryRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.licenses.Create(ctx, newsSpec(), testActor())
	require.NoError(t, err)

	decision, err := env.access.Evaluate(ctx, "lic-news-1",
		accessRequest(domain.PermissionSearch).Context, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionGranted, decision.Code)

	// A dry evaluation charges nothing and leaves no audit trace.
	assert.Empty(t, env.processor.Charges())
	entries, err := env.auditLog.Query(ctx, "lic-news-1", 0)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, domain.ActionAccessGranted, e.Action)
	}
}
