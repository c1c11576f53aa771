package token

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rslserver/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	keyring, err := NewKeyring("test-key-1")
	require.NoError(t, err)
	return NewService(store.NewMemoryStore(), keyring, time.Hour, "rsl-server", testLogger(),
		WithClock(func() time.Time { return *now }))
}

func TestIssueCreatesDistinctTokens(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		tok, err := svc.Issue(context.Background(), "search", "subj-1", "client-1", "lic-1")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(tok.Value, "rsl_"))
		assert.False(t, seen[tok.Value], "token values must never repeat")
		seen[tok.Value] = true
		assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)
	}
}

func TestIssueAbandonsOnCancelledContext(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, &now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Issue(ctx, "search", "subj-1", "client-1", "lic-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIntrospectLifecycle(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	tok, err := svc.Issue(context.Background(), "search train-ai", "subj-1", "client-1", "lic-1")
	require.NoError(t, err)

	info, err := svc.Introspect(context.Background(), tok.Value)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "search train-ai", info.Scope)
	assert.Equal(t, "client-1", info.ClientID)
	assert.Equal(t, "subj-1", info.Subject)
	assert.Equal(t, "lic-1", info.LicenseID)
	assert.Equal(t, "rsl-server", info.Issuer)

	// Past expiry the token goes inactive and stays inactive.
	now = now.Add(time.Hour + time.Second)
	for i := 0; i < 3; i++ {
		info, err = svc.Introspect(context.Background(), tok.Value)
		require.NoError(t, err)
		assert.False(t, info.Active)
		now = now.Add(time.Hour)
	}
}

func TestIntrospectHidesExistence(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)

	tok, err := svc.Issue(context.Background(), "search", "subj-1", "client-1", "")
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)

	expired, err := svc.Introspect(context.Background(), tok.Value)
	require.NoError(t, err)
	missing, err := svc.Introspect(context.Background(), "rsl_does-not-exist")
	require.NoError(t, err)

	// An expired token and an unknown token must be observably identical.
	assert.Equal(t, missing, expired)
	assert.Equal(t, &Introspection{Active: false}, missing)
}

func TestSigningKeysPublishesVerificationSet(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, &now)

	set := svc.SigningKeys()
	require.Len(t, set.Keys, 1)
	key := set.Keys[0]
	assert.Equal(t, "OKP", key.Kty)
	assert.Equal(t, "Ed25519", key.Crv)
	assert.Equal(t, "EdDSA", key.Alg)
	assert.Equal(t, "test-key-1", key.Kid)
	assert.Equal(t, []string{"verify"}, key.KeyOps)
	assert.NotEmpty(t, key.X)
}
