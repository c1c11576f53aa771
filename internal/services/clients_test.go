package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "rslserver/internal/errors"
	"rslserver/internal/store"
)

func TestClientRegistryVerify(t *testing.T) {
	reg := NewClientRegistry(store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "client-1", "s3cret"))

	assert.NoError(t, reg.Verify(ctx, "client-1", "s3cret"))

	// Wrong secret and unknown client fail with the same error, so the
	// endpoint cannot be used to probe for registered ids.
	wrongSecret := reg.Verify(ctx, "client-1", "wrong")
	unknownClient := reg.Verify(ctx, "client-2", "s3cret")
	assert.Equal(t, wrongSecret, unknownClient)
	assert.True(t, apierrors.IsCode(wrongSecret, apierrors.CodeInvalidClient))
}

func TestClientRegistryRejectsEmptyCredentials(t *testing.T) {
	reg := NewClientRegistry(store.NewMemoryStore())

	assert.Error(t, reg.Register(context.Background(), "", "s3cret"))
	assert.Error(t, reg.Register(context.Background(), "client-1", ""))
}

func TestAuthCodeSingleUse(t *testing.T) {
	codes := NewAuthCodes()

	code, err := codes.Issue("client-1", "user-9", "search")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "rslac_"))

	subject, scope, ok := codes.Redeem(code, "client-1")
	require.True(t, ok)
	assert.Equal(t, "user-9", subject)
	assert.Equal(t, "search", scope)

	_, _, ok = codes.Redeem(code, "client-1")
	assert.False(t, ok, "a code must redeem at most once")
}

func TestAuthCodeBurnsOnWrongClient(t *testing.T) {
	codes := NewAuthCodes()

	code, err := codes.Issue("client-1", "user-9", "search")
	require.NoError(t, err)

	// A redemption attempt by the wrong client consumes the code; the
	// rightful client cannot use it afterwards either.
	_, _, ok := codes.Redeem(code, "client-2")
	assert.False(t, ok)
	_, _, ok = codes.Redeem(code, "client-1")
	assert.False(t, ok)
}

func TestAuthCodeExpiry(t *testing.T) {
	codes := NewAuthCodes()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	codes.now = func() time.Time { return now }

	code, err := codes.Issue("client-1", "user-9", "search")
	require.NoError(t, err)

	now = now.Add(authCodeTTL + time.Second)
	_, _, ok := codes.Redeem(code, "client-1")
	assert.False(t, ok)
}

func TestAuthCodeUnknown(t *testing.T) {
	codes := NewAuthCodes()
	_, _, ok := codes.Redeem("rslac_never-issued", "client-1")
	assert.False(t, ok)
}
