package http

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "rslserver/internal/errors"
)

func TestTokenClientCredentialsGrant(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     "client-1",
		"client_secret": "s3cret",
		"scope":         "search",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	decodeBody(t, rr, &resp)
	assert.True(t, strings.HasPrefix(resp.AccessToken, "rsl_"))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "search", resp.Scope)
}

func TestTokenRejectsBadClientSecret(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     "client-1",
		"client_secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, apierrors.CodeInvalidClient, errorCode(t, rr))
}

func TestTokenRejectsUnsupportedGrantType(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":    "password",
		"client_id":     "client-1",
		"client_secret": "s3cret",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierrors.CodeUnsupportedGrantType, errorCode(t, rr))
}

func TestTokenRequiresGrantType(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"client_id":     "client-1",
		"client_secret": "s3cret",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierrors.CodeInvalidRequest, errorCode(t, rr))
}

func TestTokenAuthorizationCodeGrant(t *testing.T) {
	env := newHandlerEnv(t)

	code, err := env.authCodes.Issue("client-1", "user-9", "search")
	require.NoError(t, err)

	body := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     "client-1",
		"client_secret": "s3cret",
		"code":          code,
	}
	rr := env.do(t, http.MethodPost, "/api/oauth/token", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	}
	decodeBody(t, rr, &resp)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "search", resp.Scope)

	// The code is spent; replaying it fails.
	rr = env.do(t, http.MethodPost, "/api/oauth/token", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierrors.CodeInvalidRequest, errorCode(t, rr))
}

func TestTokenRSLGrantIssuesLicensedToken(t *testing.T) {
	env := newHandlerEnv(t)
	env.createLicense(t, paidNewsSpec())

	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":    "rsl",
		"client_id":     "client-1",
		"client_secret": "s3cret",
		"license_id":    "lic-news-1",
		"user_type":     "individual",
		"country_code":  "us",
		"scope":         "search",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
		LicenseID   string `json:"rsl_license_id"`
	}
	decodeBody(t, rr, &resp)
	assert.True(t, strings.HasPrefix(resp.AccessToken, "rsl_"))
	assert.Equal(t, "search", resp.Scope)
	assert.Equal(t, "lic-news-1", resp.LicenseID)
}

func TestTokenRSLGrantDenialCarriesDecision(t *testing.T) {
	env := newHandlerEnv(t)
	env.createLicense(t, paidNewsSpec())

	// train-ai is gated on payment; asking without payment details is a
	// payment_required denial carrying the decision as detail.
	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":    "rsl",
		"client_id":     "client-1",
		"client_secret": "s3cret",
		"license_id":    "lic-news-1",
		"user_type":     "commercial",
		"country_code":  "US",
		"scope":         "train-ai",
	})
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, apierrors.CodePaymentRequired, errorCode(t, rr))

	var envelope struct {
		Error struct {
			Details struct {
				Code             string   `json:"code"`
				GatedPermissions []string `json:"gated_permissions"`
			} `json:"details"`
		} `json:"error"`
	}
	decodeBody(t, rr, &envelope)
	assert.Equal(t, "payment_required", envelope.Error.Details.Code)
	assert.Equal(t, []string{"train-ai"}, envelope.Error.Details.GatedPermissions)
}

func TestTokenRSLGrantWithPaymentMethod(t *testing.T) {
	env := newHandlerEnv(t)
	env.createLicense(t, paidNewsSpec())

	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":      "rsl",
		"client_id":       "client-1",
		"client_secret":   "s3cret",
		"license_id":      "lic-news-1",
		"user_type":       "commercial",
		"country_code":    "US",
		"scope":           "train-ai",
		"payment_method":  "card",
		"idempotency_key": "idem-http-1",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		AccessToken  string `json:"access_token"`
		PaymentProof string `json:"rsl_payment_proof"`
	}
	decodeBody(t, rr, &resp)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.PaymentProof)
}

func TestTokenRSLGrantValidatesScope(t *testing.T) {
	env := newHandlerEnv(t)
	env.createLicense(t, paidNewsSpec())

	rr := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":    "rsl",
		"client_id":     "client-1",
		"client_secret": "s3cret",
		"license_id":    "lic-news-1",
		"user_type":     "individual",
		"country_code":  "US",
		"scope":         "mine-bitcoin",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierrors.CodeInvalidRequest, errorCode(t, rr))
}

func TestIntrospectRoundTrip(t *testing.T) {
	env := newHandlerEnv(t)

	grant := env.do(t, http.MethodPost, "/api/oauth/token", map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     "client-1",
		"client_secret": "s3cret",
		"scope":         "search",
	})
	require.Equal(t, http.StatusOK, grant.Code)
	var issued struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, grant, &issued)

	rr := env.do(t, http.MethodPost, "/api/oauth/introspect", map[string]string{
		"token": issued.AccessToken,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var info struct {
		Active   bool   `json:"active"`
		Scope    string `json:"scope"`
		ClientID string `json:"client_id"`
	}
	decodeBody(t, rr, &info)
	assert.True(t, info.Active)
	assert.Equal(t, "search", info.Scope)
	assert.Equal(t, "client-1", info.ClientID)

	// Unknown tokens introspect as inactive with a 200, never a 404.
	rr = env.do(t, http.MethodPost, "/api/oauth/introspect", map[string]string{
		"token": "rsl_does-not-exist",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &info)
	assert.False(t, info.Active)
}

func TestJWKSEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodGet, "/.well-known/jwks.json", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			Alg string `json:"alg"`
			Kid string `json:"kid"`
			X   string `json:"x"`
		} `json:"keys"`
	}
	decodeBody(t, rr, &set)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "OKP", set.Keys[0].Kty)
	assert.Equal(t, "Ed25519", set.Keys[0].Crv)
	assert.Equal(t, "EdDSA", set.Keys[0].Alg)
	assert.Equal(t, "test-key-1", set.Keys[0].Kid)
	assert.NotEmpty(t, set.Keys[0].X)
}
