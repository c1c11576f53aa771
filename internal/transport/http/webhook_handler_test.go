package http

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "rslserver/internal/errors"
)

func registerSubscription(t *testing.T, env *handlerEnv) (id, secret string) {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{
		"owner":  "news-corp",
		"url":    "https://example.com/hook",
		"events": []string{"license.created", "payment.completed"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp struct {
		Subscription struct {
			ID string `json:"id"`
		} `json:"subscription"`
		Secret string `json:"secret"`
	}
	decodeBody(t, rr, &resp)
	return resp.Subscription.ID, resp.Secret
}

func TestWebhookRegisterReturnsSecretOnce(t *testing.T) {
	env := newHandlerEnv(t)

	id, secret := registerSubscription(t, env)
	assert.True(t, strings.HasPrefix(secret, "whsec_"))

	// Reads never expose the secret again.
	rr := env.do(t, http.MethodGet, "/api/webhooks/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), secret)
	assert.NotContains(t, rr.Body.String(), "whsec_")
}

func TestWebhookRegisterValidation(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{
		"owner":  "news-corp",
		"url":    "ftp://example.com/hook",
		"events": []string{"license.created"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierrors.CodeInvalidURL, errorCode(t, rr))

	rr = env.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{
		"owner":  "news-corp",
		"url":    "https://example.com/hook",
		"events": []string{"license.vanished"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierrors.CodeInvalidEvents, errorCode(t, rr))
}

func TestWebhookRotateSecretEndpoint(t *testing.T) {
	env := newHandlerEnv(t)
	id, secret := registerSubscription(t, env)

	rr := env.do(t, http.MethodPost, "/api/webhooks/"+id+"/rotate-secret", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Secret string `json:"secret"`
	}
	decodeBody(t, rr, &resp)
	assert.True(t, strings.HasPrefix(resp.Secret, "whsec_"))
	assert.NotEqual(t, secret, resp.Secret)
}

func TestWebhookUpdateAndDeliveries(t *testing.T) {
	env := newHandlerEnv(t)
	id, _ := registerSubscription(t, env)

	rr := env.do(t, http.MethodPut, "/api/webhooks/"+id, map[string]interface{}{
		"active": false,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Subscription struct {
			Active bool `json:"active"`
		} `json:"subscription"`
	}
	decodeBody(t, rr, &resp)
	assert.False(t, resp.Subscription.Active)

	rr = env.do(t, http.MethodGet, "/api/webhooks/"+id+"/deliveries", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var deliveries struct {
		Count int `json:"count"`
	}
	decodeBody(t, rr, &deliveries)
	assert.Zero(t, deliveries.Count)
}

func TestWebhookUnknownSubscription(t *testing.T) {
	env := newHandlerEnv(t)

	rr := env.do(t, http.MethodGet, "/api/webhooks/no-such-sub", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, apierrors.CodeSubscriptionNotFound, errorCode(t, rr))
}
