package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/handlers"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frontend = "https://app.example.com"

var testCookies = auth.CookieConfig{Secure: true, TTL: 10 * time.Minute}

func newAzureHandler(idp *handlers.MockIdentityProvider, fed *handlers.MockFederationService) *handlers.AzureHandler {
	if idp == nil {
		idp = &handlers.MockIdentityProvider{}
	}
	if fed == nil {
		fed = &handlers.MockFederationService{}
	}
	return handlers.NewAzureHandler(idp, fed, testCookies, frontend, nil, handlers.DiscardLogger())
}

// startLogin runs GET /auth/azure and returns the state cookie it set along
// with the state and nonce handed to the provider.
func startLogin(t *testing.T, h *handlers.AzureHandler, idp *handlers.MockIdentityProvider) (*http.Cookie, string, string) {
	t.Helper()
	var state, nonce string
	idp.AuthCodeURLFunc = func(s, n string) string {
		state, nonce = s, n
		return "https://login.example.com/authorize?state=" + s
	}

	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest(http.MethodGet, "/auth/azure", nil))
	require.Equal(t, http.StatusFound, w.Code)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0], state, nonce
}

func callbackRequest(form url.Values, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/azure/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func assertLoginError(t *testing.T, w *httptest.ResponseRecorder, message string) {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, message, loc.Query().Get("error"))
}

func TestAzureLogin_RedirectsWithStateCookie(t *testing.T) {
	idp := &handlers.MockIdentityProvider{}
	h := newAzureHandler(idp, nil)

	cookie, state, nonce := startLogin(t, h, idp)

	assert.NotEmpty(t, state)
	assert.NotEmpty(t, nonce)
	assert.NotEqual(t, state, nonce)
	assert.Equal(t, state+"."+nonce, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteNoneMode, cookie.SameSite)
}

func TestAzureLogin_FreshStatePerAttempt(t *testing.T) {
	idp := &handlers.MockIdentityProvider{}
	h := newAzureHandler(idp, nil)

	_, first, _ := startLogin(t, h, idp)
	_, second, _ := startLogin(t, h, idp)
	assert.NotEqual(t, first, second)
}

func TestAzureCallback_Success(t *testing.T) {
	var gotCode, gotNonce string
	var gotProfile models.ExternalProfile
	idp := &handlers.MockIdentityProvider{
		ExchangeFunc: func(ctx context.Context, code, nonce string) (*models.ExternalProfile, error) {
			gotCode, gotNonce = code, nonce
			return &models.ExternalProfile{ExternalID: "oid-9", Email: "dana@example.com", DisplayName: "Dana"}, nil
		},
	}
	fed := &handlers.MockFederationService{
		HandleCallbackFunc: func(ctx context.Context, profile models.ExternalProfile, meta services.RequestMeta) (*services.AuthResult, error) {
			gotProfile = profile
			return &services.AuthResult{Token: "a.b+c", User: &models.User{ID: 2}}, nil
		},
	}
	h := newAzureHandler(idp, fed)
	cookie, state, nonce := startLogin(t, h, idp)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest(url.Values{"code": {"auth-code"}, "state": {state}}, cookie))

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, frontend+"/auth/callback?token="+url.QueryEscape("a.b+c"), w.Header().Get("Location"))
	assert.Equal(t, "auth-code", gotCode)
	assert.Equal(t, nonce, gotNonce)
	assert.Equal(t, "oid-9", gotProfile.ExternalID)

	cleared := w.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}

func TestAzureCallback_StateMismatch(t *testing.T) {
	exchanged := false
	idp := &handlers.MockIdentityProvider{
		ExchangeFunc: func(ctx context.Context, code, nonce string) (*models.ExternalProfile, error) {
			exchanged = true
			return nil, nil
		},
	}
	h := newAzureHandler(idp, nil)
	cookie, _, _ := startLogin(t, h, idp)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest(url.Values{"code": {"c"}, "state": {"forged"}}, cookie))

	assertLoginError(t, w, "Invalid sign-in state")
	assert.False(t, exchanged)
}

func TestAzureCallback_MissingCookie(t *testing.T) {
	h := newAzureHandler(nil, nil)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest(url.Values{"code": {"c"}, "state": {"s"}}, nil))

	assertLoginError(t, w, "Sign-in session expired, please try again")
}

func TestAzureCallback_ProviderError(t *testing.T) {
	idp := &handlers.MockIdentityProvider{}
	h := newAzureHandler(idp, nil)
	cookie, state, _ := startLogin(t, h, idp)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest(url.Values{
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
		"state":             {state},
	}, cookie))

	assertLoginError(t, w, "Azure sign-in was cancelled or failed")
}

func TestAzureCallback_ExchangeFailure(t *testing.T) {
	idp := &handlers.MockIdentityProvider{
		ExchangeFunc: func(ctx context.Context, code, nonce string) (*models.ExternalProfile, error) {
			return nil, errors.New("id_token nonce does not match")
		},
	}
	h := newAzureHandler(idp, nil)
	cookie, state, _ := startLogin(t, h, idp)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest(url.Values{"code": {"c"}, "state": {state}}, cookie))

	assertLoginError(t, w, "Azure authentication failed")
}

func TestAzureCallback_FederationErrors(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		message string
	}{
		{"inactive", models.ErrAccountInactive, "Account is inactive"},
		{"conflict", models.ErrConflict, "This email is already linked to a different Azure account"},
		{"incomplete", models.ErrBadRequest, "Azure account is missing required profile information"},
		{"storage", errors.New("db down"), "Azure authentication failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := &handlers.MockIdentityProvider{}
			fed := &handlers.MockFederationService{
				HandleCallbackFunc: func(ctx context.Context, profile models.ExternalProfile, meta services.RequestMeta) (*services.AuthResult, error) {
					return nil, fmt.Errorf("%w: %w", models.ErrFederation, tt.cause)
				},
			}
			h := newAzureHandler(idp, fed)
			cookie, state, _ := startLogin(t, h, idp)

			w := httptest.NewRecorder()
			h.Callback(w, callbackRequest(url.Values{"code": {"c"}, "state": {state}}, cookie))

			assertLoginError(t, w, tt.message)
			assert.NotContains(t, w.Header().Get("Location"), "token=")
		})
	}
}
