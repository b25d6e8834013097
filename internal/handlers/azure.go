package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/services"
	"github.com/redcell/optrack/internal/sso"
	pkghttp "github.com/redcell/optrack/pkg/http"
)

// FederationServiceInterface resolves a verified external identity.
type FederationServiceInterface interface {
	HandleCallback(ctx context.Context, profile models.ExternalProfile, meta services.RequestMeta) (*services.AuthResult, error)
}

// AzureHandler drives the browser side of Azure AD sign-in. Both endpoints
// answer with redirects, never JSON.
type AzureHandler struct {
	provider    sso.IdentityProvider
	federation  FederationServiceInterface
	cookies     auth.CookieConfig
	frontendURL string
	ipConfig    *pkghttp.IPConfig
	logger      *slog.Logger
}

func NewAzureHandler(
	provider sso.IdentityProvider,
	federation FederationServiceInterface,
	cookies auth.CookieConfig,
	frontendURL string,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) *AzureHandler {
	return &AzureHandler{
		provider:    provider,
		federation:  federation,
		cookies:     cookies,
		frontendURL: frontendURL,
		ipConfig:    ipConfig,
		logger:      logger,
	}
}

// Login handles GET /auth/azure
func (h *AzureHandler) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	nonce := uuid.NewString()

	auth.SetOAuthStateCookie(w, state, nonce, h.cookies)
	http.Redirect(w, r, h.provider.AuthCodeURL(state, nonce), http.StatusFound)
}

// Callback handles POST /auth/azure/callback (response_mode=form_post).
func (h *AzureHandler) Callback(w http.ResponseWriter, r *http.Request) {
	expectedState, nonce, cookieErr := auth.ReadOAuthStateCookie(r)
	auth.ClearOAuthStateCookie(w, h.cookies)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.fail(w, r, "Invalid sign-in response", err)
		return
	}

	if idpErr := r.PostForm.Get("error"); idpErr != "" {
		h.logger.Warn("identity provider returned an error",
			slog.String("error", idpErr),
			slog.String("description", r.PostForm.Get("error_description")),
		)
		h.fail(w, r, "Azure sign-in was cancelled or failed", nil)
		return
	}

	if cookieErr != nil {
		h.fail(w, r, "Sign-in session expired, please try again", cookieErr)
		return
	}

	state := r.PostForm.Get("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		h.fail(w, r, "Invalid sign-in state", errors.New("state mismatch"))
		return
	}

	profile, err := h.provider.Exchange(r.Context(), r.PostForm.Get("code"), nonce)
	if err != nil {
		h.fail(w, r, "Azure authentication failed", err)
		return
	}

	result, err := h.federation.HandleCallback(r.Context(), *profile, requestMeta(r, h.ipConfig))
	if err != nil {
		msg := "Azure authentication failed"
		switch {
		case errors.Is(err, models.ErrAccountInactive):
			msg = "Account is inactive"
		case errors.Is(err, models.ErrConflict):
			msg = "This email is already linked to a different Azure account"
		case errors.Is(err, models.ErrBadRequest):
			msg = "Azure account is missing required profile information"
		}
		h.fail(w, r, msg, err)
		return
	}

	http.Redirect(w, r, h.frontendURL+"/auth/callback?token="+url.QueryEscape(result.Token), http.StatusFound)
}

func (h *AzureHandler) fail(w http.ResponseWriter, r *http.Request, message string, cause error) {
	if cause != nil {
		h.logger.Warn("azure sign-in failed", slog.String("reason", message), slog.Any("error", cause))
	}
	http.Redirect(w, r, h.frontendURL+"/login?error="+url.QueryEscape(message), http.StatusFound)
}
