// Package sso holds the transport side of federated sign-in: the OpenID
// Connect exchange with Azure AD. Resolving the resulting identity to a local
// account is the federation service's job.
package sso

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/redcell/optrack/internal/models"
	"golang.org/x/oauth2"
)

const defaultAuthority = "https://login.microsoftonline.com"

var (
	ErrMissingCode    = errors.New("missing authorization code")
	ErrMissingIDToken = errors.New("missing id_token in token response")
	ErrNonceMismatch  = errors.New("id_token nonce does not match")
)

// multiTenant aliases resolve to the signing tenant at login time, so the
// issuer in the discovery document is a template rather than a fixed URL.
var multiTenant = map[string]bool{
	"common":        true,
	"organizations": true,
	"consumers":     true,
}

// IdentityProvider is what the HTTP layer needs from a federated provider.
type IdentityProvider interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, nonce string) (*models.ExternalProfile, error)
}

// AzureProvider implements the authorization-code flow against one Azure AD
// tenant with form_post responses.
type AzureProvider struct {
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// Options tweak discovery. Authority overrides the login host, mainly for
// sovereign clouds and tests.
type Options struct {
	Authority string
}

// IssuerURL is the v2.0 issuer for tenant under authority.
func IssuerURL(authority, tenant string) string {
	if authority == "" {
		authority = defaultAuthority
	}
	return strings.TrimRight(authority, "/") + "/" + tenant + "/v2.0"
}

// ValidateConfig checks the stored federation settings before discovery.
func ValidateConfig(cfg *models.AzureConfig) error {
	if cfg == nil {
		return fmt.Errorf("azure config is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if cfg.RedirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	u, err := url.Parse(cfg.RedirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("redirect_uri must be an absolute URL")
	}
	return nil
}

// NewAzureProvider runs OIDC discovery for the configured tenant.
func NewAzureProvider(ctx context.Context, cfg *models.AzureConfig, opts Options) (*AzureProvider, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	issuer := IssuerURL(opts.Authority, cfg.TenantID)
	verifierConfig := &oidc.Config{ClientID: cfg.ClientID}

	discoveryCtx := ctx
	if multiTenant[strings.ToLower(cfg.TenantID)] {
		discoveryCtx = oidc.InsecureIssuerURLContext(ctx, IssuerURL(opts.Authority, "{tenantid}"))
		// The tenant differs per user; audience, signature and expiry are
		// still verified.
		verifierConfig.SkipIssuerCheck = true
	}

	provider, err := oidc.NewProvider(discoveryCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover azure OIDC provider: %w", err)
	}

	return &AzureProvider{
		verifier: provider.Verifier(verifierConfig),
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// AuthCodeURL builds the authorization redirect. The response comes back as
// a form POST to the redirect URI.
func (p *AzureProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Config.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("response_mode", "form_post"),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

type azureClaims struct {
	OID               string `json:"oid"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

// Exchange redeems code, verifies the ID token (signature, audience, expiry,
// issuer and nonce) and returns the asserted identity.
func (p *AzureProvider) Exchange(ctx context.Context, code, nonce string) (*models.ExternalProfile, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}

	if nonce == "" || idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var claims azureClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse id_token claims: %w", err)
	}

	return profileFromClaims(idToken.Subject, claims)
}

func profileFromClaims(subject string, claims azureClaims) (*models.ExternalProfile, error) {
	profile := &models.ExternalProfile{
		ExternalID:  claims.OID,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}
	if profile.ExternalID == "" {
		profile.ExternalID = subject
	}
	if profile.Email == "" {
		profile.Email = claims.PreferredUsername
	}

	if profile.ExternalID == "" {
		return nil, fmt.Errorf("missing user id in id_token")
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("missing email in id_token")
	}
	return profile, nil
}
