package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

const oauthStateCookieName = "optrack_oauth_state"

var ErrStateCookieMissing = errors.New("oauth state cookie missing or malformed")

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Secure bool
	TTL    time.Duration
	Path   string
}

// sameSite picks None for secure deployments since the identity provider
// posts the callback cross-site. Browsers drop SameSite=None without Secure.
func (c CookieConfig) sameSite() http.SameSite {
	if c.Secure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (c CookieConfig) path() string {
	if c.Path == "" {
		return "/auth/azure"
	}
	return c.Path
}

// SetOAuthStateCookie binds the state and nonce of an in-flight sign-in to
// the browser that started it.
func SetOAuthStateCookie(w http.ResponseWriter, state, nonce string, config CookieConfig) {
	maxAge := int(config.TTL.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    state + "." + nonce,
		Path:     config.path(),
		Expires:  time.Now().Add(config.TTL),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: config.sameSite(),
	})
}

// ReadOAuthStateCookie returns the state and nonce stored by SetOAuthStateCookie.
func ReadOAuthStateCookie(r *http.Request) (state, nonce string, err error) {
	cookie, err := r.Cookie(oauthStateCookieName)
	if err != nil {
		return "", "", ErrStateCookieMissing
	}

	state, nonce, ok := strings.Cut(cookie.Value, ".")
	if !ok || state == "" || nonce == "" {
		return "", "", ErrStateCookieMissing
	}
	return state, nonce, nil
}

func ClearOAuthStateCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     config.path(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: config.sameSite(),
	})
}
