package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redcell/optrack/internal/models"
	pkghttp "github.com/redcell/optrack/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated caller. IsAdmin comes from the users row
// read during this request, never from the token.
type Principal struct {
	UserID   int64
	Username string
	Email    string
	IsAdmin  bool
}

// PrincipalFromContext returns the principal attached by the middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok && p != nil
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

type TokenVerifier interface {
	Verify(tokenString string) (*models.TokenClaims, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// RejectionRecorder is notified whenever a request is turned away.
type RejectionRecorder interface {
	RecordAuthRejection(reason string)
}

// Rejection reasons beyond the token-level ones in token.go.
const (
	ReasonMissing     = "missing"
	ReasonUnknownUser = "unknown_user"
	ReasonInactive    = "inactive"
	ReasonRevoked     = "revoked"
	ReasonNotAdmin    = "not_admin"
)

// Authenticator builds the bearer-token middlewares. Every variant re-reads
// the user row so deactivation, revocation, and admin changes take effect on
// the next request.
type Authenticator struct {
	tokens   TokenVerifier
	users    UserLookup
	recorder RejectionRecorder
	logger   *slog.Logger
}

func NewAuthenticator(tokens TokenVerifier, users UserLookup, recorder RejectionRecorder, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		users:    users,
		recorder: recorder,
		logger:   logger,
	}
}

// rejection is a refused request. err is a models sentinel that selects the
// response status; reason labels the metric.
type rejection struct {
	err     error
	reason  string
	message string
}

func (rej *rejection) write(w http.ResponseWriter) {
	switch {
	case errors.Is(rej.err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, rej.message)
	case errors.Is(rej.err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, rej.message)
	default:
		pkghttp.WriteUnauthorized(w, rej.message)
	}
}

type mode int

const (
	modeAuth mode = iota
	modeAdmin
	modeIdentity
)

// RequireAuth admits any active user holding a current token.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return a.handler(modeAuth, next)
}

// RequireAdmin additionally requires the live admin flag.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return a.handler(modeAdmin, next)
}

// RequireIdentity is RequireAuth with distinct statuses for a vanished user
// (404) and an inactive one (403). Used by the identity endpoint.
func (a *Authenticator) RequireIdentity(next http.Handler) http.Handler {
	return a.handler(modeIdentity, next)
}

func (a *Authenticator) handler(m mode, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, rej, err := a.authenticate(r, m)
		if err != nil {
			a.logger.Error("auth middleware: user lookup failed", slog.String("error", err.Error()))
			pkghttp.WriteInternalError(w, "Server error")
			return
		}
		if rej != nil {
			if a.recorder != nil {
				a.recorder.RecordAuthRejection(rej.reason)
			}
			a.logger.Debug("request rejected",
				slog.String("reason", rej.reason),
				slog.String("path", r.URL.Path),
			)
			rej.write(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) authenticate(r *http.Request, m mode) (*Principal, *rejection, error) {
	tokenString, ok := bearerToken(r)
	if !ok {
		return nil, &rejection{models.ErrUnauthorized, ReasonMissing, "No token provided"}, nil
	}

	claims, err := a.tokens.Verify(tokenString)
	if err != nil {
		reason := ReasonMalformed
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) {
			reason = tokenErr.Reason
		}
		return nil, &rejection{fmt.Errorf("%w: %w", models.ErrUnauthorized, err), reason, "Invalid token"}, nil
	}

	user, err := a.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			if m == modeIdentity {
				return nil, &rejection{models.ErrNotFound, ReasonUnknownUser, "User not found"}, nil
			}
			return nil, &rejection{models.ErrUnauthorized, ReasonUnknownUser, "User not found or inactive"}, nil
		}
		return nil, nil, err
	}

	if !user.IsActive {
		if m == modeIdentity {
			return nil, &rejection{fmt.Errorf("%w: %w", models.ErrForbidden, models.ErrAccountInactive), ReasonInactive, "Account is inactive"}, nil
		}
		return nil, &rejection{fmt.Errorf("%w: %w", models.ErrUnauthorized, models.ErrAccountInactive), ReasonInactive, "User not found or inactive"}, nil
	}

	if user.TokenVersion != claims.TokenVersion {
		return nil, &rejection{fmt.Errorf("%w: %w", models.ErrUnauthorized, models.ErrTokenRevoked), ReasonRevoked, "Token has been revoked"}, nil
	}

	if m == modeAdmin && !user.IsAdmin {
		return nil, &rejection{models.ErrForbidden, ReasonNotAdmin, "Not authorized"}, nil
	}

	return &Principal{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		IsAdmin:  user.IsAdmin,
	}, nil, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
