package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/services"
	pkghttp "github.com/redcell/optrack/pkg/http"
)

// AuthServiceInterface defines the interface for credential sign-in.
type AuthServiceInterface interface {
	Login(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResult, error)
	Register(ctx context.Context, username, email, password string, meta services.RequestMeta) (*services.AuthResult, error)
	LogoutAll(ctx context.Context, userID int64) error
}

// SetupServiceInterface defines the bootstrap gate.
type SetupServiceInterface interface {
	IsSetupRequired(ctx context.Context) (bool, error)
	CompleteSetup(ctx context.Context, admin services.AdminAccount, azure *services.AzureSettings, meta services.RequestMeta) (*services.AuthResult, error)
}

// AzureConfigReader reads the stored federation settings.
type AzureConfigReader interface {
	Get(ctx context.Context) (*models.AzureConfig, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service          AuthServiceInterface
	setup            SetupServiceInterface
	azureConfig      AzureConfigReader
	federationActive bool
	ipConfig         *pkghttp.IPConfig
	logger           *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. federationActive reports whether
// this process registered the Azure routes at startup.
func NewAuthHandler(
	service AuthServiceInterface,
	setup SetupServiceInterface,
	azureConfig AzureConfigReader,
	federationActive bool,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		service:          service,
		setup:            setup,
		azureConfig:      azureConfig,
		federationActive: federationActive,
		ipConfig:         ipConfig,
		logger:           logger,
	}
}

// Request DTOs

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=256"`
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required"`
}

// AdminPayload is the admin section of a setup request.
type AdminPayload struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required"`
}

type AzurePayload struct {
	ClientID     string `json:"clientId"`
	TenantID     string `json:"tenantId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
	IsEnabled    bool   `json:"isEnabled"`
}

// SetupRequest accepts either the flat admin fields or the nested
// {admin, azure} form.
type SetupRequest struct {
	Username string        `json:"username"`
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Admin    *AdminPayload `json:"admin"`
	Azure    *AzurePayload `json:"azure"`
}

func (r SetupRequest) admin() AdminPayload {
	if r.Admin != nil {
		return *r.Admin
	}
	return AdminPayload{Username: r.Username, Email: r.Email, Password: r.Password}
}

func (r SetupRequest) azure() *services.AzureSettings {
	if r.Azure == nil {
		return nil
	}
	return &services.AzureSettings{
		ClientID:     r.Azure.ClientID,
		TenantID:     r.Azure.TenantID,
		ClientSecret: r.Azure.ClientSecret,
		RedirectURI:  r.Azure.RedirectURI,
		IsEnabled:    r.Azure.IsEnabled,
	}
}

// SetupRequired handles GET /auth/setup-required
func (h *AuthHandler) SetupRequired(w http.ResponseWriter, r *http.Request) {
	required, err := h.setup.IsSetupRequired(r.Context())
	if err != nil {
		h.logger.Error("failed to read setup status", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"setupRequired": required})
}

// Setup handles POST /auth/setup
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	admin := req.admin()
	if err := ValidateRequest(admin); err != nil {
		pkghttp.WriteValidationError(w, err.Error())
		return
	}

	result, err := h.setup.CompleteSetup(r.Context(), services.AdminAccount{
		Username: strings.TrimSpace(admin.Username),
		Email:    admin.Email,
		Password: admin.Password,
	}, req.azure(), h.requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAlreadyInitialized):
			pkghttp.WriteBadRequest(w, "Setup already completed")
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteBadRequest(w, "Username or email already exists")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteValidationError(w, clientMessage(err))
		default:
			h.logger.Error("setup failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Setup failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AuthResponse{
		Token: result.Token,
		User:  summaryOf(result.User),
	})
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteValidationError(w, err.Error())
		return
	}

	result, err := h.service.Login(r.Context(), req.Username, req.Password, h.requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredentials):
			pkghttp.WriteUnauthorized(w, "Invalid credentials")
		case errors.Is(err, models.ErrAccountInactive):
			pkghttp.WriteForbidden(w, "Account is inactive")
		default:
			h.logger.Error("login failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Login failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AuthResponse{
		Token: result.Token,
		User:  summaryOf(result.User),
	})
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteValidationError(w, err.Error())
		return
	}

	result, err := h.service.Register(r.Context(), strings.TrimSpace(req.Username), req.Email, req.Password, h.requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteBadRequest(w, "Username or email already exists")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteValidationError(w, clientMessage(err))
		default:
			h.logger.Error("registration failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Registration failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AuthResponse{
		Token:   result.Token,
		User:    summaryOf(result.User),
		Message: "Registration successful",
	})
}

// Me handles GET /auth/me. RequireIdentity has already re-read the user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "No token provided")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]UserIdentity{
		"user": {ID: p.UserID, Username: p.Username, Email: p.Email, IsAdmin: p.IsAdmin},
	})
}

// LogoutAll handles POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "No token provided")
		return
	}

	if err := h.service.LogoutAll(r.Context(), p.UserID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "User not found")
			return
		}
		h.logger.Error("logout-all failed", slog.Int64("user_id", p.UserID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AzureStatus handles GET /auth/azure-status
func (h *AuthHandler) AzureStatus(w http.ResponseWriter, r *http.Request) {
	enabled := false
	if h.azureConfig != nil {
		cfg, err := h.azureConfig.Get(r.Context())
		switch {
		case err == nil:
			enabled = cfg.IsEnabled && h.federationActive
		case errors.Is(err, models.ErrNotFound):
		default:
			h.logger.Error("failed to read azure config", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Server error")
			return
		}
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"isEnabled": enabled})
}

func (h *AuthHandler) requestMeta(r *http.Request) services.RequestMeta {
	return requestMeta(r, h.ipConfig)
}

func requestMeta(r *http.Request, ipConfig *pkghttp.IPConfig) services.RequestMeta {
	return services.RequestMeta{
		IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

// clientMessage strips the sentinel prefix from a models.ErrBadRequest chain
// so only the caller-facing detail is returned.
func clientMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, models.ErrBadRequest.Error()+": "); i >= 0 {
		msg = msg[i+len(models.ErrBadRequest.Error())+2:]
	}
	if msg == "" {
		return "Invalid request"
	}
	return msg
}
