package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/handlers"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthHandler(authSvc *handlers.MockAuthService, setupSvc *handlers.MockSetupService) *handlers.AuthHandler {
	if authSvc == nil {
		authSvc = &handlers.MockAuthService{}
	}
	if setupSvc == nil {
		setupSvc = &handlers.MockSetupService{}
	}
	return handlers.NewAuthHandler(authSvc, setupSvc, &handlers.MockAzureConfigReader{}, false, nil, handlers.DiscardLogger())
}

func okResult(id int64, username string, isAdmin bool) *services.AuthResult {
	return &services.AuthResult{
		Token: "token-" + username,
		User:  &models.User{ID: id, Username: username, Email: username + "@example.com", IsAdmin: isAdmin, IsActive: true},
	}
}

// ── setup-required ─────────────────────────────────────────────────────────

func TestSetupRequired(t *testing.T) {
	for _, required := range []bool{true, false} {
		t.Run(fmt.Sprint(required), func(t *testing.T) {
			h := newAuthHandler(nil, &handlers.MockSetupService{
				IsSetupRequiredFunc: func(ctx context.Context) (bool, error) { return required, nil },
			})

			w := httptest.NewRecorder()
			h.SetupRequired(w, httptest.NewRequest(http.MethodGet, "/auth/setup-required", nil))

			var resp map[string]bool
			handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
			assert.Equal(t, required, resp["setupRequired"])
		})
	}
}

func TestSetupRequired_StorageError(t *testing.T) {
	h := newAuthHandler(nil, &handlers.MockSetupService{
		IsSetupRequiredFunc: func(ctx context.Context) (bool, error) { return false, errors.New("db down") },
	})

	w := httptest.NewRecorder()
	h.SetupRequired(w, httptest.NewRequest(http.MethodGet, "/auth/setup-required", nil))

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error", "Server error")
	assert.NotContains(t, w.Body.String(), "db down")
}

// ── setup ──────────────────────────────────────────────────────────────────

func TestSetup_FlatBody(t *testing.T) {
	var gotAdmin services.AdminAccount
	var gotAzure *services.AzureSettings
	h := newAuthHandler(nil, &handlers.MockSetupService{
		CompleteSetupFunc: func(ctx context.Context, admin services.AdminAccount, azure *services.AzureSettings, meta services.RequestMeta) (*services.AuthResult, error) {
			gotAdmin, gotAzure = admin, azure
			return okResult(1, admin.Username, true), nil
		},
	})

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/setup", map[string]string{
		"username": "root",
		"email":    "root@example.com",
		"password": "correct-horse-battery",
	})
	w := httptest.NewRecorder()
	h.Setup(w, req)

	var resp handlers.AuthResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "token-root", resp.Token)
	assert.Equal(t, handlers.UserSummary{ID: 1, Username: "root", IsAdmin: true}, resp.User)
	assert.Equal(t, "root", gotAdmin.Username)
	assert.Nil(t, gotAzure)
}

func TestSetup_NestedBodyWithAzure(t *testing.T) {
	var gotAdmin services.AdminAccount
	var gotAzure *services.AzureSettings
	h := newAuthHandler(nil, &handlers.MockSetupService{
		CompleteSetupFunc: func(ctx context.Context, admin services.AdminAccount, azure *services.AzureSettings, meta services.RequestMeta) (*services.AuthResult, error) {
			gotAdmin, gotAzure = admin, azure
			return okResult(1, admin.Username, true), nil
		},
	})

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/setup", map[string]any{
		"admin": map[string]string{
			"username": "lead",
			"email":    "lead@example.com",
			"password": "correct-horse-battery",
		},
		"azure": map[string]any{
			"clientId":     "cid",
			"tenantId":     "tid",
			"clientSecret": "shh",
			"redirectUri":  "https://optrack.example.com/auth/azure/callback",
			"isEnabled":    true,
		},
	})
	w := httptest.NewRecorder()
	h.Setup(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lead", gotAdmin.Username)
	require.NotNil(t, gotAzure)
	assert.Equal(t, services.AzureSettings{
		ClientID:     "cid",
		TenantID:     "tid",
		ClientSecret: "shh",
		RedirectURI:  "https://optrack.example.com/auth/azure/callback",
		IsEnabled:    true,
	}, *gotAzure)
}

func TestSetup_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"already initialized", models.ErrAlreadyInitialized, http.StatusBadRequest, "bad_request", "Setup already completed"},
		{"conflict", fmt.Errorf("complete setup: create admin: %w", models.ErrConflict), http.StatusBadRequest, "bad_request", "Username or email already exists"},
		{"weak password", fmt.Errorf("%w: password is too common", models.ErrBadRequest), http.StatusBadRequest, "validation_failed", "password is too common"},
		{"azure settings", fmt.Errorf("%w: azure settings missing clientId", models.ErrBadRequest), http.StatusBadRequest, "validation_failed", "azure settings missing clientId"},
		{"storage", errors.New("connection reset"), http.StatusInternalServerError, "internal_error", "Setup failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAuthHandler(nil, &handlers.MockSetupService{
				CompleteSetupFunc: func(ctx context.Context, admin services.AdminAccount, azure *services.AzureSettings, meta services.RequestMeta) (*services.AuthResult, error) {
					return nil, tt.err
				},
			})

			req := handlers.NewTestRequest(t, http.MethodPost, "/auth/setup", map[string]string{
				"username": "root", "email": "root@example.com", "password": "correct-horse-battery",
			})
			w := httptest.NewRecorder()
			h.Setup(w, req)

			handlers.AssertErrorResponse(t, w, tt.status, tt.code, tt.message)
		})
	}
}

func TestSetup_ValidationFailsBeforeService(t *testing.T) {
	called := false
	h := newAuthHandler(nil, &handlers.MockSetupService{
		CompleteSetupFunc: func(ctx context.Context, admin services.AdminAccount, azure *services.AzureSettings, meta services.RequestMeta) (*services.AuthResult, error) {
			called = true
			return nil, nil
		},
	})

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/setup", map[string]string{
		"username": "root", "email": "not-an-email", "password": "correct-horse-battery",
	})
	w := httptest.NewRecorder()
	h.Setup(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "validation_failed", "email must be a valid email address")
	assert.False(t, called)
}

func TestSetup_InvalidJSON(t *testing.T) {
	h := newAuthHandler(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/setup", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.Setup(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request", "Invalid request body")
}

// ── login ──────────────────────────────────────────────────────────────────

func TestLogin_Success(t *testing.T) {
	var gotMeta services.RequestMeta
	h := newAuthHandler(&handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResult, error) {
			gotMeta = meta
			return okResult(7, username, false), nil
		},
	}, nil)

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/login", handlers.LoginRequest{Username: "alice", Password: "pw"})
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("User-Agent", "curl/8")
	w := httptest.NewRecorder()
	h.Login(w, req)

	var resp handlers.AuthResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "token-alice", resp.Token)
	assert.Equal(t, handlers.UserSummary{ID: 7, Username: "alice", IsAdmin: false}, resp.User)
	assert.Empty(t, resp.Message)
	assert.Equal(t, services.RequestMeta{IPAddress: "192.0.2.10", UserAgent: "curl/8"}, gotMeta)
}

func TestLogin_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"invalid credentials", models.ErrInvalidCredentials, http.StatusUnauthorized, "unauthorized", "Invalid credentials"},
		{"inactive", models.ErrAccountInactive, http.StatusForbidden, "forbidden", "Account is inactive"},
		{"storage", errors.New("boom"), http.StatusInternalServerError, "internal_error", "Login failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAuthHandler(&handlers.MockAuthService{
				LoginFunc: func(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResult, error) {
					return nil, tt.err
				},
			}, nil)

			req := handlers.NewTestRequest(t, http.MethodPost, "/auth/login", handlers.LoginRequest{Username: "alice", Password: "pw"})
			w := httptest.NewRecorder()
			h.Login(w, req)

			handlers.AssertErrorResponse(t, w, tt.status, tt.code, tt.message)
		})
	}
}

func TestLogin_MissingFields(t *testing.T) {
	h := newAuthHandler(nil, nil)

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/login", map[string]string{"username": "alice"})
	w := httptest.NewRecorder()
	h.Login(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "validation_failed", "password is required")
}

func TestLogin_RejectsTrailingData(t *testing.T) {
	h := newAuthHandler(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"a","password":"b"}{"x":1}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request", "Invalid request body")
}

// ── register ───────────────────────────────────────────────────────────────

func TestRegister_Success(t *testing.T) {
	h := newAuthHandler(&handlers.MockAuthService{
		RegisterFunc: func(ctx context.Context, username, email, password string, meta services.RequestMeta) (*services.AuthResult, error) {
			return okResult(3, username, false), nil
		},
	}, nil)

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/register", handlers.RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "correct-horse-battery",
	})
	w := httptest.NewRecorder()
	h.Register(w, req)

	var resp handlers.AuthResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "token-bob", resp.Token)
	assert.Equal(t, "Registration successful", resp.Message)
	assert.False(t, resp.User.IsAdmin)
}

func TestRegister_Conflict(t *testing.T) {
	h := newAuthHandler(&handlers.MockAuthService{
		RegisterFunc: func(ctx context.Context, username, email, password string, meta services.RequestMeta) (*services.AuthResult, error) {
			return nil, models.ErrConflict
		},
	}, nil)

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/register", handlers.RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "correct-horse-battery",
	})
	w := httptest.NewRecorder()
	h.Register(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request", "Username or email already exists")
}

func TestRegister_WeakPassword(t *testing.T) {
	h := newAuthHandler(&handlers.MockAuthService{
		RegisterFunc: func(ctx context.Context, username, email, password string, meta services.RequestMeta) (*services.AuthResult, error) {
			return nil, fmt.Errorf("%w: password must be at least 8 characters", models.ErrBadRequest)
		},
	}, nil)

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/register", handlers.RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "short",
	})
	w := httptest.NewRecorder()
	h.Register(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "validation_failed", "password must be at least 8 characters")
}

func TestRegister_InternalError(t *testing.T) {
	h := newAuthHandler(&handlers.MockAuthService{
		RegisterFunc: func(ctx context.Context, username, email, password string, meta services.RequestMeta) (*services.AuthResult, error) {
			return nil, errors.New("insert failed: relation users")
		},
	}, nil)

	req := handlers.NewTestRequest(t, http.MethodPost, "/auth/register", handlers.RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "correct-horse-battery",
	})
	w := httptest.NewRecorder()
	h.Register(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error", "Registration failed")
	assert.NotContains(t, w.Body.String(), "relation")
}

// ── me / logout-all ────────────────────────────────────────────────────────

func TestMe_ReturnsPrincipal(t *testing.T) {
	h := newAuthHandler(nil, nil)

	req := handlers.WithPrincipalContext(httptest.NewRequest(http.MethodGet, "/auth/me", nil), &auth.Principal{
		UserID: 4, Username: "carol", Email: "carol@example.com", IsAdmin: true,
	})
	w := httptest.NewRecorder()
	h.Me(w, req)

	var resp map[string]handlers.UserIdentity
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, handlers.UserIdentity{ID: 4, Username: "carol", Email: "carol@example.com", IsAdmin: true}, resp["user"])
}

func TestMe_NoPrincipal(t *testing.T) {
	h := newAuthHandler(nil, nil)

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutAll(t *testing.T) {
	var gotID int64
	h := newAuthHandler(&handlers.MockAuthService{
		LogoutAllFunc: func(ctx context.Context, userID int64) error {
			gotID = userID
			return nil
		},
	}, nil)

	req := handlers.WithPrincipalContext(httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil), &auth.Principal{UserID: 9})
	w := httptest.NewRecorder()
	h.LogoutAll(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int64(9), gotID)
}

func TestLogoutAll_Failure(t *testing.T) {
	h := newAuthHandler(&handlers.MockAuthService{
		LogoutAllFunc: func(ctx context.Context, userID int64) error { return errors.New("boom") },
	}, nil)

	req := handlers.WithPrincipalContext(httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil), &auth.Principal{UserID: 9})
	w := httptest.NewRecorder()
	h.LogoutAll(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error", "Server error")
}

// ── azure-status ───────────────────────────────────────────────────────────

func TestAzureStatus(t *testing.T) {
	enabledCfg := func(ctx context.Context) (*models.AzureConfig, error) {
		return &models.AzureConfig{IsEnabled: true}, nil
	}
	tests := []struct {
		name   string
		get    func(ctx context.Context) (*models.AzureConfig, error)
		active bool
		want   bool
	}{
		{"enabled and active", enabledCfg, true, true},
		{"enabled but not loaded", enabledCfg, false, false},
		{"no row", nil, true, false},
		{"disabled", func(ctx context.Context) (*models.AzureConfig, error) {
			return &models.AzureConfig{IsEnabled: false}, nil
		}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handlers.NewAuthHandler(&handlers.MockAuthService{}, &handlers.MockSetupService{},
				&handlers.MockAzureConfigReader{GetFunc: tt.get}, tt.active, nil, handlers.DiscardLogger())

			w := httptest.NewRecorder()
			h.AzureStatus(w, httptest.NewRequest(http.MethodGet, "/auth/azure-status", nil))

			var resp map[string]bool
			handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
			assert.Equal(t, tt.want, resp["isEnabled"])
		})
	}
}

func TestAzureStatus_StorageError(t *testing.T) {
	h := handlers.NewAuthHandler(&handlers.MockAuthService{}, &handlers.MockSetupService{},
		&handlers.MockAzureConfigReader{GetFunc: func(ctx context.Context) (*models.AzureConfig, error) {
			return nil, errors.New("db down")
		}}, true, nil, handlers.DiscardLogger())

	w := httptest.NewRecorder()
	h.AzureStatus(w, httptest.NewRequest(http.MethodGet, "/auth/azure-status", nil))

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error", "Server error")
}
