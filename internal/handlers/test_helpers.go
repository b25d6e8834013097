package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/services"
	pkghttp "github.com/redcell/optrack/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithPrincipalContext attaches an authenticated caller to req.
func WithPrincipalContext(req *http.Request, p *auth.Principal) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks status, machine code and the human message.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedCode, expectedMessage string) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedCode, resp.Code, "Error code mismatch")
	if expectedMessage != "" {
		assert.Equal(t, expectedMessage, resp.Error, "Error message mismatch")
	} else {
		assert.NotEmpty(t, resp.Error, "Error message should not be empty")
	}
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc     func(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResult, error)
	RegisterFunc  func(ctx context.Context, username, email, password string, meta services.RequestMeta) (*services.AuthResult, error)
	LogoutAllFunc func(ctx context.Context, userID int64) error
}

func (m *MockAuthService) Login(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, username, password, meta)
	}
	return nil, models.ErrInvalidCredentials
}

func (m *MockAuthService) Register(ctx context.Context, username, email, password string, meta services.RequestMeta) (*services.AuthResult, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, username, email, password, meta)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) LogoutAll(ctx context.Context, userID int64) error {
	if m.LogoutAllFunc != nil {
		return m.LogoutAllFunc(ctx, userID)
	}
	return nil
}

// MockSetupService implements SetupServiceInterface for testing
type MockSetupService struct {
	IsSetupRequiredFunc func(ctx context.Context) (bool, error)
	CompleteSetupFunc   func(ctx context.Context, admin services.AdminAccount, azure *services.AzureSettings, meta services.RequestMeta) (*services.AuthResult, error)
}

func (m *MockSetupService) IsSetupRequired(ctx context.Context) (bool, error) {
	if m.IsSetupRequiredFunc != nil {
		return m.IsSetupRequiredFunc(ctx)
	}
	return true, nil
}

func (m *MockSetupService) CompleteSetup(ctx context.Context, admin services.AdminAccount, azure *services.AzureSettings, meta services.RequestMeta) (*services.AuthResult, error) {
	if m.CompleteSetupFunc != nil {
		return m.CompleteSetupFunc(ctx, admin, azure, meta)
	}
	return nil, models.ErrAlreadyInitialized
}

// MockAzureConfigReader implements AzureConfigReader for testing
type MockAzureConfigReader struct {
	GetFunc func(ctx context.Context) (*models.AzureConfig, error)
}

func (m *MockAzureConfigReader) Get(ctx context.Context) (*models.AzureConfig, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx)
	}
	return nil, models.ErrNotFound
}

// MockIdentityProvider implements sso.IdentityProvider for testing
type MockIdentityProvider struct {
	AuthCodeURLFunc func(state, nonce string) string
	ExchangeFunc    func(ctx context.Context, code, nonce string) (*models.ExternalProfile, error)
}

func (m *MockIdentityProvider) AuthCodeURL(state, nonce string) string {
	if m.AuthCodeURLFunc != nil {
		return m.AuthCodeURLFunc(state, nonce)
	}
	return "https://idp.example.com/authorize?state=" + state + "&nonce=" + nonce
}

func (m *MockIdentityProvider) Exchange(ctx context.Context, code, nonce string) (*models.ExternalProfile, error) {
	if m.ExchangeFunc != nil {
		return m.ExchangeFunc(ctx, code, nonce)
	}
	return &models.ExternalProfile{ExternalID: "oid-1", Email: "user@example.com", DisplayName: "User"}, nil
}

// MockFederationService implements FederationServiceInterface for testing
type MockFederationService struct {
	HandleCallbackFunc func(ctx context.Context, profile models.ExternalProfile, meta services.RequestMeta) (*services.AuthResult, error)
}

func (m *MockFederationService) HandleCallback(ctx context.Context, profile models.ExternalProfile, meta services.RequestMeta) (*services.AuthResult, error) {
	if m.HandleCallbackFunc != nil {
		return m.HandleCallbackFunc(ctx, profile, meta)
	}
	return &services.AuthResult{
		Token: "federated-token",
		User:  &models.User{ID: 1, Username: "user", Email: profile.Email, IsActive: true},
	}, nil
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	ListUsersFunc    func(ctx context.Context, limit, offset int) ([]*models.User, int64, error)
	UpdateUserFunc   func(ctx context.Context, actorID, targetID int64, update services.UserUpdate) (*models.User, error)
	RevokeTokensFunc func(ctx context.Context, actorID, targetID int64) error
	StatsFunc        func(ctx context.Context) (*models.UserStats, error)
}

func (m *MockAdminService) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, int64, error) {
	if m.ListUsersFunc != nil {
		return m.ListUsersFunc(ctx, limit, offset)
	}
	return []*models.User{}, 0, nil
}

func (m *MockAdminService) UpdateUser(ctx context.Context, actorID, targetID int64, update services.UserUpdate) (*models.User, error) {
	if m.UpdateUserFunc != nil {
		return m.UpdateUserFunc(ctx, actorID, targetID, update)
	}
	return nil, models.ErrNotFound
}

func (m *MockAdminService) RevokeTokens(ctx context.Context, actorID, targetID int64) error {
	if m.RevokeTokensFunc != nil {
		return m.RevokeTokensFunc(ctx, actorID, targetID)
	}
	return nil
}

func (m *MockAdminService) Stats(ctx context.Context) (*models.UserStats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return &models.UserStats{}, nil
}

// MockHealthChecker implements HealthChecker for testing
type MockHealthChecker struct {
	Err error
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.Err
}
