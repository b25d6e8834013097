package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/services"
	pkghttp "github.com/redcell/optrack/pkg/http"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// AdminServiceInterface defines the user-management contract.
type AdminServiceInterface interface {
	ListUsers(ctx context.Context, limit, offset int) ([]*models.User, int64, error)
	UpdateUser(ctx context.Context, actorID, targetID int64, update services.UserUpdate) (*models.User, error)
	RevokeTokens(ctx context.Context, actorID, targetID int64) error
	Stats(ctx context.Context) (*models.UserStats, error)
}

// AdminHandler handles user administration. Every route sits behind
// RequireAdmin.
type AdminHandler struct {
	service AdminServiceInterface
	logger  *slog.Logger
}

func NewAdminHandler(service AdminServiceInterface, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{service: service, logger: logger}
}

type UpdateUserRequest struct {
	IsAdmin  *bool `json:"isAdmin"`
	IsActive *bool `json:"isActive"`
}

type UserListResponse struct {
	Users  []AdminUserView `json:"users"`
	Total  int64           `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

type StatsResponse struct {
	TotalUsers     int64 `json:"totalUsers"`
	ActiveUsers    int64 `json:"activeUsers"`
	AdminUsers     int64 `json:"adminUsers"`
	FederatedUsers int64 `json:"federatedUsers"`
}

// ListUsers handles GET /admin/users?limit=N&offset=M
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxPageSize {
			limit = n
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	users, total, err := h.service.ListUsers(r.Context(), limit, offset)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve users")
		return
	}

	views := make([]AdminUserView, 0, len(users))
	for _, u := range users {
		views = append(views, adminViewOf(u))
	}

	pkghttp.WriteJSON(w, http.StatusOK, UserListResponse{
		Users:  views,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// UpdateUser handles PATCH /admin/users/{id}
func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "No token provided")
		return
	}

	targetID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.IsAdmin == nil && req.IsActive == nil {
		pkghttp.WriteValidationError(w, "isAdmin or isActive is required")
		return
	}

	updated, err := h.service.UpdateUser(r.Context(), actor.UserID, targetID, services.UserUpdate{
		IsAdmin:  req.IsAdmin,
		IsActive: req.IsActive,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSelfDemotion):
			pkghttp.WriteBadRequest(w, "You cannot remove your own admin rights")
		case errors.Is(err, services.ErrSelfDeactivation):
			pkghttp.WriteBadRequest(w, "You cannot deactivate your own account")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "User not found")
		default:
			pkghttp.WriteInternalError(w, "Failed to update user")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, adminViewOf(updated))
}

// RevokeTokens handles POST /admin/users/{id}/revoke-tokens
func (h *AdminHandler) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "No token provided")
		return
	}

	targetID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.RevokeTokens(r.Context(), actor.UserID, targetID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "User not found")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to revoke tokens")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve stats")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, StatsResponse{
		TotalUsers:     stats.Total,
		ActiveUsers:    stats.Active,
		AdminUsers:     stats.Admins,
		FederatedUsers: stats.Federated,
	})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		pkghttp.WriteBadRequest(w, "Invalid user id")
		return 0, false
	}
	return id, true
}
