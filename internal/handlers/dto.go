package handlers

import (
	"time"

	"github.com/redcell/optrack/internal/models"
)

// UserSummary is the user view returned alongside a token.
type UserSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// UserIdentity is the /auth/me view.
type UserIdentity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
}

// AdminUserView is what administrators see when managing accounts.
type AdminUserView struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	IsAdmin      bool       `json:"isAdmin"`
	IsActive     bool       `json:"isActive"`
	AuthProvider string     `json:"authProvider"`
	HasPassword  bool       `json:"hasPassword"`
	Federated    bool       `json:"federated"`
	TokenVersion int        `json:"tokenVersion"`
	LastLogin    *time.Time `json:"lastLogin"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type AuthResponse struct {
	Token   string      `json:"token"`
	User    UserSummary `json:"user"`
	Message string      `json:"message,omitempty"`
}

func summaryOf(u *models.User) UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
}

func adminViewOf(u *models.User) AdminUserView {
	return AdminUserView{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		IsAdmin:      u.IsAdmin,
		IsActive:     u.IsActive,
		AuthProvider: u.AuthProvider,
		HasPassword:  u.HasLocalPassword(),
		Federated:    u.AzureID != nil,
		TokenVersion: u.TokenVersion,
		LastLogin:    u.LastLogin,
		CreatedAt:    u.CreatedAt,
	}
}
