package models

import (
	"time"
)

// Auth provider tags stored in users.auth_provider.
const (
	AuthProviderLocal = "local"
	AuthProviderAzure = "azure"
)

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string  // empty for federated-only users
	IsAdmin      bool
	IsActive     bool
	TokenVersion int
	AzureID      *string // external identity id, nil until linked
	AuthProvider string  // "local" or "azure"
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasLocalPassword reports whether the user can sign in with a password.
func (u *User) HasLocalPassword() bool {
	return u.PasswordHash != ""
}

// UserStats aggregates user counts for the admin dashboard.
type UserStats struct {
	Total     int64
	Active    int64
	Admins    int64
	Federated int64
}
