package models

import "time"

// SetupStatus is the process-wide bootstrap flag (single row, id = 1).
type SetupStatus struct {
	IsInitialized bool
	InitializedAt *time.Time
	InitializedBy *int64
}

// AzureConfig holds Azure AD federation settings (single row, id = 1).
type AzureConfig struct {
	ClientID     string
	TenantID     string
	ClientSecret string
	RedirectURI  string
	IsEnabled    bool
	UpdatedBy    *int64
	UpdatedAt    time.Time
}

// ExternalProfile is the identity asserted by an external provider after
// its token has been verified.
type ExternalProfile struct {
	ExternalID  string
	DisplayName string
	Email       string
}
