package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAuth is the only token type accepted on protected routes.
const TokenTypeAuth = "auth"

// TokenClaims is the session token payload. IsAdmin is informational for
// clients; authorization always re-reads the users row.
type TokenClaims struct {
	UserID       int64  `json:"id"`
	Username     string `json:"username"`
	IsAdmin      bool   `json:"isAdmin"`
	TokenVersion int    `json:"tokenVersion"`
	TokenType    string `json:"tokenType"`
	jwt.RegisteredClaims
}
