package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redcell/optrack/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret-at-least-32-chars"

func newTestTokenManager() *TokenManager {
	return NewTokenManager(TokenConfig{
		Secret:   testSecret,
		Issuer:   "optrack-api",
		Audience: "optrack-client",
		Expiry:   24 * time.Hour,
	})
}

func testUser() *models.User {
	return &models.User{ID: 42, Username: "alice", IsAdmin: true, IsActive: true, TokenVersion: 3}
}

func signClaims(t *testing.T, method jwt.SigningMethod, key interface{}, claims *models.TokenClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() *models.TokenClaims {
	now := time.Now()
	return &models.TokenClaims{
		UserID:       42,
		Username:     "alice",
		TokenVersion: 3,
		TokenType:    models.TokenTypeAuth,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "optrack-api",
			Audience:  jwt.ClaimStrings{"optrack-client"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	var tokenErr *TokenError
	require.True(t, errors.As(err, &tokenErr), "expected *TokenError, got %T", err)
	assert.Equal(t, reason, tokenErr.Reason)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	tm := newTestTokenManager()

	token, err := tm.Issue(testUser())
	require.NoError(t, err)

	claims, err := tm.Verify(token)
	require.NoError(t, err)

	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.IsAdmin)
	assert.Equal(t, 3, claims.TokenVersion)
	assert.Equal(t, models.TokenTypeAuth, claims.TokenType)
	assert.Equal(t, "optrack-api", claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{"optrack-client"}, claims.Audience)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestIssue_UniqueJTI(t *testing.T) {
	tm := newTestTokenManager()

	a, err := tm.Issue(testUser())
	require.NoError(t, err)
	b, err := tm.Issue(testUser())
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestVerify_Expired(t *testing.T) {
	tm := newTestTokenManager()
	token, err := tm.Issue(testUser())
	require.NoError(t, err)

	tm.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	_, err = tm.Verify(token)
	requireReason(t, err, ReasonExpired)
}

func TestVerify_WrongIssuer(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "someone-else"

	_, err := newTestTokenManager().Verify(signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	requireReason(t, err, ReasonIssuer)
}

func TestVerify_WrongAudience(t *testing.T) {
	claims := validClaims()
	claims.Audience = jwt.ClaimStrings{"other-client"}

	_, err := newTestTokenManager().Verify(signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	requireReason(t, err, ReasonAudience)
}

func TestVerify_WrongSecret(t *testing.T) {
	token := signClaims(t, jwt.SigningMethodHS256, []byte("a-completely-different-secret-value"), validClaims())

	_, err := newTestTokenManager().Verify(token)
	requireReason(t, err, ReasonSignature)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	t.Run("HS512", func(t *testing.T) {
		token := signClaims(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims())
		_, err := newTestTokenManager().Verify(token)
		requireReason(t, err, ReasonSignature)
	})

	t.Run("none", func(t *testing.T) {
		token := signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims())
		_, err := newTestTokenManager().Verify(token)
		requireReason(t, err, ReasonSignature)
	})
}

func TestVerify_WrongTokenType(t *testing.T) {
	claims := validClaims()
	claims.TokenType = "refresh"

	_, err := newTestTokenManager().Verify(signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	requireReason(t, err, ReasonType)
}

func TestVerify_MissingExpiry(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = nil

	_, err := newTestTokenManager().Verify(signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestVerify_Malformed(t *testing.T) {
	tm := newTestTokenManager()

	for _, input := range []string{"", "not-a-jwt", "a.b.c", strings.Repeat("x", 40)} {
		_, err := tm.Verify(input)
		requireReason(t, err, ReasonMalformed)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	tm := newTestTokenManager()
	token, err := tm.Issue(testUser())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	other, err := tm.Issue(&models.User{ID: 1, Username: "root", IsAdmin: true, IsActive: true})
	require.NoError(t, err)
	otherParts := strings.Split(other, ".")

	forged := parts[0] + "." + otherParts[1] + "." + parts[2]
	_, err = tm.Verify(forged)
	requireReason(t, err, ReasonSignature)
}
