package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/models"
	pkgauth "github.com/redcell/optrack/pkg/auth"
	pkglogger "github.com/redcell/optrack/pkg/logger"
)

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(user *models.User) (string, error)
}

// EventRecorder counts authentication outcomes.
type EventRecorder interface {
	RecordAuthEvent(event, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAuthEvent(string, string) {}

// RequestMeta carries caller details for audit records.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// AuthResult is returned by every flow that ends in a session.
type AuthResult struct {
	Token string
	User  *models.User
}

// AuthService handles login, registration and self-service revocation.
type AuthService struct {
	users       *UserService
	repo        UserRepository
	tokens      TokenIssuer
	timing      *auth.TimingDelay
	hasher      *pkgauth.PasswordHasher
	recorder    EventRecorder
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger

	dummyOnce sync.Once
	dummyHash string
}

func NewAuthService(
	users *UserService,
	repo UserRepository,
	tokens TokenIssuer,
	timing *auth.TimingDelay,
	hasher *pkgauth.PasswordHasher,
	recorder EventRecorder,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AuthService {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &AuthService{
		users:       users,
		repo:        repo,
		tokens:      tokens,
		timing:      timing,
		hasher:      hasher,
		recorder:    recorder,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// Login checks a username and password. Unknown users, password-less users
// and wrong passwords all return models.ErrInvalidCredentials after the same
// padded delay. Only a correct password on a deactivated account yields
// models.ErrAccountInactive.
func (s *AuthService) Login(ctx context.Context, username, password string, meta RequestMeta) (*AuthResult, error) {
	start := time.Now()
	username = strings.TrimSpace(username)

	fail := func(userID int64, reason string) (*AuthResult, error) {
		s.timing.WaitFrom(ctx, start)
		s.recorder.RecordAuthEvent("login", "invalid_credentials")
		s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
			EventType:     pkglogger.EventLogin,
			UserID:        userID,
			Username:      username,
			IPAddress:     meta.IPAddress,
			UserAgent:     meta.UserAgent,
			Success:       false,
			FailureReason: reason,
		})
		return nil, models.ErrInvalidCredentials
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.burnHash(password)
			return fail(0, "unknown_user")
		}
		s.recorder.RecordAuthEvent("login", "error")
		return nil, fmt.Errorf("login: %w", err)
	}

	if !user.HasLocalPassword() {
		s.burnHash(password)
		return fail(user.ID, "no_local_password")
	}

	if !s.users.VerifyPassword(user, password) {
		return fail(user.ID, "invalid_credentials")
	}

	if !user.IsActive {
		s.recorder.RecordAuthEvent("login", "inactive")
		s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
			EventType:     pkglogger.EventLogin,
			UserID:        user.ID,
			IPAddress:     meta.IPAddress,
			Success:       false,
			FailureReason: "account_inactive",
		})
		return nil, models.ErrAccountInactive
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		s.recorder.RecordAuthEvent("login", "error")
		return nil, fmt.Errorf("login: %w", err)
	}

	s.users.RecordLogin(ctx, user.ID)
	s.recorder.RecordAuthEvent("login", "success")
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventLogin,
		UserID:    user.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})

	return &AuthResult{Token: token, User: user}, nil
}

// Register creates a non-admin local account and signs the caller in.
func (s *AuthService) Register(ctx context.Context, username, email, password string, meta RequestMeta) (*AuthResult, error) {
	user, err := s.users.CreateLocalUser(ctx, username, email, password, false)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, models.ErrConflict):
			outcome = "conflict"
		case errors.Is(err, models.ErrBadRequest):
			outcome = "invalid"
		}
		s.recorder.RecordAuthEvent("register", outcome)
		s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
			EventType:     pkglogger.EventRegister,
			Username:      username,
			IPAddress:     meta.IPAddress,
			Success:       false,
			FailureReason: outcome,
		})
		return nil, err
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		s.recorder.RecordAuthEvent("register", "error")
		return nil, fmt.Errorf("register: %w", err)
	}

	s.users.RecordLogin(ctx, user.ID)
	s.recorder.RecordAuthEvent("register", "success")
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventRegister,
		UserID:    user.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})

	return &AuthResult{Token: token, User: user}, nil
}

// LogoutAll invalidates every token the user holds, including the one used
// for this request.
func (s *AuthService) LogoutAll(ctx context.Context, userID int64) error {
	version, err := s.repo.IncrementTokenVersion(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return fmt.Errorf("logout all: %w", err)
	}

	s.logger.Info("user revoked own tokens",
		slog.Int64("user_id", userID),
		slog.Int("token_version", version),
	)
	s.auditLogger.LogAccountAction(ctx, pkglogger.EventTokenRevoke, userID, userID, map[string]string{
		"scope": "self",
	})
	return nil
}

// burnHash runs one bcrypt comparison so lookups that never reach a real
// hash cost about the same as those that do.
func (s *AuthService) burnHash(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("optrack-timing-equaliser")
		if err != nil {
			s.logger.Warn("failed to prepare timing hash", slog.Any("error", err))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_ = s.hasher.Matches(s.dummyHash, password)
	}
}
