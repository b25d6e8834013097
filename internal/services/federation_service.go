package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redcell/optrack/internal/models"
	pkglogger "github.com/redcell/optrack/pkg/logger"
)

// FederationService turns a verified external identity into a session. It
// knows nothing about HTTP or the identity provider protocol.
type FederationService struct {
	users       *UserService
	tokens      TokenIssuer
	recorder    EventRecorder
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewFederationService(
	users *UserService,
	tokens TokenIssuer,
	recorder EventRecorder,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *FederationService {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &FederationService{
		users:       users,
		tokens:      tokens,
		recorder:    recorder,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// HandleCallback resolves or creates the local user for profile and issues
// a token. Every failure wraps models.ErrFederation.
func (s *FederationService) HandleCallback(ctx context.Context, profile models.ExternalProfile, meta RequestMeta) (*AuthResult, error) {
	user, err := s.users.LinkOrCreateFederatedUser(ctx, profile)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, models.ErrConflict):
			reason = "identity_conflict"
		case errors.Is(err, models.ErrBadRequest):
			reason = "incomplete_profile"
		case errors.Is(err, models.ErrAccountInactive):
			reason = "account_inactive"
		default:
			s.logger.Error("federated user resolution failed", slog.Any("error", err))
		}
		return s.fail(ctx, 0, reason, meta, err)
	}

	if !user.IsActive {
		return s.fail(ctx, user.ID, "account_inactive", meta, models.ErrAccountInactive)
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return s.fail(ctx, user.ID, "token_issue", meta, err)
	}

	s.users.RecordLogin(ctx, user.ID)
	s.recorder.RecordAuthEvent("federated_login", "success")
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventFederation,
		UserID:    user.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Metadata:  map[string]string{"provider": models.AuthProviderAzure},
	})

	return &AuthResult{Token: token, User: user}, nil
}

func (s *FederationService) fail(ctx context.Context, userID int64, reason string, meta RequestMeta, cause error) (*AuthResult, error) {
	s.recorder.RecordAuthEvent("federated_login", reason)
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType:     pkglogger.EventFederation,
		UserID:        userID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		Success:       false,
		FailureReason: reason,
	})
	return nil, fmt.Errorf("%w: %w", models.ErrFederation, cause)
}
