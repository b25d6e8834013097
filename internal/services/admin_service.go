package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redcell/optrack/internal/models"
	pkglogger "github.com/redcell/optrack/pkg/logger"
)

var (
	ErrSelfDemotion     = fmt.Errorf("%w: administrators cannot remove their own admin rights", models.ErrBadRequest)
	ErrSelfDeactivation = fmt.Errorf("%w: administrators cannot deactivate their own account", models.ErrBadRequest)
)

// UserUpdate is a partial change to a user's flags. Nil fields are left alone.
type UserUpdate struct {
	IsAdmin  *bool
	IsActive *bool
}

// AdminService backs the user-management endpoints.
type AdminService struct {
	repo        UserRepository
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewAdminService(repo UserRepository, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *AdminService {
	return &AdminService{
		repo:        repo,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// ListUsers returns one page of users and the overall user count.
func (s *AdminService) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, int64, error) {
	users, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		s.logger.Error("failed to list users", slog.Int("limit", limit), slog.Int("offset", offset), slog.Any("error", err))
		return nil, 0, models.ErrInternalServer
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to count users", slog.Any("error", err))
		return nil, 0, models.ErrInternalServer
	}

	return users, stats.Total, nil
}

// UpdateUser applies flag changes. Only the flags present in update are
// written, and changing either one bumps the target's token_version in the
// same statement, so concurrent updates to different flags both stick.
func (s *AdminService) UpdateUser(ctx context.Context, actorID, targetID int64, update UserUpdate) (*models.User, error) {
	if actorID == targetID {
		if update.IsAdmin != nil && !*update.IsAdmin {
			return nil, ErrSelfDemotion
		}
		if update.IsActive != nil && !*update.IsActive {
			return nil, ErrSelfDeactivation
		}
	}

	updated, err := s.repo.UpdateFlags(ctx, targetID, update.IsAdmin, update.IsActive)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to update user", slog.Int64("user_id", targetID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction(ctx, pkglogger.EventAdminUpdate, actorID, targetID, map[string]string{
		"is_admin":      strconv.FormatBool(updated.IsAdmin),
		"is_active":     strconv.FormatBool(updated.IsActive),
		"token_version": strconv.Itoa(updated.TokenVersion),
	})
	return updated, nil
}

// RevokeTokens invalidates every outstanding token of the target user.
func (s *AdminService) RevokeTokens(ctx context.Context, actorID, targetID int64) error {
	version, err := s.repo.IncrementTokenVersion(ctx, targetID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to revoke tokens", slog.Int64("user_id", targetID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction(ctx, pkglogger.EventTokenRevoke, actorID, targetID, map[string]string{
		"scope":         "admin",
		"token_version": strconv.Itoa(version),
	})
	return nil
}

func (s *AdminService) Stats(ctx context.Context) (*models.UserStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to compute user stats", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return stats, nil
}
