package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redcell/optrack/internal/models"
	pkgauth "github.com/redcell/optrack/pkg/auth"
	pkglogger "github.com/redcell/optrack/pkg/logger"
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.User, error)
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	LinkExternalID(ctx context.Context, id int64, externalID string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	UpdateFlags(ctx context.Context, id int64, isAdmin, isActive *bool) (*models.User, error)
	IncrementTokenVersion(ctx context.Context, id int64) (int, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	Stats(ctx context.Context) (*models.UserStats, error)
}

const maxUsernameLen = 50

var usernameUnsafe = regexp.MustCompile(`[^a-z0-9._-]+`)

// UserService is the credential store: it owns user records, password
// hashes, and the admin and active flags.
type UserService struct {
	repo   UserRepository
	hasher *pkgauth.PasswordHasher
	logger *slog.Logger
	now    func() time.Time
}

func NewUserService(repo UserRepository, hasher *pkgauth.PasswordHasher, logger *slog.Logger) *UserService {
	return &UserService{
		repo:   repo,
		hasher: hasher,
		logger: logger,
		now:    time.Now,
	}
}

// FindByUsername returns models.ErrNotFound when no such user exists.
func (s *UserService) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("find user by username: %w", err)
	}
	return user, nil
}

// FindByID returns models.ErrNotFound when no such user exists.
func (s *UserService) FindByID(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return user, nil
}

// NewLocalUser validates the password and returns an unsaved user carrying
// its hash. Callers that persist inside their own transaction use this
// directly.
func (s *UserService) NewLocalUser(username, email, password string, isAdmin bool) (*models.User, error) {
	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrBadRequest, err.Error())
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	return &models.User{
		Username:     strings.TrimSpace(username),
		Email:        normalizeEmail(email),
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		IsActive:     true,
		AuthProvider: models.AuthProviderLocal,
	}, nil
}

// CreateLocalUser hashes the password and stores a new local account.
// Duplicate usernames or emails yield models.ErrConflict whether caught by
// the pre-check or by the unique constraints.
func (s *UserService) CreateLocalUser(ctx context.Context, username, email, password string, isAdmin bool) (*models.User, error) {
	user, err := s.NewLocalUser(username, email, password, isAdmin)
	if err != nil {
		return nil, err
	}

	exists, err := s.repo.ExistsByUsernameOrEmail(ctx, user.Username, user.Email)
	if err != nil {
		return nil, fmt.Errorf("check existing user: %w", err)
	}
	if exists {
		return nil, models.ErrConflict
	}

	created, err := s.repo.Create(ctx, user)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user created",
		slog.Int64("user_id", created.ID),
		slog.String("email", pkglogger.SanitizedEmail(created.Email)),
		slog.Bool("is_admin", created.IsAdmin),
	)
	return created, nil
}

// VerifyPassword is false for users without a local password.
func (s *UserService) VerifyPassword(user *models.User, password string) bool {
	if user == nil || !user.HasLocalPassword() {
		return false
	}
	return s.hasher.Matches(user.PasswordHash, password)
}

// LinkOrCreateFederatedUser resolves an external identity to a local account.
// Lookup is by external id, then by email (linking the account when it has
// no external id yet and is active). Otherwise a new active, non-admin,
// password-less user is created.
func (s *UserService) LinkOrCreateFederatedUser(ctx context.Context, profile models.ExternalProfile) (*models.User, error) {
	if profile.ExternalID == "" {
		return nil, fmt.Errorf("%w: missing external id", models.ErrBadRequest)
	}
	email := normalizeEmail(profile.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: missing email", models.ErrBadRequest)
	}

	user, err := s.repo.GetByExternalID(ctx, profile.ExternalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("lookup by external id: %w", err)
	}

	existing, err := s.repo.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return s.linkExisting(ctx, existing, profile.ExternalID)
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("lookup by email: %w", err)
	}

	return s.createFederated(ctx, profile, email)
}

func (s *UserService) linkExisting(ctx context.Context, existing *models.User, externalID string) (*models.User, error) {
	if existing.AzureID != nil {
		// Created by a concurrent callback for the same identity.
		if *existing.AzureID == externalID {
			return existing, nil
		}
		// Same email, different external identity.
		s.logger.Warn("federated login email already bound to another identity",
			slog.Int64("user_id", existing.ID))
		return nil, models.ErrConflict
	}

	if !existing.IsActive {
		s.logger.Warn("refusing to link external identity to inactive user",
			slog.Int64("user_id", existing.ID))
		return nil, models.ErrAccountInactive
	}

	linked, err := s.repo.LinkExternalID(ctx, existing.ID, externalID)
	if err == nil {
		s.logger.Info("linked external identity to existing user", slog.Int64("user_id", linked.ID))
		return linked, nil
	}

	// A concurrent callback may have linked it first.
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
		if user, lookupErr := s.repo.GetByExternalID(ctx, externalID); lookupErr == nil {
			return user, nil
		}
		return nil, models.ErrConflict
	}
	return nil, fmt.Errorf("link external id: %w", err)
}

func (s *UserService) createFederated(ctx context.Context, profile models.ExternalProfile, email string) (*models.User, error) {
	externalID := profile.ExternalID
	base := federatedUsername(profile.DisplayName, email)

	candidates := []string{base, suffixUsername(base, uuid.NewString()[:8])}
	for _, username := range candidates {
		created, err := s.repo.Create(ctx, &models.User{
			Username:     username,
			Email:        email,
			IsActive:     true,
			AzureID:      &externalID,
			AuthProvider: models.AuthProviderAzure,
		})
		if err == nil {
			s.logger.Info("created federated user",
				slog.Int64("user_id", created.ID),
				slog.String("email", pkglogger.SanitizedEmail(email)),
			)
			return created, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("create federated user: %w", err)
		}

		// The conflict may be the identity itself, created concurrently.
		if user, lookupErr := s.repo.GetByExternalID(ctx, externalID); lookupErr == nil {
			return user, nil
		}
		if _, lookupErr := s.repo.GetByEmail(ctx, email); lookupErr == nil {
			return nil, models.ErrConflict
		}
	}

	return nil, models.ErrConflict
}

// RecordLogin stamps last_login. Failures are logged and swallowed.
func (s *UserService) RecordLogin(ctx context.Context, userID int64) {
	if err := s.repo.UpdateLastLogin(ctx, userID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to record last login",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// federatedUsername derives a username from the display name, falling back
// to the email local part.
func federatedUsername(displayName, email string) string {
	name := usernameUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(displayName)), ".")
	name = strings.Trim(name, ".-_")
	if name == "" {
		local, _, _ := strings.Cut(email, "@")
		name = strings.Trim(usernameUnsafe.ReplaceAllString(local, "."), ".-_")
	}
	if name == "" {
		name = "operator"
	}
	if len(name) > maxUsernameLen {
		name = name[:maxUsernameLen]
	}
	return name
}

func suffixUsername(base, suffix string) string {
	if len(base)+1+len(suffix) > maxUsernameLen {
		base = base[:maxUsernameLen-1-len(suffix)]
	}
	return base + "-" + suffix
}
