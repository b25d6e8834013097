package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/repositories"
	pkglogger "github.com/redcell/optrack/pkg/logger"
)

// SetupRepository is the bootstrap state store.
type SetupRepository interface {
	GetStatus(ctx context.Context) (*models.SetupStatus, error)
	RunInTx(ctx context.Context, fn func(repositories.SetupTx) error) error
}

// AdminAccount is the first administrator submitted to setup.
type AdminAccount struct {
	Username string
	Email    string
	Password string
}

// AzureSettings is the optional federation config submitted to setup.
type AzureSettings struct {
	ClientID     string
	TenantID     string
	ClientSecret string
	RedirectURI  string
	IsEnabled    bool
}

// SetupService is the one-time bootstrap gate.
type SetupService struct {
	repo        SetupRepository
	users       *UserService
	tokens      TokenIssuer
	recorder    EventRecorder
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewSetupService(
	repo SetupRepository,
	users *UserService,
	tokens TokenIssuer,
	recorder EventRecorder,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *SetupService {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &SetupService{
		repo:        repo,
		users:       users,
		tokens:      tokens,
		recorder:    recorder,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// IsSetupRequired reports whether the bootstrap has not yet run.
func (s *SetupService) IsSetupRequired(ctx context.Context) (bool, error) {
	status, err := s.repo.GetStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("read setup status: %w", err)
	}
	return !status.IsInitialized, nil
}

// CompleteSetup creates the first admin, stores the federation config when
// one is supplied and enabled, and marks the system initialised. All of it
// happens in one transaction holding the setup row lock, so of any number of
// concurrent calls exactly one succeeds and the rest get
// models.ErrAlreadyInitialized.
func (s *SetupService) CompleteSetup(ctx context.Context, admin AdminAccount, azure *AzureSettings, meta RequestMeta) (*AuthResult, error) {
	if azure != nil && azure.IsEnabled {
		if err := azure.validate(); err != nil {
			return nil, err
		}
	}

	// Hash before taking the lock.
	newAdmin, err := s.users.NewLocalUser(admin.Username, admin.Email, admin.Password, true)
	if err != nil {
		return nil, err
	}

	var created *models.User
	err = s.repo.RunInTx(ctx, func(tx repositories.SetupTx) error {
		status, err := tx.LockStatus(ctx)
		if err != nil {
			return err
		}
		if status.IsInitialized {
			return models.ErrAlreadyInitialized
		}

		created, err = tx.CreateUser(ctx, newAdmin)
		if err != nil {
			return fmt.Errorf("create admin: %w", err)
		}

		if azure != nil && azure.IsEnabled {
			if err := tx.SaveAzureConfig(ctx, &models.AzureConfig{
				ClientID:     strings.TrimSpace(azure.ClientID),
				TenantID:     strings.TrimSpace(azure.TenantID),
				ClientSecret: azure.ClientSecret,
				RedirectURI:  strings.TrimSpace(azure.RedirectURI),
				IsEnabled:    true,
				UpdatedBy:    &created.ID,
			}); err != nil {
				return fmt.Errorf("save azure config: %w", err)
			}
		}

		return tx.MarkInitialized(ctx, created.ID)
	})
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, models.ErrAlreadyInitialized):
			outcome = "already_initialized"
		case errors.Is(err, models.ErrConflict):
			outcome = "conflict"
		}
		s.recorder.RecordAuthEvent("setup", outcome)
		s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
			EventType:     pkglogger.EventSetup,
			Username:      admin.Username,
			IPAddress:     meta.IPAddress,
			Success:       false,
			FailureReason: outcome,
		})
		if errors.Is(err, models.ErrAlreadyInitialized) {
			return nil, models.ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("complete setup: %w", err)
	}

	token, err := s.tokens.Issue(created)
	if err != nil {
		return nil, fmt.Errorf("complete setup: %w", err)
	}

	s.recorder.RecordAuthEvent("setup", "success")
	s.logger.Info("initial setup completed",
		slog.Int64("admin_id", created.ID),
		slog.Bool("azure_enabled", azure != nil && azure.IsEnabled),
	)
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventSetup,
		UserID:    created.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})

	return &AuthResult{Token: token, User: created}, nil
}

func (a *AzureSettings) validate() error {
	missing := make([]string, 0)
	if strings.TrimSpace(a.ClientID) == "" {
		missing = append(missing, "clientId")
	}
	if strings.TrimSpace(a.TenantID) == "" {
		missing = append(missing, "tenantId")
	}
	if a.ClientSecret == "" {
		missing = append(missing, "clientSecret")
	}
	if strings.TrimSpace(a.RedirectURI) == "" {
		missing = append(missing, "redirectUri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: azure settings missing %s", models.ErrBadRequest, strings.Join(missing, ", "))
	}

	u, err := url.Parse(strings.TrimSpace(a.RedirectURI))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: azure redirectUri must be an absolute http(s) URL", models.ErrBadRequest)
	}
	return nil
}
