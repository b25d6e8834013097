package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/redcell/optrack/internal/database"
	"github.com/redcell/optrack/internal/models"
)

// SetupTx is the set of writes the bootstrap flow performs inside one
// transaction.
type SetupTx interface {
	LockStatus(ctx context.Context) (*models.SetupStatus, error)
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	SaveAzureConfig(ctx context.Context, cfg *models.AzureConfig) error
	MarkInitialized(ctx context.Context, userID int64) error
}

type SetupRepository struct {
	db    *database.DB
	users *UserRepository
	azure *AzureConfigRepository
}

func NewSetupRepository(db *database.DB) *SetupRepository {
	return &SetupRepository{
		db:    db,
		users: NewUserRepository(db),
		azure: NewAzureConfigRepository(db),
	}
}

func (r *SetupRepository) GetStatus(ctx context.Context) (*models.SetupStatus, error) {
	return scanSetupStatus(r.db.Pool.QueryRow(ctx, setupStatusQuery))
}

// RunInTx calls fn with a transaction-bound SetupTx. The transaction commits
// when fn returns nil and rolls back otherwise.
func (r *SetupRepository) RunInTx(ctx context.Context, fn func(SetupTx) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&setupTx{
			tx:    tx,
			users: r.users.WithTx(tx),
			azure: r.azure.WithTx(tx),
		})
	})
}

const setupStatusQuery = `SELECT is_initialized, initialized_at, initialized_by FROM setup_status WHERE id = 1`

func scanSetupStatus(row pgx.Row) (*models.SetupStatus, error) {
	var status models.SetupStatus
	if err := row.Scan(&status.IsInitialized, &status.InitializedAt, &status.InitializedBy); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &status, nil
}

type setupTx struct {
	tx    pgx.Tx
	users *UserRepository
	azure *AzureConfigRepository
}

// LockStatus takes a row lock on the singleton. Concurrent setup attempts
// queue here until the holder commits or rolls back.
func (s *setupTx) LockStatus(ctx context.Context) (*models.SetupStatus, error) {
	status, err := scanSetupStatus(s.tx.QueryRow(ctx, setupStatusQuery+` FOR UPDATE`))
	if err != nil {
		return nil, fmt.Errorf("failed to lock setup status: %w", err)
	}
	return status, nil
}

func (s *setupTx) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	return s.users.Create(ctx, user)
}

func (s *setupTx) SaveAzureConfig(ctx context.Context, cfg *models.AzureConfig) error {
	return s.azure.Upsert(ctx, cfg)
}

func (s *setupTx) MarkInitialized(ctx context.Context, userID int64) error {
	result, err := s.tx.Exec(ctx, `
		UPDATE setup_status SET is_initialized = TRUE, initialized_at = NOW(), initialized_by = $1
		WHERE id = 1 AND is_initialized = FALSE
	`, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrAlreadyInitialized
	}
	return nil
}
