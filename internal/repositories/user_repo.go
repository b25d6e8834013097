package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redcell/optrack/internal/database"
	"github.com/redcell/optrack/internal/models"
)

const userColumns = `id, username, email, password_hash, is_admin, is_active, token_version,
		azure_id, auth_provider, last_login, created_at, updated_at`

type UserRepository struct {
	db database.DBTX
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db.Pool}
}

// WithTx returns a repository bound to tx.
func (r *UserRepository) WithTx(tx pgx.Tx) *UserRepository {
	return &UserRepository{db: tx}
}

// rowScanner interface for scanning user rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var passwordHash *string

	err := scanner.Scan(
		&user.ID, &user.Username, &user.Email, &passwordHash,
		&user.IsAdmin, &user.IsActive, &user.TokenVersion,
		&user.AzureID, &user.AuthProvider, &user.LastLogin,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		user.PasswordHash = *passwordHash
	}

	return &user, nil
}

func scanUserRows(rows pgx.Rows) ([]*models.User, error) {
	defer rows.Close()

	users := make([]*models.User, 0)

	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return users, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.db.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return scanUserRow(r.db.QueryRow(ctx, query, username))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUserRow(r.db.QueryRow(ctx, query, email))
}

func (r *UserRepository) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE azure_id = $1`
	return scanUserRow(r.db.QueryRow(ctx, query, externalID))
}

// ExistsByUsernameOrEmail is the fast-path duplicate check ahead of an insert.
// The unique constraints remain the authority.
func (r *UserRepository) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1 OR email = $2)`,
		username, email,
	).Scan(&exists)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return exists, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.AuthProvider == "" {
		user.AuthProvider = models.AuthProviderLocal
	}

	var passwordHash *string
	if user.PasswordHash != "" {
		passwordHash = &user.PasswordHash
	}

	query := `
		INSERT INTO users (username, email, password_hash, is_admin, is_active, azure_id, auth_provider)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + userColumns

	return scanUserRow(r.db.QueryRow(ctx, query,
		user.Username, user.Email, passwordHash,
		user.IsAdmin, user.IsActive, user.AzureID, user.AuthProvider,
	))
}

// LinkExternalID attaches an external identity to a user that has none yet
// and retags the account with the azure provider. Returns ErrNotFound when
// the user is missing or already linked.
func (r *UserRepository) LinkExternalID(ctx context.Context, id int64, externalID string) (*models.User, error) {
	query := `
		UPDATE users SET azure_id = $1, auth_provider = 'azure', updated_at = NOW()
		WHERE id = $2 AND azure_id IS NULL
		RETURNING ` + userColumns

	return scanUserRow(r.db.QueryRow(ctx, query, externalID, id))
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	result, err := r.db.Exec(ctx, `UPDATE users SET last_login = $1 WHERE id = $2`, at, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateFlags changes the admin and active flags in one statement. A nil
// flag keeps its stored value. Any actual change bumps token_version so
// outstanding tokens stop working.
func (r *UserRepository) UpdateFlags(ctx context.Context, id int64, isAdmin, isActive *bool) (*models.User, error) {
	query := `
		UPDATE users SET
			token_version = CASE
				WHEN is_admin <> COALESCE($1::boolean, is_admin)
					OR is_active <> COALESCE($2::boolean, is_active) THEN token_version + 1
				ELSE token_version
			END,
			is_admin = COALESCE($1::boolean, is_admin),
			is_active = COALESCE($2::boolean, is_active),
			updated_at = NOW()
		WHERE id = $3
		RETURNING ` + userColumns

	return scanUserRow(r.db.QueryRow(ctx, query, isAdmin, isActive, id))
}

func (r *UserRepository) IncrementTokenVersion(ctx context.Context, id int64) (int, error) {
	var version int
	err := r.db.QueryRow(ctx,
		`UPDATE users SET token_version = token_version + 1, updated_at = NOW() WHERE id = $1 RETURNING token_version`,
		id,
	).Scan(&version)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return version, nil
}

func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY id ASC LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	return scanUserRows(rows)
}

func (r *UserRepository) Stats(ctx context.Context) (*models.UserStats, error) {
	var stats models.UserStats
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE is_admin),
			COUNT(*) FILTER (WHERE azure_id IS NOT NULL)
		FROM users
	`).Scan(&stats.Total, &stats.Active, &stats.Admins, &stats.Federated)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &stats, nil
}
