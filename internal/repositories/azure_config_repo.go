package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/redcell/optrack/internal/database"
	"github.com/redcell/optrack/internal/models"
)

type AzureConfigRepository struct {
	db database.DBTX
}

func NewAzureConfigRepository(db *database.DB) *AzureConfigRepository {
	return &AzureConfigRepository{db: db.Pool}
}

func (r *AzureConfigRepository) WithTx(tx pgx.Tx) *AzureConfigRepository {
	return &AzureConfigRepository{db: tx}
}

// Get returns the singleton federation config, or ErrNotFound when none was saved.
func (r *AzureConfigRepository) Get(ctx context.Context) (*models.AzureConfig, error) {
	var cfg models.AzureConfig
	err := r.db.QueryRow(ctx, `
		SELECT client_id, tenant_id, client_secret, redirect_uri, is_enabled, updated_by, updated_at
		FROM azure_config WHERE id = 1
	`).Scan(
		&cfg.ClientID, &cfg.TenantID, &cfg.ClientSecret, &cfg.RedirectURI,
		&cfg.IsEnabled, &cfg.UpdatedBy, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &cfg, nil
}

func (r *AzureConfigRepository) Upsert(ctx context.Context, cfg *models.AzureConfig) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO azure_config (id, client_id, tenant_id, client_secret, redirect_uri, is_enabled, updated_by, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			tenant_id = EXCLUDED.tenant_id,
			client_secret = EXCLUDED.client_secret,
			redirect_uri = EXCLUDED.redirect_uri,
			is_enabled = EXCLUDED.is_enabled,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
	`, cfg.ClientID, cfg.TenantID, cfg.ClientSecret, cfg.RedirectURI, cfg.IsEnabled, cfg.UpdatedBy)
	return database.MapPostgresError(err)
}
