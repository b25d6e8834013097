//go:build integration

package repositories_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/database"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/repositories"
	"github.com/redcell/optrack/internal/services"
	pkgauth "github.com/redcell/optrack/pkg/auth"
	pkglogger "github.com/redcell/optrack/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type testEnv struct {
	db       *database.DB
	users    *repositories.UserRepository
	setup    *repositories.SetupRepository
	azure    *repositories.AzureConfigRepository
	userSvc  *services.UserService
	setupSvc *services.SetupService
	fedSvc   *services.FederationService
}

// startPostgres runs a throwaway postgres container with all migrations
// applied.
func startPostgres(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("optrack"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.Migrate(ctx, connStr, logger))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db := database.New(pool, logger)
	users := repositories.NewUserRepository(db)
	tokens := auth.NewTokenManager(auth.TokenConfig{
		Secret:   "integration-secret-at-least-32-characters",
		Issuer:   "optrack-api",
		Audience: "optrack-client",
		Expiry:   time.Hour,
	})
	audit := pkglogger.NewAuditLogger(logger)
	userSvc := services.NewUserService(users, pkgauth.NewPasswordHasher(4), logger)

	return &testEnv{
		db:       db,
		users:    users,
		setup:    repositories.NewSetupRepository(db),
		azure:    repositories.NewAzureConfigRepository(db),
		userSvc:  userSvc,
		setupSvc: services.NewSetupService(repositories.NewSetupRepository(db), userSvc, tokens, nil, logger, audit),
		fedSvc:   services.NewFederationService(userSvc, tokens, nil, logger, audit),
	}
}

func TestIntegration_ConcurrentSetupSucceedsOnce(t *testing.T) {
	env := startPostgres(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.setupSvc.CompleteSetup(ctx, services.AdminAccount{
				Username: fmt.Sprintf("admin%d", i),
				Email:    fmt.Sprintf("admin%d@example.com", i),
				Password: "Sup3r-Secret-Pass!",
			}, &services.AzureSettings{
				ClientID:     "client",
				TenantID:     "tenant",
				ClientSecret: "secret",
				RedirectURI:  "https://api.example.com/auth/azure/callback",
				IsEnabled:    true,
			}, services.RequestMeta{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrAlreadyInitialized)
	}
	assert.Equal(t, 1, succeeded)

	stats, err := env.users.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Admins)

	status, err := env.setup.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsInitialized)
	require.NotNil(t, status.InitializedBy)

	cfg, err := env.azure.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.IsEnabled)
	assert.Equal(t, status.InitializedBy, cfg.UpdatedBy)
}

func TestIntegration_SetupRollsBackOnConflict(t *testing.T) {
	env := startPostgres(t)
	ctx := context.Background()

	_, err := env.userSvc.CreateLocalUser(ctx, "taken", "taken@example.com", "Sup3r-Secret-Pass!", false)
	require.NoError(t, err)

	_, err = env.setupSvc.CompleteSetup(ctx, services.AdminAccount{
		Username: "taken",
		Email:    "other@example.com",
		Password: "Sup3r-Secret-Pass!",
	}, nil, services.RequestMeta{})
	require.ErrorIs(t, err, models.ErrConflict)

	required, err := env.setupSvc.IsSetupRequired(ctx)
	require.NoError(t, err)
	assert.True(t, required)
}

func TestIntegration_FederationLinksByEmail(t *testing.T) {
	env := startPostgres(t)
	ctx := context.Background()

	local, err := env.userSvc.CreateLocalUser(ctx, "dana", "Dana@Example.com", "Sup3r-Secret-Pass!", false)
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", local.Email)

	result, err := env.fedSvc.HandleCallback(ctx, models.ExternalProfile{
		ExternalID:  "oid-dana",
		Email:       "DANA@example.com",
		DisplayName: "Dana Scully",
	}, services.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, local.ID, result.User.ID)
	require.NotNil(t, result.User.AzureID)
	assert.Equal(t, "oid-dana", *result.User.AzureID)
	assert.True(t, result.User.HasLocalPassword())

	_, err = env.fedSvc.HandleCallback(ctx, models.ExternalProfile{
		ExternalID: "oid-impostor",
		Email:      "dana@example.com",
	}, services.RequestMeta{})
	require.ErrorIs(t, err, models.ErrFederation)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestIntegration_ConcurrentFederatedFirstLogin(t *testing.T) {
	env := startPostgres(t)
	ctx := context.Background()

	profile := models.ExternalProfile{ExternalID: "oid-new", Email: "new@example.com", DisplayName: "New Operator"}

	const attempts = 6
	var wg sync.WaitGroup
	ids := make([]int64, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.fedSvc.HandleCallback(ctx, profile, services.RequestMeta{})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = result.User.ID
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	stats, err := env.users.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Federated)
}

func TestIntegration_TokenVersionBump(t *testing.T) {
	env := startPostgres(t)
	ctx := context.Background()

	user, err := env.userSvc.CreateLocalUser(ctx, "op", "op@example.com", "Sup3r-Secret-Pass!", false)
	require.NoError(t, err)
	assert.Equal(t, 0, user.TokenVersion)

	version, err := env.users.IncrementTokenVersion(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = env.users.IncrementTokenVersion(ctx, user.ID+1000)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestIntegration_UpdateFlagsKeepsUnsetFlags(t *testing.T) {
	env := startPostgres(t)
	ctx := context.Background()

	user, err := env.userSvc.CreateLocalUser(ctx, "flags", "flags@example.com", "Sup3r-Secret-Pass!", true)
	require.NoError(t, err)

	inactive := false
	updated, err := env.users.UpdateFlags(ctx, user.ID, nil, &inactive)
	require.NoError(t, err)
	assert.True(t, updated.IsAdmin)
	assert.False(t, updated.IsActive)
	assert.Equal(t, 1, updated.TokenVersion)

	notAdmin := false
	updated, err = env.users.UpdateFlags(ctx, user.ID, &notAdmin, nil)
	require.NoError(t, err)
	assert.False(t, updated.IsAdmin)
	assert.False(t, updated.IsActive)
	assert.Equal(t, 2, updated.TokenVersion)

	// writing the stored values again is not a change
	updated, err = env.users.UpdateFlags(ctx, user.ID, &notAdmin, &inactive)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.TokenVersion)

	_, err = env.users.UpdateFlags(ctx, user.ID+1000, &notAdmin, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
