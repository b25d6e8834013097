package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/repositories"
	pkgauth "github.com/redcell/optrack/pkg/auth"
	pkglogger "github.com/redcell/optrack/pkg/logger"
	"golang.org/x/crypto/bcrypt"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc                 func(ctx context.Context, id int64) (*models.User, error)
	GetByUsernameFunc           func(ctx context.Context, username string) (*models.User, error)
	GetByEmailFunc              func(ctx context.Context, email string) (*models.User, error)
	GetByExternalIDFunc         func(ctx context.Context, externalID string) (*models.User, error)
	ExistsByUsernameOrEmailFunc func(ctx context.Context, username, email string) (bool, error)
	CreateFunc                  func(ctx context.Context, user *models.User) (*models.User, error)
	LinkExternalIDFunc          func(ctx context.Context, id int64, externalID string) (*models.User, error)
	UpdateLastLoginFunc         func(ctx context.Context, id int64, at time.Time) error
	UpdateFlagsFunc             func(ctx context.Context, id int64, isAdmin, isActive *bool) (*models.User, error)
	IncrementTokenVersionFunc   func(ctx context.Context, id int64) (int, error)
	ListFunc                    func(ctx context.Context, limit, offset int) ([]*models.User, error)
	StatsFunc                   func(ctx context.Context) (*models.UserStats, error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	if m.GetByExternalIDFunc != nil {
		return m.GetByExternalIDFunc(ctx, externalID)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	if m.ExistsByUsernameOrEmailFunc != nil {
		return m.ExistsByUsernameOrEmailFunc(ctx, username, email)
	}
	return false, nil
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) LinkExternalID(ctx context.Context, id int64, externalID string) (*models.User, error) {
	if m.LinkExternalIDFunc != nil {
		return m.LinkExternalIDFunc(ctx, id, externalID)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	if m.UpdateLastLoginFunc != nil {
		return m.UpdateLastLoginFunc(ctx, id, at)
	}
	return nil
}

func (m *MockUserRepository) UpdateFlags(ctx context.Context, id int64, isAdmin, isActive *bool) (*models.User, error) {
	if m.UpdateFlagsFunc != nil {
		return m.UpdateFlagsFunc(ctx, id, isAdmin, isActive)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) IncrementTokenVersion(ctx context.Context, id int64) (int, error) {
	if m.IncrementTokenVersionFunc != nil {
		return m.IncrementTokenVersionFunc(ctx, id)
	}
	return 0, models.ErrNotFound
}

func (m *MockUserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, limit, offset)
	}
	return []*models.User{}, nil
}

func (m *MockUserRepository) Stats(ctx context.Context) (*models.UserStats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return &models.UserStats{}, nil
}

// MockTokenIssuer implements TokenIssuer for testing
type MockTokenIssuer struct {
	IssueFunc func(user *models.User) (string, error)
}

func (m *MockTokenIssuer) Issue(user *models.User) (string, error) {
	if m.IssueFunc != nil {
		return m.IssueFunc(user)
	}
	return "token-for-" + user.Username, nil
}

// countingRecorder implements EventRecorder for testing
type countingRecorder struct {
	mu     sync.Mutex
	events map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{events: make(map[string]int)}
}

func (r *countingRecorder) RecordAuthEvent(event, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event+":"+outcome]++
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[key]
}

// memUserStore is an in-memory user table with the same uniqueness rules as
// the users table. It backs MockUserRepository and the setup fakes in tests
// that need real state.
type memUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*models.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{nextID: 1, users: make(map[int64]*models.User)}
}

func (s *memUserStore) create(user *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username || u.Email == user.Email {
			return nil, models.ErrConflict
		}
		if user.AzureID != nil && u.AzureID != nil && *u.AzureID == *user.AzureID {
			return nil, models.ErrConflict
		}
	}
	copyUser := *user
	copyUser.ID = s.nextID
	if copyUser.AuthProvider == "" {
		copyUser.AuthProvider = models.AuthProviderLocal
	}
	s.nextID++
	s.users[copyUser.ID] = &copyUser
	out := copyUser
	return &out, nil
}

func (s *memUserStore) find(match func(*models.User) bool) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			out := *u
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memUserStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *memUserStore) repo() *MockUserRepository {
	return &MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id int64) (*models.User, error) {
			return s.find(func(u *models.User) bool { return u.ID == id })
		},
		GetByUsernameFunc: func(ctx context.Context, username string) (*models.User, error) {
			return s.find(func(u *models.User) bool { return u.Username == username })
		},
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return s.find(func(u *models.User) bool { return u.Email == email })
		},
		GetByExternalIDFunc: func(ctx context.Context, externalID string) (*models.User, error) {
			return s.find(func(u *models.User) bool { return u.AzureID != nil && *u.AzureID == externalID })
		},
		ExistsByUsernameOrEmailFunc: func(ctx context.Context, username, email string) (bool, error) {
			_, err := s.find(func(u *models.User) bool { return u.Username == username || u.Email == email })
			return err == nil, nil
		},
		CreateFunc: func(ctx context.Context, user *models.User) (*models.User, error) {
			return s.create(user)
		},
		LinkExternalIDFunc: func(ctx context.Context, id int64, externalID string) (*models.User, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			u, ok := s.users[id]
			if !ok || u.AzureID != nil {
				return nil, models.ErrNotFound
			}
			u.AzureID = &externalID
			u.AuthProvider = models.AuthProviderAzure
			out := *u
			return &out, nil
		},
		UpdateFlagsFunc: func(ctx context.Context, id int64, isAdmin, isActive *bool) (*models.User, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			u, ok := s.users[id]
			if !ok {
				return nil, models.ErrNotFound
			}
			changed := false
			if isAdmin != nil && *isAdmin != u.IsAdmin {
				u.IsAdmin, changed = *isAdmin, true
			}
			if isActive != nil && *isActive != u.IsActive {
				u.IsActive, changed = *isActive, true
			}
			if changed {
				u.TokenVersion++
			}
			out := *u
			return &out, nil
		},
		IncrementTokenVersionFunc: func(ctx context.Context, id int64) (int, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			u, ok := s.users[id]
			if !ok {
				return 0, models.ErrNotFound
			}
			u.TokenVersion++
			return u.TokenVersion, nil
		},
	}
}

// memSetupRepo serialises transactions with a mutex in place of the row lock
// and discards a transaction's writes when fn fails.
type memSetupRepo struct {
	lock        sync.Mutex
	store       *memUserStore
	initialized bool
	initBy      int64
	azure       *models.AzureConfig
}

func (r *memSetupRepo) GetStatus(ctx context.Context) (*models.SetupStatus, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return &models.SetupStatus{IsInitialized: r.initialized}, nil
}

func (r *memSetupRepo) RunInTx(ctx context.Context, fn func(repositories.SetupTx) error) error {
	tx := &memSetupTx{repo: r}
	err := fn(tx)
	if tx.locked {
		defer r.lock.Unlock()
	}
	if err != nil {
		for _, id := range tx.createdIDs {
			r.store.mu.Lock()
			delete(r.store.users, id)
			r.store.mu.Unlock()
		}
		return err
	}
	if tx.azure != nil {
		r.azure = tx.azure
	}
	if tx.markedBy != 0 {
		r.initialized = true
		r.initBy = tx.markedBy
	}
	return nil
}

type memSetupTx struct {
	repo       *memSetupRepo
	locked     bool
	createdIDs []int64
	azure      *models.AzureConfig
	markedBy   int64
}

func (t *memSetupTx) LockStatus(ctx context.Context) (*models.SetupStatus, error) {
	t.repo.lock.Lock()
	t.locked = true
	return &models.SetupStatus{IsInitialized: t.repo.initialized}, nil
}

func (t *memSetupTx) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	created, err := t.repo.store.create(user)
	if err != nil {
		return nil, err
	}
	t.createdIDs = append(t.createdIDs, created.ID)
	return created, nil
}

func (t *memSetupTx) SaveAzureConfig(ctx context.Context, cfg *models.AzureConfig) error {
	t.azure = cfg
	return nil
}

func (t *memSetupTx) MarkInitialized(ctx context.Context, userID int64) error {
	if t.repo.initialized {
		return models.ErrAlreadyInitialized
	}
	t.markedBy = userID
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuditLogger() *pkglogger.AuditLogger {
	return pkglogger.NewAuditLogger(testLogger())
}

func testHasher() *pkgauth.PasswordHasher {
	return pkgauth.NewPasswordHasher(bcrypt.MinCost)
}
