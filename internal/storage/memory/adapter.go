package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
)

// memoryStorage implements the Storage interface in process memory
type memoryStorage struct {
	mu          sync.RWMutex
	accounts    map[string]domain.Account
	tokens      map[string]string
	preferences map[string]string
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() storage.Storage {
	return &memoryStorage{
		accounts:    make(map[string]domain.Account),
		tokens:      make(map[string]string),
		preferences: make(map[string]string),
	}
}

// Migrate is a no-op
func (s *memoryStorage) Migrate(ctx context.Context) error {
	return nil
}

func (s *memoryStorage) sortedAccounts(activeOnly bool) []domain.Account {
	accounts := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if activeOnly && !a.IsActive {
			continue
		}
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
	return accounts
}

// ListAccounts returns every account ordered by creation time
func (s *memoryStorage) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedAccounts(false), nil
}

// ListActiveAccounts returns the accounts that take part in polling
func (s *memoryStorage) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedAccounts(true), nil
}

// GetAccount returns one account
func (s *memoryStorage) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("account " + id)
	}
	return &a, nil
}

// SaveAccount inserts or updates an account
func (s *memoryStorage) SaveAccount(ctx context.Context, account *domain.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = *account
	return nil
}

// DeleteAccount removes an account and its token
func (s *memoryStorage) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return apperrors.NewNotFoundError("account " + id)
	}
	delete(s.accounts, id)
	delete(s.tokens, id)
	return nil
}

// ResolveToken returns the secret of an account
func (s *memoryStorage) ResolveToken(ctx context.Context, accountID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[accountID]
	return token, ok && token != "", nil
}

// SaveToken stores the secret of an account
func (s *memoryStorage) SaveToken(ctx context.Context, accountID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accountID] = token
	return nil
}

// DeleteToken removes the secret of an account
func (s *memoryStorage) DeleteToken(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, accountID)
	return nil
}

// GetPreference returns the raw value of key
func (s *memoryStorage) GetPreference(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.preferences[key]
	return v, ok, nil
}

// SetPreference stores the raw value of key
func (s *memoryStorage) SetPreference(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[key] = value
	return nil
}

// Close is a no-op
func (s *memoryStorage) Close() error {
	return nil
}
