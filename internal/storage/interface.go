package storage

import (
	"context"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// AccountStore persists configured accounts and their tokens
type AccountStore interface {
	// ListAccounts returns every account ordered by creation time
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	// ListActiveAccounts returns the accounts that take part in polling
	ListActiveAccounts(ctx context.Context) ([]domain.Account, error)

	// GetAccount returns one account or a not found error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)

	// SaveAccount inserts or updates an account
	SaveAccount(ctx context.Context, account *domain.Account) error

	// DeleteAccount removes an account and its token
	DeleteAccount(ctx context.Context, id string) error

	// ResolveToken returns the secret of an account; ok is false when none is stored
	ResolveToken(ctx context.Context, accountID string) (token string, ok bool, err error)

	// SaveToken stores the secret of an account
	SaveToken(ctx context.Context, accountID, token string) error

	// DeleteToken removes the secret of an account
	DeleteToken(ctx context.Context, accountID string) error
}

// PreferenceStore is a key-value store for user settings
type PreferenceStore interface {
	// GetPreference returns the raw value of key; ok is false when unset
	GetPreference(ctx context.Context, key string) (value string, ok bool, err error)

	// SetPreference stores the raw value of key
	SetPreference(ctx context.Context, key, value string) error
}

// Storage is the abstract interface for the persistence layer
type Storage interface {
	AccountStore
	PreferenceStore

	// Migrate brings the schema up to date
	Migrate(ctx context.Context) error

	// Close releases the connection
	Close() error
}
