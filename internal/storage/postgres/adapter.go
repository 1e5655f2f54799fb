package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// postgresStorage implements the Storage interface for PostgreSQL
type postgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(connStr string) (storage.Storage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &postgresStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *postgresStorage) Migrate(ctx context.Context) error {
	return storage.RunMigrations(ctx, s.db, "postgres", migrations, "migrations")
}

const accountColumns = `id, name, instance_url, username, avatar_url, is_active, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Name, &a.InstanceURL, &a.Username, &a.AvatarURL, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *postgresStorage) listAccounts(ctx context.Context, query string, args ...interface{}) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// ListAccounts returns every account ordered by creation time
func (s *postgresStorage) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
}

// ListActiveAccounts returns the accounts that take part in polling
func (s *postgresStorage) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_active ORDER BY created_at, id`)
}

// GetAccount returns one account
func (s *postgresStorage) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("account " + id)
	}
	return a, err
}

// SaveAccount inserts or updates an account
func (s *postgresStorage) SaveAccount(ctx context.Context, account *domain.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			instance_url = EXCLUDED.instance_url,
			username = EXCLUDED.username,
			avatar_url = EXCLUDED.avatar_url,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Name,
		account.InstanceURL,
		account.Username,
		account.AvatarURL,
		account.IsActive,
		account.CreatedAt,
		account.UpdatedAt,
	)
	return err
}

// DeleteAccount removes an account and its token
func (s *postgresStorage) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("account " + id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_tokens WHERE account_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveToken returns the secret of an account
func (s *postgresStorage) ResolveToken(ctx context.Context, accountID string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM account_tokens WHERE account_id = $1`, accountID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve token: %w", err)
	}
	return token, token != "", nil
}

// SaveToken stores the secret of an account
func (s *postgresStorage) SaveToken(ctx context.Context, accountID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_tokens (account_id, token, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET
			token = EXCLUDED.token,
			updated_at = EXCLUDED.updated_at
	`, accountID, token, time.Now())
	return err
}

// DeleteToken removes the secret of an account
func (s *postgresStorage) DeleteToken(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM account_tokens WHERE account_id = $1`, accountID)
	return err
}

// GetPreference returns the raw value of key
func (s *postgresStorage) GetPreference(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	return value, true, nil
}

// SetPreference stores the raw value of key
func (s *postgresStorage) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, key, value, time.Now())
	return err
}

// Close closes the database connection
func (s *postgresStorage) Close() error {
	return s.db.Close()
}
