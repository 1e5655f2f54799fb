package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqliteStorage implements the Storage interface for SQLite
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (storage.Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	s := &sqliteStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *sqliteStorage) Migrate(ctx context.Context) error {
	return storage.RunMigrations(ctx, s.db, "sqlite3", migrations, "migrations")
}

const accountColumns = `id, name, instance_url, username, avatar_url, is_active, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Name, &a.InstanceURL, &a.Username, &a.AvatarURL, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqliteStorage) listAccounts(ctx context.Context, query string, args ...interface{}) ([]domain.Account, error) {
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
func (s *sqliteStorage) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
}

// ListActiveAccounts returns the accounts that take part in polling
func (s *sqliteStorage) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 ORDER BY created_at, id`)
}

// GetAccount returns one account
func (s *sqliteStorage) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("account " + id)
	}
	return a, err
}

// SaveAccount inserts or updates an account
func (s *sqliteStorage) SaveAccount(ctx context.Context, account *domain.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	query := `
		INSERT OR REPLACE INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
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
func (s *sqliteStorage) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("account " + id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_tokens WHERE account_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveToken returns the secret of an account
func (s *sqliteStorage) ResolveToken(ctx context.Context, accountID string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM account_tokens WHERE account_id = ?`, accountID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve token: %w", err)
	}
	return token, token != "", nil
}

// SaveToken stores the secret of an account
func (s *sqliteStorage) SaveToken(ctx context.Context, accountID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO account_tokens (account_id, token, updated_at)
		VALUES (?, ?, ?)
	`, accountID, token, time.Now())
	return err
}

// DeleteToken removes the secret of an account
func (s *sqliteStorage) DeleteToken(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM account_tokens WHERE account_id = ?`, accountID)
	return err
}

// GetPreference returns the raw value of key
func (s *sqliteStorage) GetPreference(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	return value, true, nil
}

// SetPreference stores the raw value of key
func (s *sqliteStorage) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO preferences (key, value, updated_at)
		VALUES (?, ?, ?)
	`, key, value, time.Now())
	return err
}

// Close closes the database connection
func (s *sqliteStorage) Close() error {
	return s.db.Close()
}
