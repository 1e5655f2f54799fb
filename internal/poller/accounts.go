package poller

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/collector"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
)

// AccountUpdate is a partial account change; nil fields are left unchanged
type AccountUpdate struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// ListAccounts returns every configured account
func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.accounts.ListAccounts(ctx)
}

// ValidateToken checks a token against an instance without storing anything
func (s *Service) ValidateToken(ctx context.Context, instanceURL, token string) (*domain.User, error) {
	if strings.TrimSpace(instanceURL) == "" || strings.TrimSpace(token) == "" {
		return nil, apperrors.NewBadRequestError("instance url and token are required")
	}
	probe := domain.Account{InstanceURL: strings.TrimRight(instanceURL, "/")}
	return s.registry.Build(probe, token).ValidateCredentials(ctx)
}

// AddAccount validates the credentials, stores the account with its token
// and restarts polling
func (s *Service) AddAccount(ctx context.Context, input domain.AccountInput) (*domain.Account, error) {
	user, err := s.ValidateToken(ctx, input.InstanceURL, input.Token)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = user.Username
	}
	now := s.now()
	account := &domain.Account{
		ID:          uuid.New().String(),
		Name:        name,
		InstanceURL: strings.TrimRight(input.InstanceURL, "/"),
		Username:    user.Username,
		AvatarURL:   user.AvatarURL,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return nil, err
	}
	if err := s.accounts.SaveToken(ctx, account.ID, input.Token); err != nil {
		return nil, err
	}

	s.logger.Info("account added", "account_id", account.ID, "username", account.Username)
	s.Restart()
	return account, nil
}

// RemoveAccount deletes the account and its token and drops its clients
func (s *Service) RemoveAccount(ctx context.Context, id string) error {
	if err := s.accounts.DeleteAccount(ctx, id); err != nil {
		return err
	}
	if err := s.accounts.DeleteToken(ctx, id); err != nil {
		s.logger.Warn("failed to delete token", "account_id", id, "error", err)
	}
	s.registry.Invalidate(id)

	s.logger.Info("account removed", "account_id", id)
	s.Restart()
	return nil
}

// UpdateAccount renames or (de)activates an account
func (s *Service) UpdateAccount(ctx context.Context, id string, update AccountUpdate) (*domain.Account, error) {
	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, apperrors.NewBadRequestError("account name must not be empty")
		}
		account.Name = name
	}
	if update.IsActive != nil {
		account.IsActive = *update.IsActive
	}
	account.UpdatedAt = s.now()

	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return nil, err
	}
	s.Restart()
	return account, nil
}

// UpdateToken validates and stores a new token for an existing account
func (s *Service) UpdateToken(ctx context.Context, id, token string) error {
	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.ValidateToken(ctx, account.InstanceURL, token); err != nil {
		return err
	}
	if err := s.accounts.SaveToken(ctx, id, token); err != nil {
		return err
	}
	s.registry.Invalidate(id)
	s.Restart()
	return nil
}

// client returns the cached remote client of an account
func (s *Service) client(ctx context.Context, accountID string) (collector.RemoteClient, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	token, ok, err := s.accounts.ResolveToken(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewNotFoundError("token for account " + accountID)
	}
	return s.registry.Get(*account, token), nil
}
