// Package storagetest holds behaviour checks shared by every storage adapter.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
)

// Run exercises accounts, tokens and preferences against s
func Run(t *testing.T, s storage.Storage) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, s) })
	t.Run("tokens", func(t *testing.T) { testTokens(t, s) })
	t.Run("preferences", func(t *testing.T) { testPreferences(t, s) })
}

func testAccounts(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	work := &domain.Account{ID: "work", Name: "Work", InstanceURL: "https://gitlab.work.example", Username: "kim", IsActive: true, CreatedAt: base}
	home := &domain.Account{ID: "home", Name: "Home", InstanceURL: "https://gitlab.com", IsActive: false, CreatedAt: base.Add(time.Hour)}
	require.NoError(t, s.SaveAccount(ctx, work))
	require.NoError(t, s.SaveAccount(ctx, home))

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "work", all[0].ID)
	assert.Equal(t, "home", all[1].ID)

	active, err := s.ListActiveAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "kim", active[0].Username)

	home.IsActive = true
	home.Name = "Personal"
	require.NoError(t, s.SaveAccount(ctx, home))
	got, err := s.GetAccount(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "Personal", got.Name)
	assert.True(t, got.IsActive)
	assert.True(t, base.Add(time.Hour).Equal(got.CreatedAt))

	require.NoError(t, s.SaveToken(ctx, "home", "glpat-1"))
	require.NoError(t, s.DeleteAccount(ctx, "home"))
	_, err = s.GetAccount(ctx, "home")
	assert.True(t, apperrors.IsNotFound(err))
	_, ok, err := s.ResolveToken(ctx, "home")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, apperrors.IsNotFound(s.DeleteAccount(ctx, "missing")))
	require.NoError(t, s.DeleteAccount(ctx, "work"))
}

func testTokens(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, ok, err := s.ResolveToken(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveToken(ctx, "acc", "one"))
	require.NoError(t, s.SaveToken(ctx, "acc", "two"))
	token, ok, err := s.ResolveToken(ctx, "acc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", token)

	require.NoError(t, s.DeleteToken(ctx, "acc"))
	_, ok, err = s.ResolveToken(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPreferences(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, ok, err := s.GetPreference(ctx, fmt.Sprintf("unset-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetPreference(ctx, "refresh_interval", "30"))
	require.NoError(t, s.SetPreference(ctx, "refresh_interval", "45"))
	v, ok, err := s.GetPreference(ctx, "refresh_interval")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "45", v)
}
