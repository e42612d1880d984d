package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notehub/internal/models"
	"notehub/internal/repository"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.SeedUser(models.User{
		ID: "u1", Username: "alice", Email: "alice@test.com", Role: models.UserRoleUser, IsActive: true,
	}))
	return s
}

func TestStore_FindByLogin(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	user, err := s.Users().FindByLogin(ctx, "Alice@Test.Com")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	user, err = s.Users().FindByLogin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = s.Users().FindByLogin(ctx, "ALICE")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_SeedUserRejectsDuplicateEmail(t *testing.T) {
	s := seeded(t)
	err := s.SeedUser(models.User{ID: "u2", Username: "bob", Email: "ALICE@test.com"})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestStore_InTxRollsBack(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	now := time.Now()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx repository.Store) error {
		require.NoError(t, tx.Sessions().Create(ctx, models.Session{ID: "s1", UserID: "u1", RefreshTokenHash: "h1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, tx.Users().SetPassword(ctx, "u1", "changed"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := s.Sessions().CountByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)

	user, err := s.Users().GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, user.PasswordHash)
}

func TestStore_InTxCommits(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	now := time.Now()

	err := s.InTx(ctx, func(tx repository.Store) error {
		return tx.Sessions().Create(ctx, models.Session{ID: "s1", UserID: "u1", RefreshTokenHash: "h1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	})
	require.NoError(t, err)

	session, err := s.Sessions().GetByTokenHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
}

func TestStore_ConcurrentRotationHasOneWinner(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Sessions().Create(ctx, models.Session{ID: "orig", UserID: "u1", RefreshTokenHash: "h-orig", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.InTx(ctx, func(tx repository.Store) error {
				if err := tx.Sessions().Delete(ctx, "orig"); err != nil {
					return err
				}
				id := fmt.Sprintf("new-%d", i)
				return tx.Sessions().Create(ctx, models.Session{ID: id, UserID: "u1", RefreshTokenHash: "h-" + id, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
			})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, repository.ErrNotFound)
		}
	}
	assert.Equal(t, 1, wins)

	count, err := s.Sessions().CountByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_DeleteOldestKeepsNewest(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	base := time.Now()
	for i := range 5 {
		created := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Sessions().Create(ctx, models.Session{
			ID: fmt.Sprintf("s%d", i), UserID: "u1", RefreshTokenHash: fmt.Sprintf("h%d", i),
			CreatedAt: created, ExpiresAt: created.Add(time.Hour),
		}))
	}

	removed, err := s.Sessions().DeleteOldest(ctx, "u1", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	list, err := s.Sessions().ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s4", list[0].ID)
	assert.Equal(t, "s3", list[1].ID)
}

func TestStore_SessionHashIsUnique(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Sessions().Create(ctx, models.Session{ID: "s1", UserID: "u1", RefreshTokenHash: "same", ExpiresAt: now}))
	err := s.Sessions().Create(ctx, models.Session{ID: "s2", UserID: "u1", RefreshTokenHash: "same", ExpiresAt: now})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestStore_ResetTokenLifecycle(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ResetTokens().Create(ctx, models.PasswordResetToken{ID: "r1", UserID: "u1", TokenHash: "a", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.ResetTokens().Create(ctx, models.PasswordResetToken{ID: "r2", UserID: "u1", TokenHash: "b", ExpiresAt: now.Add(time.Hour)}))

	n, err := s.ResetTokens().InvalidateForUser(ctx, "u1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.ErrorIs(t, s.ResetTokens().MarkUsed(ctx, "r1", now), repository.ErrNotFound)

	require.NoError(t, s.ResetTokens().Create(ctx, models.PasswordResetToken{ID: "r3", UserID: "u1", TokenHash: "c", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.ResetTokens().MarkUsed(ctx, "r3", now))

	removed, err := s.ResetTokens().DeleteExpiredOrUsed(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)
}

func TestStore_APITokenRevokeIsConditional(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.APITokens().Create(ctx, models.APIToken{ID: "t1", UserID: "u1", TokenHash: "th", Scopes: []models.APITokenScope{models.ScopeRead}}))

	first := time.Now().Add(-time.Hour)
	ok, err := s.APITokens().Revoke(ctx, "t1", "u1", first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.APITokens().Revoke(ctx, "t1", "u1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.APITokens().Revoke(ctx, "t1", "someone-else", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	token, err := s.APITokens().GetByIDForUser(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, first.Equal(*token.RevokedAt))

	count, err := s.APITokens().CountActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)

	removed, err := s.APITokens().DeleteStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}
