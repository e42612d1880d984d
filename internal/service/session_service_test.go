package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"notehub/internal/models"
	"notehub/internal/repository"
	"notehub/internal/security"
)

func newSessionService(f *fixture) *SessionService {
	svc := NewSessionService(f.store, f.hasher, f.codec, f.cfg, nil, zerolog.Nop())
	svc.now = f.clock.Now
	return svc
}

var laptop = ClientInfo{IPAddress: "10.0.0.1", UserAgent: "test-agent"}

func TestSessionService_LoginByUsernameOrEmail(t *testing.T) {
	f := newFixture(t)
	alice := f.seedUser(t, "alice", "Alice@Example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	for _, identifier := range []string{"alice", "alice@example.com", "ALICE@EXAMPLE.COM"} {
		res, err := svc.Login(ctx, identifier, "correct horse", laptop)
		require.NoError(t, err, identifier)
		assert.Equal(t, alice.ID, res.User.ID)
		assert.NotEmpty(t, res.Tokens.AccessToken)
		assert.NotEmpty(t, res.Tokens.RefreshToken)

		session, err := f.store.Sessions().GetByTokenHash(ctx, security.HashToken(res.Tokens.RefreshToken))
		require.NoError(t, err)
		assert.Equal(t, res.SessionID, session.ID)
		assert.Equal(t, "10.0.0.1", session.IPAddress)
		assert.NotContains(t, session.RefreshTokenHash, res.Tokens.RefreshToken)
	}

	_, err := svc.Login(ctx, "Alice", "correct horse", laptop)
	assert.ErrorIs(t, err, ErrInvalidCredentials, "usernames are case-sensitive")

	_, err = svc.Login(ctx, " alice", "correct horse", laptop)
	assert.ErrorIs(t, err, ErrInvalidCredentials, "identifiers are not trimmed")
}

func TestSessionService_LoginFailuresLookAlike(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	f.seedUser(t, "robot", "robot@example.com", "correct horse", serviceAccount)
	svc := newSessionService(f)
	ctx := context.Background()

	tests := []struct {
		name       string
		identifier string
		password   string
	}{
		{"unknown user", "mallory", "correct horse"},
		{"wrong password", "alice", "wrong horse"},
		{"service account", "robot", "correct horse"},
		{"empty identifier", "", "correct horse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Login(ctx, tt.identifier, tt.password, laptop)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}

	n, err := f.store.Sessions().CountByUser(ctx, "id-alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionService_LoginInactiveOnlyAfterPassword(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "bob", "bob@example.com", "correct horse", inactive)
	svc := newSessionService(f)
	ctx := context.Background()

	_, err := svc.Login(ctx, "bob", "wrong horse", laptop)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "bob", "correct horse", laptop)
	assert.ErrorIs(t, err, ErrAccountDeactivated)
}

func TestSessionService_LoginUpgradesLegacyHash(t *testing.T) {
	f := newFixture(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	f.seedUser(t, "carol", "carol@example.com", "ignored", func(u *models.User) {
		u.PasswordHash = string(legacy)
	})
	svc := newSessionService(f)
	ctx := context.Background()

	_, err = svc.Login(ctx, "carol", "correct horse", laptop)
	require.NoError(t, err)

	user, err := f.store.Users().GetByID(ctx, "id-carol")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(user.PasswordHash, "$argon2id$"))

	_, err = svc.Login(ctx, "carol", "correct horse", laptop)
	assert.NoError(t, err)
}

func TestSessionService_LoginTrimsOldestSessions(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxSessions = 2
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	var results []AuthResult
	for i := 0; i < 3; i++ {
		res, err := svc.Login(ctx, "alice", "correct horse", laptop)
		require.NoError(t, err)
		results = append(results, res)
	}

	sessions, err := svc.ListSessions(ctx, "id-alice")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, results[2].SessionID, sessions[0].ID)
	assert.Equal(t, results[1].SessionID, sessions[1].ID)

	_, err = svc.Refresh(ctx, results[0].Tokens.RefreshToken, laptop)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestSessionService_RefreshRotates(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	first, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.Tokens.RefreshToken, ClientInfo{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	session, err := f.store.Sessions().GetByID(ctx, second.SessionID)
	require.NoError(t, err)
	assert.Equal(t, laptop.IPAddress, session.IPAddress, "client info carries over")

	_, err = svc.Refresh(ctx, first.Tokens.RefreshToken, laptop)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken, "rotated token is single use")

	_, err = svc.Refresh(ctx, second.Tokens.RefreshToken, laptop)
	assert.NoError(t, err)
}

func TestSessionService_ConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	login, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		refused int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(ctx, login.Tokens.RefreshToken, laptop)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, ErrInvalidRefreshToken) {
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, refused)

	n, err := f.store.Sessions().CountByUser(ctx, "id-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionService_RefreshRejections(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	login, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, login.Tokens.AccessToken, laptop)
	assert.ErrorIs(t, err, security.ErrInvalidOrExpired, "access token is not a refresh token")

	_, err = svc.Refresh(ctx, "garbage", laptop)
	assert.ErrorIs(t, err, security.ErrInvalidOrExpired)

	f.updateUser(t, "id-alice", inactive)
	_, err = svc.Refresh(ctx, login.Tokens.RefreshToken, laptop)
	assert.ErrorIs(t, err, ErrAccountDeactivated)
}

func TestSessionService_RefreshExpiredSessionIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	login, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)

	// The session row lapses while the JWT is still within its own lifetime.
	f.clock.Advance(f.cfg.JWTRefreshTTL + time.Minute)

	_, err = svc.Refresh(ctx, login.Tokens.RefreshToken, laptop)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)

	_, err = f.store.Sessions().GetByID(ctx, login.SessionID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessionService_LogoutEndsEverySession(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	f.seedUser(t, "bob", "bob@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	phone, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)
	desktop, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)
	bob, err := svc.Login(ctx, "bob", "correct horse", laptop)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, phone.Tokens.RefreshToken))

	_, err = svc.Refresh(ctx, desktop.Tokens.RefreshToken, laptop)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = svc.Refresh(ctx, bob.Tokens.RefreshToken, laptop)
	assert.NoError(t, err, "other users keep their sessions")

	assert.NoError(t, svc.Logout(ctx, phone.Tokens.RefreshToken), "second logout is a no-op")
	assert.NoError(t, svc.Logout(ctx, ""))
}

func TestSessionService_ChangePassword(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse", func(u *models.User) {
		u.MustChangePassword = true
	})
	f.seedUser(t, "robot", "robot@example.com", "correct horse", serviceAccount)
	svc := newSessionService(f)
	ctx := context.Background()

	login, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ChangePassword(ctx, "id-nobody", "correct horse", "battery staple"), ErrUserNotFound)
	assert.ErrorIs(t, svc.ChangePassword(ctx, "id-robot", "correct horse", "battery staple"), ErrServiceAccountsCannotChangePassword)
	assert.ErrorIs(t, svc.ChangePassword(ctx, "id-alice", "wrong horse", "battery staple"), ErrIncorrectPassword)
	assert.ErrorIs(t, svc.ChangePassword(ctx, "id-alice", "correct horse", "short"), ErrValidation)

	require.NoError(t, svc.ChangePassword(ctx, "id-alice", "correct horse", "battery staple"))

	_, err = svc.Refresh(ctx, login.Tokens.RefreshToken, laptop)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken, "sessions end on password change")

	_, err = svc.Login(ctx, "alice", "correct horse", laptop)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	res, err := svc.Login(ctx, "alice", "battery staple", laptop)
	require.NoError(t, err)
	assert.False(t, res.User.MustChangePassword)
}

func TestSessionService_Authenticate(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse", func(u *models.User) {
		u.Role = models.UserRoleAdmin
	})
	svc := newSessionService(f)

	login, err := svc.Login(context.Background(), "alice", "correct horse", laptop)
	require.NoError(t, err)

	p, err := svc.Authenticate(login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "id-alice", p.UserID)
	assert.Equal(t, models.UserRoleAdmin, p.Role)
	assert.False(t, p.ViaAPIToken())

	_, err = svc.Authenticate(login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, security.ErrInvalidOrExpired)
}

func TestSessionService_RevokeSession(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	f.seedUser(t, "bob", "bob@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	login, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.RevokeSession(ctx, "id-bob", login.SessionID), ErrNotFound)
	require.NoError(t, svc.RevokeSession(ctx, "id-alice", login.SessionID))
	assert.ErrorIs(t, svc.RevokeSession(ctx, "id-alice", login.SessionID), ErrNotFound)
}

func TestSessionService_CleanupExpiredSessions(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "alice@example.com", "correct horse")
	svc := newSessionService(f)
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "correct horse", laptop)
	require.NoError(t, err)

	n, err := svc.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(f.cfg.JWTRefreshTTL + time.Second)
	n, err = svc.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
