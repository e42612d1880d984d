package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notehub/internal/config"
	"notehub/internal/models"
	"notehub/internal/notify"
	"notehub/internal/repository/memory"
	"notehub/internal/security"
)

var fastParams = security.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now()}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Every read moves forward so rows written back to back still order.
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentNotification struct {
	To      string
	Name    string
	Payload notify.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Dispatch(_ context.Context, to, name string, payload notify.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotification{To: to, Name: name, Payload: payload})
	return nil
}

func (n *recordingNotifier) Sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

type fixture struct {
	store    *memory.Store
	hasher   *security.PasswordHasher
	codec    *security.TokenCodec
	clock    *clock
	cfg      config.SecurityConfig
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.SecurityConfig{
		JWTAccessSecret:   "access-secret",
		JWTRefreshSecret:  "refresh-secret",
		JWTAccessTTL:      15 * time.Minute,
		JWTRefreshTTL:     24 * time.Hour,
		Issuer:            "notehub-test",
		MaxSessions:       10,
		ResetTokenTTL:     time.Hour,
		APITokenCap:       20,
		APITokenRetention: 30 * 24 * time.Hour,
	}
	clk := newClock()
	codec, err := security.NewTokenCodec(security.CodecConfig{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.JWTAccessTTL,
		RefreshTTL:    cfg.JWTRefreshTTL,
		Issuer:        cfg.Issuer,
	})
	require.NoError(t, err)

	return &fixture{
		store:    memory.NewStore(),
		hasher:   security.NewPasswordHasher(fastParams),
		codec:    codec,
		clock:    clk,
		cfg:      cfg,
		notifier: &recordingNotifier{},
	}
}

func (f *fixture) seedUser(t *testing.T, username, email, password string, mutate ...func(*models.User)) models.User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	user := models.User{
		ID:           "id-" + username,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         models.UserRoleUser,
		IsActive:     true,
	}
	for _, fn := range mutate {
		fn(&user)
	}
	require.NoError(t, f.store.SeedUser(user))
	return user
}

func (f *fixture) updateUser(t *testing.T, userID string, mutate func(*models.User)) {
	t.Helper()
	user, err := f.store.Users().GetByID(context.Background(), userID)
	require.NoError(t, err)
	mutate(&user)
	require.NoError(t, f.store.SeedUser(user))
}

func inactive(u *models.User) { u.IsActive = false }
func serviceAccount(u *models.User) { u.IsServiceAccount = true }
