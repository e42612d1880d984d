// Package app wires the auth core from configuration. The API, the worker and
// authctl all build the same store and services through it.
package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"notehub/internal/config"
	"notehub/internal/database"
	"notehub/internal/ids"
	"notehub/internal/metrics"
	"notehub/internal/models"
	"notehub/internal/notify"
	"notehub/internal/repository"
	"notehub/internal/repository/memory"
	"notehub/internal/repository/postgres"
	"notehub/internal/security"
	"notehub/internal/service"
)

// OpenStore returns the configured store and a function releasing it.
func OpenStore(ctx context.Context, cfg *config.AppConfig, hasher *security.PasswordHasher, log zerolog.Logger) (repository.Store, func(), error) {
	switch cfg.Database.Driver {
	case "memory":
		store := memory.NewStore()
		if cfg.Database.SeedAdminPassword != "" {
			if err := seedAdmin(store, hasher, cfg.Database.SeedAdminPassword); err != nil {
				return nil, nil, err
			}
			log.Warn().Msg("memory store seeded with an admin account")
		}
		return store, func() {}, nil
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, oops.Code("POSTGRES_UNAVAILABLE").Wrap(err)
		}
		return postgres.NewStore(pool), pool.Close, nil
	}
}

func seedAdmin(store *memory.Store, hasher *security.PasswordHasher, password string) error {
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}
	now := time.Now()
	return store.SeedUser(models.User{
		ID:           ids.New(),
		Username:     "admin",
		Email:        "admin@notehub.local",
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Role:         models.UserRoleSuperAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func NewHasher(cfg config.SecurityConfig) *security.PasswordHasher {
	return security.NewPasswordHasher(security.Argon2Params{
		Time:    cfg.Argon2Time,
		Memory:  cfg.Argon2MemoryKiB,
		Threads: cfg.Argon2Threads,
	})
}

func NewCodec(cfg config.SecurityConfig) (*security.TokenCodec, error) {
	return security.NewTokenCodec(security.CodecConfig{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.JWTAccessTTL,
		RefreshTTL:    cfg.JWTRefreshTTL,
		Issuer:        cfg.Issuer,
	})
}

// Services groups the four auth services built over one store.
type Services struct {
	Sessions    *service.SessionService
	Resets      *service.PasswordResetService
	APITokens   *service.APITokenService
	Maintenance *service.Maintenance
}

func NewServices(
	cfg *config.AppConfig,
	store repository.Store,
	hasher *security.PasswordHasher,
	notifier notify.Dispatcher,
	m *metrics.Metrics,
	log zerolog.Logger,
) (Services, error) {
	codec, err := NewCodec(cfg.Security)
	if err != nil {
		return Services{}, err
	}
	sessions := service.NewSessionService(store, hasher, codec, cfg.Security, m, log)
	resets := service.NewPasswordResetService(store, hasher, notifier, cfg.Security, cfg.Mail.ResetURL, m, log)
	tokens := service.NewAPITokenService(store, cfg.Security, m, log)
	return Services{
		Sessions:    sessions,
		Resets:      resets,
		APITokens:   tokens,
		Maintenance: service.NewMaintenance(sessions, resets, tokens),
	}, nil
}
