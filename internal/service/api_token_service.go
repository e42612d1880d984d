package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"notehub/internal/config"
	"notehub/internal/ids"
	"notehub/internal/metrics"
	"notehub/internal/models"
	"notehub/internal/repository"
	"notehub/internal/security"
)

const (
	maxTokenNameLen = 100
	// MaxTokenLifetime bounds a requested expiry. Longer-lived tokens are
	// created without one.
	MaxTokenLifetime = 3650 * 24 * time.Hour
	touchTimeout     = 5 * time.Second
)

type CreateAPITokenInput struct {
	Name   string
	Scopes []models.APITokenScope
	// ExpiresIn nil means the token never expires.
	ExpiresIn *time.Duration
}

// CreatedAPIToken is the only place the raw token value ever appears.
type CreatedAPIToken struct {
	Token    models.APIToken
	RawToken string
}

type APITokenService struct {
	store   repository.Store
	cfg     config.SecurityConfig
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	touches sync.WaitGroup
}

func NewAPITokenService(store repository.Store, cfg config.SecurityConfig, m *metrics.Metrics, log zerolog.Logger) *APITokenService {
	return &APITokenService{
		store:   store,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "api_tokens").Logger(),
		now:     time.Now,
	}
}

func (s *APITokenService) Create(ctx context.Context, userID string, input CreateAPITokenInput) (CreatedAPIToken, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || len([]rune(name)) > maxTokenNameLen {
		return CreatedAPIToken{}, validationError("name must be 1-%d characters", maxTokenNameLen)
	}
	scopes, err := normalizeScopes(input.Scopes)
	if err != nil {
		return CreatedAPIToken{}, err
	}

	now := s.now()
	var expiresAt *time.Time
	if input.ExpiresIn != nil {
		if *input.ExpiresIn <= 0 {
			return CreatedAPIToken{}, validationError("expiry must be in the future")
		}
		if *input.ExpiresIn > MaxTokenLifetime {
			return CreatedAPIToken{}, validationError("expiry must be at most %d days", int(MaxTokenLifetime/(24*time.Hour)))
		}
		at := now.Add(*input.ExpiresIn)
		expiresAt = &at
	}

	raw, hash, prefix, err := security.GenerateAPIToken()
	if err != nil {
		return CreatedAPIToken{}, oops.Code("API_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	token := models.APIToken{
		ID:        ids.New(),
		UserID:    userID,
		Name:      name,
		TokenHash: hash,
		Prefix:    prefix,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}

	// The user row lock serialises concurrent creates for one user so the cap
	// holds.
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		user, err := tx.Users().LockForUpdate(ctx, userID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if !user.IsActive {
			return ErrAccountDeactivated
		}

		active, err := tx.APITokens().CountActiveByUser(ctx, userID)
		if err != nil {
			return err
		}
		if active >= s.cfg.APITokenCap {
			return ErrTokenCapReached
		}
		return tx.APITokens().Create(ctx, token)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrAccountDeactivated), errors.Is(err, ErrTokenCapReached):
		return CreatedAPIToken{}, err
	default:
		return CreatedAPIToken{}, oops.Code("API_TOKEN_CREATE_FAILED").With("user_id", userID).Wrap(err)
	}

	s.log.Info().Str("user_id", userID).Str("token_id", token.ID).Str("prefix", prefix).Msg("api token created")
	token.TokenHash = ""
	return CreatedAPIToken{Token: token, RawToken: raw}, nil
}

// Validate resolves a raw API token to its caller. The last-used stamp is
// written in the background and never fails the call.
func (s *APITokenService) Validate(ctx context.Context, raw string) (models.Principal, error) {
	if !security.LooksLikeAPIToken(raw) {
		s.metrics.APITokenValidated("invalid_format")
		return models.Principal{}, ErrInvalidTokenFormat
	}

	token, err := s.store.APITokens().GetByTokenHash(ctx, security.HashToken(raw))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.APITokenValidated("invalid")
			return models.Principal{}, ErrInvalidAPIToken
		}
		s.metrics.APITokenValidated(metrics.ResultError)
		return models.Principal{}, oops.Code("API_TOKEN_LOOKUP_FAILED").Wrap(err)
	}

	now := s.now()
	if token.IsRevoked() {
		s.metrics.APITokenValidated("revoked")
		return models.Principal{}, ErrTokenRevoked
	}
	if token.IsExpiredAt(now) {
		s.metrics.APITokenValidated("expired")
		return models.Principal{}, ErrTokenExpired
	}

	user, err := s.store.Users().GetByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.APITokenValidated("invalid")
			return models.Principal{}, ErrInvalidAPIToken
		}
		s.metrics.APITokenValidated(metrics.ResultError)
		return models.Principal{}, oops.Code("USER_LOOKUP_FAILED").With("user_id", token.UserID).Wrap(err)
	}
	if !user.IsActive {
		s.metrics.APITokenValidated("user_inactive")
		return models.Principal{}, ErrUserInactive
	}

	s.touch(ctx, token.ID, now)
	s.metrics.APITokenValidated(metrics.ResultSuccess)

	return models.Principal{
		UserID:     user.ID,
		Username:   user.Username,
		Role:       user.Role,
		Scopes:     append([]models.APITokenScope(nil), token.Scopes...),
		APITokenID: token.ID,
	}, nil
}

func (s *APITokenService) touch(ctx context.Context, tokenID string, at time.Time) {
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		if err := s.store.APITokens().TouchLastUsed(ctx, tokenID, at); err != nil {
			s.log.Warn().Err(err).Str("token_id", tokenID).Msg("stamp last used failed")
		}
	}()
}

// Wait blocks until background last-used stamps have finished.
func (s *APITokenService) Wait() {
	s.touches.Wait()
}

// List returns metadata only; hashes are cleared.
func (s *APITokenService) List(ctx context.Context, userID string) ([]models.APIToken, error) {
	tokens, err := s.store.APITokens().ListByUser(ctx, userID)
	if err != nil {
		return nil, oops.Code("API_TOKEN_LIST_FAILED").With("user_id", userID).Wrap(err)
	}
	for i := range tokens {
		tokens[i].TokenHash = ""
	}
	return tokens, nil
}

// Revoke is one conditional update. When it matches nothing a read decides
// between not found and already revoked; revoked_at is never rewritten.
func (s *APITokenService) Revoke(ctx context.Context, tokenID, userID string) error {
	revoked, err := s.store.APITokens().Revoke(ctx, tokenID, userID, s.now())
	if err != nil {
		return oops.Code("API_TOKEN_REVOKE_FAILED").With("token_id", tokenID).Wrap(err)
	}
	if revoked {
		s.log.Info().Str("user_id", userID).Str("token_id", tokenID).Msg("api token revoked")
		return nil
	}

	if _, err := s.store.APITokens().GetByIDForUser(ctx, tokenID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return oops.Code("API_TOKEN_LOOKUP_FAILED").With("token_id", tokenID).Wrap(err)
	}
	return ErrAlreadyRevoked
}

// CleanupStale purges tokens revoked or expired longer ago than the retention
// window.
func (s *APITokenService) CleanupStale(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.APITokenRetention)
	n, err := s.store.APITokens().DeleteStale(ctx, cutoff)
	if err != nil {
		return 0, oops.Code("API_TOKEN_CLEANUP_FAILED").Wrap(err)
	}
	s.metrics.CleanedUp("api_tokens", n)
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("stale api tokens removed")
	}
	return n, nil
}

func normalizeScopes(in []models.APITokenScope) ([]models.APITokenScope, error) {
	if len(in) == 0 {
		return nil, validationError("at least one scope is required")
	}
	seen := map[models.APITokenScope]bool{}
	out := make([]models.APITokenScope, 0, len(in))
	for _, scope := range in {
		scope = models.APITokenScope(strings.ToLower(strings.TrimSpace(string(scope))))
		if !scope.Valid() {
			return nil, validationError("unknown scope %q", scope)
		}
		if !seen[scope] {
			seen[scope] = true
			out = append(out, scope)
		}
	}
	return out, nil
}
