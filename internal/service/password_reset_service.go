package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"notehub/internal/config"
	"notehub/internal/ids"
	"notehub/internal/metrics"
	"notehub/internal/models"
	"notehub/internal/notify"
	"notehub/internal/repository"
	"notehub/internal/security"
)

type PasswordResetService struct {
	store    repository.Store
	hasher   *security.PasswordHasher
	notifier notify.Dispatcher
	cfg      config.SecurityConfig
	resetURL string
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time

	deliveries sync.WaitGroup
}

// dispatchTimeout bounds one notifier call made after the request returned.
const dispatchTimeout = 10 * time.Second

func NewPasswordResetService(
	store repository.Store,
	hasher *security.PasswordHasher,
	notifier notify.Dispatcher,
	cfg config.SecurityConfig,
	resetURL string,
	m *metrics.Metrics,
	log zerolog.Logger,
) *PasswordResetService {
	return &PasswordResetService{
		store:    store,
		hasher:   hasher,
		notifier: notifier,
		cfg:      cfg,
		resetURL: resetURL,
		metrics:  m,
		log:      log.With().Str("component", "password_reset").Logger(),
		now:      time.Now,
	}
}

// RequestReset issues a reset token for an active account and hands it to the
// notifier. For unknown, inactive or service accounts it writes nothing and
// returns an empty token with a nil error, so callers cannot tell the cases
// apart. The raw token is returned for out-of-band delivery only.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)

	// Generated up front so every path pays for it.
	token, tokenHash, err := security.GenerateResetToken()
	if err != nil {
		return "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", oops.Code("RESET_LOOKUP_FAILED").Wrap(err)
	}
	if err != nil || !user.IsActive || user.IsServiceAccount {
		s.metrics.ResetRequested(false)
		s.log.Debug().Str("email", email).Bool("found", err == nil).Msg("reset requested for ineligible account")
		return "", nil
	}

	now := s.now()
	record := models.PasswordResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: tokenHash,
		ExpiresAt: now.Add(s.cfg.ResetTokenTTL),
		CreatedAt: now,
	}
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		if _, err := tx.ResetTokens().InvalidateForUser(ctx, user.ID, now); err != nil {
			return err
		}
		return tx.ResetTokens().Create(ctx, record)
	})
	if err != nil {
		return "", oops.Code("RESET_TOKEN_STORE_FAILED").With("user_id", user.ID).Wrap(err)
	}

	s.metrics.ResetRequested(true)
	s.notify(ctx, user, notify.Payload{
		Kind: notify.KindPasswordReset,
		Data: map[string]string{
			"token":      token,
			"reset_link": s.resetLink(token),
			"expires_in": s.cfg.ResetTokenTTL.String(),
		},
	})
	return token, nil
}

// ValidateToken reports whether the token can still be consumed. Unknown,
// used and expired tokens all read as false.
func (s *PasswordResetService) ValidateToken(ctx context.Context, rawToken string) (bool, error) {
	if rawToken == "" {
		return false, nil
	}
	record, err := s.store.ResetTokens().GetByTokenHash(ctx, security.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, oops.Code("RESET_LOOKUP_FAILED").Wrap(err)
	}
	return record.UsableAt(s.now()), nil
}

// ResetPassword consumes the token, sets the new password and ends every
// session of the user in one transaction.
func (s *PasswordResetService) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	// An unusable token is refused before the new password is looked at.
	if cause, err := s.precheck(ctx, rawToken); err != nil {
		if errors.Is(err, ErrInvalidOrExpiredResetToken) {
			s.metrics.ResetCompleted(metrics.ResultFailure)
			s.log.Info().Str("cause", cause).Msg("password reset refused")
		} else {
			s.metrics.ResetCompleted(metrics.ResultError)
		}
		return err
	}
	if err := checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("PASSWORD_HASH_FAILED").Wrap(err)
	}

	var (
		user    models.User
		cause   string
		revoked int64
	)
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		now := s.now()
		record, err := tx.ResetTokens().LockByTokenHash(ctx, security.HashToken(rawToken))
		if errors.Is(err, repository.ErrNotFound) {
			cause = "unknown token"
			return ErrInvalidOrExpiredResetToken
		}
		if err != nil {
			return err
		}
		if record.UsedAt != nil {
			cause = "token already used"
			return ErrInvalidOrExpiredResetToken
		}
		if !record.UsableAt(now) {
			cause = "token expired"
			return ErrInvalidOrExpiredResetToken
		}

		user, err = tx.Users().GetByID(ctx, record.UserID)
		if errors.Is(err, repository.ErrNotFound) {
			cause = "owner missing"
			return ErrInvalidOrExpiredResetToken
		}
		if err != nil {
			return err
		}
		if !user.IsActive {
			cause = "owner inactive"
			return ErrInvalidOrExpiredResetToken
		}

		if err := tx.Users().SetPassword(ctx, user.ID, hash); err != nil {
			return err
		}
		if err := tx.ResetTokens().MarkUsed(ctx, record.ID, now); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				cause = "token consumed concurrently"
				return ErrInvalidOrExpiredResetToken
			}
			return err
		}
		revoked, err = tx.Sessions().DeleteByUser(ctx, user.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidOrExpiredResetToken) {
			s.metrics.ResetCompleted(metrics.ResultFailure)
			s.log.Info().Str("cause", cause).Msg("password reset refused")
			return ErrInvalidOrExpiredResetToken
		}
		s.metrics.ResetCompleted(metrics.ResultError)
		return oops.Code("PASSWORD_RESET_FAILED").Wrap(err)
	}

	s.metrics.ResetCompleted(metrics.ResultSuccess)
	s.log.Info().Str("user_id", user.ID).Int64("sessions_revoked", revoked).Msg("password reset")
	s.notify(ctx, user, notify.Payload{Kind: notify.KindPasswordChanged})
	return nil
}

// precheck reads the token outside any transaction. ResetPassword repeats
// every check under the row lock.
func (s *PasswordResetService) precheck(ctx context.Context, rawToken string) (string, error) {
	record, err := s.store.ResetTokens().GetByTokenHash(ctx, security.HashToken(rawToken))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "unknown token", ErrInvalidOrExpiredResetToken
	case err != nil:
		return "", oops.Code("RESET_LOOKUP_FAILED").Wrap(err)
	case record.UsedAt != nil:
		return "token already used", ErrInvalidOrExpiredResetToken
	case !record.UsableAt(s.now()):
		return "token expired", ErrInvalidOrExpiredResetToken
	}
	return "", nil
}

func (s *PasswordResetService) CleanupExpiredResetTokens(ctx context.Context) (int64, error) {
	n, err := s.store.ResetTokens().DeleteExpiredOrUsed(ctx, s.now())
	if err != nil {
		return 0, oops.Code("RESET_CLEANUP_FAILED").Wrap(err)
	}
	s.metrics.CleanedUp("reset_tokens", n)
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("spent reset tokens removed")
	}
	return n, nil
}

// notify hands the message over in the background so the caller's latency
// does not depend on the notifier. Failures are logged only.
func (s *PasswordResetService) notify(ctx context.Context, user models.User, payload notify.Payload) {
	if s.notifier == nil {
		return
	}
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}

	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()
		if err := s.notifier.Dispatch(ctx, user.Email, name, payload); err != nil {
			s.log.Error().Err(err).Str("user_id", user.ID).Str("kind", payload.Kind).Msg("notification dispatch failed")
		}
	}()
}

// Wait blocks until every pending notification has been handed over.
func (s *PasswordResetService) Wait() {
	s.deliveries.Wait()
}

func (s *PasswordResetService) resetLink(token string) string {
	if s.resetURL == "" {
		return ""
	}
	u, err := url.Parse(s.resetURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
