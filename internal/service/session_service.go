package service

import (
	"context"
	"errors"
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

type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type AuthResult struct {
	Tokens    security.TokenPair
	User      models.User
	SessionID string
}

// SessionService owns login, refresh rotation, logout and password change.
type SessionService struct {
	store   repository.Store
	hasher  *security.PasswordHasher
	codec   *security.TokenCodec
	cfg     config.SecurityConfig
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewSessionService(
	store repository.Store,
	hasher *security.PasswordHasher,
	codec *security.TokenCodec,
	cfg config.SecurityConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		store:   store,
		hasher:  hasher,
		codec:   codec,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "sessions").Logger(),
		now:     time.Now,
	}
}

func (s *SessionService) Login(ctx context.Context, identifier, password string, client ClientInfo) (AuthResult, error) {
	// The identifier is used as given. Usernames match exactly, so padding
	// is never stripped.
	user, err := s.store.Users().FindByLogin(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.hasher.VerifyDummy(password)
			return s.loginFailed("unknown identifier", identifier)
		}
		s.metrics.Login(metrics.ResultError)
		return AuthResult{}, oops.Code("LOGIN_LOOKUP_FAILED").Wrap(err)
	}

	if user.IsServiceAccount {
		s.hasher.VerifyDummy(password)
		return s.loginFailed("service account", identifier)
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("stored password hash unreadable")
	}
	if !ok {
		return s.loginFailed("password mismatch", identifier)
	}

	if !user.IsActive {
		s.metrics.Login(metrics.ResultFailure)
		s.log.Info().Str("user_id", user.ID).Msg("login refused: account deactivated")
		return AuthResult{}, ErrAccountDeactivated
	}

	s.upgradeHash(ctx, user, password)

	result, err := s.startSession(ctx, s.store.Sessions(), user, client)
	if err != nil {
		s.metrics.Login(metrics.ResultError)
		return AuthResult{}, oops.Code("SESSION_CREATE_FAILED").With("user_id", user.ID).Wrap(err)
	}

	s.trimSessions(ctx, user.ID)
	s.metrics.Login(metrics.ResultSuccess)
	s.log.Info().Str("user_id", user.ID).Str("session_id", result.SessionID).Msg("login")
	return result, nil
}

func (s *SessionService) loginFailed(reason, identifier string) (AuthResult, error) {
	s.metrics.Login(metrics.ResultFailure)
	s.log.Debug().Str("reason", reason).Str("identifier", identifier).Msg("login refused")
	return AuthResult{}, ErrInvalidCredentials
}

// upgradeHash re-hashes with current parameters after a successful verify.
// Failure only costs another upgrade attempt next login.
func (s *SessionService) upgradeHash(ctx context.Context, user models.User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.store.Users().RehashPassword(ctx, user.ID, hash)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("password rehash failed")
	}
}

func (s *SessionService) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (AuthResult, error) {
	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		s.metrics.Refresh(metrics.ResultFailure)
		return AuthResult{}, err
	}

	session, err := s.store.Sessions().GetByTokenHash(ctx, security.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.Refresh(metrics.ResultFailure)
			s.log.Debug().Str("user_id", claims.UserID).Msg("refresh token has no live session")
			return AuthResult{}, ErrInvalidRefreshToken
		}
		s.metrics.Refresh(metrics.ResultError)
		return AuthResult{}, oops.Code("SESSION_LOOKUP_FAILED").Wrap(err)
	}
	if session.UserID != claims.UserID {
		s.metrics.Refresh(metrics.ResultFailure)
		s.log.Warn().Str("session_id", session.ID).Str("claimed_user", claims.UserID).Msg("refresh token subject does not own session")
		return AuthResult{}, ErrInvalidRefreshToken
	}

	if session.IsExpiredAt(s.now()) {
		if err := s.store.Sessions().Delete(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn().Err(err).Str("session_id", session.ID).Msg("delete expired session failed")
		}
		s.metrics.Refresh(metrics.ResultFailure)
		return AuthResult{}, ErrRefreshTokenExpired
	}

	user, err := s.store.Users().GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.Refresh(metrics.ResultFailure)
			return AuthResult{}, ErrInvalidRefreshToken
		}
		s.metrics.Refresh(metrics.ResultError)
		return AuthResult{}, oops.Code("USER_LOOKUP_FAILED").With("user_id", session.UserID).Wrap(err)
	}
	if !user.IsActive {
		s.metrics.Refresh(metrics.ResultFailure)
		return AuthResult{}, ErrAccountDeactivated
	}

	if client.IPAddress == "" {
		client.IPAddress = session.IPAddress
	}
	if client.UserAgent == "" {
		client.UserAgent = session.UserAgent
	}

	// Exactly one concurrent caller sees the old row; the rest get ErrNotFound
	// from Delete and roll back.
	var result AuthResult
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.Sessions().Delete(ctx, session.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInvalidRefreshToken
			}
			return err
		}
		var err error
		result, err = s.startSession(ctx, tx.Sessions(), user, client)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			s.metrics.Refresh(metrics.ResultFailure)
			s.log.Info().Str("session_id", session.ID).Msg("refresh lost rotation race or token replayed")
			return AuthResult{}, ErrInvalidRefreshToken
		}
		s.metrics.Refresh(metrics.ResultError)
		return AuthResult{}, oops.Code("SESSION_ROTATE_FAILED").With("session_id", session.ID).Wrap(err)
	}

	s.metrics.Refresh(metrics.ResultSuccess)
	return result, nil
}

// Logout ends every session of the user who owns the presented refresh token.
// An unknown token is not an error.
func (s *SessionService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	session, err := s.store.Sessions().GetByTokenHash(ctx, security.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return oops.Code("SESSION_LOOKUP_FAILED").Wrap(err)
	}

	n, err := s.store.Sessions().DeleteByUser(ctx, session.UserID)
	if err != nil {
		return oops.Code("LOGOUT_FAILED").With("user_id", session.UserID).Wrap(err)
	}
	s.log.Info().Str("user_id", session.UserID).Int64("sessions", n).Msg("logout")
	return nil
}

func (s *SessionService) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return oops.Code("USER_LOOKUP_FAILED").With("user_id", userID).Wrap(err)
	}
	if user.IsServiceAccount {
		return ErrServiceAccountsCannotChangePassword
	}

	ok, err := s.hasher.Verify(current, user.PasswordHash)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("stored password hash unreadable")
	}
	if !ok {
		return ErrIncorrectPassword
	}
	if err := checkPasswordPolicy(next); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return oops.Code("PASSWORD_HASH_FAILED").Wrap(err)
	}

	var revoked int64
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.Users().SetPassword(ctx, userID, hash); err != nil {
			return err
		}
		var err error
		revoked, err = tx.Sessions().DeleteByUser(ctx, userID)
		return err
	})
	if err != nil {
		return oops.Code("PASSWORD_CHANGE_FAILED").With("user_id", userID).Wrap(err)
	}

	s.log.Info().Str("user_id", userID).Int64("sessions_revoked", revoked).Msg("password changed")
	return nil
}

// Authenticate checks an access token. It never touches the store.
func (s *SessionService) Authenticate(accessToken string) (models.Principal, error) {
	claims, err := s.codec.VerifyAccess(accessToken)
	if err != nil {
		return models.Principal{}, err
	}
	return models.Principal{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     models.UserRole(claims.Role),
	}, nil
}

func (s *SessionService) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	sessions, err := s.store.Sessions().ListByUser(ctx, userID)
	if err != nil {
		return nil, oops.Code("SESSION_LIST_FAILED").With("user_id", userID).Wrap(err)
	}
	return sessions, nil
}

// RevokeSession ends one device session. Sessions of other users read as
// not found.
func (s *SessionService) RevokeSession(ctx context.Context, userID, sessionID string) error {
	session, err := s.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return oops.Code("SESSION_LOOKUP_FAILED").Wrap(err)
	}
	if session.UserID != userID {
		return ErrNotFound
	}
	if err := s.store.Sessions().Delete(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return oops.Code("SESSION_REVOKE_FAILED").With("session_id", sessionID).Wrap(err)
	}
	return nil
}

func (s *SessionService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.store.Sessions().DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, oops.Code("SESSION_CLEANUP_FAILED").Wrap(err)
	}
	s.metrics.CleanedUp("sessions", n)
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("expired sessions removed")
	}
	return n, nil
}

func (s *SessionService) startSession(ctx context.Context, sessions repository.SessionRepository, user models.User, client ClientInfo) (AuthResult, error) {
	pair, err := s.codec.Issue(security.Subject{
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(user.Role),
	})
	if err != nil {
		return AuthResult{}, oops.Code("TOKEN_ISSUE_FAILED").Wrap(err)
	}

	now := s.now()
	session := models.Session{
		ID:               ids.New(),
		UserID:           user.ID,
		RefreshTokenHash: security.HashToken(pair.RefreshToken),
		IPAddress:        client.IPAddress,
		UserAgent:        client.UserAgent,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.codec.RefreshTTL()),
	}
	if err := sessions.Create(ctx, session); err != nil {
		return AuthResult{}, err
	}

	return AuthResult{Tokens: pair, User: user, SessionID: session.ID}, nil
}

func (s *SessionService) trimSessions(ctx context.Context, userID string) {
	if s.cfg.MaxSessions <= 0 {
		return
	}
	count, err := s.store.Sessions().CountByUser(ctx, userID)
	if err == nil && count > s.cfg.MaxSessions {
		_, err = s.store.Sessions().DeleteOldest(ctx, userID, s.cfg.MaxSessions)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("enforce session limit failed")
	}
}
