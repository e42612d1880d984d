// Package memory is an in-process repository.Store. All access goes through
// one mutex, and InTx works on a copy that replaces the live state only when
// the callback succeeds.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"notehub/internal/models"
	"notehub/internal/repository"
)

type state struct {
	users       map[string]models.User
	sessions    map[string]models.Session
	resetTokens map[string]models.PasswordResetToken
	apiTokens   map[string]models.APIToken
}

func newState() state {
	return state{
		users:       map[string]models.User{},
		sessions:    map[string]models.Session{},
		resetTokens: map[string]models.PasswordResetToken{},
		apiTokens:   map[string]models.APIToken{},
	}
}

func (s state) clone() state {
	out := newState()
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.resetTokens {
		out.resetTokens[k] = v
	}
	for k, v := range s.apiTokens {
		out.apiTokens[k] = v
	}
	return out
}

type db struct {
	mu    sync.Mutex
	state state
}

type Store struct {
	db *db
	// tx is set instead of db inside InTx.
	tx *state
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{db: &db{state: newState()}}
}

func (s *Store) with(fn func(st *state) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return fn(&s.db.state)
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.db.state.clone()
	if err := fn(&Store{tx: &working}); err != nil {
		return err
	}
	s.db.state = working
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// SeedUser inserts or replaces a user. The store never creates users on its
// own; this is for tests and the in-memory development driver.
func (s *Store) SeedUser(user models.User) error {
	return s.with(func(st *state) error {
		for id, existing := range st.users {
			if id == user.ID {
				continue
			}
			if existing.Username == user.Username || strings.EqualFold(existing.Email, user.Email) {
				return repository.ErrConflict
			}
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now()
		}
		if user.UpdatedAt.IsZero() {
			user.UpdatedAt = user.CreatedAt
		}
		st.users[user.ID] = user
		return nil
	})
}

func (s *Store) Users() repository.UserRepository { return users{s} }
func (s *Store) Sessions() repository.SessionRepository { return sessions{s} }
func (s *Store) ResetTokens() repository.ResetTokenRepository { return resetTokens{s} }
func (s *Store) APITokens() repository.APITokenRepository { return apiTokens{s} }

type users struct{ s *Store }

func (r users) GetByID(_ context.Context, id string) (models.User, error) {
	var out models.User
	err := r.s.with(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = u
		return nil
	})
	return out, err
}

func (r users) FindByLogin(_ context.Context, identifier string) (models.User, error) {
	var out models.User
	err := r.s.with(func(st *state) error {
		var byEmail *models.User
		for _, u := range st.users {
			if u.Username == identifier {
				out = u
				return nil
			}
			if strings.EqualFold(u.Email, identifier) {
				byEmail = &u
			}
		}
		if byEmail == nil {
			return repository.ErrNotFound
		}
		out = *byEmail
		return nil
	})
	return out, err
}

func (r users) FindByEmail(_ context.Context, email string) (models.User, error) {
	var out models.User
	err := r.s.with(func(st *state) error {
		for _, u := range st.users {
			if strings.EqualFold(u.Email, email) {
				out = u
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r users) SetPassword(_ context.Context, userID string, hash string) error {
	return r.s.with(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return repository.ErrNotFound
		}
		u.PasswordHash = hash
		u.MustChangePassword = false
		u.UpdatedAt = time.Now()
		st.users[userID] = u
		return nil
	})
}

func (r users) RehashPassword(_ context.Context, userID string, hash string) error {
	return r.s.with(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return repository.ErrNotFound
		}
		u.PasswordHash = hash
		u.UpdatedAt = time.Now()
		st.users[userID] = u
		return nil
	})
}

// LockForUpdate is a plain read; the store mutex already serialises writers.
func (r users) LockForUpdate(ctx context.Context, userID string) (models.User, error) {
	return r.GetByID(ctx, userID)
}

type sessions struct{ s *Store }

func (r sessions) Create(_ context.Context, session models.Session) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.sessions[session.ID]; ok {
			return repository.ErrConflict
		}
		for _, existing := range st.sessions {
			if existing.RefreshTokenHash == session.RefreshTokenHash {
				return repository.ErrConflict
			}
		}
		st.sessions[session.ID] = session
		return nil
	})
}

func (r sessions) GetByID(_ context.Context, id string) (models.Session, error) {
	var out models.Session
	err := r.s.with(func(st *state) error {
		session, ok := st.sessions[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = session
		return nil
	})
	return out, err
}

func (r sessions) GetByTokenHash(_ context.Context, hash string) (models.Session, error) {
	var out models.Session
	err := r.s.with(func(st *state) error {
		for _, session := range st.sessions {
			if session.RefreshTokenHash == hash {
				out = session
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r sessions) Delete(_ context.Context, id string) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.sessions[id]; !ok {
			return repository.ErrNotFound
		}
		delete(st.sessions, id)
		return nil
	})
}

func (r sessions) DeleteByUser(_ context.Context, userID string) (int64, error) {
	return r.deleteWhere(func(s models.Session) bool { return s.UserID == userID })
}

func (r sessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(func(s models.Session) bool { return s.IsExpiredAt(now) })
}

func (r sessions) deleteWhere(match func(models.Session) bool) (int64, error) {
	var n int64
	err := r.s.with(func(st *state) error {
		for id, session := range st.sessions {
			if match(session) {
				delete(st.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r sessions) ListByUser(_ context.Context, userID string) ([]models.Session, error) {
	var out []models.Session
	err := r.s.with(func(st *state) error {
		out = userSessions(st, userID)
		return nil
	})
	return out, err
}

func (r sessions) CountByUser(_ context.Context, userID string) (int, error) {
	var n int
	err := r.s.with(func(st *state) error {
		for _, session := range st.sessions {
			if session.UserID == userID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r sessions) DeleteOldest(_ context.Context, userID string, keep int) (int64, error) {
	var n int64
	err := r.s.with(func(st *state) error {
		list := userSessions(st, userID)
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(list); i++ {
			delete(st.sessions, list[i].ID)
			n++
		}
		return nil
	})
	return n, err
}

// userSessions returns the user's sessions newest first.
func userSessions(st *state, userID string) []models.Session {
	out := []models.Session{}
	for _, session := range st.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

type resetTokens struct{ s *Store }

func (r resetTokens) Create(_ context.Context, token models.PasswordResetToken) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.resetTokens[token.ID]; ok {
			return repository.ErrConflict
		}
		for _, existing := range st.resetTokens {
			if existing.TokenHash == token.TokenHash {
				return repository.ErrConflict
			}
		}
		st.resetTokens[token.ID] = token
		return nil
	})
}

func (r resetTokens) InvalidateForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	var n int64
	err := r.s.with(func(st *state) error {
		for id, token := range st.resetTokens {
			if token.UserID == userID && token.UsedAt == nil {
				usedAt := at
				token.UsedAt = &usedAt
				st.resetTokens[id] = token
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r resetTokens) GetByTokenHash(_ context.Context, hash string) (models.PasswordResetToken, error) {
	var out models.PasswordResetToken
	err := r.s.with(func(st *state) error {
		for _, token := range st.resetTokens {
			if token.TokenHash == hash {
				out = token
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r resetTokens) LockByTokenHash(ctx context.Context, hash string) (models.PasswordResetToken, error) {
	return r.GetByTokenHash(ctx, hash)
}

func (r resetTokens) MarkUsed(_ context.Context, id string, at time.Time) error {
	return r.s.with(func(st *state) error {
		token, ok := st.resetTokens[id]
		if !ok || token.UsedAt != nil {
			return repository.ErrNotFound
		}
		usedAt := at
		token.UsedAt = &usedAt
		st.resetTokens[id] = token
		return nil
	})
}

func (r resetTokens) DeleteExpiredOrUsed(_ context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.s.with(func(st *state) error {
		for id, token := range st.resetTokens {
			if !token.UsableAt(now) {
				delete(st.resetTokens, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

type apiTokens struct{ s *Store }

func (r apiTokens) Create(_ context.Context, token models.APIToken) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.apiTokens[token.ID]; ok {
			return repository.ErrConflict
		}
		for _, existing := range st.apiTokens {
			if existing.TokenHash == token.TokenHash {
				return repository.ErrConflict
			}
		}
		token.Scopes = append([]models.APITokenScope(nil), token.Scopes...)
		st.apiTokens[token.ID] = token
		return nil
	})
}

func (r apiTokens) CountActiveByUser(_ context.Context, userID string) (int, error) {
	var n int
	err := r.s.with(func(st *state) error {
		for _, token := range st.apiTokens {
			if token.UserID == userID && !token.IsRevoked() {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r apiTokens) GetByTokenHash(_ context.Context, hash string) (models.APIToken, error) {
	var out models.APIToken
	err := r.s.with(func(st *state) error {
		for _, token := range st.apiTokens {
			if token.TokenHash == hash {
				out = token
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r apiTokens) GetByIDForUser(_ context.Context, id string, userID string) (models.APIToken, error) {
	var out models.APIToken
	err := r.s.with(func(st *state) error {
		token, ok := st.apiTokens[id]
		if !ok || token.UserID != userID {
			return repository.ErrNotFound
		}
		out = token
		return nil
	})
	return out, err
}

func (r apiTokens) ListByUser(_ context.Context, userID string) ([]models.APIToken, error) {
	out := []models.APIToken{}
	err := r.s.with(func(st *state) error {
		for _, token := range st.apiTokens {
			if token.UserID == userID {
				out = append(out, token)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, err
}

func (r apiTokens) Revoke(_ context.Context, id string, userID string, at time.Time) (bool, error) {
	var revoked bool
	err := r.s.with(func(st *state) error {
		token, ok := st.apiTokens[id]
		if !ok || token.UserID != userID || token.IsRevoked() {
			return nil
		}
		revokedAt := at
		token.RevokedAt = &revokedAt
		st.apiTokens[id] = token
		revoked = true
		return nil
	})
	return revoked, err
}

func (r apiTokens) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	return r.s.with(func(st *state) error {
		token, ok := st.apiTokens[id]
		if !ok {
			return nil
		}
		usedAt := at
		token.LastUsedAt = &usedAt
		st.apiTokens[id] = token
		return nil
	})
}

func (r apiTokens) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.s.with(func(st *state) error {
		for id, token := range st.apiTokens {
			revokedLongAgo := token.RevokedAt != nil && token.RevokedAt.Before(cutoff)
			expiredLongAgo := token.ExpiresAt != nil && token.ExpiresAt.Before(cutoff)
			if revokedLongAgo || expiredLongAgo {
				delete(st.apiTokens, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
