package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"notehub/internal/models"
	"notehub/internal/repository"
)

const userColumns = `id, username, email, display_name, password_hash, role, is_active, is_service_account, must_change_password, created_at, updated_at`

type UserRepository struct {
	q querier
}

func NewUserRepository(q querier) *UserRepository {
	return &UserRepository{q: q}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (models.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return models.User{}, notFound(err, "get user")
	}
	return user, nil
}

// FindByLogin prefers an exact username hit over an email hit when the
// identifier happens to match both.
func (r *UserRepository) FindByLogin(ctx context.Context, identifier string) (models.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE username = $1 OR lower(email) = lower($1)
		ORDER BY (username = $1) DESC
		LIMIT 1
	`
	user, err := scanUser(r.q.QueryRow(ctx, query, identifier))
	if err != nil {
		return models.User{}, notFound(err, "find user by login")
	}
	return user, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	user, err := scanUser(r.q.QueryRow(ctx, query, email))
	if err != nil {
		return models.User{}, notFound(err, "find user by email")
	}
	return user, nil
}

func (r *UserRepository) SetPassword(ctx context.Context, userID string, hash string) error {
	const query = `
		UPDATE users
		SET password_hash = $2, must_change_password = FALSE, updated_at = NOW()
		WHERE id = $1
	`
	cmd, err := r.q.Exec(ctx, query, userID, hash)
	if err != nil {
		return wrap(err, "set password")
	}
	if cmd.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserRepository) RehashPassword(ctx context.Context, userID string, hash string) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`
	cmd, err := r.q.Exec(ctx, query, userID, hash)
	if err != nil {
		return wrap(err, "rehash password")
	}
	if cmd.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserRepository) LockForUpdate(ctx context.Context, userID string) (models.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID)
	user, err := scanUser(row)
	if err != nil {
		return models.User{}, notFound(err, "lock user")
	}
	return user, nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	var role string
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&role,
		&user.IsActive,
		&user.IsServiceAccount,
		&user.MustChangePassword,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	user.Role = models.UserRole(role)
	return user, err
}
