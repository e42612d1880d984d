package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"notehub/internal/models"
	"notehub/internal/repository"
)

const resetTokenColumns = `id, user_id, token_hash, expires_at, used_at, created_at`

type ResetTokenRepository struct {
	q querier
}

func NewResetTokenRepository(q querier) *ResetTokenRepository {
	return &ResetTokenRepository{q: q}
}

func (r *ResetTokenRepository) Create(ctx context.Context, token models.PasswordResetToken) error {
	const query = `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.q.Exec(ctx, query, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return wrap(err, "create reset token")
	}
	return nil
}

func (r *ResetTokenRepository) InvalidateForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	const query = `UPDATE password_reset_tokens SET used_at = $2 WHERE user_id = $1 AND used_at IS NULL`
	cmd, err := r.q.Exec(ctx, query, userID, at)
	if err != nil {
		return 0, wrap(err, "invalidate reset tokens")
	}
	return cmd.RowsAffected(), nil
}

func (r *ResetTokenRepository) GetByTokenHash(ctx context.Context, hash string) (models.PasswordResetToken, error) {
	row := r.q.QueryRow(ctx, `SELECT `+resetTokenColumns+` FROM password_reset_tokens WHERE token_hash = $1`, hash)
	token, err := scanResetToken(row)
	if err != nil {
		return models.PasswordResetToken{}, notFound(err, "get reset token")
	}
	return token, nil
}

func (r *ResetTokenRepository) LockByTokenHash(ctx context.Context, hash string) (models.PasswordResetToken, error) {
	row := r.q.QueryRow(ctx, `SELECT `+resetTokenColumns+` FROM password_reset_tokens WHERE token_hash = $1 FOR UPDATE`, hash)
	token, err := scanResetToken(row)
	if err != nil {
		return models.PasswordResetToken{}, notFound(err, "lock reset token")
	}
	return token, nil
}

func (r *ResetTokenRepository) MarkUsed(ctx context.Context, id string, at time.Time) error {
	cmd, err := r.q.Exec(ctx, `UPDATE password_reset_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, at)
	if err != nil {
		return wrap(err, "mark reset token used")
	}
	if cmd.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *ResetTokenRepository) DeleteExpiredOrUsed(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := r.q.Exec(ctx, `DELETE FROM password_reset_tokens WHERE expires_at <= $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, wrap(err, "delete spent reset tokens")
	}
	return cmd.RowsAffected(), nil
}

func scanResetToken(row pgx.Row) (models.PasswordResetToken, error) {
	var token models.PasswordResetToken
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.UsedAt,
		&token.CreatedAt,
	)
	return token, err
}
