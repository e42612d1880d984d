package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"notehub/internal/models"
)

const apiTokenColumns = `id, user_id, name, token_hash, prefix, scopes, expires_at, revoked_at, last_used_at, created_at`

type APITokenRepository struct {
	q querier
}

func NewAPITokenRepository(q querier) *APITokenRepository {
	return &APITokenRepository{q: q}
}

func (r *APITokenRepository) Create(ctx context.Context, token models.APIToken) error {
	const query = `
		INSERT INTO api_tokens (id, user_id, name, token_hash, prefix, scopes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.q.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.Name,
		token.TokenHash,
		token.Prefix,
		scopeStrings(token.Scopes),
		token.ExpiresAt,
		token.CreatedAt,
	)
	if err != nil {
		return wrap(err, "create api token")
	}
	return nil
}

func (r *APITokenRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM api_tokens WHERE user_id = $1 AND revoked_at IS NULL`, userID).Scan(&count)
	if err != nil {
		return 0, wrap(err, "count api tokens")
	}
	return count, nil
}

func (r *APITokenRepository) GetByTokenHash(ctx context.Context, hash string) (models.APIToken, error) {
	token, err := scanAPIToken(r.q.QueryRow(ctx, `SELECT `+apiTokenColumns+` FROM api_tokens WHERE token_hash = $1`, hash))
	if err != nil {
		return models.APIToken{}, notFound(err, "get api token")
	}
	return token, nil
}

func (r *APITokenRepository) GetByIDForUser(ctx context.Context, id string, userID string) (models.APIToken, error) {
	row := r.q.QueryRow(ctx, `SELECT `+apiTokenColumns+` FROM api_tokens WHERE id = $1 AND user_id = $2`, id, userID)
	token, err := scanAPIToken(row)
	if err != nil {
		return models.APIToken{}, notFound(err, "get api token by id")
	}
	return token, nil
}

func (r *APITokenRepository) ListByUser(ctx context.Context, userID string) ([]models.APIToken, error) {
	rows, err := r.q.Query(ctx, `SELECT `+apiTokenColumns+` FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, wrap(err, "list api tokens")
	}
	defer rows.Close()

	tokens := []models.APIToken{}
	for rows.Next() {
		token, err := scanAPIToken(rows)
		if err != nil {
			return nil, wrap(err, "scan api token")
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate api tokens")
	}
	return tokens, nil
}

func (r *APITokenRepository) Revoke(ctx context.Context, id string, userID string, at time.Time) (bool, error) {
	const query = `UPDATE api_tokens SET revoked_at = $3 WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`
	cmd, err := r.q.Exec(ctx, query, id, userID, at)
	if err != nil {
		return false, wrap(err, "revoke api token")
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *APITokenRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.Exec(ctx, `UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return wrap(err, "touch api token")
	}
	return nil
}

func (r *APITokenRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM api_tokens
		WHERE (revoked_at IS NOT NULL AND revoked_at < $1)
		   OR (expires_at IS NOT NULL AND expires_at < $1)
	`
	cmd, err := r.q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, wrap(err, "delete stale api tokens")
	}
	return cmd.RowsAffected(), nil
}

func scanAPIToken(row pgx.Row) (models.APIToken, error) {
	var token models.APIToken
	var scopes []string
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.Name,
		&token.TokenHash,
		&token.Prefix,
		&scopes,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.LastUsedAt,
		&token.CreatedAt,
	)
	if err != nil {
		return models.APIToken{}, err
	}
	token.Scopes = make([]models.APITokenScope, 0, len(scopes))
	for _, s := range scopes {
		scope := models.APITokenScope(s)
		if !scope.Valid() {
			return models.APIToken{}, errors.New("unknown scope " + s)
		}
		token.Scopes = append(token.Scopes, scope)
	}
	return token, nil
}

func scopeStrings(scopes []models.APITokenScope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
