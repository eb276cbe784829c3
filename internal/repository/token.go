package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
)

// TokenRepository — download-токены. Токены не удаляются и не
// перевыпускаются под тем же значением.
type TokenRepository interface {
	// Insert сохраняет новый токен. Совпадение значения — ErrConflict
	// (существующая запись не перезаписывается).
	Insert(ctx context.Context, t *model.DownloadToken) error
	// Get возвращает токен по значению.
	Get(ctx context.Context, value string) (*model.DownloadToken, error)
	// Touch записывает время последнего обращения.
	Touch(ctx context.Context, value string, at time.Time) error
}

type tokenRepo struct {
	db DBTX
}

// NewTokenRepository создаёт репозиторий download-токенов.
func NewTokenRepository(db DBTX) TokenRepository {
	return &tokenRepo{db: db}
}

func (r *tokenRepo) Insert(ctx context.Context, t *model.DownloadToken) error {
	query := `
		INSERT INTO download_tokens (token, artifact_id, issued_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query, t.Value, t.ArtifactID, t.IssuedBy, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: токен уже существует", ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка сохранения токена: %w", err)
	}
	return nil
}

func (r *tokenRepo) Get(ctx context.Context, value string) (*model.DownloadToken, error) {
	query := `
		SELECT token, artifact_id, issued_by, created_at, expires_at, last_accessed_at
		FROM download_tokens
		WHERE token = $1`

	t := &model.DownloadToken{}
	err := r.db.QueryRow(ctx, query, value).Scan(
		&t.Value, &t.ArtifactID, &t.IssuedBy, &t.CreatedAt, &t.ExpiresAt, &t.LastAccessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения токена: %w", err)
	}
	return t, nil
}

func (r *tokenRepo) Touch(ctx context.Context, value string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE download_tokens SET last_accessed_at = $2 WHERE token = $1`, value, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_accessed_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
