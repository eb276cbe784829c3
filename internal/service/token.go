// token.go — сервис download-токенов: выпуск и разрешение.
// Токен — UUIDv4 (122 бита из crypto/rand). Разрешать токен можно
// многократно до истечения срока; last_accessed_at — только телеметрия.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
	"github.com/bigkaa/goartstore/distribution-module/internal/repository"
)

// Prometheus-метрики токенов.
var (
	tokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dm_tokens_issued_total",
		Help: "Общее количество выпущенных download-токенов.",
	})

	tokenResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_token_resolutions_total",
		Help: "Общее количество разрешений download-токенов (по результату).",
	}, []string{"result"})
)

// TokenService — выпуск и разрешение download-токенов.
type TokenService struct {
	tokens     repository.TokenRepository
	artifacts  repository.ArtifactRepository
	defaultTTL time.Duration
	logger     *slog.Logger

	// now и newValue подменяются в тестах
	now      func() time.Time
	newValue func() string
}

// NewTokenService создаёт сервис токенов.
// defaultTTL — срок действия по умолчанию (DM_TOKEN_TTL).
func NewTokenService(
	tokens repository.TokenRepository,
	artifacts repository.ArtifactRepository,
	defaultTTL time.Duration,
	logger *slog.Logger,
) *TokenService {
	return &TokenService{
		tokens:     tokens,
		artifacts:  artifacts,
		defaultTTL: defaultTTL,
		logger:     logger.With(slog.String("component", "token_service")),
		now:        time.Now,
		newValue:   uuid.NewString,
	}
}

// DefaultTTL возвращает срок действия токена по умолчанию.
func (s *TokenService) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Issue выпускает новый токен для артефакта.
// Совпадение значения с существующим токеном — KindTokenCollision,
// существующая запись не перезаписывается.
func (s *TokenService) Issue(ctx context.Context, artifactID, issuer string, ttl time.Duration) (*model.DownloadToken, error) {
	const op = "service.TokenService.Issue"

	if ttl <= 0 {
		return nil, apperr.New(apperr.KindValidation, op, "срок действия токена должен быть положительным")
	}

	if _, err := s.artifacts.GetByID(ctx, artifactID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindArtifactNotFound, op, "артефакт "+artifactID+" не найден")
		}
		return nil, storageError(op, fmt.Errorf("получение артефакта: %w", err))
	}

	now := s.now().UTC()
	tok := &model.DownloadToken{
		Value:      s.newValue(),
		ArtifactID: artifactID,
		IssuedBy:   issuer,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	if err := s.tokens.Insert(ctx, tok); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			s.logger.Error("Коллизия значения download-токена",
				slog.String("artifact_id", artifactID),
			)
			return nil, apperr.Wrap(apperr.KindTokenCollision, op, err)
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperr.New(apperr.KindArtifactNotFound, op, "артефакт "+artifactID+" не найден")
		default:
			return nil, storageError(op, fmt.Errorf("сохранение токена: %w", err))
		}
	}

	tokensIssuedTotal.Inc()
	s.logger.Info("Download-токен выпущен",
		slog.String("artifact_id", artifactID),
		slog.String("issued_by", issuer),
		slog.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// Lookup проверяет токен без побочных эффектов: KindTokenNotFound,
// если его нет, KindTokenExpired, если now > ExpiresAt.
func (s *TokenService) Lookup(ctx context.Context, value string) (*model.DownloadToken, error) {
	const op = "service.TokenService.Lookup"

	tok, err := s.tokens.Get(ctx, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			tokenResolutionsTotal.WithLabelValues("not_found").Inc()
			return nil, apperr.New(apperr.KindTokenNotFound, op, "токен не найден")
		}
		tokenResolutionsTotal.WithLabelValues("error").Inc()
		return nil, storageError(op, fmt.Errorf("получение токена: %w", err))
	}

	if tok.Expired(s.now()) {
		tokenResolutionsTotal.WithLabelValues("expired").Inc()
		return nil, apperr.New(apperr.KindTokenExpired, op,
			"срок действия токена истёк "+tok.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return tok, nil
}

// RecordAccess учитывает успешное разрешение токена: атомарно
// увеличивает счётчик скачиваний артефакта на 1 и обновляет
// last_accessed_at (ошибка последнего только логируется).
func (s *TokenService) RecordAccess(ctx context.Context, tok *model.DownloadToken) error {
	const op = "service.TokenService.RecordAccess"

	if err := s.artifacts.IncrementDownloads(ctx, tok.ArtifactID); err != nil {
		tokenResolutionsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.KindArtifactNotFound, op, "артефакт "+tok.ArtifactID+" не найден")
		}
		return storageError(op, fmt.Errorf("учёт скачивания: %w", err))
	}

	if err := s.tokens.Touch(ctx, tok.Value, s.now().UTC()); err != nil {
		s.logger.Warn("Не удалось обновить last_accessed_at токена",
			slog.String("artifact_id", tok.ArtifactID),
			slog.String("error", err.Error()),
		)
	}

	tokenResolutionsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Resolve разрешает токен в (artifact_id, expires_at) и учитывает
// скачивание. Каждое успешное разрешение увеличивает счётчик ровно на 1.
func (s *TokenService) Resolve(ctx context.Context, value string) (string, time.Time, error) {
	tok, err := s.Lookup(ctx, value)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.RecordAccess(ctx, tok); err != nil {
		return "", time.Time{}, err
	}
	return tok.ArtifactID, tok.ExpiresAt, nil
}
