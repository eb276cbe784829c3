// Пакет handlers — HTTP-обработчики Distribution Module.
// handler.go — общие интерфейсы сервисного слоя и вспомогательные функции.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/distribution-module/internal/api/errors"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
	"github.com/bigkaa/goartstore/distribution-module/internal/manifest"
	"github.com/bigkaa/goartstore/distribution-module/internal/service"
)

// ArtifactService — операции над артефактами (реализуется service.ArtifactService).
type ArtifactService interface {
	Upload(ctx context.Context, p service.UploadParams) (*model.BinaryArtifact, error)
	Get(ctx context.Context, artifactID string) (*model.BinaryArtifact, error)
	List(ctx context.Context, applicationID string, limit, offset int) ([]*model.BinaryArtifact, error)
	Reinspect(ctx context.Context, artifactID string) (*model.BinaryArtifact, error)
}

// TokenIssuer — выпуск download-токенов (реализуется service.TokenService).
type TokenIssuer interface {
	Issue(ctx context.Context, artifactID, issuer string, ttl time.Duration) (*model.DownloadToken, error)
	DefaultTTL() time.Duration
}

// InstallService — документы установки по токену (реализуется service.InstallService).
type InstallService interface {
	Links(token string) service.Links
	Manifest(ctx context.Context, token string) (*manifest.OTAManifest, error)
	BinaryURL(ctx context.Context, token string) (string, error)
	Profile(ctx context.Context, token string) (*manifest.Profile, string, error)
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError отдаёт ошибку сервисного слоя. Ошибки 5xx логируются
// с полной причиной: клиенту она не показывается.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if errors.StatusFor(err) >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("error", err.Error()),
		)
	}
	errors.FromError(w, err)
}

// paginationDefaults разбирает limit/offset из query-параметров.
// limit — от 1 до 1000 (по умолчанию 100), offset — не меньше 0.
func paginationDefaults(r *http.Request) (limit, offset int, ok bool) {
	limit, offset = 100, 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, false
		}
		limit = min(max(n, 1), 1000)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, false
		}
		offset = max(n, 0)
	}
	return limit, offset, true
}

// artifactIDParam извлекает {artifact_id} из пути. Идентификатор, не
// являющийся UUID, не может принадлежать артефакту: ответ 404.
func artifactIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "artifact_id"))
	if err != nil {
		errors.NotFound(w, "Артефакт не найден")
		return "", false
	}
	return id.String(), true
}
