// artifacts.go — HTTP handlers артефактов: загрузка, чтение, список,
// повторный разбор, выпуск download-токенов.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"math"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/distribution-module/internal/api/errors"
	"github.com/bigkaa/goartstore/distribution-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
	"github.com/bigkaa/goartstore/distribution-module/internal/service"
)

// multipartOverhead — запас на заголовки частей и текстовые поля формы.
const multipartOverhead = 1 << 20

// maxTTLSeconds — наибольший ttl_seconds, представимый в time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// ArtifactsHandler — обработчик /api/v1/artifacts.
type ArtifactsHandler struct {
	artifacts     ArtifactService
	tokens        TokenIssuer
	install       InstallService
	maxUploadSize int64
	logger        *slog.Logger
}

// NewArtifactsHandler создаёт обработчик артефактов.
func NewArtifactsHandler(
	artifacts ArtifactService,
	tokens TokenIssuer,
	install InstallService,
	maxUploadSize int64,
	logger *slog.Logger,
) *ArtifactsHandler {
	return &ArtifactsHandler{
		artifacts:     artifacts,
		tokens:        tokens,
		install:       install,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "artifacts_handler")),
	}
}

// --- Представления ---

type metadataResponse struct {
	BundleID               string     `json:"bundle_id"`
	DisplayName            string     `json:"display_name"`
	ShortVersion           string     `json:"short_version"`
	BuildID                string     `json:"build_id"`
	MinimumOSVersion       string     `json:"minimum_os_version,omitempty"`
	SupportedDevices       []string   `json:"supported_devices"`
	DistributionClass      string     `json:"distribution_class"`
	HasProvisioningProfile bool       `json:"has_provisioning_profile"`
	TeamID                 string     `json:"team_id,omitempty"`
	ProfileUUID            string     `json:"profile_uuid,omitempty"`
	ProfileName            string     `json:"profile_name,omitempty"`
	ProfileExpiresAt       *time.Time `json:"profile_expires_at,omitempty"`
}

type artifactResponse struct {
	ID               string            `json:"id"`
	ApplicationID    string            `json:"application_id"`
	Platform         string            `json:"platform"`
	OriginalFilename string            `json:"original_filename"`
	Size             int64             `json:"size"`
	Checksum         string            `json:"checksum"`
	UploadedBy       string            `json:"uploaded_by"`
	UploadedAt       time.Time         `json:"uploaded_at"`
	DownloadCount    int64             `json:"download_count"`
	Metadata         *metadataResponse `json:"metadata,omitempty"`
}

type artifactListResponse struct {
	Items  []artifactResponse `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type issueTokenRequest struct {
	// TTLSeconds — срок действия токена (0 — по умолчанию)
	TTLSeconds int64 `json:"ttl_seconds"`
}

type issueTokenResponse struct {
	Token      string        `json:"token"`
	ArtifactID string        `json:"artifact_id"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Links      service.Links `json:"links"`
}

func toArtifactResponse(a *model.BinaryArtifact) artifactResponse {
	resp := artifactResponse{
		ID:               a.ID,
		ApplicationID:    a.ApplicationID,
		Platform:         string(a.Platform),
		OriginalFilename: a.OriginalFilename,
		Size:             a.Size,
		Checksum:         a.Checksum,
		UploadedBy:       a.UploadedBy,
		UploadedAt:       a.UploadedAt,
		DownloadCount:    a.DownloadCount,
	}
	if m := a.Metadata; m != nil {
		resp.Metadata = &metadataResponse{
			BundleID:               m.BundleID,
			DisplayName:            m.DisplayName,
			ShortVersion:           m.ShortVersion,
			BuildID:                m.BuildID,
			MinimumOSVersion:       m.MinimumOSVersion,
			SupportedDevices:       m.SupportedDevices,
			DistributionClass:      string(m.DistributionClass),
			HasProvisioningProfile: m.HasTrustArtifact(),
			TeamID:                 m.TeamID,
			ProfileUUID:            m.ProfileUUID,
			ProfileName:            m.ProfileName,
			ProfileExpiresAt:       m.ProfileExpiresAt,
		}
	}
	return resp
}

// --- Handlers ---

// Upload обрабатывает POST /api/v1/artifacts.
// Multipart form: platform, application_id, file. Форма читается потоково,
// поэтому текстовые поля должны предшествовать части file.
func (h *ArtifactsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	uploadedBy := middleware.SubjectFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		errors.ValidationError(w, "Ожидается multipart/form-data: "+err.Error())
		return
	}

	fields := make(map[string]string, 2)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			errors.ValidationError(w, "Поле 'file' обязательно")
			return
		}
		if err != nil {
			h.writeUploadError(w, r, fmt.Errorf("чтение multipart: %w", err))
			return
		}

		if part.FormName() != "file" {
			value, err := readField(part)
			part.Close()
			if err != nil {
				errors.ValidationError(w, err.Error())
				return
			}
			fields[part.FormName()] = value
			continue
		}

		a, err := h.artifacts.Upload(r.Context(), service.UploadParams{
			ApplicationID:    fields["application_id"],
			Platform:         model.Platform(fields["platform"]),
			OriginalFilename: part.FileName(),
			UploadedBy:       uploadedBy,
			Body:             part,
		})
		part.Close()
		if err != nil {
			h.writeUploadError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toArtifactResponse(a))
		return
	}
}

// readField читает текстовое поле формы (не более 4 КБ).
func readField(p *multipart.Part) (string, error) {
	const maxFieldSize = 4 << 10
	data, err := io.ReadAll(io.LimitReader(p, maxFieldSize+1))
	if err != nil {
		return "", fmt.Errorf("чтение поля %q: %w", p.FormName(), err)
	}
	if len(data) > maxFieldSize {
		return "", fmt.Errorf("поле %q длиннее %d байт", p.FormName(), maxFieldSize)
	}
	return string(data), nil
}

func (h *ArtifactsHandler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		errors.PayloadTooLarge(w, fmt.Sprintf("Размер загрузки превышает %d байт", h.maxUploadSize))
		return
	}
	writeError(w, r, h.logger, err)
}

// Get обрабатывает GET /api/v1/artifacts/{artifact_id}.
func (h *ArtifactsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactIDParam(w, r)
	if !ok {
		return
	}
	a, err := h.artifacts.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toArtifactResponse(a))
}

// List обрабатывает GET /api/v1/artifacts?application_id=&limit=&offset=.
func (h *ArtifactsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paginationDefaults(r)
	if !ok {
		errors.ValidationError(w, "limit и offset должны быть целыми числами")
		return
	}

	items, err := h.artifacts.List(r.Context(), r.URL.Query().Get("application_id"), limit, offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := artifactListResponse{
		Items:  make([]artifactResponse, 0, len(items)),
		Limit:  limit,
		Offset: offset,
	}
	for _, a := range items {
		resp.Items = append(resp.Items, toArtifactResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Inspect обрабатывает POST /api/v1/artifacts/{artifact_id}/inspect.
func (h *ArtifactsHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactIDParam(w, r)
	if !ok {
		return
	}
	a, err := h.artifacts.Reinspect(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toArtifactResponse(a))
}

// IssueToken обрабатывает POST /api/v1/artifacts/{artifact_id}/tokens.
// Тело необязательно: {"ttl_seconds": 3600}.
func (h *ArtifactsHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	id, ok := artifactIDParam(w, r)
	if !ok {
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && err != io.EOF {
		errors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > maxTTLSeconds {
		errors.ValidationError(w, fmt.Sprintf("ttl_seconds должен быть в диапазоне 1..%d", maxTTLSeconds))
		return
	}

	ttl := h.tokens.DefaultTTL()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	tok, err := h.tokens.Issue(r.Context(), id,
		middleware.SubjectFromContext(r.Context()), ttl)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueTokenResponse{
		Token:      tok.Value,
		ArtifactID: tok.ArtifactID,
		ExpiresAt:  tok.ExpiresAt,
		Links:      h.install.Links(tok.Value),
	})
}
