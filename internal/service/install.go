// install.go — публичные эндпоинты установки по download-токену:
// OTA-манифест, редирект на бинарник, профиль доверенной установки.
package service

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
	"github.com/bigkaa/goartstore/distribution-module/internal/manifest"
	"github.com/bigkaa/goartstore/distribution-module/internal/objectstore"
)

var documentsRenderedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dm_documents_rendered_total",
	Help: "Общее количество выданных документов установки (по виду).",
}, []string{"kind"})

// Links — публичные ссылки установки для токена.
type Links struct {
	ManifestURL string `json:"manifest_url"`
	BinaryURL   string `json:"binary_url"`
	ProfileURL  string `json:"profile_url"`
	// InstallURL — itms-services ссылка (открывается на устройстве)
	InstallURL string `json:"install_url"`
}

// InstallConfig — параметры публичной части установки.
type InstallConfig struct {
	// PublicBaseURL — внешний адрес сервиса без завершающего "/"
	PublicBaseURL string
	// Organization — PayloadOrganization профиля
	Organization string
	// SignedURLTTL — срок действия подписанной ссылки на бинарник
	SignedURLTTL time.Duration
}

// InstallService — выдача документов установки по токену.
//
// Скачивание учитывается при выдаче манифеста и при редиректе на
// бинарник. Выдача профиля скачиванием не считается.
type InstallService struct {
	tokens    *TokenService
	artifacts *ArtifactService
	store     objectstore.Gateway
	cfg       InstallConfig
	logger    *slog.Logger
}

// NewInstallService создаёт сервис установки.
func NewInstallService(
	tokens *TokenService,
	artifacts *ArtifactService,
	store objectstore.Gateway,
	cfg InstallConfig,
	logger *slog.Logger,
) *InstallService {
	return &InstallService{
		tokens:    tokens,
		artifacts: artifacts,
		store:     store,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "install_service")),
	}
}

// Links строит публичные ссылки для токена.
func (s *InstallService) Links(token string) Links {
	base := s.cfg.PublicBaseURL + "/install/" + url.PathEscape(token)
	manifestURL := base + "/manifest.plist"
	return Links{
		ManifestURL: manifestURL,
		BinaryURL:   base + "/binary",
		ProfileURL:  base + "/profile.mobileconfig",
		InstallURL:  manifest.InstallURL(manifestURL),
	}
}

// Manifest разрешает токен и строит OTA-манифест со ссылкой на бинарник.
func (s *InstallService) Manifest(ctx context.Context, token string) (*manifest.OTAManifest, error) {
	tok, a, meta, err := s.prepareIOS(ctx, token, "service.InstallService.Manifest")
	if err != nil {
		return nil, err
	}

	signed, err := s.store.SignURL(ctx, a.StorageKey, s.cfg.SignedURLTTL)
	if err != nil {
		return nil, err
	}
	doc := manifest.RenderOTAManifest(meta, signed)

	if err := s.tokens.RecordAccess(ctx, tok); err != nil {
		return nil, err
	}
	documentsRenderedTotal.WithLabelValues("manifest").Inc()
	s.logger.Info("OTA-манифест выдан",
		slog.String("artifact_id", a.ID),
		slog.String("bundle_id", meta.BundleID),
	)
	return doc, nil
}

// BinaryURL разрешает токен и возвращает подписанную ссылку на бинарник
// (для редиректа). Работает для любой платформы.
func (s *InstallService) BinaryURL(ctx context.Context, token string) (string, error) {
	tok, err := s.tokens.Lookup(ctx, token)
	if err != nil {
		return "", err
	}
	a, err := s.artifacts.getArtifact(ctx, tok.ArtifactID)
	if err != nil {
		return "", err
	}

	signed, err := s.store.SignURL(ctx, a.StorageKey, s.cfg.SignedURLTTL)
	if err != nil {
		return "", err
	}
	if err := s.tokens.RecordAccess(ctx, tok); err != nil {
		return "", err
	}
	documentsRenderedTotal.WithLabelValues("binary_redirect").Inc()
	return signed, nil
}

// Profile разрешает токен и строит профиль доверенной установки.
// Возвращает профиль и имя файла для Content-Disposition.
// Для сборок App Store — KindPolicyViolation.
func (s *InstallService) Profile(ctx context.Context, token string) (*manifest.Profile, string, error) {
	_, a, meta, err := s.prepareIOS(ctx, token, "service.InstallService.Profile")
	if err != nil {
		return nil, "", err
	}

	cfg := manifest.NewProfileConfig(meta, s.Links(token).ManifestURL, s.cfg.Organization)
	profile, err := manifest.RenderTrustedInstallProfile(cfg)
	if err != nil {
		s.logger.Info("Профиль доверенной установки не выдан",
			slog.String("artifact_id", a.ID),
			slog.String("distribution_class", string(meta.DistributionClass)),
			slog.String("error", err.Error()),
		)
		return nil, "", err
	}

	documentsRenderedTotal.WithLabelValues("profile").Inc()
	return profile, manifest.ProfileFilename(meta.DisplayName, meta.ShortVersion), nil
}

// prepareIOS проверяет токен и загружает iOS-артефакт с метаданными.
func (s *InstallService) prepareIOS(ctx context.Context, token, op string) (
	*model.DownloadToken, *model.BinaryArtifact, *model.DistributionMetadata, error,
) {
	tok, err := s.tokens.Lookup(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := s.artifacts.Get(ctx, tok.ArtifactID)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.Platform != model.PlatformIOS {
		return nil, nil, nil, apperr.New(apperr.KindPolicyViolation, op,
			"OTA-установка доступна только для iOS")
	}
	if a.Metadata == nil {
		return nil, nil, nil, apperr.New(apperr.KindMissingDescriptor, op,
			"артефакт "+a.ID+" не разобран")
	}
	return tok, a, a.Metadata, nil
}
