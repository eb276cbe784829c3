// artifact.go — приём и повторный разбор бинарников.
// Pipeline загрузки: поток → временный файл (SHA-256 на лету) → разбор
// (только iOS) → объектное хранилище → артефакт + метаданные в одной транзакции.
// Ошибка разбора прерывает загрузку до любой записи.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
	"github.com/bigkaa/goartstore/distribution-module/internal/inspector"
	"github.com/bigkaa/goartstore/distribution-module/internal/objectstore"
	"github.com/bigkaa/goartstore/distribution-module/internal/repository"
)

// Content-Type объектов в хранилище.
const (
	contentTypeIPA = "application/octet-stream"
	contentTypeAPK = "application/vnd.android.package-archive"
)

// UploadParams — параметры загрузки бинарника.
type UploadParams struct {
	ApplicationID    string
	Platform         model.Platform
	OriginalFilename string
	// UploadedBy — sub из JWT
	UploadedBy string
	Body       io.Reader
}

// ArtifactService — артефакты: загрузка, повторный разбор, чтение.
type ArtifactService struct {
	artifacts repository.ArtifactRepository
	tx        repository.TxRunner
	store     objectstore.Gateway
	inspector *inspector.Inspector
	cache     *MetadataCache
	logger    *slog.Logger

	now func() time.Time
}

// NewArtifactService создаёт сервис артефактов.
func NewArtifactService(
	artifacts repository.ArtifactRepository,
	tx repository.TxRunner,
	store objectstore.Gateway,
	ins *inspector.Inspector,
	cache *MetadataCache,
	logger *slog.Logger,
) *ArtifactService {
	return &ArtifactService{
		artifacts: artifacts,
		tx:        tx,
		store:     store,
		inspector: ins,
		cache:     cache,
		logger:    logger.With(slog.String("component", "artifact_service")),
		now:       time.Now,
	}
}

// Upload принимает бинарник, разбирает его (iOS) и сохраняет.
func (s *ArtifactService) Upload(ctx context.Context, p UploadParams) (*model.BinaryArtifact, error) {
	const op = "service.ArtifactService.Upload"

	if err := validateUpload(p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}

	sp, err := s.inspector.Spool(p.Body)
	if err != nil {
		return nil, err
	}
	defer sp.Release()

	var meta *model.DistributionMetadata
	if p.Platform == model.PlatformIOS {
		res, err := s.inspector.InspectSpool(ctx, sp)
		if err != nil {
			return nil, err
		}
		meta = res.Metadata()
	}

	a := &model.BinaryArtifact{
		ID:               uuid.NewString(),
		ApplicationID:    p.ApplicationID,
		Platform:         p.Platform,
		OriginalFilename: p.OriginalFilename,
		Size:             sp.Size,
		Checksum:         sp.Checksum,
		UploadedBy:       p.UploadedBy,
		UploadedAt:       s.now().UTC(),
	}
	a.StorageKey = objectstore.StorageKey(a.ID, p.OriginalFilename)

	if err := s.putSpool(ctx, sp, a); err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, func(repos repository.Repositories) error {
		if err := repos.Artifacts.Create(ctx, a); err != nil {
			return err
		}
		if meta != nil {
			return repos.Artifacts.UpsertMetadata(ctx, a.ID, meta)
		}
		return nil
	})
	if err != nil {
		// Объект в хранилище остаётся без записи в БД; удаление объектов
		// не входит в контракт шлюза.
		s.logger.Warn("Артефакт не сохранён в БД, объект в хранилище осиротел",
			slog.String("artifact_id", a.ID),
			slog.String("storage_key", a.StorageKey),
			slog.String("error", err.Error()),
		)
		return nil, storageError(op, fmt.Errorf("сохранение артефакта: %w", err))
	}

	if meta != nil {
		s.cache.Set(a.ID, meta)
	}
	a.Metadata = meta

	attrs := []any{
		slog.String("artifact_id", a.ID),
		slog.String("application_id", a.ApplicationID),
		slog.String("platform", string(a.Platform)),
		slog.Int64("size", a.Size),
		slog.String("uploaded_by", a.UploadedBy),
	}
	if meta != nil {
		attrs = append(attrs,
			slog.String("bundle_id", meta.BundleID),
			slog.String("distribution_class", string(meta.DistributionClass)),
		)
	}
	s.logger.Info("Артефакт загружен", attrs...)

	return a, nil
}

func (s *ArtifactService) putSpool(ctx context.Context, sp *inspector.Spool, a *model.BinaryArtifact) error {
	f, err := sp.Open()
	if err != nil {
		return fmt.Errorf("открытие временного файла: %w", err)
	}
	defer f.Close()

	contentType := contentTypeIPA
	if a.Platform == model.PlatformAndroid {
		contentType = contentTypeAPK
	}
	return s.store.Put(ctx, a.StorageKey, f, sp.Size, contentType)
}

func validateUpload(p UploadParams) error {
	switch {
	case !p.Platform.Valid():
		return fmt.Errorf("неизвестная платформа %q (ожидалась ios или android)", p.Platform)
	case strings.TrimSpace(p.ApplicationID) == "":
		return errors.New("не указан application_id")
	case strings.TrimSpace(p.OriginalFilename) == "":
		return errors.New("не указано имя файла")
	case p.Body == nil:
		return errors.New("пустое тело загрузки")
	}
	return nil
}

// Reinspect повторно разбирает сохранённый бинарник и атомарно
// перезаписывает метаданные. При ошибке разбора метаданные не меняются.
func (s *ArtifactService) Reinspect(ctx context.Context, artifactID string) (*model.BinaryArtifact, error) {
	const op = "service.ArtifactService.Reinspect"

	a, err := s.getArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.Platform != model.PlatformIOS {
		return nil, apperr.New(apperr.KindValidation, op, "разбор поддерживается только для iOS")
	}

	rc, err := s.store.Get(ctx, a.StorageKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	res, err := s.inspector.Inspect(ctx, rc)
	if err != nil {
		return nil, err
	}
	meta := res.Metadata()

	if err := s.artifacts.UpsertMetadata(ctx, a.ID, meta); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindArtifactNotFound, op, "артефакт "+artifactID+" не найден")
		}
		return nil, storageError(op, fmt.Errorf("запись метаданных: %w", err))
	}
	s.cache.Set(a.ID, meta)

	s.logger.Info("Артефакт разобран повторно",
		slog.String("artifact_id", a.ID),
		slog.String("bundle_id", meta.BundleID),
		slog.String("distribution_class", string(meta.DistributionClass)),
	)

	a.Metadata = meta
	return a, nil
}

// Get возвращает артефакт с метаданными (метаданные — через кэш).
func (s *ArtifactService) Get(ctx context.Context, artifactID string) (*model.BinaryArtifact, error) {
	a, err := s.getArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.Metadata, err = s.metadata(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// List возвращает артефакты приложения с метаданными, новые первыми.
func (s *ArtifactService) List(ctx context.Context, applicationID string, limit, offset int) ([]*model.BinaryArtifact, error) {
	const op = "service.ArtifactService.List"

	if strings.TrimSpace(applicationID) == "" {
		return nil, apperr.New(apperr.KindValidation, op, "не указан application_id")
	}

	items, err := s.artifacts.List(ctx, applicationID, limit, offset)
	if err != nil {
		return nil, storageError(op, fmt.Errorf("список артефактов: %w", err))
	}
	for _, a := range items {
		if a.Metadata, err = s.metadata(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *ArtifactService) getArtifact(ctx context.Context, artifactID string) (*model.BinaryArtifact, error) {
	const op = "service.ArtifactService.Get"

	a, err := s.artifacts.GetByID(ctx, artifactID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindArtifactNotFound, op, "артефакт "+artifactID+" не найден")
		}
		return nil, storageError(op, fmt.Errorf("получение артефакта: %w", err))
	}
	return a, nil
}

// metadata возвращает метаданные из кэша или БД; nil — разбора не было.
func (s *ArtifactService) metadata(ctx context.Context, artifactID string) (*model.DistributionMetadata, error) {
	const op = "service.ArtifactService.metadata"

	if m, ok := s.cache.Get(artifactID); ok {
		return m, nil
	}

	m, err := s.artifacts.GetMetadata(ctx, artifactID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, storageError(op, fmt.Errorf("получение метаданных: %w", err))
	}
	s.cache.Set(artifactID, m)
	return m, nil
}
