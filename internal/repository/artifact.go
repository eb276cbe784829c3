package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
)

// ArtifactRepository — артефакты и их DistributionMetadata.
type ArtifactRepository interface {
	// Create сохраняет новый артефакт (без метаданных).
	Create(ctx context.Context, a *model.BinaryArtifact) error
	// GetByID возвращает артефакт без метаданных.
	GetByID(ctx context.Context, id string) (*model.BinaryArtifact, error)
	// List возвращает артефакты приложения, новые первыми.
	List(ctx context.Context, applicationID string, limit, offset int) ([]*model.BinaryArtifact, error)
	// GetMetadata возвращает метаданные артефакта (ErrNotFound — разбора не было).
	GetMetadata(ctx context.Context, artifactID string) (*model.DistributionMetadata, error)
	// UpsertMetadata атомарно записывает метаданные целиком.
	UpsertMetadata(ctx context.Context, artifactID string, m *model.DistributionMetadata) error
	// IncrementDownloads атомарно увеличивает счётчик скачиваний на 1.
	IncrementDownloads(ctx context.Context, id string) error
}

type artifactRepo struct {
	db DBTX
}

// NewArtifactRepository создаёт репозиторий артефактов.
func NewArtifactRepository(db DBTX) ArtifactRepository {
	return &artifactRepo{db: db}
}

const artifactColumns = `id, application_id, storage_key, platform, original_filename,
	size, checksum, uploaded_by, uploaded_at, download_count`

func scanArtifact(row pgx.Row) (*model.BinaryArtifact, error) {
	a := &model.BinaryArtifact{}
	err := row.Scan(
		&a.ID, &a.ApplicationID, &a.StorageKey, &a.Platform, &a.OriginalFilename,
		&a.Size, &a.Checksum, &a.UploadedBy, &a.UploadedAt, &a.DownloadCount,
	)
	return a, err
}

func (r *artifactRepo) Create(ctx context.Context, a *model.BinaryArtifact) error {
	query := `
		INSERT INTO artifacts (id, application_id, storage_key, platform, original_filename,
			size, checksum, uploaded_by, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.ApplicationID, a.StorageKey, a.Platform, a.OriginalFilename,
		a.Size, a.Checksum, a.UploadedBy, a.UploadedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: артефакт %s уже существует", ErrConflict, a.ID)
		}
		return fmt.Errorf("ошибка создания артефакта: %w", err)
	}
	return nil
}

func (r *artifactRepo) GetByID(ctx context.Context, id string) (*model.BinaryArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`

	a, err := scanArtifact(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения артефакта: %w", err)
	}
	return a, nil
}

func (r *artifactRepo) List(ctx context.Context, applicationID string, limit, offset int) ([]*model.BinaryArtifact, error) {
	query := `SELECT ` + artifactColumns + `
		FROM artifacts
		WHERE application_id = $1
		ORDER BY uploaded_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, applicationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка артефактов: %w", err)
	}
	defer rows.Close()

	var result []*model.BinaryArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования артефакта: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *artifactRepo) GetMetadata(ctx context.Context, artifactID string) (*model.DistributionMetadata, error) {
	query := `
		SELECT bundle_id, display_name, short_version, build_id, minimum_os_version,
			supported_devices, provisioning_profile, team_id, profile_uuid, profile_name,
			profile_expires_at, distribution_class
		FROM distribution_metadata
		WHERE artifact_id = $1`

	var m model.DistributionMetadata
	var profile, teamID, profileUUID, profileName *string
	err := r.db.QueryRow(ctx, query, artifactID).Scan(
		&m.BundleID, &m.DisplayName, &m.ShortVersion, &m.BuildID, &m.MinimumOSVersion,
		&m.SupportedDevices, &profile, &teamID, &profileUUID, &profileName,
		&m.ProfileExpiresAt, &m.DistributionClass,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения метаданных: %w", err)
	}

	m.ProvisioningProfile = derefString(profile)
	m.TeamID = derefString(teamID)
	m.ProfileUUID = derefString(profileUUID)
	m.ProfileName = derefString(profileName)
	return &m, nil
}

// UpsertMetadata — один оператор INSERT … ON CONFLICT DO UPDATE:
// запись либо заменяется целиком, либо не меняется.
func (r *artifactRepo) UpsertMetadata(ctx context.Context, artifactID string, m *model.DistributionMetadata) error {
	query := `
		INSERT INTO distribution_metadata (artifact_id, bundle_id, display_name, short_version,
			build_id, minimum_os_version, supported_devices, provisioning_profile, team_id,
			profile_uuid, profile_name, profile_expires_at, distribution_class, inspected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (artifact_id) DO UPDATE SET
			bundle_id = EXCLUDED.bundle_id,
			display_name = EXCLUDED.display_name,
			short_version = EXCLUDED.short_version,
			build_id = EXCLUDED.build_id,
			minimum_os_version = EXCLUDED.minimum_os_version,
			supported_devices = EXCLUDED.supported_devices,
			provisioning_profile = EXCLUDED.provisioning_profile,
			team_id = EXCLUDED.team_id,
			profile_uuid = EXCLUDED.profile_uuid,
			profile_name = EXCLUDED.profile_name,
			profile_expires_at = EXCLUDED.profile_expires_at,
			distribution_class = EXCLUDED.distribution_class,
			inspected_at = EXCLUDED.inspected_at`

	_, err := r.db.Exec(ctx, query,
		artifactID, m.BundleID, m.DisplayName, m.ShortVersion,
		m.BuildID, m.MinimumOSVersion, m.SupportedDevices, nullString(m.ProvisioningProfile), nullString(m.TeamID),
		nullString(m.ProfileUUID), nullString(m.ProfileName), m.ProfileExpiresAt, m.DistributionClass,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка записи метаданных: %w", err)
	}
	return nil
}

func (r *artifactRepo) IncrementDownloads(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE artifacts SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка увеличения счётчика скачиваний: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
