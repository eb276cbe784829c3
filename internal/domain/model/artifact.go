// Пакет model — доменные модели Distribution Module.
package model

import "time"

// Platform — мобильная платформа бинарника.
type Platform string

const (
	// PlatformIOS — iOS/iPadOS (.ipa).
	PlatformIOS Platform = "ios"
	// PlatformAndroid — Android (.apk/.aab).
	PlatformAndroid Platform = "android"
)

// Valid сообщает, является ли значение одной из поддерживаемых платформ.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// DistributionClass — канал распространения, выведенный из provisioning profile.
type DistributionClass string

const (
	DistributionDevelopment DistributionClass = "developmentBuild"
	DistributionAdHoc       DistributionClass = "adHoc"
	DistributionEnterprise  DistributionClass = "enterprise"
	DistributionAppStore    DistributionClass = "appStore"
)

// Valid сообщает, является ли значение известным классом распространения.
func (c DistributionClass) Valid() bool {
	switch c {
	case DistributionDevelopment, DistributionAdHoc, DistributionEnterprise, DistributionAppStore:
		return true
	}
	return false
}

// Label возвращает отображаемое название класса (для ConsentText).
func (c DistributionClass) Label() string {
	switch c {
	case DistributionDevelopment:
		return "Development"
	case DistributionAdHoc:
		return "Ad Hoc"
	case DistributionEnterprise:
		return "Enterprise"
	case DistributionAppStore:
		return "App Store"
	default:
		return string(c)
	}
}

// BinaryArtifact — одна загруженная ревизия мобильного приложения.
// StorageKey неизменяем после создания.
type BinaryArtifact struct {
	// ID — UUID артефакта
	ID string
	// ApplicationID — внешний идентификатор приложения (CRUD приложений вне модуля)
	ApplicationID string
	// StorageKey — ключ объекта в S3
	StorageKey string
	// Platform — ios или android
	Platform Platform
	// OriginalFilename — имя загруженного файла
	OriginalFilename string
	// Size — размер архива в байтах
	Size int64
	// Checksum — SHA-256 архива (hex)
	Checksum string
	// UploadedBy — sub из JWT загрузившего
	UploadedBy string
	// UploadedAt — время загрузки
	UploadedAt time.Time
	// DownloadCount — количество успешных разрешений download-токенов
	DownloadCount int64
	// Metadata — результат разбора архива (nil, если разбор не выполнялся)
	Metadata *DistributionMetadata
}

// DistributionMetadata — факты, извлечённые из архива одним разбором.
// Перезаписывается только целиком.
type DistributionMetadata struct {
	BundleID         string
	DisplayName      string
	ShortVersion     string
	BuildID          string
	MinimumOSVersion string
	// SupportedDevices — упорядоченный непустой набор классов устройств (phone, tablet)
	SupportedDevices []string
	// ProvisioningProfile — base64 исходных байт embedded.mobileprovision (пусто — профиля нет)
	ProvisioningProfile string
	// TeamID — первый элемент TeamIdentifier (пусто — нет)
	TeamID string
	// ProfileUUID, ProfileName, ProfileExpiresAt — сведения о provisioning profile
	ProfileUUID      string
	ProfileName      string
	ProfileExpiresAt *time.Time
	// DistributionClass — класс распространения
	DistributionClass DistributionClass
}

// HasTrustArtifact сообщает, был ли в архиве provisioning profile.
func (m *DistributionMetadata) HasTrustArtifact() bool {
	return m.ProvisioningProfile != ""
}
