package model

import "time"

// DownloadToken — непрозрачный ограниченный по времени идентификатор,
// привязанный к одной ревизии артефакта.
type DownloadToken struct {
	// Value — значение токена (UUIDv4 из crypto/rand)
	Value string
	// ArtifactID — артефакт, к которому привязан токен
	ArtifactID string
	// IssuedBy — sub из JWT выпустившего
	IssuedBy string
	// CreatedAt — время выпуска
	CreatedAt time.Time
	// ExpiresAt — время истечения (всегда позже CreatedAt)
	ExpiresAt time.Time
	// LastAccessedAt — время последнего разрешения (только телеметрия)
	LastAccessedAt *time.Time
}

// Expired сообщает, истёк ли токен к моменту now.
// Токен действителен до ExpiresAt включительно.
func (t *DownloadToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
