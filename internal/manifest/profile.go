// profile.go — профиль доверенной установки (.mobileconfig).
package manifest

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
)

const (
	// ProfileContentType — Content-Type конфигурационного профиля.
	ProfileContentType = "application/x-apple-aspen-config"

	payloadTypeConfiguration       = "Configuration"
	payloadTypeProvisioningProfile = "com.apple.provisioningprofile"
	payloadTypeManagedWebClip      = "com.apple.webClip.managed"

	payloadVersion = 1
)

// ProfileConfig — входные данные профиля доверенной установки.
type ProfileConfig struct {
	DisplayName       string
	BundleID          string
	Version           string
	BuildID           string
	ManifestURL       string
	Organization      string
	DistributionClass model.DistributionClass
	// ProvisioningProfile — base64 байт embedded.mobileprovision (пусто — без payload профиля)
	ProvisioningProfile string
	TeamID              string
	MinimumOSVersion    string
	SupportedDevices    []string
}

// NewProfileConfig собирает ProfileConfig из метаданных артефакта.
func NewProfileConfig(m *model.DistributionMetadata, manifestURL, organization string) ProfileConfig {
	return ProfileConfig{
		DisplayName:         m.DisplayName,
		BundleID:            m.BundleID,
		Version:             m.ShortVersion,
		BuildID:             m.BuildID,
		ManifestURL:         manifestURL,
		Organization:        organization,
		DistributionClass:   m.DistributionClass,
		ProvisioningProfile: m.ProvisioningProfile,
		TeamID:              m.TeamID,
		MinimumOSVersion:    m.MinimumOSVersion,
		SupportedDevices:    m.SupportedDevices,
	}
}

// Profile — конфигурационный профиль верхнего уровня.
type Profile struct {
	PayloadContent           []interface{}     `plist:"PayloadContent"`
	PayloadDescription       string            `plist:"PayloadDescription"`
	PayloadDisplayName       string            `plist:"PayloadDisplayName"`
	PayloadIdentifier        string            `plist:"PayloadIdentifier"`
	PayloadOrganization      string            `plist:"PayloadOrganization"`
	PayloadRemovalDisallowed bool              `plist:"PayloadRemovalDisallowed"`
	PayloadType              string            `plist:"PayloadType"`
	PayloadUUID              string            `plist:"PayloadUUID"`
	PayloadVersion           int               `plist:"PayloadVersion"`
	ConsentText              map[string]string `plist:"ConsentText"`
}

// ProvisioningPayload — payload с встроенным provisioning profile.
type ProvisioningPayload struct {
	PayloadContent     []byte `plist:"PayloadContent"`
	PayloadDescription string `plist:"PayloadDescription"`
	PayloadDisplayName string `plist:"PayloadDisplayName"`
	PayloadIdentifier  string `plist:"PayloadIdentifier"`
	PayloadType        string `plist:"PayloadType"`
	PayloadUUID        string `plist:"PayloadUUID"`
	PayloadVersion     int    `plist:"PayloadVersion"`
}

// WebClipPayload — управляемый web clip, запускающий установку по itms-services.
type WebClipPayload struct {
	FullScreen         bool   `plist:"FullScreen"`
	IsRemovable        bool   `plist:"IsRemovable"`
	Label              string `plist:"Label"`
	PayloadDescription string `plist:"PayloadDescription"`
	PayloadDisplayName string `plist:"PayloadDisplayName"`
	PayloadIdentifier  string `plist:"PayloadIdentifier"`
	PayloadType        string `plist:"PayloadType"`
	PayloadUUID        string `plist:"PayloadUUID"`
	PayloadVersion     int    `plist:"PayloadVersion"`
	Precomposed        bool   `plist:"Precomposed"`
	URL                string `plist:"URL"`
}

// RenderTrustedInstallProfile строит профиль доверенной установки.
// Для appStore отказывает с KindPolicyViolation. Каждый вызов выдаёт
// новые PayloadUUID (UUIDv4 из crypto/rand) для профиля и всех payload.
func RenderTrustedInstallProfile(cfg ProfileConfig) (*Profile, error) {
	const op = "manifest.RenderTrustedInstallProfile"

	if cfg.DistributionClass == model.DistributionAppStore {
		return nil, apperr.New(apperr.KindPolicyViolation, op,
			"сборка App Store не может устанавливаться через профиль")
	}
	if !cfg.DistributionClass.Valid() {
		return nil, apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("неизвестный класс распространения %q", cfg.DistributionClass))
	}

	var payloads []interface{}

	if cfg.ProvisioningProfile != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.ProvisioningProfile)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindCorruptTrustArtifact, op, err)
		}
		payloads = append(payloads, &ProvisioningPayload{
			PayloadContent:     raw,
			PayloadDescription: "Provisioning profile for " + cfg.DisplayName,
			PayloadDisplayName: cfg.DisplayName + " provisioning profile",
			PayloadIdentifier:  cfg.BundleID + ".auto.provisioning",
			PayloadType:        payloadTypeProvisioningProfile,
			PayloadUUID:        newPayloadUUID(),
			PayloadVersion:     payloadVersion,
		})
	}

	payloads = append(payloads, &WebClipPayload{
		IsRemovable:        true,
		Label:              cfg.DisplayName,
		PayloadDescription: "Installs " + cfg.DisplayName,
		PayloadDisplayName: "Install " + cfg.DisplayName,
		PayloadIdentifier:  cfg.BundleID + ".auto.webclip",
		PayloadType:        payloadTypeManagedWebClip,
		PayloadUUID:        newPayloadUUID(),
		PayloadVersion:     payloadVersion,
		Precomposed:        true,
		URL:                InstallURL(cfg.ManifestURL),
	})

	return &Profile{
		PayloadContent: payloads,
		PayloadDescription: fmt.Sprintf("Installs %s %s (%s), %s build",
			cfg.DisplayName, cfg.Version, cfg.BuildID, cfg.DistributionClass.Label()),
		PayloadDisplayName:       cfg.DisplayName + " " + cfg.Version,
		PayloadIdentifier:        cfg.BundleID + ".auto.profile",
		PayloadOrganization:      cfg.Organization,
		PayloadRemovalDisallowed: false,
		PayloadType:              payloadTypeConfiguration,
		PayloadUUID:              newPayloadUUID(),
		PayloadVersion:           payloadVersion,
		ConsentText:              map[string]string{"default": ConsentText(cfg)},
	}, nil
}

// ConsentText формирует текст согласия: приложение, версия (сборка),
// класс распространения, bundle id и, при наличии, команда,
// минимальная версия ОС, устройства.
func ConsentText(cfg ProfileConfig) string {
	lines := []string{
		"App: " + cfg.DisplayName,
		fmt.Sprintf("Version: %s (%s)", cfg.Version, cfg.BuildID),
		"Distribution: " + cfg.DistributionClass.Label(),
		"Bundle ID: " + cfg.BundleID,
	}
	if cfg.TeamID != "" {
		lines = append(lines, "Team: "+cfg.TeamID)
	}
	if cfg.MinimumOSVersion != "" {
		lines = append(lines, "Minimum iOS: "+cfg.MinimumOSVersion)
	}
	if len(cfg.SupportedDevices) > 0 {
		lines = append(lines, "Devices: "+strings.Join(cfg.SupportedDevices, ", "))
	}
	return strings.Join(lines, "\n")
}

// Encode записывает профиль в w как XML plist.
func (p *Profile) Encode(w io.Writer) error {
	return encodeXML(w, p)
}

// ProfileFilename — имя файла профиля: "<slug>-auto-v<version>.mobileconfig".
func ProfileFilename(displayName, version string) string {
	return fmt.Sprintf("%s-auto-v%s.mobileconfig", slug(displayName, "app", false), slug(version, "0", true))
}

// newPayloadUUID — UUIDv4 в нижнем регистре (8-4-4-4-12).
func newPayloadUUID() string {
	return uuid.NewString()
}

// slug оставляет латинские буквы (в нижнем регистре) и цифры, прочие
// последовательности символов заменяются одним "-". keepDots сохраняет
// точки: для версии "1.2.3", но не для имени приложения.
func slug(s, fallback string, keepDots bool) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', keepDots && r == '.':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return fallback
	}
	return out
}
