// Пакет manifest — генерация документов OTA-установки:
// OTA-манифест (manifest.plist) и профиль доверенной установки (.mobileconfig).
// Функции рендеринга чистые: без I/O и без обращения к хранилищу.
package manifest

import (
	"fmt"
	"io"
	"net/url"

	"howett.net/plist"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
)

const (
	// PlatformIdentifier — platform-identifier для iOS/iPadOS.
	PlatformIdentifier = "com.apple.platform.iphoneos"

	// ManifestContentType — Content-Type OTA-манифеста.
	ManifestContentType = "application/x-plist"
	// ManifestFilename — имя файла манифеста в Content-Disposition.
	ManifestFilename = "manifest.plist"

	assetKindSoftwarePackage = "software-package"
	itemKindSoftware         = "software"

	installScheme = "itms-services://?action=download-manifest&url="
)

// OTAManifest — документ, который устройство загружает по itms-services.
type OTAManifest struct {
	Items []ManifestItem `plist:"items"`
}

// ManifestItem — единственный элемент манифеста.
type ManifestItem struct {
	Assets   []ManifestAsset   `plist:"assets"`
	Metadata *ManifestMetadata `plist:"metadata"`
}

// ManifestAsset — ссылка на бинарник.
type ManifestAsset struct {
	Kind string `plist:"kind"`
	URL  string `plist:"url"`
}

// ManifestMetadata — идентичность устанавливаемого приложения.
type ManifestMetadata struct {
	BundleIdentifier   string `plist:"bundle-identifier"`
	BundleVersion      string `plist:"bundle-version"`
	Kind               string `plist:"kind"`
	PlatformIdentifier string `plist:"platform-identifier"`
	Title              string `plist:"title"`
	MinimumOSVersion   string `plist:"minimum-os-version,omitempty"`
}

// RenderOTAManifest строит OTA-манифест: один asset (software-package со
// ссылкой signedURL) и один блок metadata.
func RenderOTAManifest(m *model.DistributionMetadata, signedURL string) *OTAManifest {
	return &OTAManifest{
		Items: []ManifestItem{{
			Assets: []ManifestAsset{{
				Kind: assetKindSoftwarePackage,
				URL:  signedURL,
			}},
			Metadata: &ManifestMetadata{
				BundleIdentifier:   m.BundleID,
				BundleVersion:      m.ShortVersion,
				Kind:               itemKindSoftware,
				PlatformIdentifier: PlatformIdentifier,
				Title:              m.DisplayName,
				MinimumOSVersion:   m.MinimumOSVersion,
			},
		}},
	}
}

// Encode записывает манифест в w как XML plist.
func (o *OTAManifest) Encode(w io.Writer) error {
	return encodeXML(w, o)
}

// InstallURL возвращает itms-services ссылку установки по URL манифеста.
// URL манифеста передаётся percent-encoded в параметре url.
func InstallURL(manifestURL string) string {
	return installScheme + url.QueryEscape(manifestURL)
}

func encodeXML(w io.Writer, v interface{}) error {
	enc := plist.NewEncoderForFormat(w, plist.XMLFormat)
	enc.Indent("\t")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("ошибка кодирования plist: %w", err)
	}
	return nil
}
