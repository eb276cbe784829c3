// descriptor.go — разбор Info.plist приложения.
package inspector

import (
	"strconv"

	"github.com/klauspost/compress/zip"
	"howett.net/plist"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
)

const (
	descriptorFile = "Info.plist"

	// defaultMinimumOSVersion — если MinimumOSVersion не указан.
	defaultMinimumOSVersion = "12.0"

	DevicePhone  = "phone"
	DeviceTablet = "tablet"
)

// Descriptor — идентичность приложения из Info.plist.
type Descriptor struct {
	BundleID         string
	DisplayName      string
	ShortVersion     string
	BuildID          string
	MinimumOSVersion string
	// DeviceFamilies — классы устройств в порядке UIDeviceFamily, всегда непустой
	DeviceFamilies []string
}

// infoPlist — поля Info.plist, используемые при разборе.
type infoPlist struct {
	BundleIdentifier string        `plist:"CFBundleIdentifier"`
	DisplayName      string        `plist:"CFBundleDisplayName"`
	Name             string        `plist:"CFBundleName"`
	ShortVersion     string        `plist:"CFBundleShortVersionString"`
	Version          string        `plist:"CFBundleVersion"`
	MinimumOSVersion string        `plist:"MinimumOSVersion"`
	DeviceFamily     []interface{} `plist:"UIDeviceFamily"`
}

// ParseDescriptor находит "*.app/Info.plist" (самый неглубокий, если
// приложений несколько) и извлекает из него Descriptor.
// Info.plist может быть как XML, так и бинарным plist.
func ParseDescriptor(zr *zip.Reader) (*Descriptor, error) {
	const op = "inspector.ParseDescriptor"

	entry := findShallowest(zr, isAppDescriptor)
	if entry == nil {
		return nil, apperr.New(apperr.KindMissingDescriptor, op, "в архиве нет *.app/Info.plist")
	}

	data, err := readEntry(entry)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMissingDescriptor, op, err)
	}

	var info infoPlist
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, apperr.Wrap(apperr.KindMissingDescriptor, op, err)
	}
	if info.BundleIdentifier == "" {
		return nil, apperr.New(apperr.KindMissingDescriptor, op, entry.Name+": не задан CFBundleIdentifier")
	}

	d := &Descriptor{
		BundleID:         info.BundleIdentifier,
		DisplayName:      info.DisplayName,
		ShortVersion:     info.ShortVersion,
		BuildID:          info.Version,
		MinimumOSVersion: info.MinimumOSVersion,
		DeviceFamilies:   deviceFamilies(info.DeviceFamily),
	}
	if d.DisplayName == "" {
		d.DisplayName = info.Name
	}
	if d.MinimumOSVersion == "" {
		d.MinimumOSVersion = defaultMinimumOSVersion
	}
	return d, nil
}

// deviceFamilies маппит коды UIDeviceFamily в классы устройств:
// 1 → phone, 2 → tablet. Прочие коды игнорируются, дубликаты схлопываются.
// Пустой результат заменяется на [phone].
func deviceFamilies(codes []interface{}) []string {
	var out []string
	seen := make(map[string]bool, 2)
	for _, raw := range codes {
		var name string
		switch familyCode(raw) {
		case 1:
			name = DevicePhone
		case 2:
			name = DeviceTablet
		default:
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return []string{DevicePhone}
	}
	return out
}

// familyCode приводит элемент UIDeviceFamily к числу. В реальных
// Info.plist встречаются как <integer>, так и <string>.
func familyCode(v interface{}) int64 {
	switch c := v.(type) {
	case uint64:
		return int64(c) //nolint:gosec // коды семейств малы
	case int64:
		return c
	case string:
		n, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
