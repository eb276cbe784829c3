// trust.go — извлечение embedded.mobileprovision.
// Файл профиля — не plist, а PKCS#7 SignedData, внутри которого лежит
// XML plist. Полезная нагрузка извлекается упорядоченным набором стратегий.
package inspector

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/smallstep/pkcs7"
	"howett.net/plist"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
)

const trustArtifactFile = "embedded.mobileprovision"

// Strategy — способ, которым из профиля извлечён plist.
type Strategy string

const (
	// StrategyStructuredContainer — разбор PKCS#7 SignedData, plist из eContent.
	StrategyStructuredContainer Strategy = "structuredContainerParse"
	// StrategyMarkerSubstring — подстрока от первого "<?xml" до первого
	// последующего "</plist>" включительно.
	StrategyMarkerSubstring Strategy = "rawMarkerSubstringFallback"
)

var (
	xmlStartMarker = []byte("<?xml")
	plistEndMarker = []byte("</plist>")
)

// TrustArtifact — разобранный provisioning profile.
type TrustArtifact struct {
	UUID   string
	Name   string
	TeamID string
	// ExpiresAt — ExpirationDate профиля (nil, если не указан)
	ExpiresAt            *time.Time
	ProvisionedDevices   []string
	ProvisionsAllDevices bool
	// AllowDebugAttach — Entitlements["get-task-allow"]
	AllowDebugAttach bool
	// Raw — исходные байты файла профиля без изменений
	Raw []byte
	// Strategy — чем извлечён plist
	Strategy Strategy
}

// Base64 возвращает исходные байты профиля в base64 (для PayloadContent).
func (t *TrustArtifact) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Raw)
}

// provisioningPlist — поля plist профиля, используемые при разборе.
type provisioningPlist struct {
	UUID                 string                 `plist:"UUID"`
	Name                 string                 `plist:"Name"`
	TeamIdentifier       []string               `plist:"TeamIdentifier"`
	ExpirationDate       time.Time              `plist:"ExpirationDate"`
	ProvisionedDevices   []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices bool                   `plist:"ProvisionsAllDevices"`
	Entitlements         map[string]interface{} `plist:"Entitlements"`
}

// payloadExtractor достаёт из сырых байт профиля кандидата на plist.
type payloadExtractor struct {
	strategy Strategy
	extract  func(raw []byte) ([]byte, error)
}

// extractors — порядок важен: сначала полноценный разбор контейнера,
// затем поиск маркеров (совместимость с фикстурами без подписи).
var extractors = []payloadExtractor{
	{strategy: StrategyStructuredContainer, extract: signedContent},
	{strategy: StrategyMarkerSubstring, extract: markerSubstring},
}

// ExtractTrustArtifact находит embedded.mobileprovision (самый неглубокий).
// Отсутствие профиля — не ошибка: возвращается nil (сборка App Store).
func ExtractTrustArtifact(zr *zip.Reader) (*TrustArtifact, error) {
	const op = "inspector.ExtractTrustArtifact"

	entry := findShallowest(zr, isTrustArtifact)
	if entry == nil {
		return nil, nil
	}

	raw, err := readEntry(entry)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruptTrustArtifact, op, err)
	}

	artifact, err := ParseTrustArtifact(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruptTrustArtifact, op, err)
	}
	return artifact, nil
}

// ParseTrustArtifact разбирает байты provisioning profile. Стратегии
// пробуются по порядку; побеждает первая, давшая разбираемый plist.
func ParseTrustArtifact(raw []byte) (*TrustArtifact, error) {
	var errs []error
	for _, ex := range extractors {
		payload, err := ex.extract(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ex.strategy, err))
			continue
		}

		var p provisioningPlist
		if _, err := plist.Unmarshal(payload, &p); err != nil {
			errs = append(errs, fmt.Errorf("%s: разбор plist: %w", ex.strategy, err))
			continue
		}

		return buildTrustArtifact(&p, raw, ex.strategy), nil
	}
	return nil, errors.Join(errs...)
}

func buildTrustArtifact(p *provisioningPlist, raw []byte, strategy Strategy) *TrustArtifact {
	t := &TrustArtifact{
		UUID:                 p.UUID,
		Name:                 p.Name,
		ProvisionedDevices:   p.ProvisionedDevices,
		ProvisionsAllDevices: p.ProvisionsAllDevices,
		Raw:                  raw,
		Strategy:             strategy,
	}
	if len(p.TeamIdentifier) > 0 {
		t.TeamID = p.TeamIdentifier[0]
	}
	if !p.ExpirationDate.IsZero() {
		exp := p.ExpirationDate.UTC()
		t.ExpiresAt = &exp
	}
	if allow, ok := p.Entitlements["get-task-allow"].(bool); ok {
		t.AllowDebugAttach = allow
	}
	return t
}

// signedContent разбирает PKCS#7 SignedData и возвращает вложенный контент.
// Подпись не проверяется. Разбор ASN.1 недоверенных данных изолирован recover.
func signedContent(raw []byte) (content []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			content, err = nil, fmt.Errorf("разбор PKCS#7: %v", r)
		}
	}()

	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("разбор PKCS#7: %w", err)
	}
	if len(p7.Content) == 0 {
		return nil, errors.New("PKCS#7 без вложенного контента")
	}
	return p7.Content, nil
}

// markerSubstring вырезает встроенный XML plist по маркерам.
func markerSubstring(raw []byte) ([]byte, error) {
	start := bytes.Index(raw, xmlStartMarker)
	if start < 0 {
		return nil, errors.New("не найден маркер <?xml")
	}
	end := bytes.Index(raw[start:], plistEndMarker)
	if end < 0 {
		return nil, errors.New("не найден маркер </plist>")
	}
	return raw[start : start+end+len(plistEndMarker)], nil
}
