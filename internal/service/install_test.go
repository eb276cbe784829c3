package service

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
)

type installFixture struct {
	*artifactFixture
	tokenSvc *TokenService
	svc      *InstallService
	clock    time.Time
}

func newInstallFixture(t *testing.T) *installFixture {
	t.Helper()
	f := &installFixture{artifactFixture: newArtifactFixture(t), clock: fixedNow}
	f.tokenSvc = NewTokenService(f.tokens, f.artifacts, time.Hour, testLogger())
	f.tokenSvc.now = func() time.Time { return f.clock }
	f.svc = NewInstallService(f.tokenSvc, f.artifactFixture.svc, f.store, InstallConfig{
		PublicBaseURL: "https://dist.example.com",
		Organization:  "Artstore",
		SignedURLTTL:  15 * time.Minute,
	}, testLogger())
	return f
}

// upload загружает iOS-бинарник и выпускает на него токен.
func (f *installFixture) upload(t *testing.T, profile map[string]interface{}) (*model.BinaryArtifact, string) {
	t.Helper()
	ctx := context.Background()
	a, err := f.artifactFixture.svc.Upload(ctx, UploadParams{
		ApplicationID:    "app-1",
		Platform:         model.PlatformIOS,
		OriginalFilename: "Acme.ipa",
		UploadedBy:       "user-1",
		Body:             bytes.NewReader(ipaFixture(t, "com.acme.app", "1.2.3", "7", profile)),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	tok, err := f.tokenSvc.Issue(ctx, a.ID, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return a, tok.Value
}

func TestInstallService_Links(t *testing.T) {
	f := newInstallFixture(t)

	links := f.svc.Links("tok-1")
	if links.ManifestURL != "https://dist.example.com/install/tok-1/manifest.plist" {
		t.Errorf("ManifestURL = %q", links.ManifestURL)
	}
	if links.BinaryURL != "https://dist.example.com/install/tok-1/binary" {
		t.Errorf("BinaryURL = %q", links.BinaryURL)
	}
	if links.ProfileURL != "https://dist.example.com/install/tok-1/profile.mobileconfig" {
		t.Errorf("ProfileURL = %q", links.ProfileURL)
	}
	want := "itms-services://?action=download-manifest&url=" + url.QueryEscape(links.ManifestURL)
	if links.InstallURL != want {
		t.Errorf("InstallURL = %q, ожидался %q", links.InstallURL, want)
	}
}

func TestInstallService_Manifest(t *testing.T) {
	f := newInstallFixture(t)
	a, token := f.upload(t, adHocProfile())

	doc, err := f.svc.Manifest(context.Background(), token)
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}

	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out map[string]interface{}
	if _, err := plist.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	item := out["items"].([]interface{})[0].(map[string]interface{})
	meta := item["metadata"].(map[string]interface{})
	if meta["bundle-identifier"] != "com.acme.app" || meta["bundle-version"] != "1.2.3" {
		t.Errorf("metadata = %v", meta)
	}
	asset := item["assets"].([]interface{})[0].(map[string]interface{})
	if u, _ := asset["url"].(string); !strings.Contains(u, a.StorageKey) {
		t.Errorf("asset url = %q, ожидалась ссылка на %s", u, a.StorageKey)
	}

	if got := f.artifacts.downloads(a.ID); got != 1 {
		t.Errorf("DownloadCount = %d, ожидался 1", got)
	}
}

func TestInstallService_Manifest_Expired(t *testing.T) {
	f := newInstallFixture(t)
	a, token := f.upload(t, adHocProfile())
	f.clock = fixedNow.Add(2 * time.Minute)

	if _, err := f.svc.Manifest(context.Background(), token); !errors.Is(err, apperr.TokenExpired) {
		t.Errorf("ошибка = %v, ожидался TokenExpired", err)
	}
	if got := f.artifacts.downloads(a.ID); got != 0 {
		t.Errorf("DownloadCount = %d, ожидался 0", got)
	}
}

func TestInstallService_Manifest_SignFailure(t *testing.T) {
	f := newInstallFixture(t)
	a, token := f.upload(t, adHocProfile())
	f.store.signErr = apperr.New(apperr.KindStorageUnavailable, "mockGateway.SignURL", "недоступно")

	if _, err := f.svc.Manifest(context.Background(), token); !errors.Is(err, apperr.StorageUnavailable) {
		t.Errorf("ошибка = %v, ожидался StorageUnavailable", err)
	}
	if got := f.artifacts.downloads(a.ID); got != 0 {
		t.Errorf("DownloadCount = %d, неуспешная выдача не должна учитываться", got)
	}
}

func TestInstallService_Profile(t *testing.T) {
	f := newInstallFixture(t)
	a, token := f.upload(t, adHocProfile())

	p, filename, err := f.svc.Profile(context.Background(), token)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if filename != "acme-auto-v1.2.3.mobileconfig" {
		t.Errorf("filename = %q", filename)
	}
	if p.PayloadIdentifier != "com.acme.app.auto.profile" || len(p.PayloadContent) != 2 {
		t.Errorf("профиль = %+v", p)
	}
	if got := f.artifacts.downloads(a.ID); got != 0 {
		t.Errorf("DownloadCount = %d, выдача профиля не учитывается", got)
	}
}

func TestInstallService_Profile_AppStoreRefused(t *testing.T) {
	f := newInstallFixture(t)
	_, token := f.upload(t, nil)

	_, _, err := f.svc.Profile(context.Background(), token)
	if !errors.Is(err, apperr.PolicyViolation) {
		t.Errorf("ошибка = %v, ожидался PolicyViolation", err)
	}
}

func TestInstallService_NonIOS(t *testing.T) {
	f := newInstallFixture(t)
	ctx := context.Background()
	f.artifacts.put(&model.BinaryArtifact{
		ID: "apk-1", Platform: model.PlatformAndroid, StorageKey: "artifacts/apk-1/acme.apk",
	}, nil)
	tok, err := f.tokenSvc.Issue(ctx, "apk-1", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := f.svc.Manifest(ctx, tok.Value); !errors.Is(err, apperr.PolicyViolation) {
		t.Errorf("Manifest: ошибка = %v, ожидался PolicyViolation", err)
	}
	if _, _, err := f.svc.Profile(ctx, tok.Value); !errors.Is(err, apperr.PolicyViolation) {
		t.Errorf("Profile: ошибка = %v, ожидался PolicyViolation", err)
	}

	// прямая ссылка на бинарник доступна для любой платформы
	u, err := f.svc.BinaryURL(ctx, tok.Value)
	if err != nil {
		t.Fatalf("BinaryURL: %v", err)
	}
	if !strings.Contains(u, "artifacts/apk-1/acme.apk") {
		t.Errorf("BinaryURL = %q", u)
	}
	if got := f.artifacts.downloads("apk-1"); got != 1 {
		t.Errorf("DownloadCount = %d, ожидался 1", got)
	}
}

func TestInstallService_MissingMetadata(t *testing.T) {
	f := newInstallFixture(t)
	ctx := context.Background()
	f.artifacts.put(&model.BinaryArtifact{ID: "ipa-1", Platform: model.PlatformIOS}, nil)
	tok, err := f.tokenSvc.Issue(ctx, "ipa-1", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := f.svc.Manifest(ctx, tok.Value); !errors.Is(err, apperr.MissingDescriptor) {
		t.Errorf("ошибка = %v, ожидался MissingDescriptor", err)
	}
}

func TestInstallService_UnknownToken(t *testing.T) {
	f := newInstallFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Manifest(ctx, "nope"); !errors.Is(err, apperr.TokenNotFound) {
		t.Errorf("Manifest: ошибка = %v", err)
	}
	if _, err := f.svc.BinaryURL(ctx, "nope"); !errors.Is(err, apperr.TokenNotFound) {
		t.Errorf("BinaryURL: ошибка = %v", err)
	}
	if _, _, err := f.svc.Profile(ctx, "nope"); !errors.Is(err, apperr.TokenNotFound) {
		t.Errorf("Profile: ошибка = %v", err)
	}
}
