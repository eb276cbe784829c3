package inspector

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/smallstep/pkcs7"
	"howett.net/plist"
)

// appInfo — поля тестового Info.plist.
func appInfo(bundleID, version, build string, families ...int) map[string]interface{} {
	info := map[string]interface{}{
		"CFBundleIdentifier":         bundleID,
		"CFBundleDisplayName":        "Acme",
		"CFBundleName":               "AcmeInternal",
		"CFBundleShortVersionString": version,
		"CFBundleVersion":            build,
	}
	if len(families) > 0 {
		info["UIDeviceFamily"] = families
	}
	return info
}

// profileFixture — поля тестового provisioning profile.
type profileFixture struct {
	UUID           string
	Name           string
	TeamIDs        []string
	Expires        time.Time
	Devices        []string
	AllDevices     bool
	GetTaskAllow   bool
	NoEntitlements bool
}

func (p profileFixture) plist(t *testing.T) []byte {
	t.Helper()

	m := map[string]interface{}{
		"UUID":                 p.UUID,
		"Name":                 p.Name,
		"ProvisionsAllDevices": p.AllDevices,
	}
	if len(p.TeamIDs) > 0 {
		m["TeamIdentifier"] = p.TeamIDs
	}
	if !p.Expires.IsZero() {
		m["ExpirationDate"] = p.Expires
	}
	if len(p.Devices) > 0 {
		m["ProvisionedDevices"] = p.Devices
	}
	if !p.NoEntitlements {
		m["Entitlements"] = map[string]interface{}{
			"get-task-allow":         p.GetTaskAllow,
			"application-identifier": "TEAM1.com.acme.app",
		}
	}
	return mustPlist(t, m, plist.XMLFormat)
}

func mustPlist(t *testing.T, v interface{}, format int) []byte {
	t.Helper()
	data, err := plist.MarshalIndent(v, format, "\t")
	if err != nil {
		t.Fatalf("plist.Marshal: %v", err)
	}
	return data
}

var (
	signerOnce sync.Once
	signerCert *x509.Certificate
	signerKey  *rsa.PrivateKey
	signerErr  error
)

// signProfile оборачивает plist в PKCS#7 SignedData, подписанный
// самоподписанным сертификатом.
func signProfile(t *testing.T, content []byte) []byte {
	t.Helper()

	signerOnce.Do(func() {
		signerKey, signerErr = rsa.GenerateKey(rand.Reader, 2048)
		if signerErr != nil {
			return
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "Test Distribution Signer"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
		}
		var der []byte
		der, signerErr = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &signerKey.PublicKey, signerKey)
		if signerErr != nil {
			return
		}
		signerCert, signerErr = x509.ParseCertificate(der)
	})
	if signerErr != nil {
		t.Fatalf("генерация подписанта: %v", signerErr)
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("NewSignedData: %v", err)
	}
	if err := sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	signed, err := sd.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return signed
}

// framedProfile имитирует профиль с бинарным обрамлением, которое не
// разбирается как PKCS#7: мусор до и после встроенного plist.
func framedProfile(content []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x30, 0x80, 0x06, 0x09, 0xde, 0xad, 0xbe, 0xef})
	buf.Write(content)
	buf.Write([]byte{0x00, 0x00, 0xa0, 0x82, 0x01})
	return buf.Bytes()
}

// buildArchive собирает zip-архив из записей (в лексикографическом порядке имён).
func buildArchive(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip.Create(%s): %v", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatalf("zip.Write(%s): %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip.Close: %v", err)
	}
	return buf.Bytes()
}

func openArchive(t *testing.T, data []byte) *zip.Reader {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	return zr
}

// acmeAdHocArchive — архив com.acme.app 1.2.3 (7), ad-hoc профиль на два устройства.
func acmeAdHocArchive(t *testing.T) []byte {
	t.Helper()
	profile := profileFixture{
		UUID:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		Name:    "Acme AdHoc",
		TeamIDs: []string{"TEAM1"},
		Expires: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
		Devices: []string{"AAA", "BBB"},
	}
	return buildArchive(t, map[string][]byte{
		"Payload/Acme.app/Info.plist":               mustPlist(t, appInfo("com.acme.app", "1.2.3", "7", 1, 2), plist.XMLFormat),
		"Payload/Acme.app/embedded.mobileprovision": signProfile(t, profile.plist(t)),
		"Payload/Acme.app/Acme":                     []byte("binary"),
	})
}
