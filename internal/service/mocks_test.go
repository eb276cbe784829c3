package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"howett.net/plist"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/apperr"
	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
	"github.com/bigkaa/goartstore/distribution-module/internal/repository"
)

// errConnRefused — типичный сбой соединения с PostgreSQL.
var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock ArtifactRepository (in-memory) ---

type mockArtifactRepo struct {
	mu        sync.Mutex
	artifacts map[string]*model.BinaryArtifact
	metadata  map[string]*model.DistributionMetadata

	getMetadataCalls int

	// createFn, если задан, подменяет Create
	createFn func(a *model.BinaryArtifact) error
	// getErr, если задан, возвращается из GetByID
	getErr error
}

func newMockArtifactRepo() *mockArtifactRepo {
	return &mockArtifactRepo{
		artifacts: make(map[string]*model.BinaryArtifact),
		metadata:  make(map[string]*model.DistributionMetadata),
	}
}

func (m *mockArtifactRepo) Create(_ context.Context, a *model.BinaryArtifact) error {
	if m.createFn != nil {
		return m.createFn(a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.ID]; ok {
		return repository.ErrConflict
	}
	cp := *a
	cp.Metadata = nil
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *mockArtifactRepo) GetByID(_ context.Context, id string) (*model.BinaryArtifact, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockArtifactRepo) List(_ context.Context, applicationID string, limit, offset int) ([]*model.BinaryArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.BinaryArtifact
	for _, a := range m.artifacts {
		if a.ApplicationID == applicationID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockArtifactRepo) GetMetadata(_ context.Context, artifactID string) (*model.DistributionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getMetadataCalls++
	meta, ok := m.metadata[artifactID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return meta, nil
}

func (m *mockArtifactRepo) UpsertMetadata(_ context.Context, artifactID string, meta *model.DistributionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[artifactID]; !ok {
		return repository.ErrNotFound
	}
	m.metadata[artifactID] = meta
	return nil
}

func (m *mockArtifactRepo) IncrementDownloads(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.DownloadCount++
	return nil
}

func (m *mockArtifactRepo) put(a *model.BinaryArtifact, meta *model.DistributionMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.ID] = a
	if meta != nil {
		m.metadata[a.ID] = meta
	}
}

func (m *mockArtifactRepo) downloads(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.artifacts[id].DownloadCount
}

// --- Mock TokenRepository (in-memory) ---

type mockTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*model.DownloadToken

	touchErr error
	getErr   error
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{tokens: make(map[string]*model.DownloadToken)}
}

func (m *mockTokenRepo) Insert(_ context.Context, t *model.DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.Value]; ok {
		return repository.ErrConflict
	}
	cp := *t
	m.tokens[t.Value] = &cp
	return nil
}

func (m *mockTokenRepo) Get(_ context.Context, value string) (*model.DownloadToken, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTokenRepo) Touch(_ context.Context, value string, at time.Time) error {
	if m.touchErr != nil {
		return m.touchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return repository.ErrNotFound
	}
	t.LastAccessedAt = &at
	return nil
}

// --- Mock TxRunner ---

// mockTxRunner выполняет fn над теми же in-memory репозиториями.
// Откат не моделируется: fn в тестах либо целиком успешна, либо
// падает до первой записи.
type mockTxRunner struct {
	repos repository.Repositories
	err   error
}

func (m *mockTxRunner) RunInTx(_ context.Context, fn func(repos repository.Repositories) error) error {
	if m.err != nil {
		return m.err
	}
	return fn(m.repos)
}

// --- Mock Gateway (in-memory) ---

type mockGateway struct {
	mu      sync.Mutex
	objects map[string][]byte

	putErr  error
	signErr error
}

func newMockGateway() *mockGateway {
	return &mockGateway{objects: make(map[string][]byte)}
}

func (g *mockGateway) SignURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if g.signErr != nil {
		return "", g.signErr
	}
	return "https://s3.test/bucket/" + key + "?X-Amz-Expires=" + ttl.String(), nil
}

func (g *mockGateway) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	if g.putErr != nil {
		return g.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("размер не совпадает")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[key] = data
	return nil
}

func (g *mockGateway) Get(_ context.Context, key string) (io.ReadCloser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.objects[key]
	if !ok {
		return nil, apperr.New(apperr.KindUpstreamFetchFailure, "mockGateway.Get", "нет объекта "+key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (g *mockGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.objects)
}

// --- Фикстуры архивов ---

// ipaFixture собирает .ipa с Info.plist и (опционально) provisioning
// profile в бинарном обрамлении.
func ipaFixture(t *testing.T, bundleID, version, build string, profile map[string]interface{}) []byte {
	t.Helper()

	info, err := plist.Marshal(map[string]interface{}{
		"CFBundleIdentifier":         bundleID,
		"CFBundleDisplayName":        "Acme",
		"CFBundleShortVersionString": version,
		"CFBundleVersion":            build,
		"UIDeviceFamily":             []int{1},
	}, plist.XMLFormat)
	if err != nil {
		t.Fatalf("plist.Marshal: %v", err)
	}

	entries := map[string][]byte{"Payload/Acme.app/Info.plist": info}
	if profile != nil {
		body, err := plist.Marshal(profile, plist.XMLFormat)
		if err != nil {
			t.Fatalf("plist.Marshal: %v", err)
		}
		framed := append([]byte{0x30, 0x80, 0xff, 0xfe}, body...)
		framed = append(framed, 0x00, 0x00)
		entries["Payload/Acme.app/embedded.mobileprovision"] = framed
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"Payload/Acme.app/Info.plist", "Payload/Acme.app/embedded.mobileprovision"} {
		data, ok := entries[name]
		if !ok {
			continue
		}
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip.Create: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip.Write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip.Close: %v", err)
	}
	return buf.Bytes()
}

// adHocProfile — профиль на два устройства без get-task-allow.
func adHocProfile() map[string]interface{} {
	return map[string]interface{}{
		"UUID":                 "0f8fad5b-d9cb-469f-a165-70867728950e",
		"Name":                 "Acme AdHoc",
		"TeamIdentifier":       []string{"TEAM1"},
		"ProvisionedDevices":   []string{"AAA", "BBB"},
		"ProvisionsAllDevices": false,
		"Entitlements":         map[string]interface{}{"get-task-allow": false},
	}
}
