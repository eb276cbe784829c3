package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // драйвер "pgx" для database/sql
	"github.com/prometheus/client_golang/prometheus"
)

// Адрес, на котором PostgreSQL заведомо не слушает: sql.Open соединение
// не устанавливает, проверка postgresql просто будет неуспешной.
const unreachablePG = "postgres://dm@127.0.0.1:1/dm?sslmode=disable"

func newObjectStoreMock(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != objectStoreHealthPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDephealth(t *testing.T, serviceID, objectStoreURL string, interval time.Duration) *DephealthService {
	t.Helper()

	db, err := sql.Open("pgx", unreachablePG)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ds, err := NewDephealthServiceWithRegisterer(DephealthConfig{
		ServiceID:      serviceID,
		Group:          "distribution-module",
		DB:             db,
		PGConnURL:      unreachablePG,
		ObjectStoreURL: objectStoreURL,
		CheckInterval:  interval,
	}, logger, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	return ds
}

func TestNewDephealthService(t *testing.T) {
	srv := newObjectStoreMock(t, http.StatusOK)

	ds := newTestDephealth(t, "test-dm-01", srv.URL, 5*time.Second)
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	srv := newObjectStoreMock(t, http.StatusOK)
	ds := newTestDephealth(t, "test-dm-02", srv.URL, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start не должен блокировать
	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	time.Sleep(3 * time.Second)

	health := ds.Health()
	if health == nil {
		t.Fatal("Health() вернул nil")
	}

	var storageOK, pgFound bool
	for key, val := range health {
		switch {
		case strings.HasPrefix(key, "object-storage:"):
			storageOK = val
		case strings.HasPrefix(key, "postgresql:"):
			pgFound = true
			if val {
				t.Errorf("postgresql health = true для недоступного адреса")
			}
		}
	}
	if !storageOK {
		t.Errorf("object-storage не здоров, keys=%v", healthKeys(health))
	}
	if !pgFound {
		t.Errorf("нет записи postgresql в Health(), keys=%v", healthKeys(health))
	}

	ds.Stop()
}

func TestDephealthService_UnhealthyObjectStore(t *testing.T) {
	srv := newObjectStoreMock(t, http.StatusServiceUnavailable)
	ds := newTestDephealth(t, "test-dm-03", srv.URL, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}
	defer ds.Stop()

	time.Sleep(3 * time.Second)

	for key, val := range ds.Health() {
		if strings.HasPrefix(key, "object-storage:") && val {
			t.Errorf("object-storage health = true для ключа %q при ответе 503", key)
		}
	}
}

func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
