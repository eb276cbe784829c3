// metrics.go — Prometheus HTTP метрики Distribution Module:
// dm_http_requests_total, dm_http_request_duration_seconds.
// Бизнес-метрики регистрируются в пакетах inspector и service.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Distribution Module",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Distribution Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

const (
	artifactsPrefix = "/api/v1/artifacts/"
	installPrefix   = "/install/"
)

// normalizePath заменяет идентификаторы в пути на шаблоны: ограничивает
// кардинальность метрик и не даёт download-токенам попасть в логи.
// /install/<token>/manifest.plist → /install/{token}/manifest.plist
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, installPrefix):
		rest := path[len(installPrefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return installPrefix + "{token}" + rest[i:]
		}
		return installPrefix + "{token}"

	case strings.HasPrefix(path, artifactsPrefix):
		rest := path[len(artifactsPrefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return artifactsPrefix + "{id}" + rest[i:]
		}
		return artifactsPrefix + "{id}"
	}
	return path
}
