// Пакет service — бизнес-логика Distribution Module.
// MetadataCache — LRU-кэш DistributionMetadata с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/distribution-module/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dm_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dm_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных.",
	})
)

// MetadataCache — per-instance кэш метаданных артефактов по artifact_id.
// Метаданные неизменны между разборами, поэтому инвалидация нужна
// только при повторном разборе.
type MetadataCache struct {
	cache *expirable.LRU[string, *model.DistributionMetadata]
}

// NewMetadataCache создаёт LRU-кэш с максимальным размером и TTL записи.
func NewMetadataCache(maxSize int, ttl time.Duration) *MetadataCache {
	return &MetadataCache{
		cache: expirable.NewLRU[string, *model.DistributionMetadata](maxSize, nil, ttl),
	}
}

// Get возвращает метаданные из кэша. Обновляет метрики hit/miss.
func (c *MetadataCache) Get(artifactID string) (*model.DistributionMetadata, bool) {
	val, ok := c.cache.Get(artifactID)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись.
func (c *MetadataCache) Set(artifactID string, m *model.DistributionMetadata) {
	c.cache.Add(artifactID, m)
}

// Len возвращает количество записей в кэше.
func (c *MetadataCache) Len() int {
	return c.cache.Len()
}
