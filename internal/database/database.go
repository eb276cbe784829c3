// Пакет database — подключение к PostgreSQL через pgxpool,
// применение миграций (golang-migrate) и проверка готовности.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/distribution-module/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Параметры пула, не вынесенные в конфигурацию.
const (
	applicationName = "distribution-module"
	// poolHeadroom — подключения сверх параллельных разборов: выдача
	// токенов и install-эндпоинты, а также ping readiness.
	poolHeadroom      = 2
	minConns          = 1
	maxConnIdleTime   = 5 * time.Minute
	healthCheckPeriod = 30 * time.Second
)

// Connect открывает пул к PostgreSQL и проверяет его ping'ом.
// Размер пула согласован с InspectConcurrency: каждая из параллельных
// загрузок завершается транзакцией, и она не должна ждать подключения,
// пока install-трафик занимает пул.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("разбор DSN: %w", err)
	}
	configurePool(poolCfg, cfg)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("создание пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL %s:%d недоступен: %w", cfg.DBHost, cfg.DBPort, err)
	}

	logger.Info("Пул PostgreSQL готов",
		slog.String("host", cfg.DBHost),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
		slog.Int("inspect_concurrency", cfg.InspectConcurrency),
	)

	return pool, nil
}

// configurePool выставляет размер и таймауты пула.
func configurePool(poolCfg *pgxpool.Config, cfg *config.Config) {
	poolCfg.MaxConns = maxConns(cfg)
	poolCfg.MinConns = minConns
	poolCfg.MaxConnIdleTime = maxConnIdleTime
	poolCfg.HealthCheckPeriod = healthCheckPeriod
	// Сессии сервиса различимы в pg_stat_activity.
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
}

// maxConns — DBMaxConns, но не меньше InspectConcurrency + poolHeadroom.
func maxConns(cfg *config.Config) int32 {
	n := cfg.DBMaxConns
	if floor := cfg.InspectConcurrency + poolHeadroom; n < floor {
		n = floor
	}
	return int32(n)
}

// Migrate доводит схему (artifacts, distribution_metadata, download_tokens)
// до последней встроенной миграции. Повторный вызов ничего не меняет.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("источник миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, cfg.MigrationURL())
	if err != nil {
		return fmt.Errorf("инициализация миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("применение миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Схема БД актуальна",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// ReadinessChecker — проверка готовности PostgreSQL для /health/ready.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady пингует PostgreSQL; в сообщении — занятость пула.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	stat := c.pool.Stat()
	return "ok", fmt.Sprintf("занято подключений: %d из %d", stat.AcquiredConns(), stat.MaxConns())
}
