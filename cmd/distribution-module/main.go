// Точка входа Distribution Module — раздача мобильных сборок и OTA-установка.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL и
// объектному хранилищу, создаёт сервисный слой и API handlers, запускает
// topologymetrics и HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/distribution-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/distribution-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/distribution-module/internal/config"
	"github.com/bigkaa/goartstore/distribution-module/internal/database"
	"github.com/bigkaa/goartstore/distribution-module/internal/inspector"
	"github.com/bigkaa/goartstore/distribution-module/internal/objectstore"
	"github.com/bigkaa/goartstore/distribution-module/internal/repository"
	"github.com/bigkaa/goartstore/distribution-module/internal/server"
	"github.com/bigkaa/goartstore/distribution-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Distribution Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		logger.Warn("DM_PUBLIC_BASE_URL не HTTPS, устройства iOS отклонят OTA-установку",
			slog.String("public_base_url", cfg.PublicBaseURL),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Объектное хранилище
	store, err := objectstore.New(objectstore.Options{
		Endpoint:   cfg.S3Endpoint,
		Bucket:     cfg.S3Bucket,
		AccessKey:  cfg.S3AccessKey,
		SecretKey:  cfg.S3SecretKey,
		Region:     cfg.S3Region,
		UseSSL:     cfg.S3UseSSL,
		CACertPath: cfg.S3CACertPath,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания S3-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("S3-клиент создан",
		slog.String("endpoint", cfg.S3Endpoint),
		slog.String("bucket", cfg.S3Bucket),
	)

	// 6. Repositories
	repos := repository.New(pool)
	txRunner := repository.NewTxRunner(pool)

	// 7. Services
	ins := inspector.New(cfg.TempDir, cfg.MaxUploadSize, cfg.InspectConcurrency, logger)
	cache := service.NewMetadataCache(cfg.CacheMaxSize, cfg.CacheTTL)

	artifactSvc := service.NewArtifactService(repos.Artifacts, txRunner, store, ins, cache, logger)
	tokenSvc := service.NewTokenService(repos.Tokens, repos.Artifacts, cfg.TokenTTL, logger)
	installSvc := service.NewInstallService(tokenSvc, artifactSvc, store, service.InstallConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		Organization:  cfg.OrganizationName,
		SignedURLTTL:  cfg.SignedURLTTL,
	}, logger)

	// 8. Readiness checkers (PostgreSQL + JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWTCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWTJWKSURL,
		CACertPath:      cfg.JWTCACertPath,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Issuer:          cfg.JWTIssuer,
		JWTLeeway:       cfg.JWTLeeway,
		AdminGroups:     cfg.RoleAdminGroups,
		UploaderGroups:  cfg.RoleUploaderGroups,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 10. topologymetrics — мониторинг зависимостей (PostgreSQL + S3)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:      dephealthName(),
		Group:          cfg.DephealthGroup,
		DB:             pgDB,
		PGConnURL:      cfg.DatabaseURL(),
		ObjectStoreURL: cfg.S3URL(),
		CheckInterval:  cfg.DephealthCheckInterval,
		IsEntry:        cfg.DephealthIsEntry,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 11. HTTP-сервер
	srv := server.New(cfg, logger, server.Handlers{
		Health:    handlers.NewHealthHandler(pgChecker, jwksChecker),
		Artifacts: handlers.NewArtifactsHandler(artifactSvc, tokenSvc, installSvc, cfg.MaxUploadSize, logger),
		Install:   handlers.NewInstallHandler(installSvc, logger),
	}, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Distribution Module остановлен")
}
