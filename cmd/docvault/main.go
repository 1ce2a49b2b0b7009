// Точка входа DocVault — хранилище документов сотрудников.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// выбирает blob-бэкенд (local или MinIO), создаёт сервисный слой и API handlers,
// запускает фоновые задачи (health-сканирование, topologymetrics),
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/bigkaa/docvault/internal/api/handlers"
	"github.com/bigkaa/docvault/internal/api/middleware"
	"github.com/bigkaa/docvault/internal/config"
	"github.com/bigkaa/docvault/internal/database"
	"github.com/bigkaa/docvault/internal/repository"
	"github.com/bigkaa/docvault/internal/server"
	"github.com/bigkaa/docvault/internal/service"
	"github.com/bigkaa/docvault/internal/storage/blob"
)

func main() {
	// 0. Локальный .env (для разработки); в кластере переменные задаются окружением
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Не удалось прочитать .env", slog.String("error", err.Error()))
	}

	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("DocVault запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("blob_backend", cfg.BlobBackend),
	)

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

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Blob-бэкенд
	var (
		backend  blob.Backend
		minioURL string
	)
	switch cfg.BlobBackend {
	case config.BlobBackendMinio:
		mb, err := blob.NewMinioBackend(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			logger.Error("Ошибка подключения к MinIO", slog.String("error", err.Error()))
			os.Exit(1)
		}
		backend = mb
		scheme := "http"
		if cfg.MinioUseSSL {
			scheme = "https"
		}
		minioURL = scheme + "://" + cfg.MinioEndpoint
		logger.Info("Blob-бэкенд MinIO",
			slog.String("endpoint", cfg.MinioEndpoint),
			slog.String("bucket", cfg.MinioBucket),
		)
	default:
		lb, err := blob.NewLocalBackend(cfg.DataDir)
		if err != nil {
			logger.Error("Ошибка инициализации локального хранилища", slog.String("error", err.Error()))
			os.Exit(1)
		}
		backend = lb
		logger.Info("Blob-бэкенд local", slog.String("data_dir", cfg.DataDir))
	}

	// 6. Repositories
	employeeRepo := repository.NewEmployeeRepository(pool)
	fileRepo := repository.NewFileRecordRepository(pool)

	// 7. Services
	locks := service.NewLocks()
	clock := service.SystemClock{}

	containerSvc := service.NewContainerService(employeeRepo, fileRepo, backend, locks, clock, logger)
	fileSvc := service.NewFileStoreService(
		employeeRepo, fileRepo, containerSvc, backend, locks, clock,
		service.FileStoreConfig{
			MaxFileSize:       cfg.MaxFileSize,
			AllowedMIMETypes:  cfg.AllowedMIMETypes,
			AllowedExtensions: cfg.AllowedExtensions,
		},
		logger,
	)
	healthSvc := service.NewHealthService(
		employeeRepo, fileRepo, containerSvc, backend, locks, clock,
		service.HealthConfig{
			CountTolerance:  cfg.HealthCountTolerance,
			VerifyChecksums: cfg.HealthVerifyChecksums,
			Interval:        cfg.HealthScanInterval,
			BatchSize:       cfg.BulkBatchSize,
		},
		logger,
	)
	bulkSvc := service.NewBulkService(employeeRepo, containerSvc, backend, locks, clock, cfg.BulkBatchSize, logger)
	accessSvc := service.NewAccessService(
		fileSvc,
		service.NewLRUTokenStore(cfg.TokenCacheSize, cfg.TokenMaxTTL),
		clock,
		service.AccessConfig{
			DefaultTTL:    cfg.TokenDefaultTTL,
			MaxTTL:        cfg.TokenMaxTTL,
			PublicBaseURL: cfg.PublicBaseURL,
		},
		logger,
	)

	// 8. Readiness checkers (PostgreSQL + blob-бэкенд)
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		blob.NewReadinessChecker(backend),
	)

	// 9. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		containerSvc,
		fileSvc,
		healthSvc,
		bulkSvc,
		accessSvc,
		cfg.MaxFileSize,
		logger,
	)

	// 10. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWKSUrl,
		cfg.JWTIssuer,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWKSUrl),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 11. Фоновое health-сканирование
	if cfg.HealthScanInterval > 0 {
		healthSvc.Start(ctx)
	} else {
		logger.Info("Фоновое health-сканирование отключено (DV_HEALTH_SCAN_INTERVAL=0)")
	}

	// 11.1 topologymetrics — мониторинг зависимостей (PostgreSQL, JWKS, MinIO)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthParams{
		ServiceID:     "docvault",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PGConnURL:     cfg.DatabaseURL("postgres"),
		JWKSURL:       cfg.JWKSUrl,
		MinioURL:      minioURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	}

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth.Middleware(),
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if cfg.HealthScanInterval > 0 {
		healthSvc.Stop()
	}

	logger.Info("DocVault остановлен")
}
