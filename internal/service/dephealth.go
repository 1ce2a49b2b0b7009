// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// DocVault мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - JWKS endpoint IdP — HTTP checker (critical: без ключей не работает авторизация)
//   - MinIO — HTTP checker к /minio/health/live (только при DV_BLOB_BACKEND=minio)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// minioHealthPath — liveness endpoint MinIO.
const minioHealthPath = "/minio/health/live"

// DephealthParams — параметры мониторинга зависимостей.
type DephealthParams struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (DV_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool(); nil — без проверки БД
	DB *sql.DB
	// PGConnURL — URL PostgreSQL (для лейблов, не для подключения)
	PGConnURL string
	// JWKSURL — адрес JWKS endpoint
	JWKSURL string
	// MinioURL — адрес MinIO; пусто — MinIO не используется
	MinioURL      string
	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(p DephealthParams, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(p, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(p DephealthParams, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(p, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(p DephealthParams, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if p.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(p.DB)),
			dephealth.FromURL(p.PGConnURL),
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(true),
		))
	}

	jwksOpts, err := httpDependencyOptions(p.JWKSURL, "", p.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("JWKS URL: %w", err)
	}
	opts = append(opts, dephealth.HTTP("idp-jwks", jwksOpts...))

	if p.MinioURL != "" {
		minioOpts, err := httpDependencyOptions(p.MinioURL, minioHealthPath, p.CheckInterval)
		if err != nil {
			return nil, fmt.Errorf("MinIO URL: %w", err)
		}
		opts = append(opts, dephealth.HTTP("minio", minioOpts...))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(p.ServiceID, p.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// httpDependencyOptions строит опции HTTP-зависимости. Health path берётся
// из healthPath, а если он пуст — из пути самого URL.
func httpDependencyOptions(rawURL, healthPath string, interval time.Duration) ([]dephealth.DependencyOption, error) {
	base, path, err := splitHealthURL(rawURL)
	if err != nil {
		return nil, err
	}
	if healthPath != "" {
		path = healthPath
	}

	opts := []dephealth.DependencyOption{
		dephealth.FromURL(base),
		dephealth.CheckInterval(interval),
		dephealth.Critical(true),
	}
	if path != "" {
		opts = append(opts, dephealth.WithHTTPHealthPath(path))
	}
	return opts, nil
}

// splitHealthURL разделяет URL на базовый адрес (scheme://host[:port]) и путь.
func splitHealthURL(rawURL string) (base, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("недопустимая схема %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("не указан хост в %q", rawURL)
	}
	path = u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return u.Scheme + "://" + u.Host, path, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
