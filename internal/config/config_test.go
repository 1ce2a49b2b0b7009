package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// allDVEnvVars — все переменные окружения, читаемые Load.
var allDVEnvVars = []string{
	"DV_PORT", "DV_DB_HOST", "DV_DB_PORT", "DV_DB_NAME", "DV_DB_USER", "DV_DB_PASSWORD",
	"DV_DB_SSL_MODE", "DV_BLOB_BACKEND", "DV_DATA_DIR", "DV_MINIO_ENDPOINT",
	"DV_MINIO_ACCESS_KEY", "DV_MINIO_SECRET_KEY", "DV_MINIO_BUCKET", "DV_MINIO_USE_SSL",
	"DV_MAX_FILE_SIZE", "DV_ALLOWED_MIME_TYPES", "DV_ALLOWED_EXTENSIONS",
	"DV_TOKEN_DEFAULT_TTL", "DV_TOKEN_MAX_TTL", "DV_TOKEN_CACHE_SIZE", "DV_PUBLIC_BASE_URL",
	"DV_HEALTH_SCAN_INTERVAL", "DV_HEALTH_COUNT_TOLERANCE", "DV_HEALTH_VERIFY_CHECKSUMS", "DV_BULK_BATCH_SIZE",
	"DV_JWKS_URL", "DV_JWT_ISSUER", "DV_JWT_LEEWAY", "DV_JWKS_REFRESH_INTERVAL",
	"DV_HTTP_READ_TIMEOUT", "DV_HTTP_WRITE_TIMEOUT", "DV_HTTP_IDLE_TIMEOUT", "DV_LOG_LEVEL", "DV_LOG_FORMAT", "DV_SHUTDOWN_TIMEOUT",
	"DV_DEPHEALTH_CHECK_INTERVAL", "DV_DEPHEALTH_GROUP",
}

// setupEnv очищает все DV_* переменные и устанавливает переданные.
// Пустое значение для Load равнозначно отсутствию переменной.
func setupEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allDVEnvVars {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

// requiredEnvVars возвращает минимальный набор обязательных переменных.
func requiredEnvVars() map[string]string {
	return map[string]string{
		"DV_DB_HOST":     "localhost",
		"DV_DB_NAME":     "docvault",
		"DV_DB_USER":     "docvault",
		"DV_DB_PASSWORD": "secret",
		"DV_DATA_DIR":    "/tmp/docvault",
		"DV_JWKS_URL":    "https://idp.example.com/realms/hr/protocol/openid-connect/certs",
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setupEnv(t, requiredEnvVars())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8020 {
		t.Errorf("Port: ожидалось 8020, получено %d", cfg.Port)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort: ожидалось 5432, получено %d", cfg.DBPort)
	}
	if cfg.BlobBackend != BlobBackendLocal {
		t.Errorf("BlobBackend: ожидалось local, получено %q", cfg.BlobBackend)
	}
	if cfg.MaxFileSize != 10*1024*1024 {
		t.Errorf("MaxFileSize: ожидалось 10 MB, получено %d", cfg.MaxFileSize)
	}
	if len(cfg.AllowedMIMETypes) != 7 {
		t.Errorf("AllowedMIMETypes: ожидалось 7 типов, получено %v", cfg.AllowedMIMETypes)
	}
	if cfg.TokenDefaultTTL != 15*time.Minute {
		t.Errorf("TokenDefaultTTL: ожидалось 15m, получено %v", cfg.TokenDefaultTTL)
	}
	if cfg.HealthScanInterval != 6*time.Hour {
		t.Errorf("HealthScanInterval: ожидалось 6h, получено %v", cfg.HealthScanInterval)
	}
	if cfg.BulkBatchSize != 50 {
		t.Errorf("BulkBatchSize: ожидалось 50, получено %d", cfg.BulkBatchSize)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel: ожидалось INFO, получено %v", cfg.LogLevel)
	}
	if cfg.PublicBaseURL != "http://localhost:8020" {
		t.Errorf("PublicBaseURL: получено %q", cfg.PublicBaseURL)
	}
	if cfg.JWTIssuer != "" || cfg.JWTLeeway != 5*time.Second {
		t.Errorf("JWT: issuer %q, leeway %v", cfg.JWTIssuer, cfg.JWTLeeway)
	}
	if cfg.HTTPWriteTimeout != 5*time.Minute {
		t.Errorf("HTTPWriteTimeout: ожидалось 5m, получено %v", cfg.HTTPWriteTimeout)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"DV_DB_HOST", "DV_DB_NAME", "DV_DB_USER", "DV_DB_PASSWORD", "DV_DATA_DIR", "DV_JWKS_URL"} {
		t.Run(key, func(t *testing.T) {
			vars := requiredEnvVars()
			delete(vars, key)
			setupEnv(t, vars)

			_, err := Load()
			if err == nil {
				t.Fatalf("ожидалась ошибка при отсутствии %s", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("ошибка должна упоминать %s: %v", key, err)
			}
		})
	}
}

func TestLoad_MinioBackend(t *testing.T) {
	vars := requiredEnvVars()
	delete(vars, "DV_DATA_DIR")
	vars["DV_BLOB_BACKEND"] = "minio"
	vars["DV_MINIO_ENDPOINT"] = "minio:9000"
	vars["DV_MINIO_ACCESS_KEY"] = "minioadmin"
	vars["DV_MINIO_SECRET_KEY"] = "minioadmin"
	vars["DV_MINIO_USE_SSL"] = "true"
	setupEnv(t, vars)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.MinioBucket != "employee-containers" {
		t.Errorf("MinioBucket: получено %q", cfg.MinioBucket)
	}
	if !cfg.MinioUseSSL {
		t.Error("MinioUseSSL: ожидалось true")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"неизвестный бэкенд", "DV_BLOB_BACKEND", "s3"},
		{"отрицательный размер", "DV_MAX_FILE_SIZE", "-1"},
		{"расширение без точки", "DV_ALLOWED_EXTENSIONS", "pdf"},
		{"TTL больше максимума", "DV_TOKEN_DEFAULT_TTL", "48h"},
		{"некорректная длительность", "DV_HEALTH_SCAN_INTERVAL", "часто"},
		{"batch size 0", "DV_BULK_BATCH_SIZE", "0"},
		{"отрицательный допуск", "DV_HEALTH_COUNT_TOLERANCE", "-2"},
		{"неизвестный уровень логов", "DV_LOG_LEVEL", "trace"},
		{"неизвестный формат логов", "DV_LOG_FORMAT", "xml"},
		{"неизвестный sslmode", "DV_DB_SSL_MODE", "prefer"},
		{"некорректный флаг проверки хэшей", "DV_HEALTH_VERIFY_CHECKSUMS", "иногда"},
		{"некорректный leeway", "DV_JWT_LEEWAY", "5"},
		{"некорректный таймаут записи", "DV_HTTP_WRITE_TIMEOUT", "долго"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := requiredEnvVars()
			vars[tt.key] = tt.val
			setupEnv(t, vars)

			if _, err := Load(); err == nil {
				t.Errorf("ожидалась ошибка для %s=%q", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_AllowListsNormalized(t *testing.T) {
	vars := requiredEnvVars()
	vars["DV_ALLOWED_MIME_TYPES"] = " Application/PDF , image/PNG ,"
	vars["DV_ALLOWED_EXTENSIONS"] = ".PDF,.png"
	setupEnv(t, vars)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(cfg.AllowedMIMETypes) != 2 || cfg.AllowedMIMETypes[0] != "application/pdf" || cfg.AllowedMIMETypes[1] != "image/png" {
		t.Errorf("AllowedMIMETypes: получено %v", cfg.AllowedMIMETypes)
	}
	if cfg.AllowedExtensions[0] != ".pdf" {
		t.Errorf("AllowedExtensions: получено %v", cfg.AllowedExtensions)
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{
		DBHost: "db", DBPort: 5433, DBName: "hr", DBUser: "u", DBPassword: "p", DBSSLMode: "disable",
	}
	if got := cfg.DatabaseURL("pgx5"); got != "pgx5://u:p@db:5433/hr?sslmode=disable" {
		t.Errorf("DatabaseURL: получено %q", got)
	}
}
