// Пакет config — загрузка и валидация конфигурации DocVault
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Типы blob-бэкенда.
const (
	BlobBackendLocal = "local"
	BlobBackendMinio = "minio"
)

// Значения по умолчанию для allow-list загружаемых файлов.
const (
	defaultAllowedMIMETypes = "application/pdf,image/jpeg,image/png,image/tiff," +
		"application/msword,application/vnd.openxmlformats-officedocument.wordprocessingml.document,text/plain"
	defaultAllowedExtensions = ".pdf,.jpg,.jpeg,.png,.tif,.tiff,.doc,.docx,.txt"
)

// Config содержит все параметры конфигурации DocVault.
type Config struct {
	// Порт HTTP-сервера
	Port int

	// Параметры подключения к PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Тип blob-бэкенда: local или minio
	BlobBackend string
	// Корневая директория для local-бэкенда
	DataDir string
	// Параметры MinIO (только для DV_BLOB_BACKEND=minio)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Допустимые MIME-типы (в нижнем регистре)
	AllowedMIMETypes []string
	// Допустимые расширения (с точкой, в нижнем регистре)
	AllowedExtensions []string

	// TTL токена доступа по умолчанию
	TokenDefaultTTL time.Duration
	// Максимально допустимый TTL токена доступа
	TokenMaxTTL time.Duration
	// Ёмкость in-memory хранилища токенов
	TokenCacheSize int
	// Внешний базовый URL для ссылок с токеном
	PublicBaseURL string

	// Интервал фонового health-сканирования контейнеров (0 — выключено)
	HealthScanInterval time.Duration
	// Допустимое расхождение счётчиков metadata.json с фактическими
	HealthCountTolerance int
	// Пересчитывать SHA-256 blob при health-сканировании
	HealthVerifyChecksums bool
	// Размер пачки для bulk-операций
	BulkBatchSize int

	// URL JWKS endpoint IdP
	JWKSUrl string
	// Ожидаемый issuer JWT (пусто — не проверяется)
	JWTIssuer string
	// Допустимое отклонение часов при проверке JWT
	JWTLeeway time.Duration
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// DV_PORT — порт HTTP-сервера (по умолчанию 8020)
	port, err := getEnvInt("DV_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("DV_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("DV_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// DV_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("DV_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("DV_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DV_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("DV_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("DV_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("DV_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// DV_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("DV_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("DV_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// DV_BLOB_BACKEND — local (по умолчанию) или minio
	cfg.BlobBackend = getEnvDefault("DV_BLOB_BACKEND", BlobBackendLocal)
	switch cfg.BlobBackend {
	case BlobBackendLocal:
		cfg.DataDir, err = getEnvRequired("DV_DATA_DIR")
		if err != nil {
			return nil, err
		}
	case BlobBackendMinio:
		if cfg.MinioEndpoint, err = getEnvRequired("DV_MINIO_ENDPOINT"); err != nil {
			return nil, err
		}
		if cfg.MinioAccessKey, err = getEnvRequired("DV_MINIO_ACCESS_KEY"); err != nil {
			return nil, err
		}
		if cfg.MinioSecretKey, err = getEnvRequired("DV_MINIO_SECRET_KEY"); err != nil {
			return nil, err
		}
		cfg.MinioBucket = getEnvDefault("DV_MINIO_BUCKET", "employee-containers")
		cfg.MinioUseSSL, err = getEnvBool("DV_MINIO_USE_SSL", false)
		if err != nil {
			return nil, fmt.Errorf("DV_MINIO_USE_SSL: %w", err)
		}
	default:
		return nil, fmt.Errorf("DV_BLOB_BACKEND: недопустимое значение %q, допустимые: local, minio", cfg.BlobBackend)
	}

	// DV_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 10 MB)
	cfg.MaxFileSize, err = getEnvInt64("DV_MAX_FILE_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DV_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("DV_MAX_FILE_SIZE: значение должно быть положительным")
	}

	cfg.AllowedMIMETypes = lowerAll(parseCSV(getEnvDefault("DV_ALLOWED_MIME_TYPES", defaultAllowedMIMETypes)))
	if len(cfg.AllowedMIMETypes) == 0 {
		return nil, fmt.Errorf("DV_ALLOWED_MIME_TYPES: список не может быть пустым")
	}

	cfg.AllowedExtensions = lowerAll(parseCSV(getEnvDefault("DV_ALLOWED_EXTENSIONS", defaultAllowedExtensions)))
	for _, ext := range cfg.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("DV_ALLOWED_EXTENSIONS: расширение %q должно начинаться с точки", ext)
		}
	}

	// DV_TOKEN_DEFAULT_TTL / DV_TOKEN_MAX_TTL — время жизни токенов доступа
	cfg.TokenDefaultTTL, err = getEnvDuration("DV_TOKEN_DEFAULT_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DV_TOKEN_DEFAULT_TTL: %w", err)
	}
	cfg.TokenMaxTTL, err = getEnvDuration("DV_TOKEN_MAX_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DV_TOKEN_MAX_TTL: %w", err)
	}
	if cfg.TokenDefaultTTL <= 0 || cfg.TokenDefaultTTL > cfg.TokenMaxTTL {
		return nil, fmt.Errorf("DV_TOKEN_DEFAULT_TTL: значение %s должно быть в диапазоне (0, %s]",
			cfg.TokenDefaultTTL, cfg.TokenMaxTTL)
	}

	cfg.TokenCacheSize, err = getEnvInt("DV_TOKEN_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("DV_TOKEN_CACHE_SIZE: %w", err)
	}
	if cfg.TokenCacheSize <= 0 {
		return nil, fmt.Errorf("DV_TOKEN_CACHE_SIZE: значение должно быть положительным")
	}

	cfg.PublicBaseURL = strings.TrimSuffix(getEnvDefault("DV_PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")

	// DV_HEALTH_SCAN_INTERVAL — интервал фонового сканирования (по умолчанию 6h, 0 — выключено)
	cfg.HealthScanInterval, err = getEnvDuration("DV_HEALTH_SCAN_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DV_HEALTH_SCAN_INTERVAL: %w", err)
	}

	cfg.HealthCountTolerance, err = getEnvInt("DV_HEALTH_COUNT_TOLERANCE", 0)
	if err != nil {
		return nil, fmt.Errorf("DV_HEALTH_COUNT_TOLERANCE: %w", err)
	}
	if cfg.HealthCountTolerance < 0 {
		return nil, fmt.Errorf("DV_HEALTH_COUNT_TOLERANCE: значение не может быть отрицательным")
	}

	cfg.HealthVerifyChecksums, err = getEnvBool("DV_HEALTH_VERIFY_CHECKSUMS", false)
	if err != nil {
		return nil, fmt.Errorf("DV_HEALTH_VERIFY_CHECKSUMS: %w", err)
	}

	cfg.BulkBatchSize, err = getEnvInt("DV_BULK_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("DV_BULK_BATCH_SIZE: %w", err)
	}
	if cfg.BulkBatchSize < 1 || cfg.BulkBatchSize > 1000 {
		return nil, fmt.Errorf("DV_BULK_BATCH_SIZE: значение %d вне диапазона 1-1000", cfg.BulkBatchSize)
	}

	// DV_JWKS_URL — обязательный
	cfg.JWKSUrl, err = getEnvRequired("DV_JWKS_URL")
	if err != nil {
		return nil, err
	}

	cfg.JWTIssuer = getEnvDefault("DV_JWT_ISSUER", "")

	cfg.JWTLeeway, err = getEnvDuration("DV_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DV_JWT_LEEWAY: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("DV_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DV_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// Таймауты HTTP. Запись ответа включает отдачу файла, поэтому по умолчанию больше чтения.
	cfg.HTTPReadTimeout, err = getEnvDuration("DV_HTTP_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DV_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("DV_HTTP_WRITE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DV_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("DV_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DV_HTTP_IDLE_TIMEOUT: %w", err)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DV_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DV_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("DV_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DV_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("DV_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DV_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("DV_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DV_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("DV_DEPHEALTH_GROUP", "docvault")

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения (формат postgres://), используется
// для golang-migrate и лейблов topologymetrics.
func (c *Config) DatabaseURL(scheme string) string {
	return fmt.Sprintf(
		"%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme, c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func lowerAll(items []string) []string {
	for i := range items {
		items[i] = strings.ToLower(items[i])
	}
	return items
}
