package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// dirMarker — объект-маркер, обозначающий существование пустой директории.
const dirMarker = ".keep"

// MinioConfig — параметры подключения к S3-совместимому хранилищу.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBackend — бэкенд на MinIO / S3.
// Директории представлены префиксами "path/" и маркер-объектом "path/.keep".
type MinioBackend struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioBackend подключается к хранилищу и создаёт bucket при отсутствии.
func NewMinioBackend(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*MinioBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("ошибка создания bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("Bucket создан", slog.String("bucket", cfg.Bucket))
	}

	return &MinioBackend{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(slog.String("component", "minio_backend")),
	}, nil
}

// Client возвращает нижележащий клиент (используется проверками готовности).
func (b *MinioBackend) Client() *minio.Client {
	return b.client
}

// Bucket возвращает имя bucket.
func (b *MinioBackend) Bucket() string {
	return b.bucket
}

// prefix возвращает префикс директории с завершающим "/" (пустой для корня).
func prefix(p string) string {
	key := Clean(p)
	if key == "" {
		return ""
	}
	return key + "/"
}

func (b *MinioBackend) Write(ctx context.Context, p string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, Clean(p), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("ошибка записи объекта %s: %w", p, err)
	}
	return nil
}

func (b *MinioBackend) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	key := Clean(p)
	// GetObject ленив: ошибка отсутствия появляется только при чтении,
	// поэтому существование проверяется заранее.
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("ошибка получения информации об объекте %s: %w", p, err)
	}

	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения объекта %s: %w", p, err)
	}
	return obj, nil
}

func (b *MinioBackend) Exists(ctx context.Context, p string) (bool, error) {
	key := Clean(p)
	if key == "" {
		return true, nil
	}

	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if !isNoSuchKey(err) {
		return false, fmt.Errorf("ошибка проверки %s: %w", p, err)
	}

	// Не объект — возможно, директория (любой объект с префиксом)
	return b.hasPrefix(ctx, prefix(key))
}

func (b *MinioBackend) Delete(ctx context.Context, p string) error {
	key := Clean(p)
	if key == "" {
		return fmt.Errorf("удаление корня хранилища запрещено")
	}

	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", p, err)
	}

	// Рекурсивное удаление содержимого директории
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix(key),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("ошибка листинга %s: %w", p, obj.Err)
		}
		if err := b.client.RemoveObject(ctx, b.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
			return fmt.Errorf("ошибка удаления объекта %s: %w", obj.Key, err)
		}
	}
	return nil
}

func (b *MinioBackend) Move(ctx context.Context, src, dst string) error {
	if err := b.Copy(ctx, src, dst); err != nil {
		return err
	}
	if err := b.client.RemoveObject(ctx, b.bucket, Clean(src), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("ошибка удаления исходного объекта %s: %w", src, err)
	}
	return nil
}

func (b *MinioBackend) Copy(ctx context.Context, src, dst string) error {
	_, err := b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: Clean(dst)},
		minio.CopySrcOptions{Bucket: b.bucket, Object: Clean(src)},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("ошибка копирования %s → %s: %w", src, dst, err)
	}
	return nil
}

func (b *MinioBackend) MakeDir(ctx context.Context, p string) error {
	key := Clean(p)
	if key == "" {
		return nil
	}
	return b.Write(ctx, key+"/"+dirMarker, nil)
}

func (b *MinioBackend) ListDirectories(ctx context.Context, p string) ([]string, error) {
	return b.list(ctx, p, true)
}

func (b *MinioBackend) ListFiles(ctx context.Context, p string) ([]string, error) {
	return b.list(ctx, p, false)
}

// list — нерекурсивный листинг префикса. Общие префиксы ("dir/") — директории,
// остальные ключи — файлы.
func (b *MinioBackend) list(ctx context.Context, p string, dirs bool) ([]string, error) {
	pfx := prefix(p)

	var names []string
	found := pfx == ""
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    pfx,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("ошибка листинга %s: %w", p, obj.Err)
		}
		found = true

		name := strings.TrimPrefix(obj.Key, pfx)
		isDir := strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" || isDir != dirs || isServiceName(name) {
			continue
		}
		names = append(names, name)
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	sort.Strings(names)
	return names, nil
}

// hasPrefix проверяет наличие хотя бы одного объекта с префиксом.
func (b *MinioBackend) hasPrefix(ctx context.Context, pfx string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    pfx,
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, fmt.Errorf("ошибка листинга %s: %w", pfx, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
