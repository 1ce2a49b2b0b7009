// Пакет blob — абстракция хранилища содержимого файлов.
//
// Пути — относительные, с разделителем "/", независимо от бэкенда.
// Реализации: LocalBackend (локальный диск) и MinioBackend (S3-совместимое
// объектное хранилище). Директории в объектном хранилище эмулируются
// префиксами с маркер-объектом.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound — путь не существует в бэкенде.
var ErrNotFound = errors.New("blob не найден")

// Backend — операции над именованными путями.
type Backend interface {
	// Write атомарно записывает data по пути path, создавая родительские директории.
	Write(ctx context.Context, p string, data []byte) error
	// Read открывает blob для чтения. Вызывающий код обязан закрыть ReadCloser.
	Read(ctx context.Context, p string) (io.ReadCloser, error)
	// Exists проверяет существование файла или директории.
	Exists(ctx context.Context, p string) (bool, error)
	// Delete удаляет файл или директорию рекурсивно. Отсутствие пути — не ошибка.
	Delete(ctx context.Context, p string) error
	// Move перемещает файл, создавая родительские директории назначения.
	Move(ctx context.Context, src, dst string) error
	// Copy копирует файл, перезаписывая назначение.
	Copy(ctx context.Context, src, dst string) error
	// MakeDir создаёт директорию (идемпотентно).
	MakeDir(ctx context.Context, p string) error
	// ListDirectories возвращает имена непосредственных поддиректорий.
	ListDirectories(ctx context.Context, p string) ([]string, error)
	// ListFiles возвращает имена файлов в директории (не рекурсивно).
	ListFiles(ctx context.Context, p string) ([]string, error)
}

// Join собирает путь из сегментов, нормализуя его к относительному виду.
func Join(parts ...string) string {
	return Clean(path.Join(parts...))
}

// Clean нормализует путь: убирает ведущий "/", "." и выход за корень через "..".
func Clean(p string) string {
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}

// isServiceName — служебные имена, которые не показываются в листингах:
// скрытые файлы, маркеры директорий и незавершённые временные файлы.
func isServiceName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

// ReadinessChecker — проверка готовности хранилища для /health/ready.
type ReadinessChecker struct {
	backend Backend
}

// NewReadinessChecker создаёт проверку готовности хранилища.
func NewReadinessChecker(backend Backend) *ReadinessChecker {
	return &ReadinessChecker{backend: backend}
}

// CheckReady проверяет, что корень хранилища читается.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := c.backend.ListDirectories(ctx, ""); err != nil {
		return "fail", fmt.Sprintf("хранилище недоступно: %v", err)
	}
	return "ok", "хранилище доступно"
}
