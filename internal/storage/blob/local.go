package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalBackend — бэкенд на локальной файловой системе.
// Запись выполняется по схеме temp файл → fsync → atomic rename.
type LocalBackend struct {
	// root — корневая директория хранения (DV_DATA_DIR)
	root string
}

// NewLocalBackend создаёт бэкенд и при необходимости корневую директорию.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", root, err)
	}
	return &LocalBackend{root: root}, nil
}

// Root возвращает корневую директорию.
func (b *LocalBackend) Root() string {
	return b.root
}

// fullPath переводит относительный путь в абсолютный внутри root.
func (b *LocalBackend) fullPath(p string) string {
	return filepath.Join(b.root, filepath.FromSlash(Clean(p)))
}

func (b *LocalBackend) Write(_ context.Context, p string, data []byte) error {
	fullPath := b.fullPath(p)
	return writeAtomic(fullPath, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

func (b *LocalBackend) Read(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(b.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", p, err)
	}
	return f, nil
}

func (b *LocalBackend) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(b.fullPath(p))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("ошибка проверки %s: %w", p, err)
}

func (b *LocalBackend) Delete(_ context.Context, p string) error {
	if Clean(p) == "" {
		return fmt.Errorf("удаление корня хранилища запрещено")
	}
	if err := os.RemoveAll(b.fullPath(p)); err != nil {
		return fmt.Errorf("ошибка удаления %s: %w", p, err)
	}
	return nil
}

func (b *LocalBackend) Move(_ context.Context, src, dst string) error {
	srcPath := b.fullPath(src)
	dstPath := b.fullPath(dst)

	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("ошибка проверки %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("ошибка перемещения %s → %s: %w", src, dst, err)
	}
	return nil
}

func (b *LocalBackend) Copy(_ context.Context, src, dst string) error {
	in, err := os.Open(b.fullPath(src))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("ошибка открытия файла %s: %w", src, err)
	}
	defer in.Close()

	return writeAtomic(b.fullPath(dst), func(f *os.File) error {
		_, err := io.Copy(f, in)
		return err
	})
}

func (b *LocalBackend) MakeDir(_ context.Context, p string) error {
	if err := os.MkdirAll(b.fullPath(p), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", p, err)
	}
	return nil
}

func (b *LocalBackend) ListDirectories(_ context.Context, p string) ([]string, error) {
	return b.list(p, true)
}

func (b *LocalBackend) ListFiles(_ context.Context, p string) ([]string, error) {
	return b.list(p, false)
}

// list возвращает отсортированные имена директорий (dirs=true) или файлов.
// Скрытые и временные файлы пропускаются.
func (b *LocalBackend) list(p string, dirs bool) ([]string, error) {
	entries, err := os.ReadDir(b.fullPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", p, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() != dirs || isServiceName(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// writeAtomic записывает файл через temp → fsync → rename.
// При ошибке temp файл удаляется.
func writeAtomic(fullPath string, fill func(f *os.File) error) error {
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}
