package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return b
}

func TestLocalBackend_Contract(t *testing.T) {
	runBackendContract(t, newTestLocal(t))
}

// TestLocalBackend_NoTempLeft проверяет, что после записи не остаётся .tmp файлов.
func TestLocalBackend_NoTempLeft(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if err := b.Write(ctx, "x/file", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(b.Root(), "x", "file.tmp")); !os.IsNotExist(err) {
		t.Errorf("временный файл не удалён: %v", err)
	}
}

// TestLocalBackend_ListSkipsServiceFiles проверяет фильтрацию служебных имён.
func TestLocalBackend_ListSkipsServiceFiles(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if err := b.Write(ctx, "d/real", []byte("1")); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(b.Root(), "d")
	os.WriteFile(filepath.Join(dir, "stale.tmp"), []byte("x"), 0o640)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o640)

	files, err := b.ListFiles(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "real" {
		t.Errorf("ListFiles = %v, ожидалось [real]", files)
	}
}

// TestLocalBackend_PathEscape проверяет, что пути с ".." не выходят за root.
func TestLocalBackend_PathEscape(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if err := b.Write(ctx, "../../escape", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(b.Root(), "escape")); err != nil {
		t.Errorf("файл должен оказаться внутри root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(b.Root()), "escape")); !os.IsNotExist(err) {
		t.Error("файл не должен появиться за пределами root")
	}
}

// TestReadinessChecker проверяет готовность при доступном и удалённом корне.
func TestReadinessChecker(t *testing.T) {
	b := newTestLocal(t)
	checker := NewReadinessChecker(b)

	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("ожидался ok, получено %s: %s", status, msg)
	}

	if err := os.RemoveAll(b.Root()); err != nil {
		t.Fatal(err)
	}
	if status, _ := checker.CheckReady(); status != "fail" {
		t.Errorf("ожидался fail при отсутствии корня, получено %s", status)
	}
}
