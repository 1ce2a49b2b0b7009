// Пакет metadoc — документ метаданных контейнера (metadata.json) и
// раскладка путей контейнеров в blob-бэкенде.
//
// metadata.json — кэш: он всегда пересобирается из записей file_records
// и никогда не читается как источник истины. Запись выполняется через
// blob.Backend.Write, то есть атомарно.
package metadoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/storage/blob"
)

// maxDocSize — верхняя граница размера metadata.json при чтении (64 КБ).
const maxDocSize = 64 * 1024

// ErrMalformed — metadata.json не парсится или не проходит проверку структуры.
var ErrMalformed = errors.New("metadata.json повреждён")

// Build собирает документ метаданных из записей о файлах.
// Учитываются только записи в статусе stored. Время создания директорий
// берётся из prev (если документ уже был), иначе — время создания контейнера.
func Build(emp *model.Employee, records []*model.FileRecord, prev *model.ContainerMetadata, now time.Time) *model.ContainerMetadata {
	created := now
	switch {
	case emp.ContainerCreatedAt != nil:
		created = *emp.ContainerCreatedAt
	case prev != nil && !prev.ContainerCreated.IsZero():
		created = prev.ContainerCreated
	}

	meta := &model.ContainerMetadata{
		EmployeeID:       emp.ID,
		EmployeeName:     emp.FullName,
		ContainerCreated: created.UTC(),
		ContainerVersion: model.ContainerSchemaVersion,
		LastUpdated:      now.UTC(),
		Directories:      make(map[model.Category]model.DirectoryStatus, len(model.Categories)),
	}

	for _, c := range model.Categories {
		dirCreated := created
		if prev != nil {
			if d, ok := prev.Directories[c]; ok && !d.Created.IsZero() {
				dirCreated = d.Created
			}
		}
		meta.Directories[c] = model.DirectoryStatus{Created: dirCreated.UTC()}
	}

	for _, rec := range records {
		if rec.Status != model.StatusStored || rec.EmployeeID != emp.ID {
			continue
		}
		d, ok := meta.Directories[rec.Category]
		if !ok {
			continue
		}
		d.FileCount++
		meta.Directories[rec.Category] = d
		meta.TotalFiles++
		meta.TotalSize += rec.Size
	}

	return meta
}

// Encode сериализует документ в JSON с отступами.
func Encode(meta *model.ContainerMetadata) ([]byte, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}
	return data, nil
}

// Decode десериализует и проверяет документ.
func Decode(data []byte) (*model.ContainerMetadata, error) {
	var meta model.ContainerMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if meta.EmployeeID == "" {
		return nil, fmt.Errorf("%w: отсутствует employee_id", ErrMalformed)
	}
	if meta.ContainerVersion == "" {
		return nil, fmt.Errorf("%w: отсутствует container_version", ErrMalformed)
	}
	if meta.Directories == nil {
		meta.Directories = map[model.Category]model.DirectoryStatus{}
	}
	return &meta, nil
}

// Write атомарно записывает документ в корень контейнера.
func Write(ctx context.Context, b blob.Backend, meta *model.ContainerMetadata) error {
	data, err := Encode(meta)
	if err != nil {
		return err
	}
	if err := b.Write(ctx, MetadataPath(meta.EmployeeID), data); err != nil {
		return fmt.Errorf("ошибка записи metadata.json: %w", err)
	}
	return nil
}

// Read читает документ контейнера. Отсутствие файла — blob.ErrNotFound,
// ошибка разбора — ErrMalformed.
func Read(ctx context.Context, b blob.Backend, employeeID string) (*model.ContainerMetadata, error) {
	rc, err := b.Read(ctx, MetadataPath(employeeID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxDocSize+1))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения metadata.json: %w", err)
	}
	if len(data) > maxDocSize {
		return nil, fmt.Errorf("%w: размер превышает %d байт", ErrMalformed, maxDocSize)
	}

	meta, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if meta.EmployeeID != employeeID {
		return nil, fmt.Errorf("%w: employee_id %q не совпадает с контейнером %q",
			ErrMalformed, meta.EmployeeID, employeeID)
	}
	return meta, nil
}

// IsOutdated возвращает true, если версия схемы документа старее текущей.
// Нераспознанная версия считается устаревшей.
func IsOutdated(version string) bool {
	return compareVersions(version, model.ContainerSchemaVersion) < 0
}

// compareVersions сравнивает версии вида "major.minor".
func compareVersions(a, b string) int {
	pa, okA := parseVersion(a)
	pb, okB := parseVersion(b)
	if !okA {
		if !okB {
			return 0
		}
		return -1
	}
	if !okB {
		return 1
	}
	for i := range pa {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parseVersion(v string) ([2]int, bool) {
	var out [2]int
	parts := strings.Split(v, ".")
	if len(parts) == 0 || len(parts) > 2 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
