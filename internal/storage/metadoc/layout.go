package metadoc

import (
	"fmt"
	"time"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/storage/blob"
)

// Корневые префиксы в blob-бэкенде.
const (
	ContainersRoot = "employees"
	ArchiveRoot    = "archive"
	BackupsRoot    = "backups"
	// OrphansDir — поддиректория архива для файлов без записей
	OrphansDir = "orphans"
)

// FileName — имя документа метаданных в корне контейнера.
const FileName = "metadata.json"

// ContainerPath — корень контейнера сотрудника: employees/{id}.
func ContainerPath(employeeID string) string {
	return blob.Join(ContainersRoot, employeeID)
}

// CategoryPath — поддиректория категории: employees/{id}/{category}.
func CategoryPath(employeeID string, category model.Category) string {
	return blob.Join(ContainersRoot, employeeID, string(category))
}

// MetadataPath — путь к metadata.json контейнера.
func MetadataPath(employeeID string) string {
	return blob.Join(ContainersRoot, employeeID, FileName)
}

// FilePath — путь blob версии файла.
func FilePath(employeeID string, category model.Category, storedFilename string) string {
	return blob.Join(ContainersRoot, employeeID, string(category), storedFilename)
}

// ArchivePath — путь в архиве для удалённого файла:
// archive/{yyyy}/{mm}/{employee_id}/{category}/{stored_filename}.
func ArchivePath(at time.Time, employeeID string, category model.Category, storedFilename string) string {
	return blob.Join(ArchiveRoot,
		fmt.Sprintf("%04d", at.Year()), fmt.Sprintf("%02d", int(at.Month())),
		employeeID, string(category), storedFilename)
}

// OrphanArchivePath — путь в архиве для файла, найденного без записи.
func OrphanArchivePath(employeeID string, category model.Category, name string) string {
	return blob.Join(ArchiveRoot, OrphansDir, employeeID, string(category), name)
}

// BackupPath — детерминированный путь резервной копии: повторный
// backup перезаписывает ту же копию.
func BackupPath(employeeID string, category model.Category, storedFilename string) string {
	return blob.Join(BackupsRoot, employeeID, string(category), storedFilename)
}
