// Пакет model — доменные модели DocVault.
// Простые структуры данных без поведения хранения: запись о файле,
// сотрудник, документ метаданных контейнера, отчёты health-проверок.
package model

import (
	"fmt"
	"time"
)

// Category — функциональная категория документа (поддиректория контейнера).
type Category string

const (
	CategoryCertificates     Category = "certificates"
	CategoryBackgroundChecks Category = "background_checks"
	CategoryDocuments        Category = "documents"
	CategoryPhotos           Category = "photos"
)

// Categories — фиксированный набор категорий контейнера в каноническом порядке.
var Categories = []Category{
	CategoryCertificates,
	CategoryBackgroundChecks,
	CategoryDocuments,
	CategoryPhotos,
}

// ParseCategory преобразует строку в Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("недопустимая категория: %q, допустимые: certificates, background_checks, documents, photos", s)
	}
	return c, nil
}

// IsValid проверяет, входит ли категория в фиксированный набор.
func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// FileStatus — статус записи о файле.
//
// Допустимые переходы:
//   - pending → stored
//   - pending → failed (конечный)
//   - stored → deleted (конечный, blob переносится в архив)
type FileStatus string

const (
	// StatusPending — запись создана, физическая запись ещё не подтверждена
	StatusPending FileStatus = "pending"
	// StatusStored — файл записан и прошёл проверку содержимого
	StatusStored FileStatus = "stored"
	// StatusFailed — загрузка не удалась, blob удалён
	StatusFailed FileStatus = "failed"
	// StatusDeleted — файл удалён пользователем, blob перемещён в архив
	StatusDeleted FileStatus = "deleted"
)

// fileTransitions — матрица допустимых переходов статусов.
var fileTransitions = map[FileStatus]map[FileStatus]bool{
	StatusPending: {StatusStored: true, StatusFailed: true},
	StatusStored:  {StatusDeleted: true},
	StatusFailed:  {},
	StatusDeleted: {},
}

// CanTransitionTo проверяет допустимость перехода из текущего статуса в target.
func (s FileStatus) CanTransitionTo(target FileStatus) bool {
	return fileTransitions[s][target]
}

// IsTerminal возвращает true для статусов без исходящих переходов.
func (s FileStatus) IsTerminal() bool {
	next, ok := fileTransitions[s]
	return ok && len(next) == 0
}

// Ключи свободных метаданных записи о файле.
const (
	MetaScanResult    = "scan_result"
	MetaDetectedMIME  = "detected_mime"
	MetaRequesterIP   = "requester_ip"
	MetaUserAgent     = "user_agent"
	MetaSessionID     = "session_id"
	MetaFailureReason = "failure_reason"
	MetaDeleteReason  = "delete_reason"
	MetaDeletedBy     = "deleted_by"
	MetaDeletedAt     = "deleted_at"
	MetaArchivePath   = "archive_path"
	MetaBackupPath    = "backup_path"
	MetaBackupAt      = "backup_at"
)

// FileRecord — запись о версии файла в контейнере сотрудника.
// Хранится в таблице file_records.
type FileRecord struct {
	// ID — UUID записи
	ID string
	// EmployeeID — UUID сотрудника-владельца контейнера
	EmployeeID string
	// Category — категория (поддиректория контейнера)
	Category Category
	// VersionNumber — номер версии в пределах (EmployeeID, Category), начиная с 1
	VersionNumber int
	// OriginalFilename — имя файла при загрузке
	OriginalFilename string
	// StoredFilename — случайное имя blob, не выводимое из имени или содержимого
	StoredFilename string
	// StoragePath — путь blob относительно корня бэкенда
	StoragePath string
	// MimeType — заявленный MIME-тип
	MimeType string
	// Size — размер в байтах
	Size int64
	// ContentHash — SHA-256 содержимого (hex)
	ContentHash string
	// Status — текущий статус записи
	Status FileStatus
	// UploadedBy — идентификатор загрузившего пользователя
	UploadedBy string
	// Metadata — свободные метаданные (результат сканирования, IP, сессия, причина удаления)
	Metadata map[string]any
	// IssueDate — дата выдачи документа (опционально)
	IssueDate *time.Time
	// ExpiryDate — дата окончания действия документа (опционально)
	ExpiryDate *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MetaString возвращает строковое значение из Metadata или "".
func (f *FileRecord) MetaString(key string) string {
	if f.Metadata == nil {
		return ""
	}
	s, _ := f.Metadata[key].(string)
	return s
}
