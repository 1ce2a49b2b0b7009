package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/bigkaa/docvault/internal/domain/model"
)

// FileRecordRepository — доступ к таблице file_records.
type FileRecordRepository interface {
	// Create вставляет новую запись. Нарушение уникальности версии или
	// хэша stored-записи — ErrConflict.
	Create(ctx context.Context, f *model.FileRecord) error
	// GetByID возвращает запись по UUID.
	GetByID(ctx context.Context, id string) (*model.FileRecord, error)
	// FindStoredByHash ищет stored-запись с тем же содержимым в пределах категории.
	FindStoredByHash(ctx context.Context, employeeID string, category model.Category, hash string) (*model.FileRecord, error)
	// MaxVersion возвращает максимальный номер версии в категории (0 — версий нет).
	// Учитываются записи во всех статусах: номера не переиспользуются.
	MaxVersion(ctx context.Context, employeeID string, category model.Category) (int, error)
	// UpdateStatus переводит запись из статуса from в to и дописывает metadata.
	// Если текущий статус не равен from — ErrConflict.
	UpdateStatus(ctx context.Context, id string, from, to model.FileStatus, metadata map[string]any) error
	// UpdateMetadata дописывает ключи в metadata (jsonb merge).
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error
	// ListByEmployee возвращает записи сотрудника: по категории, новые версии первыми.
	ListByEmployee(ctx context.Context, employeeID string, filters FileRecordFilters) ([]*model.FileRecord, error)
}

// FileRecordFilters — фильтры выборки записей сотрудника.
type FileRecordFilters struct {
	Category *model.Category
	Status   *model.FileStatus
}

type fileRecordRepo struct {
	db DBTX
}

// NewFileRecordRepository создаёт репозиторий записей о файлах.
func NewFileRecordRepository(db DBTX) FileRecordRepository {
	return &fileRecordRepo{db: db}
}

const fileRecordColumns = `id, employee_id, category, version_number, original_filename,
	stored_filename, storage_path, mime_type, size, content_hash, status, uploaded_by,
	metadata, issue_date, expiry_date, created_at, updated_at`

func scanFileRecord(row rowScanner) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	err := row.Scan(
		&f.ID, &f.EmployeeID, &f.Category, &f.VersionNumber, &f.OriginalFilename,
		&f.StoredFilename, &f.StoragePath, &f.MimeType, &f.Size, &f.ContentHash, &f.Status, &f.UploadedBy,
		&f.Metadata, &f.IssueDate, &f.ExpiryDate, &f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// nonNilMeta — jsonb-колонка NOT NULL, nil-карта кодируется как JSON null.
func nonNilMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (r *fileRecordRepo) Create(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO file_records (id, employee_id, category, version_number, original_filename,
			stored_filename, storage_path, mime_type, size, content_hash, status, uploaded_by,
			metadata, issue_date, expiry_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	f.Metadata = nonNilMeta(f.Metadata)
	err := r.db.QueryRow(ctx, query,
		f.ID, f.EmployeeID, string(f.Category), f.VersionNumber, f.OriginalFilename,
		f.StoredFilename, f.StoragePath, f.MimeType, f.Size, f.ContentHash, string(f.Status), f.UploadedBy,
		f.Metadata, f.IssueDate, f.ExpiryDate,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: версия %d категории %s уже существует", ErrConflict, f.VersionNumber, f.Category)
		}
		return fmt.Errorf("ошибка создания записи о файле: %w", err)
	}
	return nil
}

func (r *fileRecordRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := `SELECT ` + fileRecordColumns + ` FROM file_records WHERE id = $1`

	f, err := scanFileRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи о файле: %w", err)
	}
	return f, nil
}

func (r *fileRecordRepo) FindStoredByHash(ctx context.Context, employeeID string, category model.Category, hash string) (*model.FileRecord, error) {
	query := `
		SELECT ` + fileRecordColumns + `
		FROM file_records
		WHERE employee_id = $1 AND category = $2 AND content_hash = $3 AND status = 'stored'
		LIMIT 1`

	f, err := scanFileRecord(r.db.QueryRow(ctx, query, employeeID, string(category), hash))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи по хэшу: %w", err)
	}
	return f, nil
}

func (r *fileRecordRepo) MaxVersion(ctx context.Context, employeeID string, category model.Category) (int, error) {
	query := `
		SELECT COALESCE(MAX(version_number), 0)
		FROM file_records
		WHERE employee_id = $1 AND category = $2`

	var version int
	if err := r.db.QueryRow(ctx, query, employeeID, string(category)).Scan(&version); err != nil {
		if isInvalidText(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка получения максимальной версии: %w", err)
	}
	return version, nil
}

func (r *fileRecordRepo) UpdateStatus(ctx context.Context, id string, from, to model.FileStatus, metadata map[string]any) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: недопустимый переход %s → %s", ErrConflict, from, to)
	}

	query := `
		UPDATE file_records
		SET status = $3, metadata = metadata || $4::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, id, string(from), string(to), nonNilMeta(metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: stored-запись с таким содержимым уже существует", ErrConflict)
		}
		if isInvalidText(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления статуса записи: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Различаем отсутствие записи и неожиданный текущий статус
	var current string
	err = r.db.QueryRow(ctx, `SELECT status FROM file_records WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка получения статуса записи: %w", err)
	}
	return fmt.Errorf("%w: текущий статус %s, ожидался %s", ErrConflict, current, from)
}

func (r *fileRecordRepo) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	query := `
		UPDATE file_records
		SET metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, nonNilMeta(metadata))
	if err != nil {
		if isInvalidText(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления метаданных записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRecordRepo) ListByEmployee(ctx context.Context, employeeID string, filters FileRecordFilters) ([]*model.FileRecord, error) {
	conditions := []string{"employee_id = $1"}
	args := []any{employeeID}

	if filters.Category != nil {
		args = append(args, string(*filters.Category))
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM file_records
		WHERE %s
		ORDER BY category, version_number DESC`, fileRecordColumns, strings.Join(conditions, " AND "))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения записей сотрудника: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи о файле: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения записей сотрудника: %w", err)
	}
	return result, nil
}
