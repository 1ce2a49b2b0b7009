package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/bigkaa/docvault/internal/domain/model"
)

// EmployeeRepository — доступ к таблице employees.
// Сотрудники создаются HR-приложением; здесь изменяются только поля контейнера.
type EmployeeRepository interface {
	// GetByID возвращает сотрудника по UUID.
	GetByID(ctx context.Context, id string) (*model.Employee, error)
	// List возвращает страницу сотрудников по фильтрам в стабильном порядке (id).
	List(ctx context.Context, filters model.EmployeeFilters, limit, offset int) ([]*model.Employee, error)
	// Count возвращает количество сотрудников по фильтрам.
	Count(ctx context.Context, filters model.EmployeeFilters) (int, error)
	// UpdateContainer записывает четыре поля контейнера.
	UpdateContainer(ctx context.Context, id string, state model.ContainerState) error
}

type employeeRepo struct {
	db DBTX
}

// NewEmployeeRepository создаёт репозиторий сотрудников.
func NewEmployeeRepository(db DBTX) EmployeeRepository {
	return &employeeRepo{db: db}
}

const employeeColumns = `id, employee_number, full_name, department, is_active,
	container_created_at, container_status, container_file_count, container_last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (*model.Employee, error) {
	e := &model.Employee{}
	err := row.Scan(
		&e.ID, &e.EmployeeNumber, &e.FullName, &e.Department, &e.IsActive,
		&e.ContainerCreatedAt, &e.ContainerStatus, &e.ContainerFileCount, &e.ContainerLastUpdated,
	)
	return e, err
}

func (r *employeeRepo) GetByID(ctx context.Context, id string) (*model.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE id = $1`

	e, err := scanEmployee(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сотрудника: %w", err)
	}
	return e, nil
}

// buildEmployeeWhere строит WHERE-условие и аргументы для фильтрации сотрудников.
func buildEmployeeWhere(filters model.EmployeeFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if len(filters.IDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("id::text = ANY($%d)", argNum))
		args = append(args, filters.IDs)
		argNum++
	}
	if filters.Department != nil {
		conditions = append(conditions, fmt.Sprintf("department = $%d", argNum))
		args = append(args, *filters.Department)
		argNum++
	}
	if filters.ActiveOnly {
		conditions = append(conditions, "is_active")
	}
	if filters.ContainerStatus != nil {
		conditions = append(conditions, fmt.Sprintf("container_status = $%d", argNum))
		args = append(args, string(*filters.ContainerStatus))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *employeeRepo) List(ctx context.Context, filters model.EmployeeFilters, limit, offset int) ([]*model.Employee, error) {
	where, args := buildEmployeeWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT %s
		FROM employees
		%s
		ORDER BY id
		LIMIT $%d OFFSET $%d`, employeeColumns, where, argNum, argNum+1)

	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка сотрудников: %w", err)
	}
	defer rows.Close()

	var result []*model.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования сотрудника: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *employeeRepo) Count(ctx context.Context, filters model.EmployeeFilters) (int, error) {
	where, args := buildEmployeeWhere(filters, 1)
	query := `SELECT COUNT(*) FROM employees ` + where

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта сотрудников: %w", err)
	}
	return count, nil
}

func (r *employeeRepo) UpdateContainer(ctx context.Context, id string, state model.ContainerState) error {
	query := `
		UPDATE employees
		SET container_created_at = $2, container_status = $3,
			container_file_count = $4, container_last_updated = $5, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, state.CreatedAt, string(state.Status), state.FileCount, state.LastUpdated)
	if err != nil {
		if isInvalidText(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления контейнера сотрудника: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
