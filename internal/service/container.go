// Пакет service — бизнес-логика DocVault: контейнеры сотрудников,
// версионированное хранилище файлов, health-проверки, bulk-операции
// и выдача токенов доступа.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/repository"
	"github.com/bigkaa/docvault/internal/storage/blob"
	"github.com/bigkaa/docvault/internal/storage/metadoc"
)

// Presence — наличие контейнера с двух сторон: маркер в БД и директория.
type Presence struct {
	Marker    bool `json:"marker"`
	Directory bool `json:"directory"`
}

// Exists — контейнер существует только если обе стороны согласны.
func (p Presence) Exists() bool { return p.Marker && p.Directory }

// Drift — стороны расходятся.
func (p Presence) Drift() bool { return p.Marker != p.Directory }

// InitResult — результат инициализации или ремонта контейнера.
type InitResult struct {
	EmployeeID string `json:"employee_id"`
	// Created — false, если контейнер уже существовал и изменений не было
	Created   bool   `json:"created"`
	Path      string `json:"path"`
	FileCount int    `json:"file_count"`
	// Restored — количество blob, возвращённых на место после ремонта
	Restored int `json:"restored,omitempty"`
}

// ContainerService — управление скелетом контейнера сотрудника:
// четыре директории категорий, metadata.json и поля контейнера в БД.
type ContainerService struct {
	employees repository.EmployeeRepository
	files     repository.FileRecordRepository
	backend   blob.Backend
	locks     *Locks
	clock     Clock
	logger    *slog.Logger
}

// NewContainerService создаёт сервис контейнеров.
func NewContainerService(
	employees repository.EmployeeRepository,
	files repository.FileRecordRepository,
	backend blob.Backend,
	locks *Locks,
	clock Clock,
	logger *slog.Logger,
) *ContainerService {
	return &ContainerService{
		employees: employees,
		files:     files,
		backend:   backend,
		locks:     locks,
		clock:     clock,
		logger:    logger.With(slog.String("component", "container")),
	}
}

// GetEmployee возвращает сотрудника или NotFoundError.
func (s *ContainerService) GetEmployee(ctx context.Context, employeeID string) (*model.Employee, error) {
	emp, err := s.employees.GetByID(ctx, employeeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "сотрудник", ID: employeeID}
		}
		return nil, fmt.Errorf("ошибка получения сотрудника: %w", err)
	}
	return emp, nil
}

// Presence проверяет маркер в БД и физическую директорию.
func (s *ContainerService) Presence(ctx context.Context, emp *model.Employee) (Presence, error) {
	dir, err := s.backend.Exists(ctx, metadoc.ContainerPath(emp.ID))
	if err != nil {
		return Presence{}, storageErr("exists", err)
	}
	return Presence{Marker: emp.HasContainerMarker(), Directory: dir}, nil
}

// HasContainer возвращает true, только если существуют и маркер, и директория.
// Расхождение не исправляется здесь: это находка health-проверки.
func (s *ContainerService) HasContainer(ctx context.Context, emp *model.Employee) (bool, error) {
	p, err := s.Presence(ctx, emp)
	if err != nil {
		return false, err
	}
	return p.Exists(), nil
}

// Initialize создаёт контейнер сотрудника. Идемпотентна: если маркер и
// директория уже согласованно существуют, возвращает успех без изменений
// (если не задан force).
func (s *ContainerService) Initialize(ctx context.Context, employeeID string, force bool) (*InitResult, error) {
	emp, err := s.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	return s.initialize(ctx, emp, force)
}

// Ensure создаёт контейнер, если его нет. Вызывается перед каждой загрузкой.
func (s *ContainerService) Ensure(ctx context.Context, emp *model.Employee) error {
	exists, err := s.HasContainer(ctx, emp)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.initialize(ctx, emp, false)
	return err
}

// initialize — общий путь создания скелета. Присутствие перепроверяется под
// блокировкой инициализации, чтобы параллельные загрузки не создавали
// контейнер дважды.
func (s *ContainerService) initialize(ctx context.Context, emp *model.Employee, force bool) (*InitResult, error) {
	unlock := s.locks.Init(emp.ID)
	defer unlock()

	result := &InitResult{EmployeeID: emp.ID, Path: metadoc.ContainerPath(emp.ID)}

	if !force {
		fresh, err := s.GetEmployee(ctx, emp.ID)
		if err != nil {
			return nil, err
		}
		*emp = *fresh

		p, err := s.Presence(ctx, emp)
		if err != nil {
			return nil, err
		}
		if p.Exists() {
			result.FileCount = emp.ContainerFileCount
			return result, nil
		}
	}

	for _, c := range model.Categories {
		if err := s.backend.MakeDir(ctx, metadoc.CategoryPath(emp.ID, c)); err != nil {
			return nil, storageErr("make_dir", err)
		}
	}

	now := s.clock.Now()
	if emp.ContainerCreatedAt == nil {
		emp.ContainerCreatedAt = &now
	}

	if err := s.Refresh(ctx, emp, model.ContainerActive); err != nil {
		return nil, err
	}

	result.Created = true
	result.FileCount = emp.ContainerFileCount

	s.logger.Info("Контейнер инициализирован",
		slog.String("employee_id", emp.ID),
		slog.Bool("force", force),
		slog.Int("file_count", emp.ContainerFileCount),
	)
	return result, nil
}

// Repair пересоздаёт контейнер с нуля под эксклюзивной блокировкой:
// удаляет дерево, сбрасывает поля контейнера и инициализирует заново.
// Blob записей в статусе stored временно переносятся в архив и
// возвращаются после пересоздания, поэтому содержимое не теряется.
func (s *ContainerService) Repair(ctx context.Context, employeeID string) (*InitResult, error) {
	emp, err := s.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.WriteEmployee(emp.ID)
	defer unlock()

	return s.repairLocked(ctx, emp)
}

func (s *ContainerService) repairLocked(ctx context.Context, emp *model.Employee) (*InitResult, error) {
	stored := model.StatusStored
	records, err := s.files.ListByEmployee(ctx, emp.ID, repository.FileRecordFilters{Status: &stored})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записей сотрудника: %w", err)
	}

	now := s.clock.Now()
	stagingRoot := blob.Join(metadoc.ArchiveRoot, "repair", now.Format("20060102T150405"), emp.ID)

	// Переносим сохранённые blob в staging
	staged := make(map[*model.FileRecord]string)
	for _, rec := range records {
		ok, err := s.backend.Exists(ctx, rec.StoragePath)
		if err != nil {
			s.unstage(ctx, staged)
			return nil, storageErr("exists", err)
		}
		if !ok {
			continue
		}
		dst := blob.Join(stagingRoot, string(rec.Category), rec.StoredFilename)
		if err := s.backend.Move(ctx, rec.StoragePath, dst); err != nil {
			s.unstage(ctx, staged)
			return nil, storageErr("stage", err)
		}
		staged[rec] = dst
	}

	if err := s.backend.Delete(ctx, metadoc.ContainerPath(emp.ID)); err != nil {
		s.unstage(ctx, staged)
		return nil, storageErr("delete", err)
	}

	if err := s.employees.UpdateContainer(ctx, emp.ID, model.ContainerState{Status: model.ContainerNone}); err != nil {
		s.unstage(ctx, staged)
		return nil, storageErr("update_employee", err)
	}
	emp.ContainerCreatedAt = nil
	emp.ContainerStatus = model.ContainerNone
	emp.ContainerFileCount = 0
	emp.ContainerLastUpdated = nil

	result, err := s.initialize(ctx, emp, true)
	if err != nil {
		s.unstage(ctx, staged)
		return nil, err
	}

	restored := s.unstage(ctx, staged)
	result.Restored = restored

	s.logger.Warn("Контейнер пересоздан",
		slog.String("employee_id", emp.ID),
		slog.Int("restored", restored),
		slog.Int("staged", len(staged)),
	)
	return result, nil
}

// unstage возвращает blob из staging на исходные пути.
// Ошибки логируются: неперенесённые файлы остаются в архиве.
func (s *ContainerService) unstage(ctx context.Context, staged map[*model.FileRecord]string) int {
	restored := 0
	for rec, src := range staged {
		if err := s.backend.Move(ctx, src, rec.StoragePath); err != nil {
			s.logger.Error("Не удалось вернуть файл из staging",
				slog.String("file_id", rec.ID),
				slog.String("staging_path", src),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	return restored
}

// Refresh пересобирает metadata.json из записей и записывает поля
// контейнера сотрудника (количество stored-файлов, время обновления, статус).
func (s *ContainerService) Refresh(ctx context.Context, emp *model.Employee, status model.ContainerStatus) error {
	meta, err := s.buildMetadata(ctx, emp)
	if err != nil {
		return err
	}
	if err := metadoc.Write(ctx, s.backend, meta); err != nil {
		return storageErr("write_metadata", err)
	}

	now := s.clock.Now()
	created := emp.ContainerCreatedAt
	if created == nil {
		created = &now
	}
	state := model.ContainerState{
		CreatedAt:   created,
		Status:      status,
		FileCount:   meta.TotalFiles,
		LastUpdated: &now,
	}
	if err := s.employees.UpdateContainer(ctx, emp.ID, state); err != nil {
		return storageErr("update_employee", err)
	}

	emp.ContainerCreatedAt = state.CreatedAt
	emp.ContainerStatus = state.Status
	emp.ContainerFileCount = state.FileCount
	emp.ContainerLastUpdated = state.LastUpdated
	return nil
}

// WriteMetadata пересобирает только metadata.json, не трогая поля в БД.
func (s *ContainerService) WriteMetadata(ctx context.Context, emp *model.Employee) error {
	meta, err := s.buildMetadata(ctx, emp)
	if err != nil {
		return err
	}
	if err := metadoc.Write(ctx, s.backend, meta); err != nil {
		return storageErr("write_metadata", err)
	}
	return nil
}

func (s *ContainerService) buildMetadata(ctx context.Context, emp *model.Employee) (*model.ContainerMetadata, error) {
	records, err := s.files.ListByEmployee(ctx, emp.ID, repository.FileRecordFilters{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записей сотрудника: %w", err)
	}

	// Предыдущий документ нужен только для дат создания директорий
	prev, err := metadoc.Read(ctx, s.backend, emp.ID)
	if err != nil {
		prev = nil
	}
	return metadoc.Build(emp, records, prev, s.clock.Now()), nil
}
