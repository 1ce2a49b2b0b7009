// bulk.go — пакетные операции над контейнерами: create, repair, migrate, cleanup.
//
// Набор сотрудников фиксируется до начала изменений (постраничная выборка),
// затем обрабатывается партиями. Сбой или паника на одном сотруднике
// учитывается в отчёте и не прерывает остальных. В режиме dry-run
// формируется план без единого изменения.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/repository"
	"github.com/bigkaa/docvault/internal/storage/blob"
	"github.com/bigkaa/docvault/internal/storage/metadoc"
)

// BulkAction — тип пакетной операции.
type BulkAction string

const (
	BulkCreate  BulkAction = "create"
	BulkRepair  BulkAction = "repair"
	BulkMigrate BulkAction = "migrate"
	BulkCleanup BulkAction = "cleanup"
)

// ParseBulkAction преобразует строку в BulkAction.
func ParseBulkAction(s string) (BulkAction, error) {
	switch a := BulkAction(s); a {
	case BulkCreate, BulkRepair, BulkMigrate, BulkCleanup:
		return a, nil
	}
	return "", &ValidationError{Field: "action", Message: fmt.Sprintf("недопустимое действие %q, допустимые: create, repair, migrate, cleanup", s)}
}

// maxBulkBatchSize — верхняя граница размера партии.
const maxBulkBatchSize = 1000

// BulkRequest — параметры пакетной операции.
type BulkRequest struct {
	Action  BulkAction
	Filters model.EmployeeFilters
	// BatchSize — размер партии (0 — значение по умолчанию)
	BatchSize int
	DryRun    bool
	// Force — для create: пересоздавать скелет существующих контейнеров
	Force bool
}

// PlannedAction — действие над одним сотрудником (выполненное или запланированное).
type PlannedAction struct {
	EmployeeID  string `json:"employee_id"`
	Description string `json:"description"`
	Skipped     bool   `json:"skipped,omitempty"`
}

// UnitError — ошибка обработки одного сотрудника.
type UnitError struct {
	EmployeeID string `json:"employee_id"`
	Error      string `json:"error"`
}

// BulkReport — итог пакетной операции. Success=false, если хотя бы один
// сотрудник не обработан.
type BulkReport struct {
	Action      BulkAction      `json:"action"`
	DryRun      bool            `json:"dry_run"`
	Processed   int             `json:"processed"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	SuccessRate float64         `json:"success_rate"`
	Success     bool            `json:"success"`
	Actions     []PlannedAction `json:"actions"`
	Errors      []UnitError     `json:"errors"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// BulkService — оркестратор пакетных операций.
type BulkService struct {
	employees        repository.EmployeeRepository
	containers       *ContainerService
	backend          blob.Backend
	locks            *Locks
	clock            Clock
	defaultBatchSize int
	logger           *slog.Logger
}

// NewBulkService создаёт оркестратор пакетных операций.
func NewBulkService(
	employees repository.EmployeeRepository,
	containers *ContainerService,
	backend blob.Backend,
	locks *Locks,
	clock Clock,
	defaultBatchSize int,
	logger *slog.Logger,
) *BulkService {
	return &BulkService{
		employees:        employees,
		containers:       containers,
		backend:          backend,
		locks:            locks,
		clock:            clock,
		defaultBatchSize: defaultBatchSize,
		logger:           logger.With(slog.String("component", "bulk")),
	}
}

// unitOutcome — результат обработки одного сотрудника.
type unitOutcome struct {
	description string
	skipped     bool
}

// Run выполняет пакетную операцию. Отчёт возвращается всегда (кроме ошибок
// валидации и выборки); ошибка != nil, если хотя бы один сотрудник не обработан.
func (s *BulkService) Run(ctx context.Context, req BulkRequest) (*BulkReport, error) {
	if _, err := ParseBulkAction(string(req.Action)); err != nil {
		return nil, err
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = s.defaultBatchSize
	}
	if batchSize < 1 || batchSize > maxBulkBatchSize {
		return nil, &ValidationError{Field: "batch_size", Message: fmt.Sprintf("значение %d вне диапазона 1-%d", batchSize, maxBulkBatchSize)}
	}

	report := &BulkReport{
		Action:    req.Action,
		DryRun:    req.DryRun,
		Actions:   []PlannedAction{},
		Errors:    []UnitError{},
		StartedAt: s.clock.Now(),
	}

	emps, err := snapshotEmployees(ctx, s.employees, req.Filters, batchSize)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Пакетная операция начата",
		slog.String("action", string(req.Action)),
		slog.Bool("dry_run", req.DryRun),
		slog.Int("employees", len(emps)),
		slog.Int("batch_size", batchSize),
	)

	var result *multierror.Error
	for batch := range slices.Chunk(emps, batchSize) {
		for _, emp := range batch {
			report.Processed++

			if err := ctx.Err(); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, UnitError{EmployeeID: emp.ID, Error: err.Error()})
				result = multierror.Append(result, fmt.Errorf("%s: %w", emp.ID, err))
				bulkUnitsTotal.WithLabelValues(string(req.Action), "error").Inc()
				continue
			}

			var out unitOutcome
			err := safeUnit(func() error {
				var unitErr error
				out, unitErr = s.runUnit(ctx, req, emp)
				return unitErr
			})
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, UnitError{EmployeeID: emp.ID, Error: err.Error()})
				result = multierror.Append(result, fmt.Errorf("%s: %w", emp.ID, err))
				bulkUnitsTotal.WithLabelValues(string(req.Action), "error").Inc()
				s.logger.Error("Ошибка пакетной операции для сотрудника",
					slog.String("action", string(req.Action)),
					slog.String("employee_id", emp.ID),
					slog.String("error", err.Error()),
				)
				continue
			}

			report.Actions = append(report.Actions, PlannedAction{
				EmployeeID:  emp.ID,
				Description: out.description,
				Skipped:     out.skipped,
			})
			switch {
			case out.skipped:
				report.Skipped++
				bulkUnitsTotal.WithLabelValues(string(req.Action), "skipped").Inc()
			default:
				report.Successful++
				bulkUnitsTotal.WithLabelValues(string(req.Action), "ok").Inc()
			}
		}

		s.logger.Debug("Партия обработана",
			slog.String("action", string(req.Action)),
			slog.Int("size", len(batch)),
			slog.Int("processed", report.Processed),
		)
	}

	report.SuccessRate = successRate(report)
	report.Success = report.Failed == 0
	report.CompletedAt = s.clock.Now()

	s.logger.Info("Пакетная операция завершена",
		slog.String("action", string(req.Action)),
		slog.Bool("dry_run", req.DryRun),
		slog.Int("processed", report.Processed),
		slog.Int("successful", report.Successful),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Float64("success_rate", report.SuccessRate),
		slog.Bool("success", report.Success),
	)
	return report, result.ErrorOrNil()
}

// successRate — доля успешных среди обработанных без учёта пропущенных, в процентах.
func successRate(r *BulkReport) float64 {
	denom := r.Processed - r.Skipped
	if denom <= 0 {
		return 100
	}
	return float64(r.Successful) / float64(denom) * 100
}

func (s *BulkService) runUnit(ctx context.Context, req BulkRequest, emp *model.Employee) (unitOutcome, error) {
	switch req.Action {
	case BulkCreate:
		return s.create(ctx, emp, req.DryRun, req.Force)
	case BulkRepair:
		return s.repair(ctx, emp, req.DryRun)
	case BulkMigrate:
		return s.migrate(ctx, emp, req.DryRun)
	case BulkCleanup:
		return s.cleanup(ctx, emp, req.DryRun)
	}
	return unitOutcome{}, fmt.Errorf("неизвестное действие %q", req.Action)
}

func (s *BulkService) create(ctx context.Context, emp *model.Employee, dryRun, force bool) (unitOutcome, error) {
	exists, err := s.containers.HasContainer(ctx, emp)
	if err != nil {
		return unitOutcome{}, err
	}
	if exists && !force {
		return unitOutcome{description: "контейнер уже существует", skipped: true}, nil
	}
	if dryRun {
		return unitOutcome{description: "будет создан контейнер"}, nil
	}
	res, err := s.containers.Initialize(ctx, emp.ID, force)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{description: fmt.Sprintf("контейнер создан, файлов: %d", res.FileCount)}, nil
}

func (s *BulkService) repair(ctx context.Context, emp *model.Employee, dryRun bool) (unitOutcome, error) {
	if dryRun {
		return unitOutcome{description: "контейнер будет пересоздан"}, nil
	}
	res, err := s.containers.Repair(ctx, emp.ID)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{description: fmt.Sprintf("контейнер пересоздан, восстановлено файлов: %d", res.Restored)}, nil
}

func (s *BulkService) migrate(ctx context.Context, emp *model.Employee, dryRun bool) (unitOutcome, error) {
	unlock := s.locks.ReadEmployee(emp.ID)
	defer unlock()

	p, err := s.containers.Presence(ctx, emp)
	if err != nil {
		return unitOutcome{}, err
	}
	if !p.Directory {
		return unitOutcome{description: "контейнера нет", skipped: true}, nil
	}

	from := "нечитаемый"
	meta, err := metadoc.Read(ctx, s.backend, emp.ID)
	switch {
	case err == nil:
		if !metadoc.IsOutdated(meta.ContainerVersion) {
			return unitOutcome{description: fmt.Sprintf("версия %s актуальна", meta.ContainerVersion), skipped: true}, nil
		}
		from = meta.ContainerVersion
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, metadoc.ErrMalformed):
	default:
		return unitOutcome{}, storageErr("read_metadata", err)
	}

	desc := fmt.Sprintf("metadata.json: %s → %s", from, model.ContainerSchemaVersion)
	if dryRun {
		return unitOutcome{description: desc}, nil
	}
	if err := s.containers.WriteMetadata(ctx, emp); err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{description: desc}, nil
}

func (s *BulkService) cleanup(ctx context.Context, emp *model.Employee, dryRun bool) (unitOutcome, error) {
	unlock := s.locks.WriteEmployee(emp.ID)
	defer unlock()

	p, err := s.containers.Presence(ctx, emp)
	if err != nil {
		return unitOutcome{}, err
	}
	if !p.Exists() {
		return unitOutcome{description: "контейнера нет", skipped: true}, nil
	}

	dirs, err := s.backend.ListDirectories(ctx, metadoc.ContainerPath(emp.ID))
	if err != nil {
		return unitOutcome{}, storageErr("list", err)
	}

	var empty []string
	for _, d := range dirs {
		// Директории категорий не удаляются даже пустыми
		if model.Category(d).IsValid() {
			continue
		}
		path := blob.Join(metadoc.ContainerPath(emp.ID), d)
		isEmpty, err := s.isEmptyDir(ctx, path)
		if err != nil {
			return unitOutcome{}, err
		}
		if isEmpty {
			empty = append(empty, path)
		}
	}

	desc := fmt.Sprintf("пустых директорий: %d, счётчики пересчитаны", len(empty))
	if dryRun {
		return unitOutcome{description: fmt.Sprintf("будет удалено пустых директорий: %d, счётчики будут пересчитаны", len(empty))}, nil
	}

	for _, path := range empty {
		if err := s.backend.Delete(ctx, path); err != nil {
			return unitOutcome{}, storageErr("delete", err)
		}
	}
	if err := s.containers.Refresh(ctx, emp, model.ContainerActive); err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{description: desc}, nil
}

func (s *BulkService) isEmptyDir(ctx context.Context, path string) (bool, error) {
	files, err := s.backend.ListFiles(ctx, path)
	if err != nil {
		return false, storageErr("list", err)
	}
	if len(files) > 0 {
		return false, nil
	}
	sub, err := s.backend.ListDirectories(ctx, path)
	if err != nil {
		return false, storageErr("list", err)
	}
	return len(sub) == 0, nil
}

// snapshotEmployees постранично выбирает всех сотрудников по фильтрам до
// начала изменений, чтобы пакетная операция не влияла на собственную выборку.
func snapshotEmployees(ctx context.Context, repo repository.EmployeeRepository, filters model.EmployeeFilters, pageSize int) ([]*model.Employee, error) {
	var all []*model.Employee
	for offset := 0; ; offset += pageSize {
		page, err := repo.List(ctx, filters, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("ошибка выборки сотрудников: %w", err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// safeUnit выполняет fn, превращая панику в ошибку.
func safeUnit(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника: %v", r)
			slog.Error("Паника при обработке сотрудника",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	return fn()
}
