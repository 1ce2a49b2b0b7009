// health.go — health-проверка и ремонт контейнеров сотрудников.
//
// Сверка сравнивает:
//   - маркер контейнера в БД с физической директорией
//   - набор директорий категорий с фиксированным
//   - metadata.json с фактическими stored-записями
//   - stored-записи с физическими blob (и хэши, если включено)
//   - blob в директориях категорий с записями
//
// metadata.json никогда не считается источником истины: при ремонте он
// пересобирается из file_records.
//
// Запускается по запросу или фоновым тикером (DV_HEALTH_SCAN_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/repository"
	"github.com/bigkaa/docvault/internal/storage/blob"
	"github.com/bigkaa/docvault/internal/storage/metadoc"
)

// Веса находок при расчёте score.
const (
	weightDrift            = 40
	weightMissingDirectory = 15
	weightMetadata         = 30
	weightOrphanRecord     = 10
	weightChecksum         = 10
	weightWarning          = 5
)

// repairActor — значение deleted_by для записей, закрытых ремонтом.
const repairActor = "health-repair"

// HealthConfig — параметры health-проверок.
type HealthConfig struct {
	// CountTolerance — допустимое расхождение счётчиков metadata.json
	CountTolerance int
	// VerifyChecksums — пересчитывать SHA-256 каждого blob при проверке
	VerifyChecksums bool
	// Interval — период фонового сканирования
	Interval time.Duration
	// BatchSize — размер страницы выборки сотрудников
	BatchSize int
}

// HealthCheckRequest — параметры проверки: один сотрудник или все по фильтрам.
type HealthCheckRequest struct {
	EmployeeID string                `json:"employee_id,omitempty"`
	All        bool                  `json:"all,omitempty"`
	Filters    model.EmployeeFilters `json:"-"`
	Repair     bool                  `json:"repair,omitempty"`
}

// HealthSummary — агрегированный итог проверки.
type HealthSummary struct {
	Checked     int                   `json:"checked"`
	Healthy     int                   `json:"healthy"`
	Warning     int                   `json:"warning"`
	Critical    int                   `json:"critical"`
	Error       int                   `json:"error"`
	Skipped     int                   `json:"skipped"`
	Repaired    int                   `json:"repaired"`
	Failed      int                   `json:"failed"`
	Reports     []*model.HealthReport `json:"reports"`
	Repairs     []*model.RepairResult `json:"repairs,omitempty"`
	Errors      []UnitError           `json:"errors,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
}

// inspection — результат сверки с данными, нужными для ремонта.
type inspection struct {
	report        *model.HealthReport
	presence      Presence
	missingDirs   []model.Category
	orphanRecords []*model.FileRecord
	badChecksums  []*model.FileRecord
	orphanFiles   []orphanFile
}

type orphanFile struct {
	category model.Category
	name     string
}

// HealthService — health-проверки, ремонт и фоновое сканирование.
type HealthService struct {
	employees  repository.EmployeeRepository
	files      repository.FileRecordRepository
	containers *ContainerService
	backend    blob.Backend
	locks      *Locks
	clock      Clock
	cfg        HealthConfig
	logger     *slog.Logger

	mu        sync.Mutex // защита от параллельного фонового запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewHealthService создаёт сервис health-проверок.
func NewHealthService(
	employees repository.EmployeeRepository,
	files repository.FileRecordRepository,
	containers *ContainerService,
	backend blob.Backend,
	locks *Locks,
	clock Clock,
	cfg HealthConfig,
	logger *slog.Logger,
) *HealthService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &HealthService{
		employees:  employees,
		files:      files,
		containers: containers,
		backend:    backend,
		locks:      locks,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "health")),
	}
}

// ComputeHealth проверяет контейнер сотрудника без изменений.
func (s *HealthService) ComputeHealth(ctx context.Context, employeeID string) (*model.HealthReport, error) {
	emp, err := s.containers.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.ReadEmployee(emp.ID)
	defer unlock()

	insp, err := s.inspect(ctx, emp)
	if err != nil {
		return nil, err
	}
	observeReport(insp.report)
	return insp.report, nil
}

// inspect выполняет сверку. Вызывается под блокировкой сотрудника.
func (s *HealthService) inspect(ctx context.Context, emp *model.Employee) (*inspection, error) {
	report := &model.HealthReport{
		EmployeeID: emp.ID,
		Issues:     []model.HealthIssue{},
		Warnings:   []model.HealthIssue{},
		CheckedAt:  s.clock.Now(),
	}
	insp := &inspection{report: report}

	presence, err := s.containers.Presence(ctx, emp)
	if err != nil {
		return nil, err
	}
	insp.presence = presence

	// Полное физическое отсутствие — всегда error. Stored-записи всё равно
	// сверяются, чтобы ремонт за один проход разобрался и с их blob.
	if !presence.Directory {
		desc := "директория контейнера отсутствует"
		if presence.Marker {
			desc = "директория контейнера отсутствует, хотя в БД отмечено создание"
		}
		report.Issues = append(report.Issues, model.HealthIssue{
			Type:        model.IssueContainerMissing,
			Path:        metadoc.ContainerPath(emp.ID),
			Description: desc,
		})
		if presence.Marker {
			report.Issues = append(report.Issues, model.HealthIssue{
				Type:        model.IssueDrift,
				Path:        metadoc.ContainerPath(emp.ID),
				Description: "контейнер отмечен в БД, но директория отсутствует",
			})
		}

		records, err := s.files.ListByEmployee(ctx, emp.ID, repository.FileRecordFilters{})
		if err != nil {
			return nil, fmt.Errorf("ошибка получения записей сотрудника: %w", err)
		}
		if _, err := s.checkStoredRecords(ctx, insp, records); err != nil {
			return nil, err
		}

		report.Status = model.HealthError
		report.Score = 0
		return insp, nil
	}

	penalty := 0
	fatal := false

	if !presence.Marker {
		report.Issues = append(report.Issues, model.HealthIssue{
			Type:        model.IssueDrift,
			Path:        metadoc.ContainerPath(emp.ID),
			Description: "директория существует, но в БД контейнер не отмечен",
		})
		penalty += weightDrift
	}

	dirPresent := make(map[model.Category]bool, len(model.Categories))
	for _, c := range model.Categories {
		ok, err := s.backend.Exists(ctx, metadoc.CategoryPath(emp.ID, c))
		if err != nil {
			return nil, storageErr("exists", err)
		}
		dirPresent[c] = ok
		if !ok {
			insp.missingDirs = append(insp.missingDirs, c)
			report.Issues = append(report.Issues, model.HealthIssue{
				Type:        model.IssueMissingDirectory,
				Category:    c,
				Path:        metadoc.CategoryPath(emp.ID, c),
				Description: fmt.Sprintf("отсутствует директория категории %s", c),
			})
			penalty += weightMissingDirectory
		}
	}

	records, err := s.files.ListByEmployee(ctx, emp.ID, repository.FileRecordFilters{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записей сотрудника: %w", err)
	}

	storedCount := 0
	perCategory := make(map[model.Category]int, len(model.Categories))
	known := make(map[model.Category]map[string]bool, len(model.Categories))
	for _, rec := range records {
		if rec.Status != model.StatusStored && rec.Status != model.StatusPending {
			continue
		}
		if known[rec.Category] == nil {
			known[rec.Category] = make(map[string]bool)
		}
		known[rec.Category][rec.StoredFilename] = true
		if rec.Status == model.StatusStored {
			storedCount++
			perCategory[rec.Category]++
		}
	}

	// metadata.json
	meta, err := metadoc.Read(ctx, s.backend, emp.ID)
	if err != nil {
		report.Issues = append(report.Issues, model.HealthIssue{
			Type:        model.IssueMetadataUnreadable,
			Path:        metadoc.MetadataPath(emp.ID),
			Description: fmt.Sprintf("metadata.json не читается: %v", err),
		})
		penalty += weightMetadata
		fatal = true
	} else {
		for _, c := range model.Categories {
			declared := meta.Directories[c].FileCount
			if abs(declared-perCategory[c]) > s.cfg.CountTolerance {
				report.Warnings = append(report.Warnings, model.HealthIssue{
					Type:     model.IssueMetadataMismatch,
					Category: c,
					Path:     metadoc.MetadataPath(emp.ID),
					Description: fmt.Sprintf("metadata.json: %d файлов в %s, фактически %d",
						declared, c, perCategory[c]),
				})
				penalty += weightWarning
			}
		}
		if abs(meta.TotalFiles-storedCount) > s.cfg.CountTolerance {
			report.Warnings = append(report.Warnings, model.HealthIssue{
				Type:        model.IssueMetadataMismatch,
				Path:        metadoc.MetadataPath(emp.ID),
				Description: fmt.Sprintf("metadata.json: всего %d файлов, фактически %d", meta.TotalFiles, storedCount),
			})
			penalty += weightWarning
		}
	}

	recPenalty, err := s.checkStoredRecords(ctx, insp, records)
	if err != nil {
		return nil, err
	}
	penalty += recPenalty

	// Blob без записей
	for _, c := range model.Categories {
		if !dirPresent[c] {
			continue
		}
		names, err := s.backend.ListFiles(ctx, metadoc.CategoryPath(emp.ID, c))
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			return nil, storageErr("list", err)
		}
		for _, name := range names {
			if known[c][name] {
				continue
			}
			insp.orphanFiles = append(insp.orphanFiles, orphanFile{category: c, name: name})
			report.Warnings = append(report.Warnings, model.HealthIssue{
				Type:        model.IssueOrphanFile,
				Category:    c,
				Path:        metadoc.FilePath(emp.ID, c, name),
				Description: "файл без записи в БД",
			})
			penalty += weightWarning
		}
	}

	if emp.ContainerFileCount != storedCount {
		report.Warnings = append(report.Warnings, model.HealthIssue{
			Type: model.IssueCounterMismatch,
			Description: fmt.Sprintf("container_file_count=%d, фактически stored-файлов %d",
				emp.ContainerFileCount, storedCount),
		})
		penalty += weightWarning
	}

	report.Score = max(0, 100-penalty)
	switch {
	case fatal:
		report.Status = model.HealthError
	case len(report.Issues) > 0:
		report.Status = model.HealthCritical
	case len(report.Warnings) > 0:
		report.Status = model.HealthWarning
	default:
		report.Status = model.HealthHealthy
	}
	return insp, nil
}

// checkStoredRecords ищет stored-записи без blob и с неверным хэшем
// (если включена проверка хэшей). Возвращает штраф к оценке.
func (s *HealthService) checkStoredRecords(ctx context.Context, insp *inspection, records []*model.FileRecord) (int, error) {
	penalty := 0
	for _, rec := range records {
		if rec.Status != model.StatusStored {
			continue
		}
		ok, err := s.backend.Exists(ctx, rec.StoragePath)
		if err != nil {
			return 0, storageErr("exists", err)
		}
		if !ok {
			insp.orphanRecords = append(insp.orphanRecords, rec)
			insp.report.Issues = append(insp.report.Issues, model.HealthIssue{
				Type:        model.IssueOrphanRecord,
				Category:    rec.Category,
				Path:        rec.StoragePath,
				FileID:      rec.ID,
				Description: fmt.Sprintf("версия %d: blob отсутствует", rec.VersionNumber),
			})
			penalty += weightOrphanRecord
			continue
		}
		if !s.cfg.VerifyChecksums {
			continue
		}
		actual, err := hashBlob(ctx, s.backend, rec.StoragePath)
		if err != nil {
			return 0, storageErr("read", err)
		}
		if actual != rec.ContentHash {
			insp.badChecksums = append(insp.badChecksums, rec)
			insp.report.Issues = append(insp.report.Issues, model.HealthIssue{
				Type:        model.IssueChecksumMismatch,
				Category:    rec.Category,
				Path:        rec.StoragePath,
				FileID:      rec.ID,
				Description: fmt.Sprintf("версия %d: хэш %s, ожидался %s", rec.VersionNumber, actual, rec.ContentHash),
			})
			penalty += weightChecksum
		}
	}
	return penalty, nil
}

// Repair применяет исправления по найденным причинам под эксклюзивной
// блокировкой сотрудника. Частичный успех допустим: неисправленное
// перечисляется в Errors.
func (s *HealthService) Repair(ctx context.Context, employeeID string) (*model.RepairResult, error) {
	emp, err := s.containers.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.WriteEmployee(emp.ID)
	defer unlock()

	insp, err := s.inspect(ctx, emp)
	if err != nil {
		return nil, err
	}
	return s.repairLocked(ctx, emp, insp), nil
}

func (s *HealthService) repairLocked(ctx context.Context, emp *model.Employee, insp *inspection) *model.RepairResult {
	result := &model.RepairResult{
		EmployeeID:  emp.ID,
		RepairsMade: []string{},
		Errors:      []string{},
	}
	if !insp.report.HasFindings() {
		result.Success = true
		return result
	}

	if !insp.presence.Directory {
		insp.missingDirs = model.Categories
	}
	for _, c := range insp.missingDirs {
		if err := s.backend.MakeDir(ctx, metadoc.CategoryPath(emp.ID, c)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("директория %s: %v", c, err))
			continue
		}
		result.RepairsMade = append(result.RepairsMade, fmt.Sprintf("создана директория %s", c))
	}

	now := s.clock.Now()
	for _, rec := range insp.orphanRecords {
		if s.restoreFromBackup(ctx, rec) {
			result.RepairsMade = append(result.RepairsMade, fmt.Sprintf("файл %s восстановлен из резервной копии", rec.ID))
			continue
		}
		meta := map[string]any{
			model.MetaDeleteReason:  "blob_missing",
			model.MetaDeletedBy:     repairActor,
			model.MetaDeletedAt:     now.Format(time.RFC3339),
			model.MetaFailureReason: "blob_missing",
		}
		if err := s.files.UpdateStatus(ctx, rec.ID, model.StatusStored, model.StatusDeleted, meta); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("запись %s: %v", rec.ID, err))
			continue
		}
		result.RepairsMade = append(result.RepairsMade, fmt.Sprintf("запись %s без blob помечена удалённой", rec.ID))
	}

	for _, rec := range insp.badChecksums {
		if s.restoreFromBackup(ctx, rec) {
			result.RepairsMade = append(result.RepairsMade, fmt.Sprintf("файл %s восстановлен из резервной копии", rec.ID))
			continue
		}
		result.Errors = append(result.Errors, fmt.Sprintf("файл %s повреждён, корректной резервной копии нет", rec.ID))
	}

	for _, of := range insp.orphanFiles {
		src := metadoc.FilePath(emp.ID, of.category, of.name)
		dst := metadoc.OrphanArchivePath(emp.ID, of.category, of.name)
		if err := s.backend.Move(ctx, src, dst); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("файл %s: %v", src, err))
			continue
		}
		result.RepairsMade = append(result.RepairsMade, fmt.Sprintf("файл без записи %s перенесён в %s", src, dst))
	}

	status := model.ContainerActive
	if len(result.Errors) > 0 {
		status = model.ContainerDegraded
	}
	if err := s.containers.Refresh(ctx, emp, status); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("metadata.json и счётчики: %v", err))
	} else {
		result.RepairsMade = append(result.RepairsMade, "metadata.json пересобран, счётчики выровнены")
	}

	result.Success = len(result.Errors) == 0
	s.logger.Info("Ремонт контейнера выполнен",
		slog.String("employee_id", emp.ID),
		slog.Bool("success", result.Success),
		slog.Int("repairs", len(result.RepairsMade)),
		slog.Int("errors", len(result.Errors)),
	)
	return result
}

// restoreFromBackup копирует резервную копию на место blob, если её хэш
// совпадает с content_hash записи.
func (s *HealthService) restoreFromBackup(ctx context.Context, rec *model.FileRecord) bool {
	backupPath := rec.MetaString(model.MetaBackupPath)
	if backupPath == "" {
		return false
	}
	hash, err := hashBlob(ctx, s.backend, backupPath)
	if err != nil || hash != rec.ContentHash {
		return false
	}
	if err := s.backend.Copy(ctx, backupPath, rec.StoragePath); err != nil {
		s.logger.Error("Не удалось восстановить файл из резервной копии",
			slog.String("file_id", rec.ID),
			slog.String("backup_path", backupPath),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// Check выполняет проверку одного или всех сотрудников. Сбой по одному
// сотруднику фиксируется в отчёте и не прерывает остальные.
func (s *HealthService) Check(ctx context.Context, req HealthCheckRequest) (*HealthSummary, error) {
	if req.EmployeeID == "" && !req.All {
		return nil, &ValidationError{Field: "employee_id", Message: "укажите employee_id или all"}
	}
	if req.EmployeeID != "" && req.All {
		return nil, &ValidationError{Field: "all", Message: "employee_id и all взаимоисключающие"}
	}

	if req.EmployeeID != "" {
		emp, err := s.containers.GetEmployee(ctx, req.EmployeeID)
		if err != nil {
			return nil, err
		}
		return s.check(ctx, []*model.Employee{emp}, req.Repair, false), nil
	}

	emps, err := snapshotEmployees(ctx, s.employees, req.Filters, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, emps, req.Repair, false), nil
}

func (s *HealthService) check(ctx context.Context, emps []*model.Employee, repair, skipAbsent bool) *HealthSummary {
	summary := &HealthSummary{
		Reports:   []*model.HealthReport{},
		StartedAt: s.clock.Now(),
	}
	start := time.Now()

	for _, emp := range emps {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, UnitError{EmployeeID: emp.ID, Error: ctx.Err().Error()})
			summary.Failed++
			continue
		}

		var (
			report *model.HealthReport
			res    *model.RepairResult
			absent bool
		)
		err := safeUnit(func() error {
			var unitErr error
			report, res, absent, unitErr = s.checkOne(ctx, emp, repair, skipAbsent)
			return unitErr
		})
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, UnitError{EmployeeID: emp.ID, Error: err.Error()})
			s.logger.Error("Ошибка health-проверки сотрудника",
				slog.String("employee_id", emp.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if absent {
			summary.Skipped++
			continue
		}

		summary.Checked++
		summary.Reports = append(summary.Reports, report)
		switch report.Status {
		case model.HealthHealthy:
			summary.Healthy++
		case model.HealthWarning:
			summary.Warning++
		case model.HealthCritical:
			summary.Critical++
		case model.HealthError:
			summary.Error++
		}
		if res != nil {
			summary.Repairs = append(summary.Repairs, res)
			if res.Success && len(res.RepairsMade) > 0 {
				summary.Repaired++
			}
		}
	}

	summary.CompletedAt = s.clock.Now()
	healthScansTotal.Inc()
	healthScanDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("Health-проверка завершена",
		slog.Int("checked", summary.Checked),
		slog.Int("healthy", summary.Healthy),
		slog.Int("warning", summary.Warning),
		slog.Int("critical", summary.Critical),
		slog.Int("error", summary.Error),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
	)
	return summary
}

// checkOne проверяет одного сотрудника и при необходимости ремонтирует.
// absent=true, если контейнера нет ни в БД, ни на диске и skipAbsent задан.
func (s *HealthService) checkOne(ctx context.Context, emp *model.Employee, repair, skipAbsent bool) (*model.HealthReport, *model.RepairResult, bool, error) {
	var unlock func()
	if repair {
		unlock = s.locks.WriteEmployee(emp.ID)
	} else {
		unlock = s.locks.ReadEmployee(emp.ID)
	}
	defer unlock()

	insp, err := s.inspect(ctx, emp)
	if err != nil {
		return nil, nil, false, err
	}
	if skipAbsent && !insp.presence.Marker && !insp.presence.Directory {
		return nil, nil, true, nil
	}
	observeReport(insp.report)

	if !repair {
		return insp.report, nil, false, nil
	}
	return insp.report, s.repairLocked(ctx, emp, insp), false, nil
}

// Start запускает фоновое сканирование с периодическим тикером.
func (s *HealthService) Start(ctx context.Context) {
	hsCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(hsCtx)

	s.logger.Info("Фоновое health-сканирование запущено",
		slog.String("interval", s.cfg.Interval.String()),
	)
}

// Stop останавливает фоновое сканирование.
func (s *HealthService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Фоновое health-сканирование остановлено")
}

// IsInProgress возвращает true, если сканирование выполняется.
func (s *HealthService) IsInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProcess
}

func (s *HealthService) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет одно сканирование всех активных сотрудников без ремонта.
// Если сканирование уже выполняется, возвращает nil, true.
// Сотрудники без контейнера пропускаются.
func (s *HealthService) RunOnce(ctx context.Context) (*HealthSummary, bool) {
	s.mu.Lock()
	if s.inProcess {
		s.mu.Unlock()
		s.logger.Warn("Health-сканирование уже выполняется, пропуск")
		return nil, true
	}
	s.inProcess = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProcess = false
		s.mu.Unlock()
	}()

	emps, err := snapshotEmployees(ctx, s.employees, model.EmployeeFilters{ActiveOnly: true}, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Ошибка выборки сотрудников для сканирования",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return s.check(ctx, emps, false, true), false
}

func observeReport(r *model.HealthReport) {
	for _, i := range r.Issues {
		healthIssuesTotal.WithLabelValues(string(i.Type)).Inc()
	}
	for _, w := range r.Warnings {
		healthIssuesTotal.WithLabelValues(string(w.Type)).Inc()
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
