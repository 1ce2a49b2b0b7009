// filestore.go — версионированное хранилище файлов контейнера.
//
// Pipeline загрузки:
//  1. Валидация: размер, MIME, расширение, запрещённые сигнатуры
//  2. SHA-256 и проверка дубликата среди stored-записей категории
//  3. Версия = max + 1
//  4. Запись pending → запись blob под случайным именем
//  5. Проверка типа содержимого → stored, счётчики и metadata.json
//  6. При ошибке на шагах 4–5: удаление blob, статус failed
//
// Шаги 2–5 выполняются под мьютексом (сотрудник, категория);
// уникальные ограничения БД страхуют от гонок между процессами.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/domain/rbac"
	"github.com/bigkaa/docvault/internal/repository"
	"github.com/bigkaa/docvault/internal/storage/blob"
	"github.com/bigkaa/docvault/internal/storage/metadoc"
	"github.com/bigkaa/docvault/internal/storage/scan"
)

// FileStoreConfig — ограничения на загружаемые файлы.
type FileStoreConfig struct {
	MaxFileSize       int64
	AllowedMIMETypes  []string
	AllowedExtensions []string
}

// UploadParams — параметры загрузки одной версии файла.
type UploadParams struct {
	EmployeeID string
	Category   model.Category
	Filename   string
	MimeType   string
	Content    io.Reader
	IssueDate  *time.Time
	ExpiryDate *time.Time
	// Metadata — дополнительные метаданные клиента
	Metadata  map[string]any
	Requester model.Requester
}

// Download — открытый поток содержимого и запись о файле.
// Вызывающий код обязан закрыть Content.
type Download struct {
	Record  *model.FileRecord
	Content io.ReadCloser
}

// BackupResult — результат резервного копирования.
type BackupResult struct {
	FileID     string    `json:"file_id"`
	BackupPath string    `json:"backup_path"`
	BackupAt   time.Time `json:"backup_at"`
}

// VerifyResult — результат проверки целостности.
type VerifyResult struct {
	FileID       string `json:"file_id"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Match        bool   `json:"match"`
}

// FileStoreService — загрузка, чтение, удаление и резервное копирование версий файлов.
type FileStoreService struct {
	employees  repository.EmployeeRepository
	files      repository.FileRecordRepository
	containers *ContainerService
	backend    blob.Backend
	locks      *Locks
	clock      Clock
	cfg        FileStoreConfig
	logger     *slog.Logger

	allowedMIME map[string]bool
	allowedExt  map[string]bool
}

// NewFileStoreService создаёт сервис хранилища файлов.
func NewFileStoreService(
	employees repository.EmployeeRepository,
	files repository.FileRecordRepository,
	containers *ContainerService,
	backend blob.Backend,
	locks *Locks,
	clock Clock,
	cfg FileStoreConfig,
	logger *slog.Logger,
) *FileStoreService {
	s := &FileStoreService{
		employees:   employees,
		files:       files,
		containers:  containers,
		backend:     backend,
		locks:       locks,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "filestore")),
		allowedMIME: make(map[string]bool, len(cfg.AllowedMIMETypes)),
		allowedExt:  make(map[string]bool, len(cfg.AllowedExtensions)),
	}
	for _, m := range cfg.AllowedMIMETypes {
		s.allowedMIME[strings.ToLower(m)] = true
	}
	for _, e := range cfg.AllowedExtensions {
		s.allowedExt[strings.ToLower(e)] = true
	}
	return s
}

// Store сохраняет новую версию файла в категории контейнера сотрудника.
func (s *FileStoreService) Store(ctx context.Context, p UploadParams) (*model.FileRecord, error) {
	rec, err := s.store(ctx, p)
	recordOp("upload", err)
	return rec, err
}

func (s *FileStoreService) store(ctx context.Context, p UploadParams) (*model.FileRecord, error) {
	mimeType, err := s.validateParams(p)
	if err != nil {
		return nil, err
	}

	subject := subjectOf(p.Requester)
	if !rbac.Allowed(subject, rbac.Resource{OwnerEmployeeID: p.EmployeeID}, rbac.ActionUpload) {
		s.logDenied(p.Requester, rbac.ActionUpload, "")
		return nil, &AccessDeniedError{UserID: p.Requester.UserID, Action: string(rbac.ActionUpload)}
	}

	// Чтение с ограничением размера и одновременным вычислением SHA-256
	hasher := sha256.New()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(p.Content, s.cfg.MaxFileSize+1), hasher))
	if err != nil {
		return nil, storageErr("read_upload", err)
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, &ValidationError{Field: "file", Message: fmt.Sprintf("размер превышает максимум %d байт", s.cfg.MaxFileSize)}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Field: "file", Message: "пустой файл"}
	}

	head := data
	if len(head) > scan.HeadSize {
		head = head[:scan.HeadSize]
	}
	if err := scan.CheckSignature(head); err != nil {
		s.logger.Warn("Загрузка отклонена по сигнатуре",
			slog.String("employee_id", p.EmployeeID),
			slog.String("filename", p.Filename),
			slog.String("user_id", p.Requester.UserID),
			slog.String("reason", err.Error()),
		)
		return nil, &ValidationError{Field: "file", Message: err.Error()}
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	emp, err := s.containers.GetEmployee(ctx, p.EmployeeID)
	if err != nil {
		return nil, err
	}

	unlockEmployee := s.locks.ReadEmployee(emp.ID)
	defer unlockEmployee()

	if err := s.containers.Ensure(ctx, emp); err != nil {
		return nil, err
	}

	unlockScope := s.locks.Scope(emp.ID, string(p.Category))
	defer unlockScope()

	existing, err := s.files.FindStoredByHash(ctx, emp.ID, p.Category, hash)
	switch {
	case err == nil:
		return nil, &DuplicateFileError{ExistingID: existing.ID, ExistingVersion: existing.VersionNumber}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("ошибка проверки дубликата: %w", err)
	}

	maxVersion, err := s.files.MaxVersion(ctx, emp.ID, p.Category)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения номера версии: %w", err)
	}

	storedName := uuid.NewString()
	rec := &model.FileRecord{
		ID:               uuid.NewString(),
		EmployeeID:       emp.ID,
		Category:         p.Category,
		VersionNumber:    maxVersion + 1,
		OriginalFilename: filepath.Base(p.Filename),
		StoredFilename:   storedName,
		StoragePath:      metadoc.FilePath(emp.ID, p.Category, storedName),
		MimeType:         mimeType,
		Size:             int64(len(data)),
		ContentHash:      hash,
		Status:           model.StatusPending,
		UploadedBy:       p.Requester.UserID,
		Metadata:         uploadMetadata(p),
		IssueDate:        p.IssueDate,
		ExpiryDate:       p.ExpiryDate,
	}

	if err := s.files.Create(ctx, rec); err != nil {
		return nil, storageErr("create_record", err)
	}

	if err := s.backend.Write(ctx, rec.StoragePath, data); err != nil {
		return nil, s.fail(ctx, rec, storageErr("write", err))
	}

	scanRes, err := scan.CheckFamily(data, mimeType)
	if err != nil {
		return nil, s.fail(ctx, rec, &ValidationError{Field: "file", Message: err.Error()})
	}

	finalMeta := map[string]any{
		model.MetaScanResult:   scanRes.Outcome,
		model.MetaDetectedMIME: scanRes.DetectedMIME,
	}
	if err := s.files.UpdateStatus(ctx, rec.ID, model.StatusPending, model.StatusStored, finalMeta); err != nil {
		return nil, s.fail(ctx, rec, storageErr("mark_stored", err))
	}
	rec.Status = model.StatusStored
	for k, v := range finalMeta {
		rec.Metadata[k] = v
	}

	// Файл сохранён; рассинхронизация счётчиков будет найдена health-проверкой
	if err := s.containers.Refresh(ctx, emp, model.ContainerActive); err != nil {
		s.logger.Warn("Не удалось обновить счётчики контейнера",
			slog.String("employee_id", emp.ID),
			slog.String("error", err.Error()),
		)
	}

	uploadBytesTotal.Add(float64(rec.Size))
	s.logger.Info("Файл сохранён",
		slog.String("file_id", rec.ID),
		slog.String("employee_id", emp.ID),
		slog.String("category", string(rec.Category)),
		slog.Int("version", rec.VersionNumber),
		slog.Int64("size", rec.Size),
		slog.String("user_id", p.Requester.UserID),
	)
	return rec, nil
}

// validateParams проверяет категорию, имя файла, расширение и MIME.
// Возвращает нормализованный MIME-тип.
func (s *FileStoreService) validateParams(p UploadParams) (string, error) {
	if !p.Category.IsValid() {
		return "", &ValidationError{Field: "category", Message: fmt.Sprintf("недопустимая категория %q", p.Category)}
	}
	if p.EmployeeID == "" {
		return "", &ValidationError{Field: "employee_id", Message: "обязательное поле"}
	}
	if strings.TrimSpace(p.Filename) == "" {
		return "", &ValidationError{Field: "filename", Message: "обязательное поле"}
	}
	if p.Content == nil {
		return "", &ValidationError{Field: "file", Message: "содержимое не передано"}
	}

	ext := strings.ToLower(filepath.Ext(p.Filename))
	if !s.allowedExt[ext] {
		return "", &ValidationError{Field: "filename", Message: fmt.Sprintf("расширение %q не разрешено", ext)}
	}

	mimeType := strings.ToLower(strings.TrimSpace(p.MimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if !s.allowedMIME[mimeType] {
		return "", &ValidationError{Field: "mime_type", Message: fmt.Sprintf("MIME-тип %q не разрешён", p.MimeType)}
	}

	if p.IssueDate != nil && p.ExpiryDate != nil && p.ExpiryDate.Before(*p.IssueDate) {
		return "", &ValidationError{Field: "expiry_date", Message: "дата окончания раньше даты выдачи"}
	}
	return mimeType, nil
}

// fail откатывает незавершённую загрузку: удаляет blob и переводит запись в failed.
func (s *FileStoreService) fail(ctx context.Context, rec *model.FileRecord, cause error) error {
	// Откат должен выполниться даже при отменённом контексте запроса
	cleanupCtx := context.WithoutCancel(ctx)

	if err := s.backend.Delete(cleanupCtx, rec.StoragePath); err != nil {
		s.logger.Error("Не удалось удалить частичный blob",
			slog.String("file_id", rec.ID),
			slog.String("path", rec.StoragePath),
			slog.String("error", err.Error()),
		)
	}

	meta := map[string]any{model.MetaFailureReason: cause.Error()}
	if err := s.files.UpdateStatus(cleanupCtx, rec.ID, model.StatusPending, model.StatusFailed, meta); err != nil {
		s.logger.Error("Не удалось перевести запись в failed",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	} else {
		rec.Status = model.StatusFailed
		rec.Metadata[model.MetaFailureReason] = cause.Error()
	}

	s.logger.Warn("Загрузка не удалась",
		slog.String("file_id", rec.ID),
		slog.String("employee_id", rec.EmployeeID),
		slog.String("category", string(rec.Category)),
		slog.Int("version", rec.VersionNumber),
		slog.String("error", cause.Error()),
	)
	return cause
}

// Retrieve проверяет политику доступа и открывает поток содержимого.
func (s *FileStoreService) Retrieve(ctx context.Context, fileID string, requester model.Requester) (*Download, error) {
	d, err := s.retrieve(ctx, fileID, requester)
	recordOp("retrieve", err)
	return d, err
}

func (s *FileStoreService) retrieve(ctx context.Context, fileID string, requester model.Requester) (*Download, error) {
	rec, err := s.getStored(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if !rbac.Allowed(subjectOf(requester), resourceOf(rec), rbac.ActionRetrieve) {
		s.logDenied(requester, rbac.ActionRetrieve, rec.ID)
		return nil, &AccessDeniedError{UserID: requester.UserID, Action: string(rbac.ActionRetrieve), FileID: rec.ID}
	}

	rc, err := s.backend.Read(ctx, rec.StoragePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, &InconsistencyError{EmployeeID: rec.EmployeeID, Detail: fmt.Sprintf("blob файла %s отсутствует", rec.ID)}
		}
		return nil, storageErr("read", err)
	}

	// Журнал доступа
	s.logger.Info("Доступ к файлу",
		slog.String("event", "file_access"),
		slog.String("file_id", rec.ID),
		slog.String("employee_id", rec.EmployeeID),
		slog.String("user_id", requester.UserID),
		slog.String("ip", requester.IP),
		slog.String("user_agent", requester.UserAgent),
		slog.String("session_id", requester.SessionID),
	)
	return &Download{Record: rec, Content: rc}, nil
}

// Delete переносит blob в архив и переводит запись в deleted.
// Право удаления уже, чем право чтения: владелец-сотрудник удалять не может.
func (s *FileStoreService) Delete(ctx context.Context, fileID string, requester model.Requester, reason string) (*model.FileRecord, error) {
	rec, err := s.delete(ctx, fileID, requester, reason)
	recordOp("delete", err)
	return rec, err
}

func (s *FileStoreService) delete(ctx context.Context, fileID string, requester model.Requester, reason string) (*model.FileRecord, error) {
	rec, err := s.getStored(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if !rbac.Allowed(subjectOf(requester), resourceOf(rec), rbac.ActionDelete) {
		s.logDenied(requester, rbac.ActionDelete, rec.ID)
		return nil, &AccessDeniedError{UserID: requester.UserID, Action: string(rbac.ActionDelete), FileID: rec.ID}
	}

	emp, err := s.containers.GetEmployee(ctx, rec.EmployeeID)
	if err != nil {
		return nil, err
	}

	unlockEmployee := s.locks.ReadEmployee(emp.ID)
	defer unlockEmployee()
	unlockScope := s.locks.Scope(emp.ID, string(rec.Category))
	defer unlockScope()

	now := s.clock.Now()
	archivePath := metadoc.ArchivePath(now, rec.EmployeeID, rec.Category, rec.StoredFilename)

	meta := map[string]any{
		model.MetaDeleteReason: reason,
		model.MetaDeletedBy:    requester.UserID,
		model.MetaDeletedAt:    now.Format(time.RFC3339),
		model.MetaArchivePath:  archivePath,
	}

	moved := true
	if err := s.backend.Move(ctx, rec.StoragePath, archivePath); err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			return nil, storageErr("archive", err)
		}
		// blob уже отсутствует: запись всё равно помечается удалённой
		moved = false
		meta[model.MetaArchivePath] = ""
		meta[model.MetaFailureReason] = "blob_missing"
	}

	if err := s.files.UpdateStatus(ctx, rec.ID, model.StatusStored, model.StatusDeleted, meta); err != nil {
		if moved {
			if rbErr := s.backend.Move(context.WithoutCancel(ctx), archivePath, rec.StoragePath); rbErr != nil {
				s.logger.Error("Не удалось вернуть blob из архива",
					slog.String("file_id", rec.ID),
					slog.String("archive_path", archivePath),
					slog.String("error", rbErr.Error()),
				)
			}
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, &NotFoundError{Resource: "файл", ID: fileID}
		}
		return nil, storageErr("mark_deleted", err)
	}

	rec.Status = model.StatusDeleted
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	for k, v := range meta {
		rec.Metadata[k] = v
	}

	if err := s.containers.Refresh(ctx, emp, model.ContainerActive); err != nil {
		s.logger.Warn("Не удалось обновить счётчики контейнера",
			slog.String("employee_id", emp.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Файл удалён в архив",
		slog.String("file_id", rec.ID),
		slog.String("employee_id", rec.EmployeeID),
		slog.String("archive_path", archivePath),
		slog.String("reason", reason),
		slog.String("user_id", requester.UserID),
	)
	return rec, nil
}

// Backup копирует blob по детерминированному пути: повторный вызов
// перезаписывает ту же копию.
func (s *FileStoreService) Backup(ctx context.Context, fileID string) (*BackupResult, error) {
	res, err := s.backup(ctx, fileID)
	recordOp("backup", err)
	return res, err
}

func (s *FileStoreService) backup(ctx context.Context, fileID string) (*BackupResult, error) {
	rec, err := s.getStored(ctx, fileID)
	if err != nil {
		return nil, err
	}

	backupPath := metadoc.BackupPath(rec.EmployeeID, rec.Category, rec.StoredFilename)
	if err := s.backend.Copy(ctx, rec.StoragePath, backupPath); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, &InconsistencyError{EmployeeID: rec.EmployeeID, Detail: fmt.Sprintf("blob файла %s отсутствует", rec.ID)}
		}
		return nil, storageErr("backup", err)
	}

	now := s.clock.Now()
	meta := map[string]any{
		model.MetaBackupPath: backupPath,
		model.MetaBackupAt:   now.Format(time.RFC3339),
	}
	if err := s.files.UpdateMetadata(ctx, rec.ID, meta); err != nil {
		return nil, storageErr("update_metadata", err)
	}

	s.logger.Info("Резервная копия создана",
		slog.String("file_id", rec.ID),
		slog.String("backup_path", backupPath),
	)
	return &BackupResult{FileID: rec.ID, BackupPath: backupPath, BackupAt: now}, nil
}

// Verify пересчитывает SHA-256 blob и сравнивает с content_hash записи.
func (s *FileStoreService) Verify(ctx context.Context, fileID string) (*VerifyResult, error) {
	rec, err := s.getStored(ctx, fileID)
	if err != nil {
		return nil, err
	}

	actual, err := hashBlob(ctx, s.backend, rec.StoragePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, &InconsistencyError{EmployeeID: rec.EmployeeID, Detail: fmt.Sprintf("blob файла %s отсутствует", rec.ID)}
		}
		return nil, storageErr("read", err)
	}

	res := &VerifyResult{
		FileID:       rec.ID,
		ExpectedHash: rec.ContentHash,
		ActualHash:   actual,
		Match:        actual == rec.ContentHash,
	}
	if !res.Match {
		s.logger.Error("Хэш файла не совпадает",
			slog.String("file_id", rec.ID),
			slog.String("expected", rec.ContentHash),
			slog.String("actual", actual),
		)
	}
	return res, nil
}

// List возвращает историю версий сотрудника (новые первыми) с учётом
// политики: привилегированные роли и владелец видят всё, остальные —
// только собственные загрузки.
func (s *FileStoreService) List(ctx context.Context, employeeID string, category *model.Category, requester model.Requester) ([]*model.FileRecord, error) {
	if category != nil && !category.IsValid() {
		return nil, &ValidationError{Field: "category", Message: fmt.Sprintf("недопустимая категория %q", *category)}
	}
	if _, err := s.containers.GetEmployee(ctx, employeeID); err != nil {
		return nil, err
	}

	records, err := s.files.ListByEmployee(ctx, employeeID, repository.FileRecordFilters{Category: category})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории версий: %w", err)
	}

	subject := subjectOf(requester)
	visible := make([]*model.FileRecord, 0, len(records))
	for _, rec := range records {
		if rbac.Allowed(subject, resourceOf(rec), rbac.ActionRetrieve) {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

// getStored возвращает запись в статусе stored или NotFoundError.
func (s *FileStoreService) getStored(ctx context.Context, fileID string) (*model.FileRecord, error) {
	rec, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "файл", ID: fileID}
		}
		return nil, fmt.Errorf("ошибка получения записи о файле: %w", err)
	}
	if rec.Status != model.StatusStored {
		return nil, &NotFoundError{Resource: "файл", ID: fileID}
	}
	return rec, nil
}

func (s *FileStoreService) logDenied(r model.Requester, action rbac.Action, fileID string) {
	s.logger.Warn("Доступ запрещён",
		slog.String("event", "access_denied"),
		slog.String("action", string(action)),
		slog.String("file_id", fileID),
		slog.String("user_id", r.UserID),
		slog.String("ip", r.IP),
	)
}

func subjectOf(r model.Requester) rbac.Subject {
	return rbac.Subject{UserID: r.UserID, EmployeeID: r.EmployeeID, Roles: r.Roles}
}

func resourceOf(rec *model.FileRecord) rbac.Resource {
	return rbac.Resource{OwnerEmployeeID: rec.EmployeeID, UploadedBy: rec.UploadedBy}
}

// uploadMetadata объединяет метаданные клиента и контекст запроса.
func uploadMetadata(p UploadParams) map[string]any {
	meta := make(map[string]any, len(p.Metadata)+3)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if p.Requester.IP != "" {
		meta[model.MetaRequesterIP] = p.Requester.IP
	}
	if p.Requester.UserAgent != "" {
		meta[model.MetaUserAgent] = p.Requester.UserAgent
	}
	if p.Requester.SessionID != "" {
		meta[model.MetaSessionID] = p.Requester.SessionID
	}
	return meta
}

// hashBlob вычисляет SHA-256 содержимого blob.
func hashBlob(ctx context.Context, b blob.Backend, path string) (string, error) {
	rc, err := b.Read(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
