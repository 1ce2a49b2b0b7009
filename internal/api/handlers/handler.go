// handler.go — основной обработчик API DocVault.
// Объединяет health, файловые, административные endpoints и endpoints
// токенов доступа, делегируя запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/docvault/internal/api/errors"
	"github.com/bigkaa/docvault/internal/api/middleware"
	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/service"
)

// APIHandler — основной обработчик API.
type APIHandler struct {
	health     *HealthHandler
	containers *service.ContainerService
	files      *service.FileStoreService
	checks     *service.HealthService
	bulk       *service.BulkService
	access     *service.AccessService
	// maxUploadSize — предел тела multipart-запроса загрузки
	maxUploadSize int64
	logger        *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	containers *service.ContainerService,
	files *service.FileStoreService,
	checks *service.HealthService,
	bulk *service.BulkService,
	access *service.AccessService,
	maxFileSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:        health,
		containers:    containers,
		files:         files,
		checks:        checks,
		bulk:          bulk,
		access:        access,
		maxUploadSize: maxFileSize + multipartOverhead,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// multipartOverhead — запас на заголовки частей и поля формы.
const multipartOverhead = 1 << 20

// --- Health endpoints (делегируются в HealthHandler) ---

// HealthLive — liveness probe.
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe.
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// requester извлекает Requester из контекста; при отсутствии пишет 401.
func requester(w http.ResponseWriter, r *http.Request) (model.Requester, bool) {
	req, ok := middleware.RequesterFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Отсутствует контекст пользователя")
	}
	return req, ok
}

// writeServiceError отображает ошибку сервисного слоя на HTTP-ответ.
// Неклассифицированные ошибки логируются, клиенту уходит общее сообщение.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, op string) {
	var (
		validation *service.ValidationError
		duplicate  *service.DuplicateFileError
		notFound   *service.NotFoundError
		denied     *service.AccessDeniedError
		storage    *service.StorageWriteError
		inconsist  *service.InconsistencyError
		token      *service.TokenError
	)

	switch {
	case errors.As(err, &validation):
		apierrors.ValidationError(w, validation.Error())
	case errors.As(err, &duplicate):
		apierrors.DuplicateFile(w, duplicate.Error())
	case errors.As(err, &notFound):
		apierrors.NotFound(w, notFound.Error())
	case errors.As(err, &denied):
		apierrors.Forbidden(w, "Доступ запрещён")
	case errors.As(err, &inconsist):
		h.logger.Error("Рассогласование контейнера",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		apierrors.Inconsistency(w, inconsist.Error())
	case errors.As(err, &token):
		switch token.Reason {
		case service.TokenExpired:
			apierrors.TokenGone(w, apierrors.CodeTokenExpired, token.Error())
		case service.TokenRevoked:
			apierrors.TokenGone(w, apierrors.CodeTokenRevoked, token.Error())
		default:
			apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeTokenNotFound, token.Error())
		}
	case errors.As(err, &storage):
		h.logger.Error("Ошибка хранилища",
			slog.String("op", op),
			slog.String("stage", storage.Op),
			slog.String("error", err.Error()),
		)
		apierrors.StorageError(w, "Ошибка хранилища")
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// fileRecordResponse — JSON-представление записи о файле.
type fileRecordResponse struct {
	ID               string         `json:"id"`
	EmployeeID       string         `json:"employee_id"`
	Category         model.Category `json:"category"`
	VersionNumber    int            `json:"version_number"`
	OriginalFilename string         `json:"original_filename"`
	MimeType         string         `json:"mime_type"`
	Size             int64          `json:"size"`
	ContentHash      string         `json:"content_hash"`
	Status           string         `json:"status"`
	UploadedBy       string         `json:"uploaded_by"`
	Metadata         map[string]any `json:"metadata"`
	IssueDate        *string        `json:"issue_date,omitempty"`
	ExpiryDate       *string        `json:"expiry_date,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// mapFileRecord формирует ответ из доменной записи.
// Путь хранения и имя blob наружу не отдаются.
func mapFileRecord(f *model.FileRecord) fileRecordResponse {
	return fileRecordResponse{
		ID:               f.ID,
		EmployeeID:       f.EmployeeID,
		Category:         f.Category,
		VersionNumber:    f.VersionNumber,
		OriginalFilename: f.OriginalFilename,
		MimeType:         f.MimeType,
		Size:             f.Size,
		ContentHash:      f.ContentHash,
		Status:           string(f.Status),
		UploadedBy:       f.UploadedBy,
		Metadata:         publicMetadata(f.Metadata),
		IssueDate:        formatDate(f.IssueDate),
		ExpiryDate:       formatDate(f.ExpiryDate),
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
}

// internalMetaKeys — ключи метаданных с внутренними путями хранилища.
var internalMetaKeys = map[string]bool{
	model.MetaArchivePath: true,
	model.MetaBackupPath:  true,
}

func publicMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !internalMetaKeys[k] {
			out[k] = v
		}
	}
	return out
}

// dateLayout — формат дат выдачи и окончания документа.
const dateLayout = "2006-01-02"

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}
