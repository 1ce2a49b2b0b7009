// files.go — обработчики файловых endpoints:
// загрузка версии, история версий, скачивание, удаление, резервная копия, проверка хэша.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/docvault/internal/api/errors"
	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/service"
)

// multipartMemory — часть multipart-формы, удерживаемая в памяти; остальное уходит во временные файлы.
const multipartMemory = 8 << 20

// fileListResponse — ответ со списком версий.
type fileListResponse struct {
	Items []fileRecordResponse `json:"items"`
	Total int                  `json:"total"`
}

// deleteFileRequest — тело запроса удаления (опционально).
type deleteFileRequest struct {
	Reason string `json:"reason"`
}

// UploadFile — POST /api/v1/employees/{employee_id}/files/{category}.
// multipart/form-data: file (обязательно), issue_date, expiry_date (YYYY-MM-DD),
// metadata (JSON-объект).
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	category, err := model.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.ValidationError(w, fmt.Sprintf("Размер запроса превышает %d байт", tooLarge.Limit))
			return
		}
		apierrors.ValidationError(w, "Некорректный multipart-запрос: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле file обязательно")
		return
	}
	defer file.Close()

	issueDate, err := parseDateField(r.FormValue("issue_date"))
	if err != nil {
		apierrors.ValidationError(w, "issue_date: "+err.Error())
		return
	}
	expiryDate, err := parseDateField(r.FormValue("expiry_date"))
	if err != nil {
		apierrors.ValidationError(w, "expiry_date: "+err.Error())
		return
	}

	var metadata map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			apierrors.ValidationError(w, "metadata: ожидается JSON-объект")
			return
		}
	}

	rec, err := h.files.Store(r.Context(), service.UploadParams{
		EmployeeID: chi.URLParam(r, "employee_id"),
		Category:   category,
		Filename:   header.Filename,
		MimeType:   header.Header.Get("Content-Type"),
		Content:    file,
		IssueDate:  issueDate,
		ExpiryDate: expiryDate,
		Metadata:   metadata,
		Requester:  req,
	})
	if err != nil {
		h.writeServiceError(w, err, "upload")
		return
	}

	writeJSON(w, http.StatusCreated, mapFileRecord(rec))
}

// ListFiles — GET /api/v1/employees/{employee_id}/files[?category=].
// История версий, новые первыми; видимость ограничена политикой доступа.
func (h *APIHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	var category *model.Category
	if raw := r.URL.Query().Get("category"); raw != "" {
		c, err := model.ParseCategory(raw)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		category = &c
	}

	records, err := h.files.List(r.Context(), chi.URLParam(r, "employee_id"), category, req)
	if err != nil {
		h.writeServiceError(w, err, "list")
		return
	}

	items := make([]fileRecordResponse, len(records))
	for i, rec := range records {
		items[i] = mapFileRecord(rec)
	}
	writeJSON(w, http.StatusOK, fileListResponse{Items: items, Total: len(items)})
}

// DownloadFile — GET /api/v1/files/{file_id}/download.
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	d, err := h.files.Retrieve(r.Context(), chi.URLParam(r, "file_id"), req)
	if err != nil {
		h.writeServiceError(w, err, "retrieve")
		return
	}
	h.streamDownload(w, d)
}

// DeleteFile — DELETE /api/v1/files/{file_id}.
// Причина удаления — в теле {"reason": "..."} или параметре ?reason=.
func (h *APIHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	reason := r.URL.Query().Get("reason")
	if r.ContentLength > 0 {
		var body deleteFileRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
			return
		}
		if body.Reason != "" {
			reason = body.Reason
		}
	}

	rec, err := h.files.Delete(r.Context(), chi.URLParam(r, "file_id"), req, reason)
	if err != nil {
		h.writeServiceError(w, err, "delete")
		return
	}
	writeJSON(w, http.StatusOK, mapFileRecord(rec))
}

// BackupFile — POST /api/v1/files/{file_id}/backup. Доступ: admin, hr.
func (h *APIHandler) BackupFile(w http.ResponseWriter, r *http.Request) {
	res, err := h.files.Backup(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		h.writeServiceError(w, err, "backup")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyFile — POST /api/v1/files/{file_id}/verify. Доступ: admin, hr.
func (h *APIHandler) VerifyFile(w http.ResponseWriter, r *http.Request) {
	res, err := h.files.Verify(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		h.writeServiceError(w, err, "verify")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// streamDownload отдаёт содержимое файла. Заголовки выставляются до первой
// записи тела; обрыв соединения посреди потока только логируется.
func (h *APIHandler) streamDownload(w http.ResponseWriter, d *service.Download) {
	defer d.Content.Close()

	rec := d.Record
	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.OriginalFilename}))
	w.Header().Set("ETag", `"`+rec.ContentHash+`"`)
	w.Header().Set("X-Content-SHA256", rec.ContentHash)
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, d.Content); err != nil {
		h.logger.Warn("Отдача файла прервана",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// parseDateField разбирает необязательную дату YYYY-MM-DD.
func parseDateField(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("ожидается формат YYYY-MM-DD, получено %q", s)
	}
	return &t, nil
}
