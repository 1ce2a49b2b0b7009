package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/docvault/internal/api/errors"
	"github.com/bigkaa/docvault/internal/api/middleware"
	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/domain/rbac"
	"github.com/bigkaa/docvault/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestHandler создаёт APIHandler без сервисов: годится для путей,
// которые завершаются до обращения к сервисному слою.
func newTestHandler() *APIHandler {
	return NewAPIHandler(NewHealthHandler(nil, nil), nil, nil, nil, nil, nil, 1<<20, testLogger())
}

// decodeErrorCode извлекает code из тела ошибки.
func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ответа не является JSON ошибки: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

// withRoute выполняет запрос через chi, чтобы URL-параметры были доступны handler.
func withRoute(method, pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Method(method, pattern, h)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

var hrRequester = model.Requester{UserID: "hr-1", Roles: []string{rbac.RoleHR}}

// TestWriteServiceError — отображение ошибок сервисного слоя на HTTP.
func TestWriteServiceError(t *testing.T) {
	h := newTestHandler()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"валидация", &service.ValidationError{Field: "category", Message: "недопустимо"}, http.StatusBadRequest, apierrors.CodeValidationError},
		{"дубликат", &service.DuplicateFileError{ExistingID: "f1", ExistingVersion: 2}, http.StatusConflict, apierrors.CodeDuplicateFile},
		{"не найден", &service.NotFoundError{Resource: "файл", ID: "f1"}, http.StatusNotFound, apierrors.CodeNotFound},
		{"обёрнутый не найден", fmt.Errorf("retrieve: %w", &service.NotFoundError{Resource: "файл", ID: "f1"}), http.StatusNotFound, apierrors.CodeNotFound},
		{"доступ запрещён", &service.AccessDeniedError{UserID: "u1", Action: "retrieve"}, http.StatusForbidden, apierrors.CodeForbidden},
		{"рассогласование", &service.InconsistencyError{EmployeeID: "e1", Detail: "blob отсутствует"}, http.StatusConflict, apierrors.CodeInconsistency},
		{"токен просрочен", &service.TokenError{Reason: service.TokenExpired}, http.StatusGone, apierrors.CodeTokenExpired},
		{"токен отозван", &service.TokenError{Reason: service.TokenRevoked}, http.StatusGone, apierrors.CodeTokenRevoked},
		{"токен неизвестен", &service.TokenError{Reason: service.TokenNotFound}, http.StatusNotFound, apierrors.CodeTokenNotFound},
		{"хранилище", &service.StorageWriteError{Op: "write", Err: errors.New("disk full")}, http.StatusInternalServerError, apierrors.CodeStorageError},
		{"прочее", errors.New("boom"), http.StatusInternalServerError, apierrors.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, tt.err, "test")
			if rec.Code != tt.status {
				t.Errorf("ожидался статус %d, получен %d", tt.status, rec.Code)
			}
			if code := decodeErrorCode(t, rec); code != tt.code {
				t.Errorf("ожидался код %s, получен %s", tt.code, code)
			}
		})
	}
}

// TestWriteServiceError_HidesInternals — детали внутренних ошибок не уходят клиенту.
func TestWriteServiceError_HidesInternals(t *testing.T) {
	h := newTestHandler()
	rec := httptest.NewRecorder()
	h.writeServiceError(rec, &service.StorageWriteError{Op: "move", Err: errors.New("/var/lib/docvault/secret")}, "delete")
	if strings.Contains(rec.Body.String(), "/var/lib/docvault") {
		t.Errorf("путь хранилища попал в ответ: %s", rec.Body.String())
	}
}

// TestMapFileRecord — служебные ключи метаданных скрыты, даты в формате YYYY-MM-DD.
func TestMapFileRecord(t *testing.T) {
	issue := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	rec := &model.FileRecord{
		ID:         "f1",
		EmployeeID: "e1",
		Category:   model.CategoryCertificates,
		Status:     model.StatusDeleted,
		IssueDate:  &issue,
		Metadata: map[string]any{
			model.MetaArchivePath:  "e1/.archive/x.pdf",
			model.MetaBackupPath:   "e1/.backup/x.pdf",
			model.MetaDeleteReason: "замена",
		},
	}

	got := mapFileRecord(rec)
	if _, ok := got.Metadata[model.MetaArchivePath]; ok {
		t.Error("archive_path не должен отдаваться наружу")
	}
	if _, ok := got.Metadata[model.MetaBackupPath]; ok {
		t.Error("backup_path не должен отдаваться наружу")
	}
	if got.Metadata[model.MetaDeleteReason] != "замена" {
		t.Errorf("delete_reason потерян: %v", got.Metadata)
	}
	if got.IssueDate == nil || *got.IssueDate != "2025-03-14" {
		t.Errorf("ожидалась issue_date 2025-03-14, получено %v", got.IssueDate)
	}
	if got.ExpiryDate != nil {
		t.Errorf("expiry_date должна отсутствовать, получено %v", *got.ExpiryDate)
	}
	if got.Status != "deleted" {
		t.Errorf("ожидался статус deleted, получен %s", got.Status)
	}
	if _, ok := rec.Metadata[model.MetaArchivePath]; !ok {
		t.Error("исходные метаданные записи не должны изменяться")
	}
}

// TestUploadFile_Validation — ошибки запроса отсекаются до сервисного слоя.
func TestUploadFile_Validation(t *testing.T) {
	h := newTestHandler()
	const pattern = "/api/v1/employees/{employee_id}/files/{category}"

	multipartBody := func(fields map[string]string, withFile bool) (*bytes.Buffer, string) {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		for k, v := range fields {
			_ = mw.WriteField(k, v)
		}
		if withFile {
			part, _ := mw.CreateFormFile("file", "diploma.pdf")
			_, _ = part.Write([]byte("%PDF-1.4"))
		}
		_ = mw.Close()
		return buf, mw.FormDataContentType()
	}

	tests := []struct {
		name     string
		category string
		fields   map[string]string
		withFile bool
		auth     bool
		status   int
	}{
		{"без аутентификации", "documents", nil, true, false, http.StatusUnauthorized},
		{"неизвестная категория", "payroll", nil, true, true, http.StatusBadRequest},
		{"нет файла", "documents", map[string]string{"issue_date": "2025-01-01"}, false, true, http.StatusBadRequest},
		{"неверная дата", "documents", map[string]string{"issue_date": "01.01.2025"}, true, true, http.StatusBadRequest},
		{"metadata не JSON", "documents", map[string]string{"metadata": "{"}, true, true, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(tt.fields, tt.withFile)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/employees/e1/files/"+tt.category, body)
			req.Header.Set("Content-Type", contentType)
			if tt.auth {
				req = req.WithContext(middleware.WithRequester(req.Context(), hrRequester))
			}

			rec := withRoute(http.MethodPost, pattern, h.UploadFile, req)
			if rec.Code != tt.status {
				t.Errorf("ожидался статус %d, получен %d, тело: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

// TestUploadFile_TooLarge — тело сверх предела отклоняется с 400.
func TestUploadFile_TooLarge(t *testing.T) {
	h := NewAPIHandler(NewHealthHandler(nil, nil), nil, nil, nil, nil, nil, 0, testLogger())
	h.maxUploadSize = 1024

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, _ := mw.CreateFormFile("file", "scan.pdf")
	_, _ = part.Write(bytes.Repeat([]byte("x"), 4096))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/employees/e1/files/documents", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = req.WithContext(middleware.WithRequester(req.Context(), hrRequester))

	rec := withRoute(http.MethodPost, "/api/v1/employees/{employee_id}/files/{category}", h.UploadFile, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидался статус 400, получен %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != apierrors.CodeValidationError {
		t.Errorf("ожидался код %s, получен %s", apierrors.CodeValidationError, code)
	}
}

// TestAdminValidation — некорректные административные запросы.
func TestAdminValidation(t *testing.T) {
	h := newTestHandler()

	tests := []struct {
		name    string
		method  string
		pattern string
		target  string
		body    string
		handler http.HandlerFunc
	}{
		{"bulk: неизвестное действие", http.MethodPost, "/bulk", "/bulk", `{"action":"purge"}`, h.Bulk},
		{"bulk: неизвестный статус контейнера", http.MethodPost, "/bulk", "/bulk", `{"action":"create","filters":{"container_status":"broken"}}`, h.Bulk},
		{"bulk: лишнее поле", http.MethodPost, "/bulk", "/bulk", `{"action":"create","mode":"fast"}`, h.Bulk},
		{"health: битый JSON", http.MethodPost, "/health", "/health", `{"all":`, h.HealthCheck},
		{"init: force не bool", http.MethodPost, "/containers/{employee_id}/init", "/containers/e1/init?force=maybe", "", h.InitContainer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			rec := withRoute(tt.method, tt.pattern, tt.handler, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("ожидался статус 400, получен %d, тело: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

// TestEmployeeFiltersToModel — преобразование фильтров запроса.
func TestEmployeeFiltersToModel(t *testing.T) {
	dept := "finance"
	status := "degraded"
	f, err := employeeFiltersRequest{
		EmployeeIDs:     []string{"e1", "e2"},
		Department:      &dept,
		ActiveOnly:      true,
		ContainerStatus: &status,
	}.toModel()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(f.IDs) != 2 || *f.Department != "finance" || !f.ActiveOnly {
		t.Errorf("неожиданные фильтры: %+v", f)
	}
	if f.ContainerStatus == nil || *f.ContainerStatus != model.ContainerDegraded {
		t.Errorf("ожидался статус degraded, получено %v", f.ContainerStatus)
	}

	empty, err := employeeFiltersRequest{}.toModel()
	if err != nil || empty.ContainerStatus != nil {
		t.Errorf("пустые фильтры: %+v, %v", empty, err)
	}
}

// TestParseDateField — необязательная дата YYYY-MM-DD.
func TestParseDateField(t *testing.T) {
	if d, err := parseDateField(""); d != nil || err != nil {
		t.Errorf("пустая строка: ожидалось nil, nil, получено %v, %v", d, err)
	}
	d, err := parseDateField("2030-12-31")
	if err != nil || d.Year() != 2030 || d.Month() != time.December || d.Day() != 31 {
		t.Errorf("ожидалась 2030-12-31, получено %v, %v", d, err)
	}
	if _, err := parseDateField("2030-13-01"); err == nil {
		t.Error("ожидалась ошибка для несуществующего месяца")
	}
}
