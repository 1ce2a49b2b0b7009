// admin.go — административные endpoints: инициализация и ремонт контейнеров,
// пакетные операции, проверка здоровья.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/docvault/internal/api/errors"
	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/service"
)

// employeeFiltersRequest — фильтры выборки сотрудников в JSON.
type employeeFiltersRequest struct {
	EmployeeIDs     []string `json:"employee_ids"`
	Department      *string  `json:"department"`
	ActiveOnly      bool     `json:"active_only"`
	ContainerStatus *string  `json:"container_status"`
}

// bulkRequest — тело POST /api/v1/admin/bulk.
type bulkRequest struct {
	Action    string                 `json:"action"`
	Filters   employeeFiltersRequest `json:"filters"`
	BatchSize int                    `json:"batch_size"`
	DryRun    bool                   `json:"dry_run"`
	Force     bool                   `json:"force"`
}

// healthCheckRequest — тело POST /api/v1/admin/health.
type healthCheckRequest struct {
	EmployeeID string                 `json:"employee_id"`
	All        bool                   `json:"all"`
	Repair     bool                   `json:"repair"`
	Filters    employeeFiltersRequest `json:"filters"`
}

// InitContainer — POST /api/v1/admin/containers/{employee_id}/init[?force=true].
// 201 — контейнер создан или пересоздан, 200 — уже существовал.
func (h *APIHandler) InitContainer(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			apierrors.ValidationError(w, fmt.Sprintf("force: ожидается true или false, получено %q", raw))
			return
		}
		force = v
	}

	res, err := h.containers.Initialize(r.Context(), chi.URLParam(r, "employee_id"), force)
	if err != nil {
		h.writeServiceError(w, err, "init_container")
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// RepairContainer — POST /api/v1/admin/containers/{employee_id}/repair.
// Пересоздаёт скелет контейнера с сохранением blob.
func (h *APIHandler) RepairContainer(w http.ResponseWriter, r *http.Request) {
	res, err := h.containers.Repair(r.Context(), chi.URLParam(r, "employee_id"))
	if err != nil {
		h.writeServiceError(w, err, "repair_container")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ContainerHealth — GET /api/v1/admin/containers/{employee_id}/health.
func (h *APIHandler) ContainerHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.checks.ComputeHealth(r.Context(), chi.URLParam(r, "employee_id"))
	if err != nil {
		h.writeServiceError(w, err, "container_health")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HealthCheck — POST /api/v1/admin/health.
// Проверка одного сотрудника (employee_id) или выборки (all + filters),
// опционально с ремонтом.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	var body healthCheckRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	filters, err := body.Filters.toModel()
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	summary, err := h.checks.Check(r.Context(), service.HealthCheckRequest{
		EmployeeID: body.EmployeeID,
		All:        body.All,
		Filters:    filters,
		Repair:     body.Repair,
	})
	if err != nil {
		h.writeServiceError(w, err, "health_check")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Bulk — POST /api/v1/admin/bulk.
// Ошибки отдельных сотрудников не прерывают операцию: ответ 200 с отчётом,
// где они перечислены в errors, а success=false. Ошибка без отчёта
// (валидация) — обычный ответ об ошибке.
func (h *APIHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := decodeJSON(r, &body); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	action, err := service.ParseBulkAction(body.Action)
	if err != nil {
		h.writeServiceError(w, err, "bulk")
		return
	}
	filters, err := body.Filters.toModel()
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	report, err := h.bulk.Run(r.Context(), service.BulkRequest{
		Action:    action,
		Filters:   filters,
		BatchSize: body.BatchSize,
		DryRun:    body.DryRun,
		Force:     body.Force,
	})
	if report == nil {
		h.writeServiceError(w, err, "bulk")
		return
	}
	if err != nil {
		h.logger.Warn("Пакетная операция завершена с ошибками",
			slog.String("action", string(action)),
			slog.Int("failed", report.Failed),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusOK, report)
}

// toModel преобразует фильтры запроса в доменные.
func (f employeeFiltersRequest) toModel() (model.EmployeeFilters, error) {
	filters := model.EmployeeFilters{
		IDs:        f.EmployeeIDs,
		Department: f.Department,
		ActiveOnly: f.ActiveOnly,
	}
	if f.ContainerStatus != nil {
		st := model.ContainerStatus(*f.ContainerStatus)
		switch st {
		case model.ContainerNone, model.ContainerActive, model.ContainerDegraded:
		default:
			return filters, fmt.Errorf("container_status: неизвестное значение %q", *f.ContainerStatus)
		}
		filters.ContainerStatus = &st
	}
	return filters, nil
}

// decodeJSON разбирает тело запроса; пустое тело допустимо.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	return nil
}
