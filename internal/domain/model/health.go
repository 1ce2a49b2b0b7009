package model

import "time"

// HealthStatus — итоговая классификация контейнера после сверки.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthError    HealthStatus = "error"
)

// IssueType — тип находки health-проверки.
type IssueType string

const (
	// IssueContainerMissing — директория контейнера отсутствует физически
	IssueContainerMissing IssueType = "container_missing"
	// IssueDrift — маркер в БД и директория расходятся
	IssueDrift IssueType = "drift"
	// IssueMissingDirectory — отсутствует поддиректория категории
	IssueMissingDirectory IssueType = "missing_directory"
	// IssueMetadataUnreadable — metadata.json отсутствует или не парсится
	IssueMetadataUnreadable IssueType = "metadata_unreadable"
	// IssueMetadataMismatch — счётчики metadata.json не сходятся с фактическими
	IssueMetadataMismatch IssueType = "metadata_mismatch"
	// IssueOrphanRecord — запись stored без физического blob
	IssueOrphanRecord IssueType = "orphan_record"
	// IssueOrphanFile — blob без соответствующей записи
	IssueOrphanFile IssueType = "orphan_file"
	// IssueChecksumMismatch — хэш blob не совпадает с content_hash
	IssueChecksumMismatch IssueType = "checksum_mismatch"
	// IssueCounterMismatch — агрегаты сотрудника не совпадают с фактическими
	IssueCounterMismatch IssueType = "counter_mismatch"
)

// HealthIssue — одна находка health-проверки.
type HealthIssue struct {
	Type        IssueType `json:"type"`
	Category    Category  `json:"category,omitempty"`
	Path        string    `json:"path,omitempty"`
	FileID      string    `json:"file_id,omitempty"`
	Description string    `json:"description"`
}

// HealthReport — результат проверки одного контейнера.
type HealthReport struct {
	EmployeeID string        `json:"employee_id"`
	Status     HealthStatus  `json:"status"`
	Score      int           `json:"score"`
	Issues     []HealthIssue `json:"issues"`
	Warnings   []HealthIssue `json:"warnings"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// HasFindings возвращает true, если есть хотя бы одна проблема или предупреждение.
func (r *HealthReport) HasFindings() bool {
	return len(r.Issues) > 0 || len(r.Warnings) > 0
}

// RepairResult — результат ремонта контейнера. Частичный успех допустим:
// часть проблем исправлена, остальные перечислены в Errors.
type RepairResult struct {
	EmployeeID  string   `json:"employee_id"`
	Success     bool     `json:"success"`
	RepairsMade []string `json:"repairs_made"`
	Errors      []string `json:"errors"`
}
