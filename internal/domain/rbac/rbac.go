// Пакет rbac — политика доступа к файлам контейнеров.
//
// Матрица:
//   - admin, hr — чтение и удаление любых файлов
//   - загрузивший файл — чтение и удаление своей загрузки
//   - сотрудник-владелец контейнера — только чтение
//   - все остальные — отказ
//
// Загрузка разрешена привилегированным ролям и самому сотруднику
// в собственный контейнер.
package rbac

// Роли пользователей.
const (
	RoleAdmin    = "admin"
	RoleHR       = "hr"
	RoleEmployee = "employee"
)

// Action — действие над файлом.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionRetrieve Action = "retrieve"
	ActionDelete   Action = "delete"
)

// Subject — кто выполняет действие.
type Subject struct {
	UserID     string
	EmployeeID string
	Roles      []string
}

// Resource — над чем выполняется действие.
type Resource struct {
	// OwnerEmployeeID — сотрудник, которому принадлежит контейнер
	OwnerEmployeeID string
	// UploadedBy — пользователь, загрузивший файл (пусто для ActionUpload)
	UploadedBy string
}

// elevatedRoles — роли с полным доступом ко всем контейнерам.
var elevatedRoles = map[string]bool{
	RoleAdmin: true,
	RoleHR:    true,
}

// IsElevated проверяет наличие привилегированной роли.
func IsElevated(roles []string) bool {
	for _, r := range roles {
		if elevatedRoles[r] {
			return true
		}
	}
	return false
}

// HasRole проверяет наличие конкретной роли.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Allowed применяет матрицу доступа.
func Allowed(s Subject, r Resource, action Action) bool {
	if IsElevated(s.Roles) {
		return true
	}

	isUploader := s.UserID != "" && r.UploadedBy != "" && s.UserID == r.UploadedBy
	isOwner := s.EmployeeID != "" && s.EmployeeID == r.OwnerEmployeeID

	switch action {
	case ActionRetrieve:
		return isUploader || isOwner
	case ActionDelete:
		return isUploader
	case ActionUpload:
		return isOwner
	default:
		return false
	}
}
