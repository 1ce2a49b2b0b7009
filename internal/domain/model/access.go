package model

import "time"

// Requester — контекст вызывающего пользователя, передаётся явно
// в каждую операцию с проверкой доступа.
type Requester struct {
	// UserID — идентификатор пользователя (sub из JWT)
	UserID string
	// EmployeeID — UUID сотрудника, если пользователь сам является сотрудником
	EmployeeID string
	// Roles — роли пользователя (admin, hr, employee)
	Roles []string
	// IP — адрес клиента
	IP string
	// UserAgent — User-Agent клиента
	UserAgent string
	// SessionID — идентификатор сессии (sid из JWT)
	SessionID string
}

// AccessToken — краткоживущий токен доступа к файлу.
// Не хранится в БД: живёт в in-memory хранилище с TTL.
type AccessToken struct {
	Token        string    `json:"token"`
	FileRecordID string    `json:"file_record_id"`
	RequesterID  string    `json:"requester_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	IssuerIP     string    `json:"issuer_ip"`
	// Requester — снимок идентичности выпустившего, используется при
	// проверке политики во время разрешения токена
	Requester Requester `json:"-"`
}

// IsExpired проверяет, истёк ли срок действия токена.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
