package service

import (
	"errors"
	"fmt"
)

// Базовые ошибки сервисного слоя. Типизированные ошибки ниже
// разворачиваются в них через errors.Is.
var (
	// ErrValidation — входные данные отклонены (размер, MIME, расширение, сигнатура).
	ErrValidation = errors.New("ошибка валидации")
	// ErrDuplicate — идентичное содержимое уже хранится в категории.
	ErrDuplicate = errors.New("файл с таким содержимым уже загружен")
	// ErrNotFound — файл, сотрудник или контейнер не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrAccessDenied — политика доступа запрещает действие.
	ErrAccessDenied = errors.New("доступ запрещён")
	// ErrStorageWrite — ошибка ввода-вывода blob-бэкенда или записи в БД.
	ErrStorageWrite = errors.New("ошибка хранилища")
	// ErrInconsistency — рассогласование БД и хранилища.
	ErrInconsistency = errors.New("рассогласование состояния контейнера")
	// ErrToken — токен доступа недействителен.
	ErrToken = errors.New("недействительный токен доступа")
)

// ValidationError — отклонение загрузки или параметров запроса.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateFileError — содержимое уже хранится; ExistingVersion — номер
// версии stored-записи с тем же хэшем.
type DuplicateFileError struct {
	ExistingID      string
	ExistingVersion int
}

func (e *DuplicateFileError) Error() string {
	return fmt.Sprintf("файл с идентичным содержимым уже загружен (версия %d)", e.ExistingVersion)
}

func (e *DuplicateFileError) Unwrap() error { return ErrDuplicate }

// NotFoundError — ресурс отсутствует.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s не найден", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AccessDeniedError — отказ политики доступа.
type AccessDeniedError struct {
	UserID string
	Action string
	FileID string
}

func (e *AccessDeniedError) Error() string {
	if e.FileID == "" {
		return fmt.Sprintf("пользователю %q запрещено действие %s", e.UserID, e.Action)
	}
	return fmt.Sprintf("пользователю %q запрещено действие %s над файлом %s", e.UserID, e.Action, e.FileID)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// StorageWriteError — сбой бэкенда. Op — этап, на котором произошёл сбой.
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("ошибка хранилища (%s): %v", e.Op, e.Err)
}

// Unwrap отдаёт и сентинел, и исходную причину.
func (e *StorageWriteError) Unwrap() []error { return []error{ErrStorageWrite, e.Err} }

// InconsistencyError — находка сверки: запись и blob расходятся.
type InconsistencyError struct {
	EmployeeID string
	Detail     string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("рассогласование контейнера %s: %s", e.EmployeeID, e.Detail)
}

func (e *InconsistencyError) Unwrap() error { return ErrInconsistency }

// TokenErrorReason — причина недействительности токена.
type TokenErrorReason string

const (
	TokenExpired  TokenErrorReason = "expired"
	TokenNotFound TokenErrorReason = "not_found"
	TokenRevoked  TokenErrorReason = "revoked"
)

// TokenError — токен доступа просрочен, неизвестен или отозван.
type TokenError struct {
	Reason TokenErrorReason
}

func (e *TokenError) Error() string {
	switch e.Reason {
	case TokenExpired:
		return "срок действия токена истёк"
	case TokenRevoked:
		return "токен отозван"
	default:
		return "токен не найден"
	}
}

func (e *TokenError) Unwrap() error { return ErrToken }

func storageErr(op string, err error) error {
	return &StorageWriteError{Op: op, Err: err}
}
