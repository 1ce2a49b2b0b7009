package model

import "time"

// ContainerStatus — состояние контейнера сотрудника.
type ContainerStatus string

const (
	ContainerNone     ContainerStatus = "none"
	ContainerActive   ContainerStatus = "active"
	ContainerDegraded ContainerStatus = "degraded"
)

// Employee — сотрудник. Сущность принадлежит внешнему HR-приложению;
// DocVault изменяет только четыре поля контейнера.
type Employee struct {
	ID             string
	EmployeeNumber string
	FullName       string
	Department     *string
	IsActive       bool

	// ContainerCreatedAt — маркер создания контейнера в БД (nil — контейнера нет)
	ContainerCreatedAt *time.Time
	// ContainerStatus — none, active или degraded
	ContainerStatus ContainerStatus
	// ContainerFileCount — количество файлов в статусе stored
	ContainerFileCount int
	// ContainerLastUpdated — время последнего изменения содержимого контейнера
	ContainerLastUpdated *time.Time
}

// HasContainerMarker возвращает true, если в БД отмечено создание контейнера.
func (e *Employee) HasContainerMarker() bool {
	return e.ContainerCreatedAt != nil
}

// ContainerState — значения четырёх полей контейнера для обновления в БД.
type ContainerState struct {
	CreatedAt   *time.Time
	Status      ContainerStatus
	FileCount   int
	LastUpdated *time.Time
}

// EmployeeFilters — фильтры выборки сотрудников для пакетных операций.
type EmployeeFilters struct {
	// IDs — явный список сотрудников (пусто — без ограничения)
	IDs []string
	// Department — фильтр по подразделению
	Department *string
	// ActiveOnly — только активные сотрудники
	ActiveOnly bool
	// ContainerStatus — фильтр по состоянию контейнера
	ContainerStatus *ContainerStatus
}
