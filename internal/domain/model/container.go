package model

import "time"

// ContainerSchemaVersion — текущая версия схемы документа метаданных контейнера.
const ContainerSchemaVersion = "1.1"

// ContainerMetadata — содержимое metadata.json контейнера.
// Это кэш, который всегда можно пересобрать из записей file_records.
type ContainerMetadata struct {
	EmployeeID       string                       `json:"employee_id"`
	EmployeeName     string                       `json:"employee_name"`
	ContainerCreated time.Time                    `json:"container_created"`
	ContainerVersion string                       `json:"container_version"`
	TotalFiles       int                          `json:"total_files"`
	TotalSize        int64                        `json:"total_size"`
	LastUpdated      time.Time                    `json:"last_updated"`
	Directories      map[Category]DirectoryStatus `json:"directories"`
}

// DirectoryStatus — сводка по одной категории контейнера.
type DirectoryStatus struct {
	Created   time.Time `json:"created"`
	FileCount int       `json:"file_count"`
}
