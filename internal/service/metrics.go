package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики DocVault.
var (
	// fileOperationsTotal — операции с файлами по типу и результату.
	fileOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dv_file_operations_total",
		Help: "Общее количество операций с файлами (по операции и результату).",
	}, []string{"operation", "result"})

	// uploadBytesTotal — объём успешно сохранённых данных.
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dv_upload_bytes_total",
		Help: "Общее количество байт в успешно сохранённых файлах.",
	})

	// healthScansTotal — количество запусков health-сканирования.
	healthScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dv_health_scans_total",
		Help: "Общее количество запусков health-сканирования контейнеров.",
	})

	// healthIssuesTotal — находки health-проверок по типу.
	healthIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dv_health_issues_total",
		Help: "Общее количество находок health-проверок контейнеров.",
	}, []string{"type"})

	// healthScanDuration — длительность полного health-сканирования.
	healthScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dv_health_scan_duration_seconds",
		Help:    "Длительность health-сканирования в секундах.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	})

	// bulkUnitsTotal — обработанные bulk-операциями сотрудники.
	bulkUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dv_bulk_units_total",
		Help: "Количество сотрудников, обработанных bulk-операциями (по действию и результату).",
	}, []string{"action", "result"})

	// accessTokensTotal — выпуск и разрешение токенов доступа.
	accessTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dv_access_tokens_total",
		Help: "Операции с токенами доступа (по операции и результату).",
	}, []string{"operation", "result"})
)

func recordOp(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fileOperationsTotal.WithLabelValues(operation, result).Inc()
}
