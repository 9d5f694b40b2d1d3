package attachment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationsTotal считает файловые операции по типу и результату.
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachments_operations_total",
			Help: "Общее количество операций с вложениями",
		},
		[]string{"operation", "result"},
	)

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachments_uploaded_bytes_total",
		Help: "Объём загруженных данных в байтах",
	})

	downloadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachments_downloaded_bytes_total",
		Help: "Объём отданных данных в байтах",
	})

	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachments_sweep_runs_total",
		Help: "Количество запусков очистки осиротевших файлов",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachments_sweep_deleted_total",
		Help: "Количество удалённых осиротевших файлов",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attachments_sweep_duration_seconds",
		Help:    "Длительность очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

func observeOperation(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(operation, result).Inc()
}
