package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error type labels for SyncErrorsTotal.
const (
	ErrorTypeIntrospection   = "introspection"
	ErrorTypeDDLExecution    = "ddl_execution"
	ErrorTypeResourceRelease = "resource_release"
	ErrorTypeConnection      = "connection"
)

// Store holds the Prometheus metrics collectors.
type Store struct {
	Registry              *prometheus.Registry
	SyncRunning           prometheus.Gauge
	SyncDuration          prometheus.Histogram
	SyncRunsTotal         *prometheus.CounterVec
	TableSyncDuration     *prometheus.HistogramVec
	TableSyncSuccessTotal *prometheus.CounterVec
	DDLStatementsTotal    *prometheus.CounterVec
	ManagedIndexes        *prometheus.GaugeVec
	SyncErrorsTotal       *prometheus.CounterVec
	DBConnections         *prometheus.GaugeVec
}

// NewMetricsStore creates and registers Prometheus metrics on a private registry.
func NewMetricsStore() *Store {
	registry := prometheus.NewRegistry()

	store := &Store{
		Registry: registry,
		SyncRunning: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "schemasync_sync_running",
			Help: "1 while a synchronize pass is in progress, 0 otherwise.",
		}),
		SyncDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "schemasync_run_duration_seconds",
			Help:    "Duration of a whole synchronize pass.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		SyncRunsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "schemasync_runs_total",
			Help: "Synchronize passes, labeled by mode (apply, dry_run) and result (success, failure).",
		}, []string{"mode", "result"}),
		TableSyncDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schemasync_table_sync_duration_seconds",
			Help:    "Duration of one table's index pass.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		}, []string{"table"}),
		TableSyncSuccessTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "schemasync_table_sync_success_total",
			Help: "Table passes that finished without error.",
		}, []string{"table"}),
		DDLStatementsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "schemasync_ddl_statements_total",
			Help: "Index DDL statements issued, labeled by operation (create, drop) and status.",
		}, []string{"operation", "status"}),
		ManagedIndexes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "schemasync_declared_indexes",
			Help: "Number of declared indexes per table in the active registry.",
		}, []string{"table"}),
		SyncErrorsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "schemasync_errors_total",
			Help: "Errors encountered during synchronization, labeled by type and table.",
		}, []string{"type", "table"}),
		DBConnections: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "schemasync_db_connections",
			Help: "Connection pool state of the target database.",
		}, []string{"state"}),
	}

	return store
}

// ObserveDBStats copies pool statistics into DBConnections.
func (s *Store) ObserveDBStats(stats sql.DBStats) {
	s.DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	s.DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	s.DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
}
