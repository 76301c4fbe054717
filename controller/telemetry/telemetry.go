package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tipsy"

// Telemetry owns a private prometheus registry so several controllers can
// coexist in one test binary.
type Telemetry struct {
	registry *prometheus.Registry

	Pours          *prometheus.CounterVec
	DispensedML    *prometheus.CounterVec
	BottleLevel    *prometheus.GaugeVec
	LedgerWrites   *prometheus.CounterVec
	LockWait       prometheus.Histogram
	LockBusy       *prometheus.CounterVec
	Actuation      *prometheus.HistogramVec
	Notifications  *prometheus.CounterVec
	MaintenanceRun *prometheus.CounterVec
}

func New() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		Pours: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pours_total",
			Help:      "Pour attempts by outcome.",
		}, []string{"status"}),
		DispensedML: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispensed_ml_total",
			Help:      "Volume dispensed per bottle, refunds excluded.",
		}, []string{"bottle"}),
		BottleLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bottle_level_ml",
			Help:      "Last persisted bottle level.",
		}, []string{"bottle"}),
		LedgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_writes_total",
			Help:      "Bottle ledger writes by outcome.",
		}, []string{"status"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gpio_lock_wait_seconds",
			Help:      "Time spent waiting for the GPIO lock.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		}),
		LockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gpio_lock_busy_total",
			Help:      "Refused GPIO acquisitions by reason.",
		}, []string{"reason"}),
		Actuation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pump_run_seconds",
			Help:      "Forward run time per pump.",
			Buckets:   prometheus.LinearBuckets(1, 3, 10),
		}, []string{"pump"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Bottle notifications by level.",
		}, []string{"level"}),
		MaintenanceRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_tasks_total",
			Help:      "Executed maintenance tasks by kind.",
		}, []string{"kind"}),
	}
	t.registry.MustRegister(
		t.Pours,
		t.DispensedML,
		t.BottleLevel,
		t.LedgerWrites,
		t.LockWait,
		t.LockBusy,
		t.Actuation,
		t.Notifications,
		t.MaintenanceRun,
	)
	return t
}

func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
