// Package metrics содержит счётчики Prometheus программы лояльности.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Loyalty собирает метрики движения баллов, обменов и фоновых задач.
// Методы безопасно вызывать у nil-значения.
type Loyalty struct {
	points         *prometheus.CounterVec
	redemptions    *prometheus.CounterVec
	tierChanges    *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobFailures    *prometheus.CounterVec
	codeCollisions *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultReg  *Loyalty
)

// Default возвращает метрики, зарегистрированные в реестре Prometheus по умолчанию.
func Default() *Loyalty {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Loyalty {
	m := &Loyalty{
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_points_total",
			Help: "Absolute number of points moved through the ledger by transaction type.",
		}, []string{"type"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_redemptions_total",
			Help: "Voucher lifecycle events by resulting status.",
		}, []string{"status"}),
		tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_tier_changes_total",
			Help: "Tier changes by direction.",
		}, []string{"direction"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_job_runs_total",
			Help: "Background job runs per salon by job name.",
		}, []string{"job"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_job_failures_total",
			Help: "Per-account failures collected by background jobs.",
		}, []string{"job"}),
		codeCollisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_code_collisions_total",
			Help: "Generated referral or voucher codes rejected by the unique constraint.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.points, m.redemptions, m.tierChanges, m.jobRuns, m.jobFailures, m.codeCollisions)
	}
	return m
}

// ObservePoints учитывает движение баллов по журналу.
func (m *Loyalty) ObservePoints(typ string, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	if delta < 0 {
		delta = -delta
	}
	m.points.WithLabelValues(typ).Add(float64(delta))
}

// ObserveRedemption учитывает выдачу или смену статуса ваучера.
func (m *Loyalty) ObserveRedemption(status string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(status).Inc()
}

// ObserveRedemptions учитывает пакетную смену статуса ваучеров.
func (m *Loyalty) ObserveRedemptions(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.redemptions.WithLabelValues(status).Add(float64(n))
}

// ObserveTierChange учитывает смену уровня.
func (m *Loyalty) ObserveTierChange(upgraded bool) {
	if m == nil {
		return
	}
	direction := "down"
	if upgraded {
		direction = "up"
	}
	m.tierChanges.WithLabelValues(direction).Inc()
}

// ObserveJob учитывает запуск фоновой задачи и число ошибок по счетам.
func (m *Loyalty) ObserveJob(job string, failures int) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	if failures > 0 {
		m.jobFailures.WithLabelValues(job).Add(float64(failures))
	}
}

// ObserveCodeCollision учитывает повторную генерацию кода.
func (m *Loyalty) ObserveCodeCollision(kind string) {
	if m == nil {
		return
	}
	m.codeCollisions.WithLabelValues(kind).Inc()
}
