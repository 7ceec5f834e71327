package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the bot. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TasksTotal          *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	PollsTotal          *prometheus.CounterVec
	LedgerOpsTotal      *prometheus.CounterVec
	CreditsTotal        *prometheus.CounterVec
	RefreshesTotal      *prometheus.CounterVec
	PurchasesTotal      *prometheus.CounterVec
	PendingCreditsTotal *prometheus.CounterVec
	ActiveTasks         prometheus.Gauge
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckbot_generation_tasks_total",
				Help: "Generation tasks by terminal outcome",
			},
			[]string{"outcome"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckbot_generation_task_duration_seconds",
				Help:    "Time from submission to terminal status",
				Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120},
			},
			[]string{"outcome"},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckbot_status_polls_total",
				Help: "Status polls by result",
			},
			[]string{"result"},
		),
		LedgerOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckbot_ledger_operations_total",
				Help: "Ledger debits and credits by result",
			},
			[]string{"op", "result"},
		),
		CreditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckbot_credit_requests_total",
				Help: "Credit endpoint requests by result",
			},
			[]string{"result"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckbot_entitlement_refreshes_total",
				Help: "Entitlement refreshes by result",
			},
			[]string{"result"},
		),
		PurchasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckbot_purchases_total",
				Help: "Purchase attempts by result",
			},
			[]string{"result"},
		),
		PendingCreditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckbot_pending_credits_total",
				Help: "Pending credit queue events",
			},
			[]string{"event"},
		),
		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deckbot_active_generation_tasks",
				Help: "Generation tasks currently polling",
			},
		),
	}

	registry.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.PollsTotal,
		m.LedgerOpsTotal,
		m.CreditsTotal,
		m.RefreshesTotal,
		m.PurchasesTotal,
		m.PendingCreditsTotal,
		m.ActiveTasks,
	)
	return m
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

// TaskFinished records a terminal outcome. Call it once per started task.
func (m *Metrics) TaskFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
	m.TasksTotal.WithLabelValues(outcome).Inc()
	m.TaskDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// TaskRejected counts a task that never reached submission.
func (m *Metrics) TaskRejected(outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerOp(op, result string) {
	if m == nil {
		return
	}
	m.LedgerOpsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Credit(result string) {
	if m == nil {
		return
	}
	m.CreditsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Purchase(result string) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) PendingCredit(event string) {
	if m == nil {
		return
	}
	m.PendingCreditsTotal.WithLabelValues(event).Inc()
}
