package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus counters. Each Engine owns its own set,
// registered on the registerer passed to NewMetrics.
type Metrics struct {
	Actions         *prometheus.CounterVec
	Penalties       *prometheus.CounterVec
	Demerits        *prometheus.CounterVec
	RoleChanges     *prometheus.CounterVec
	Atonements      *prometheus.CounterVec
	Rebirths        *prometheus.CounterVec
	Redemptions     *prometheus.CounterVec
	Debts           *prometheus.CounterVec
	Retries         prometheus.Counter
	TableSaveErrors prometheus.Counter
}

// NewMetrics creates the counters on reg. A nil reg creates unregistered
// counters, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_actions_total",
			Help: "Actions logged, by action and transaction tier",
		}, []string{"action", "tier"}),
		Penalties: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_penalties_total",
			Help: "Escalated penalties applied, by punishment name",
		}, []string{"punishment"}),
		Demerits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_demerits_total",
			Help: "Demerit accruals, by severity",
		}, []string{"severity"}),
		RoleChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_role_changes_total",
			Help: "Role transitions, by new role",
		}, []string{"role"}),
		Atonements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_atonements_total",
			Help: "Atonement plan events, by event and severity",
		}, []string{"event", "severity"}),
		Rebirths: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_rebirths_total",
			Help: "Rebirths recorded, by realm",
		}, []string{"realm"}),
		Redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_redemptions_total",
			Help: "Balance redemptions, by path",
		}, []string{"path"}),
		Debts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "karmaledger_debt_events_total",
			Help: "Karmic debt events, by event and severity",
		}, []string{"event", "severity"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "karmaledger_commit_retries_total",
			Help: "Commits retried after a ledger version conflict",
		}),
		TableSaveErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "karmaledger_value_table_save_errors_total",
			Help: "Failed value table persistence attempts",
		}),
	}
}
