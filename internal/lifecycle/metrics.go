package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for task orchestration.
//
// Metrics:
//   - agentforge_tasks_created_total - tasks accepted by Create
//   - agentforge_task_starts_total{result} - start calls by "started", "deferred" or "in_flight"
//   - agentforge_tasks_finished_total{status} - runs that ended, by resulting status
//   - agentforge_rounds_total{result} - rounds by "passed", "failed" or "canceled"
//   - agentforge_round_duration_seconds - wall time of one round
//   - agentforge_strategy_shifts_total - repeated round signatures answered with a shift
//   - agentforge_promotions_total{status} - promotion attempts by outcome
//   - agentforge_tasks_running - runs currently holding an admission slot
type Metrics struct {
	TasksCreated   prometheus.Counter
	TaskStarts     *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	Rounds         *prometheus.CounterVec
	RoundDuration  prometheus.Histogram
	StrategyShifts prometheus.Counter
	Promotions     *prometheus.CounterVec
	Running        prometheus.Gauge
}

// NewMetrics creates the orchestration metrics and registers them with reg.
// A nil reg leaves them unregistered, which keeps tests free of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "agentforge_tasks_created_total",
			Help: "Total number of tasks created",
		}),
		TaskStarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_task_starts_total",
				Help: "Total number of start requests by result",
			},
			[]string{"result"},
		),
		TasksFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_tasks_finished_total",
				Help: "Total number of task runs that ended, by status",
			},
			[]string{"status"},
		),
		Rounds: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_rounds_total",
				Help: "Total number of rounds executed, by result",
			},
			[]string{"result"},
		),
		RoundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentforge_round_duration_seconds",
			Help:    "Duration of one round in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		StrategyShifts: f.NewCounter(prometheus.CounterOpts{
			Name: "agentforge_strategy_shifts_total",
			Help: "Total number of strategy shifts after repeated round signatures",
		}),
		Promotions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_promotions_total",
				Help: "Total number of promotion attempts, by status",
			},
			[]string{"status"},
		),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentforge_tasks_running",
			Help: "Number of task runs holding an admission slot",
		}),
	}
}
