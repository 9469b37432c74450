package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace for all metrics
	namespace = "sectorwars"
	// Subsystem for game server metrics
	subsystem = "server"
)

// CombatMetricsCollector records encounter and round telemetry. It satisfies
// the combat manager's recorder interface.
type CombatMetricsCollector struct {
	encountersStarted *prometheus.CounterVec
	encountersEnded   *prometheus.CounterVec
	encountersActive  prometheus.Gauge
	roundDuration     prometheus.Histogram
	actionsTimedOut   prometheus.Counter
	salvageCreated    prometheus.Counter
	salvageClaimed    prometheus.Counter
}

// NewCombatMetricsCollector creates a new combat metrics collector
func NewCombatMetricsCollector() *CombatMetricsCollector {
	return &CombatMetricsCollector{
		// Encounter starts by sector
		encountersStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "encounters_started_total",
				Help:      "Total number of combat encounters started",
			},
			[]string{"sector_id"},
		),

		// Encounter terminations by end state
		encountersEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "encounters_ended_total",
				Help:      "Total number of combat encounters ended by end state",
			},
			[]string{"end_state"},
		),

		// Currently running encounters
		encountersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "encounters_active",
				Help:      "Number of combat encounters currently in progress",
			},
		),

		// Round lifetime from round_waiting to resolution
		roundDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "round_duration_seconds",
				Help:      "Combat round duration distribution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
			},
		),

		// Actions defaulted because the deadline expired
		actionsTimedOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "round_actions_timed_out_total",
				Help:      "Total number of combatant actions defaulted at the round deadline",
			},
		),

		// Salvage container lifecycle
		salvageCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "salvage_created_total",
				Help:      "Total number of salvage containers dropped",
			},
		),
		salvageClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "salvage_claimed_total",
				Help:      "Total number of salvage containers claimed",
			},
		),
	}
}

// Register registers all collectors with the given registry
func (c *CombatMetricsCollector) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		c.encountersStarted,
		c.encountersEnded,
		c.encountersActive,
		c.roundDuration,
		c.actionsTimedOut,
		c.salvageCreated,
		c.salvageClaimed,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// EncounterStarted records a new encounter in the given sector
func (c *CombatMetricsCollector) EncounterStarted(sectorID int) {
	c.encountersStarted.WithLabelValues(strconv.Itoa(sectorID)).Inc()
	c.encountersActive.Inc()
}

// EncounterEnded records an encounter termination with its end state
func (c *CombatMetricsCollector) EncounterEnded(endState string) {
	c.encountersEnded.WithLabelValues(endState).Inc()
	c.encountersActive.Dec()
}

// RoundResolved records one resolved round
func (c *CombatMetricsCollector) RoundResolved(duration time.Duration, timedOutActions int) {
	c.roundDuration.Observe(duration.Seconds())
	if timedOutActions > 0 {
		c.actionsTimedOut.Add(float64(timedOutActions))
	}
}

// SalvageCreated records one dropped salvage container
func (c *CombatMetricsCollector) SalvageCreated() {
	c.salvageCreated.Inc()
}

// SalvageClaimed records one claimed salvage container
func (c *CombatMetricsCollector) SalvageClaimed() {
	c.salvageClaimed.Inc()
}
