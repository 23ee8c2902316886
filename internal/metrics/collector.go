package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records the memory and cognition subsystem metrics.
type Collector struct {
	// Memory store metrics
	eventsLogged     *prometheus.CounterVec
	cardsStored      *prometheus.CounterVec
	cardsPruned      prometheus.Counter
	workingItemsSwep prometheus.Counter

	// Strategy metrics
	strategyTransitions *prometheus.CounterVec

	// Cognition metrics
	deviationsDetected *prometheus.CounterVec
	pathsExecuted      *prometheus.CounterVec
	stepsExecuted      *prometheus.CounterVec

	// Maintenance metrics
	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the subsystem metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.eventsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodic_events_total",
			Help:      "Total number of episodic events logged",
		},
		[]string{"event_type"},
	)

	c.cardsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_cards_stored_total",
			Help:      "Total number of knowledge card store operations",
		},
		[]string{"domain"},
	)

	c.cardsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_cards_pruned_total",
			Help:      "Total number of knowledge cards removed by pruning",
		},
	)

	c.workingItemsSwep = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "working_items_swept_total",
			Help:      "Total number of expired working memory items swept",
		},
	)

	c.strategyTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_transitions_total",
			Help:      "Total strategy promotions, demotions and removals",
		},
		[]string{"action"}, // promoted, demoted, removed
	)

	c.deviationsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deviations_detected_total",
			Help:      "Total number of deviation records created",
		},
		[]string{"type", "severity"},
	)

	c.pathsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_paths_executed_total",
			Help:      "Total number of learning path executions",
		},
		[]string{"status"},
	)

	c.stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_steps_executed_total",
			Help:      "Total number of learning step executions",
		},
		[]string{"type", "status"},
	)

	c.maintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Total number of maintenance task runs",
		},
		[]string{"task", "status"},
	)

	c.maintenanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Maintenance task duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"task"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordEvent counts one logged episodic event.
func (c *Collector) RecordEvent(eventType string) {
	c.eventsLogged.WithLabelValues(eventType).Inc()
}

// RecordCardStored counts one knowledge card store operation.
func (c *Collector) RecordCardStored(domain string) {
	c.cardsStored.WithLabelValues(domain).Inc()
}

// RecordCardsPruned counts cards removed by a prune sweep.
func (c *Collector) RecordCardsPruned(n int) {
	c.cardsPruned.Add(float64(n))
}

// RecordItemsSwept counts expired working memory items removed by a
// sweep.
func (c *Collector) RecordItemsSwept(n int) {
	c.workingItemsSwep.Add(float64(n))
}

// RecordStrategyIteration counts one promotion sweep's transitions.
func (c *Collector) RecordStrategyIteration(promoted, demoted, removed int) {
	c.strategyTransitions.WithLabelValues("promoted").Add(float64(promoted))
	c.strategyTransitions.WithLabelValues("demoted").Add(float64(demoted))
	c.strategyTransitions.WithLabelValues("removed").Add(float64(removed))
}

// RecordDeviation counts one deviation record.
func (c *Collector) RecordDeviation(deviationType, severity string) {
	c.deviationsDetected.WithLabelValues(deviationType, severity).Inc()
}

// RecordPathExecution counts one learning path run.
func (c *Collector) RecordPathExecution(status string) {
	c.pathsExecuted.WithLabelValues(status).Inc()
}

// RecordStepExecution counts one learning step run.
func (c *Collector) RecordStepExecution(stepType, status string) {
	c.stepsExecuted.WithLabelValues(stepType, status).Inc()
}

// RecordMaintenance records one maintenance task run.
func (c *Collector) RecordMaintenance(task, status string, duration time.Duration) {
	c.maintenanceRuns.WithLabelValues(task, status).Inc()
	c.maintenanceDuration.WithLabelValues(task).Observe(duration.Seconds())
}
