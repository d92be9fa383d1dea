package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all nodepilot metric instruments.
type Metrics struct {
	ActivityDuration  metric.Float64Histogram
	NodeTransitions   metric.Int64Counter
	TasksBuilt        metric.Int64Counter
	InstancesIgnored  metric.Int64Counter
	WatchEvents       metric.Int64Counter
	DebounceFires     metric.Int64Counter
	PipelinesDeleted  metric.Int64Counter
	ActiveBranches    metric.Int64UpDownCounter
	ExternalCallDur   metric.Float64Histogram
	ExternalCallError metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActivityDuration, err = meter.Float64Histogram("nodepilot.activity.duration",
		metric.WithDescription("Pipeline activity execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeTransitions, err = meter.Int64Counter("nodepilot.node.transitions",
		metric.WithDescription("Pipeline node state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksBuilt, err = meter.Int64Counter("nodepilot.task.built",
		metric.WithDescription("Subscription tasks built"),
	)
	if err != nil {
		return nil, err
	}

	m.InstancesIgnored, err = meter.Int64Counter("nodepilot.instance.ignored",
		metric.WithDescription("Instances skipped by policy suppression or noop actions"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchEvents, err = meter.Int64Counter("nodepilot.watch.events",
		metric.WithDescription("CMDB resource watch events consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.DebounceFires, err = meter.Int64Counter("nodepilot.watch.debounce_fires",
		metric.WithDescription("Debounce windows fired"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelinesDeleted, err = meter.Int64Counter("nodepilot.gc.pipelines_deleted",
		metric.WithDescription("Pipeline trees deleted by garbage collection"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveBranches, err = meter.Int64UpDownCounter("nodepilot.engine.active_branches",
		metric.WithDescription("Instance sub-graphs currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.ExternalCallDur, err = meter.Float64Histogram("nodepilot.external.duration",
		metric.WithDescription("External service call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExternalCallError, err = meter.Int64Counter("nodepilot.external.errors",
		metric.WithDescription("External service call errors"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
