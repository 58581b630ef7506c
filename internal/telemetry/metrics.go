package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	TasksClaimed      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksRetried      metric.Int64Counter
	TasksDeadLettered metric.Int64Counter
	TasksManual       metric.Int64Counter
	PolicyDenials     metric.Int64Counter
	DLPMatches        metric.Int64Counter
	LeaseAcquisitions metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	TaskDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksClaimed, err = meter.Int64Counter("warroom.tasks.claimed",
		metric.WithDescription("Tasks claimed for execution"),
	)
	if err != nil {
		return nil, err
	}
	m.TasksCompleted, err = meter.Int64Counter("warroom.tasks.completed",
		metric.WithDescription("Tasks finished DONE"),
	)
	if err != nil {
		return nil, err
	}
	m.TasksRetried, err = meter.Int64Counter("warroom.tasks.retried",
		metric.WithDescription("Tasks requeued after a retryable failure"),
	)
	if err != nil {
		return nil, err
	}
	m.TasksDeadLettered, err = meter.Int64Counter("warroom.tasks.dead_lettered",
		metric.WithDescription("Tasks terminally dead-lettered"),
	)
	if err != nil {
		return nil, err
	}
	m.TasksManual, err = meter.Int64Counter("warroom.tasks.manual_required",
		metric.WithDescription("Tasks parked for operator intervention"),
	)
	if err != nil {
		return nil, err
	}
	m.PolicyDenials, err = meter.Int64Counter("warroom.policy.denials",
		metric.WithDescription("Tool calls denied by the policy engine"),
	)
	if err != nil {
		return nil, err
	}
	m.DLPMatches, err = meter.Int64Counter("warroom.dlp.matches",
		metric.WithDescription("Secret pattern matches in tool output"),
	)
	if err != nil {
		return nil, err
	}
	m.LeaseAcquisitions, err = meter.Int64Counter("warroom.lease.acquisitions",
		metric.WithDescription("Lease acquire and stale-reclaim events"),
	)
	if err != nil {
		return nil, err
	}
	m.ToolCallDuration, err = meter.Float64Histogram("warroom.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.ToolCallErrors, err = meter.Int64Counter("warroom.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}
	m.TaskDuration, err = meter.Float64Histogram("warroom.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
