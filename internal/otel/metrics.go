package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Aviary metrics instruments.
type Metrics struct {
	TurnDuration       metric.Float64Histogram
	TurnsCompleted     metric.Int64Counter
	TurnErrors         metric.Int64Counter
	DelegationDuration metric.Float64Histogram
	TasksFired         metric.Int64Counter
	TaskRunFailures    metric.Int64Counter
	InboxDelivered     metric.Int64Counter
	InboxArchived      metric.Int64Counter
	ActiveHandles      metric.Int64UpDownCounter
	HandleEvictions    metric.Int64Counter
	ReindexRuns        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("aviary.turn.duration",
		metric.WithDescription("Agent turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("aviary.turn.completed",
		metric.WithDescription("Turns that committed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnErrors, err = meter.Int64Counter("aviary.turn.errors",
		metric.WithDescription("Turns that ended in delegation failure or cancellation"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationDuration, err = meter.Float64Histogram("aviary.delegation.duration",
		metric.WithDescription("Engine delegation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFired, err = meter.Int64Counter("aviary.task.fired",
		metric.WithDescription("Scheduled tasks dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunFailures, err = meter.Int64Counter("aviary.task.failures",
		metric.WithDescription("Task runs that recorded an error"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxDelivered, err = meter.Int64Counter("aviary.inbox.delivered",
		metric.WithDescription("Messages delivered to agent inboxes"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxArchived, err = meter.Int64Counter("aviary.inbox.archived",
		metric.WithDescription("Messages archived after a committed turn"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveHandles, err = meter.Int64UpDownCounter("aviary.pool.handles",
		metric.WithDescription("Number of live runtime handles in the pool"),
	)
	if err != nil {
		return nil, err
	}

	m.HandleEvictions, err = meter.Int64Counter("aviary.pool.evictions",
		metric.WithDescription("Handles evicted after idling past the TTL"),
	)
	if err != nil {
		return nil, err
	}

	m.ReindexRuns, err = meter.Int64Counter("aviary.memory.reindex",
		metric.WithDescription("Background memory reindex passes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
