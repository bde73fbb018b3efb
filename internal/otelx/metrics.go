package otelx

import "go.opentelemetry.io/otel/metric"

// Metrics holds all turnstile metric instruments.
type Metrics struct {
	TurnsCreated       metric.Int64Counter
	DuplicatesDropped  metric.Int64Counter
	LeasesAcquired     metric.Int64Counter
	LeaseConflicts     metric.Int64Counter
	VersionConflicts   metric.Int64Counter
	StaleRecovered     metric.Int64Counter
	EdgesAppended      metric.Int64Counter
	LifecycleMoves     metric.Int64Counter
	LifecycleAnomalies metric.Int64Counter
	TurnDuration       metric.Float64Histogram
	RequestDuration    metric.Float64Histogram
	ActiveLeases       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnsCreated, err = meter.Int64Counter("turnstile.turns.created",
		metric.WithDescription("Turns admitted from inbound messages"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicatesDropped, err = meter.Int64Counter("turnstile.turns.duplicates",
		metric.WithDescription("Inbound messages dropped by idempotency key"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesAcquired, err = meter.Int64Counter("turnstile.leases.acquired",
		metric.WithDescription("Successful lease acquisitions"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseConflicts, err = meter.Int64Counter("turnstile.leases.conflicts",
		metric.WithDescription("Acquisitions rejected because a lease was held"),
	)
	if err != nil {
		return nil, err
	}

	m.VersionConflicts, err = meter.Int64Counter("turnstile.cas.conflicts",
		metric.WithDescription("Mutations rejected by version compare-and-swap"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleRecovered, err = meter.Int64Counter("turnstile.leases.stale_recovered",
		metric.WithDescription("Running turns recovered after lease expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.EdgesAppended, err = meter.Int64Counter("turnstile.edges.appended",
		metric.WithDescription("Execution edges appended"),
	)
	if err != nil {
		return nil, err
	}

	m.LifecycleMoves, err = meter.Int64Counter("turnstile.lifecycle.transitions",
		metric.WithDescription("Session lifecycle transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.LifecycleAnomalies, err = meter.Int64Counter("turnstile.lifecycle.anomalies",
		metric.WithDescription("Lifecycle transitions with expected/observed state drift"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("turnstile.turn.duration",
		metric.WithDescription("Turn duration from first acquisition to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("turnstile.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLeases, err = meter.Int64UpDownCounter("turnstile.leases.active",
		metric.WithDescription("Leases currently held"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
