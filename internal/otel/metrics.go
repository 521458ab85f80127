package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	EnvelopesDecoded   metric.Int64Counter
	EnvelopesDropped   metric.Int64Counter
	CommandsDispatched metric.Int64Counter
	CommandsResolved   metric.Int64Counter
	CommandRoundTrip   metric.Float64Histogram
	ViewerDrops        metric.Int64Counter
	ActiveViewers      metric.Int64UpDownCounter
	SafetyStops        metric.Int64Counter
	ConnectionChanges  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EnvelopesDecoded, err = meter.Int64Counter("deks.envelopes.decoded",
		metric.WithDescription("Envelopes decoded from the robot link"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesDropped, err = meter.Int64Counter("deks.envelopes.dropped",
		metric.WithDescription("Wire lines dropped as undecodable"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsDispatched, err = meter.Int64Counter("deks.commands.dispatched",
		metric.WithDescription("Commands sent to the robot"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsResolved, err = meter.Int64Counter("deks.commands.resolved",
		metric.WithDescription("Commands reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandRoundTrip, err = meter.Float64Histogram("deks.commands.roundtrip",
		metric.WithDescription("Command dispatch-to-result duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ViewerDrops, err = meter.Int64Counter("deks.viewers.drops",
		metric.WithDescription("Envelopes dropped from viewer queues on overflow"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveViewers, err = meter.Int64UpDownCounter("deks.viewers.active",
		metric.WithDescription("Number of currently connected viewers"),
	)
	if err != nil {
		return nil, err
	}

	m.SafetyStops, err = meter.Int64Counter("deks.safety.stops",
		metric.WithDescription("Emergency stops issued by the safety monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionChanges, err = meter.Int64Counter("deks.connection.changes",
		metric.WithDescription("Robot link state transitions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
