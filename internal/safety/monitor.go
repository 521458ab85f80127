// Package safety evaluates every ingested telemetry envelope against the
// configured thresholds and injects an emergency stop ahead of viewer
// fan-out when one is crossed.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/kuyeon/deks-bridge/internal/audit"
	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/config"
	"github.com/kuyeon/deks-bridge/internal/dispatch"
	"github.com/kuyeon/deks-bridge/internal/otel"
	"github.com/kuyeon/deks-bridge/internal/protocol"
	"github.com/kuyeon/deks-bridge/internal/telemetry"
)

// Dispatcher is the slice of the command dispatcher the monitor needs.
type Dispatcher interface {
	DispatchEmergencyStop(reason string) (*dispatch.Future, error)
	Latched() bool
}

// Config holds the monitor's dependencies.
type Config struct {
	Thresholds config.SafetyConfig
	Dispatcher Dispatcher
	Bus        *bus.Bus
	Metrics    *otel.Metrics // nil disables instrument updates
	Logger     *slog.Logger
}

// Monitor is a thin rule evaluator. It fires edge-triggered: once the
// latch is set, further violations stay quiet until the latch clears.
type Monitor struct {
	dispatcher Dispatcher
	bus        *bus.Bus
	metrics    *otel.Metrics
	logger     *slog.Logger

	mu sync.RWMutex
	th config.SafetyConfig
}

func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		logger:     logger,
		th:         cfg.Thresholds,
	}
}

// SetThresholds swaps the rule thresholds; used by config hot-reload.
func (m *Monitor) SetThresholds(th config.SafetyConfig) {
	m.mu.Lock()
	m.th = th
	m.mu.Unlock()
	m.logger.Info("safety thresholds updated",
		"drop", th.DropThreshold, "obstacle", th.ObstacleThreshold, "battery", th.BatteryCriticalVolts)
}

// Thresholds returns the active thresholds.
func (m *Monitor) Thresholds() config.SafetyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.th
}

// OnTelemetry implements telemetry.Evaluator. It runs on the ingest path,
// so the emergency command is dispatched before the triggering envelope
// reaches any viewer. The returned safety_warning, if any, is fanned out
// ahead of queued telemetry.
func (m *Monitor) OnTelemetry(state telemetry.RobotState, env protocol.Envelope) *protocol.Envelope {
	if env.Type != protocol.TypeSensorData {
		return nil
	}
	var data protocol.SensorData
	if err := env.DataInto(&data); err != nil {
		return nil
	}

	th := m.Thresholds()
	var warningType, message string
	var value float64

	switch {
	case data.IRDrop < th.DropThreshold:
		warningType = protocol.WarningDropDetected
		message = fmt.Sprintf("drop sensor %.0f below threshold %.0f", data.IRDrop, th.DropThreshold)
		value = data.IRDrop
	case state.Moving && data.IRObstacle < th.ObstacleThreshold:
		warningType = protocol.WarningObstacleDetected
		message = fmt.Sprintf("obstacle sensor %.0f below threshold %.0f while moving", data.IRObstacle, th.ObstacleThreshold)
		value = data.IRObstacle
	case data.BatteryLevel > 0 && data.BatteryLevel < th.BatteryCriticalVolts:
		warningType = protocol.WarningBatteryCritical
		message = fmt.Sprintf("battery %.2fV below critical %.2fV", data.BatteryLevel, th.BatteryCriticalVolts)
		value = data.BatteryLevel
	default:
		return nil
	}

	// Already latched: the robot is stopped, nothing new to do.
	if m.dispatcher.Latched() {
		return nil
	}

	actionTaken := "emergency_stop"
	if _, err := m.dispatcher.DispatchEmergencyStop(warningType); err != nil {
		// No robot link: there is nothing to stop, but viewers still get
		// the warning.
		m.logger.Error("emergency stop dispatch failed", "warning", warningType, "error", err)
		actionTaken = "none"
	} else if m.metrics != nil {
		m.metrics.SafetyStops.Add(context.Background(), 1,
			metric.WithAttributes(otel.AttrWarningType.String(warningType)))
	}
	m.logger.Warn("safety rule tripped", "warning", warningType, "value", value)
	audit.Record(audit.DecisionSafetyWarning, warningType, message, env.RobotID)

	if m.bus != nil {
		m.bus.Publish(bus.TopicSafetyWarning, bus.SafetyEvent{
			WarningType: warningType,
			Message:     message,
			ActionTaken: actionTaken,
			SensorValue: value,
		})
	}

	warning := protocol.New(protocol.TypeSafetyWarning, env.RobotID, protocol.SafetyWarning{
		WarningType: warningType,
		Message:     message,
		ActionTaken: actionTaken,
	})
	return &warning
}
