package bus

import "github.com/kuyeon/deks-bridge/internal/protocol"

// Telemetry event topics.
const (
	TopicTelemetrySensor = "telemetry.sensor"
	TopicTelemetryStatus = "telemetry.status"
)

// Command lifecycle topics.
const (
	TopicCommandDispatched = "command.dispatched"
	TopicCommandResolved   = "command.resolved"
)

// Connection lifecycle topics.
const (
	TopicConnectionState = "connection.state"
	TopicConnectionError = "connection.error"
)

// Safety topics.
const (
	TopicSafetyWarning = "safety.warning"
	TopicSafetyCleared = "safety.cleared"
)

// TelemetryEvent is published for every sensor_data or status_update
// envelope accepted from the robot.
type TelemetryEvent struct {
	Envelope protocol.Envelope
}

// CommandEvent is published when a command is dispatched to the robot.
type CommandEvent struct {
	CommandID string
	Action    string
	RobotID   string
}

// CommandResolvedEvent is published when a pending command reaches a
// terminal state. Reason is empty for a successful result; otherwise it is
// one of the protocol reason codes.
type CommandResolvedEvent struct {
	CommandID  string
	Action     string
	Status     string
	Reason     string
	DurationMs int64
}

// ConnectionStateEvent is published on every robot connection state change.
type ConnectionStateEvent struct {
	ConnID   string
	RobotID  string
	OldState string
	NewState string
}

// ConnectionErrorEvent is published when a wire line is dropped as
// undecodable. The raw line is truncated before publishing.
type ConnectionErrorEvent struct {
	ConnID string
	Reason string
	Line   string
}

// SafetyEvent is published when the safety monitor trips or is cleared.
type SafetyEvent struct {
	WarningType string
	Message     string
	ActionTaken string
	SensorValue float64
}
