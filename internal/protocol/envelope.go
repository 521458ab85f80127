// Package protocol defines the line-delimited JSON envelope exchanged with
// the robot and fanned out to viewers, and the codec that validates it.
package protocol

import (
	"encoding/json"
	"time"
)

// Type tags the kind of message an envelope carries. The tag set is closed:
// the codec rejects anything else at decode time.
type Type string

const (
	TypeSensorData    Type = "sensor_data"
	TypeStatusUpdate  Type = "status_update"
	TypeCommand       Type = "command"
	TypeCommandResult Type = "command_result"
	TypeSafetyWarning Type = "safety_warning"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeError         Type = "error"
	TypeHandshake     Type = "handshake"
	TypeHandshakeAck  Type = "handshake_ack"
)

// Envelope is the only unit on the wire.
type Envelope struct {
	Type      Type            `json:"type"`
	RobotID   string          `json:"robot_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with the current UTC timestamp and the given payload.
// The payload must marshal cleanly; New panics only on programmer error
// (unmarshalable Go values), never on wire input.
func New(t Type, robotID string, payload any) Envelope {
	env := Envelope{
		Type:      t,
		RobotID:   robotID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic("protocol: unmarshalable payload: " + err.Error())
		}
		env.Data = raw
	}
	return env
}

// DataInto unmarshals the envelope's data object into dst.
func (e Envelope) DataInto(dst any) error {
	return json.Unmarshal(e.Data, dst)
}

// Robot status values carried by status_update envelopes.
const (
	StatusMoving   = "moving"
	StatusStopped  = "stopped"
	StatusError    = "error"
	StatusSafeMode = "safe_mode"
)

// Position is the robot's estimated pose from wheel odometry.
type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// SensorData is the data object of a sensor_data envelope.
type SensorData struct {
	EncoderLeft  int      `json:"encoder_left"`
	EncoderRight int      `json:"encoder_right"`
	IRDrop       float64  `json:"ir_drop"`
	IRObstacle   float64  `json:"ir_obstacle"`
	BatteryLevel float64  `json:"battery_level"`
	Position     Position `json:"position"`
}

// StatusUpdate is the data object of a status_update envelope.
type StatusUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Command is the data object of a command envelope (bridge to robot).
type Command struct {
	CommandID  string         `json:"command_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CommandResult is the data object of a command_result envelope.
type CommandResult struct {
	CommandID string         `json:"command_id"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// Command result status values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// SafetyWarning is the data object of a safety_warning envelope.
type SafetyWarning struct {
	WarningType string `json:"warning_type"`
	Message     string `json:"message"`
	ActionTaken string `json:"action_taken,omitempty"`
}

// Safety warning types the bridge itself emits.
const (
	WarningDropDetected     = "drop_detected"
	WarningObstacleDetected = "obstacle_detected"
	WarningBatteryCritical  = "battery_critical"
)

// ErrorPayload is the data object of an error envelope.
type ErrorPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Severity     string `json:"severity,omitempty"`
}

// Handshake is the first message a robot sends after connecting, before
// the envelope stream begins.
type Handshake struct {
	RobotID         string   `json:"robot_id"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// HandshakeAck is the bridge's reply to a handshake.
type HandshakeAck struct {
	Status            string `json:"status"`
	ProtocolVersion   string `json:"protocol_version"`
	ServerTime        string `json:"server_time"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

// ProtocolVersion is reported in the handshake ack.
const ProtocolVersion = "1.0"
