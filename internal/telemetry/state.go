package telemetry

import (
	"time"

	"github.com/kuyeon/deks-bridge/internal/protocol"
)

// RobotState is the bridge's derived view of the robot. It is mutated only
// by the router's ingest path, in envelope arrival order; everyone else gets
// a value copy via Snapshot. Commands never touch it: state changes arrive
// exclusively as telemetry.
type RobotState struct {
	RobotID      string            `json:"robot_id"`
	Position     protocol.Position `json:"position"`
	EncoderLeft  int               `json:"encoder_left"`
	EncoderRight int               `json:"encoder_right"`
	BatteryLevel float64           `json:"battery_level"`
	IRDrop       float64           `json:"ir_drop"`
	IRObstacle   float64           `json:"ir_obstacle"`

	Status   string `json:"status"` // moving, stopped, error, safe_mode
	Moving   bool   `json:"moving"`
	SafeMode bool   `json:"safe_mode"`

	LastWarning string    `json:"last_warning,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *RobotState) applySensorData(robotID string, data protocol.SensorData, at time.Time) {
	if robotID != "" {
		s.RobotID = robotID
	}
	s.Position = data.Position
	s.EncoderLeft = data.EncoderLeft
	s.EncoderRight = data.EncoderRight
	s.BatteryLevel = data.BatteryLevel
	s.IRDrop = data.IRDrop
	s.IRObstacle = data.IRObstacle
	s.UpdatedAt = at
}

func (s *RobotState) applyStatusUpdate(robotID string, data protocol.StatusUpdate, at time.Time) {
	if robotID != "" {
		s.RobotID = robotID
	}
	s.Status = data.Status
	s.Moving = data.Status == protocol.StatusMoving
	s.SafeMode = data.Status == protocol.StatusSafeMode
	s.UpdatedAt = at
}
