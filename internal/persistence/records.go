package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/kuyeon/deks-bridge/internal/protocol"
)

// SensorReading is one stored sensor_data sample.
type SensorReading struct {
	ID           int64     `json:"id"`
	RobotID      string    `json:"robot_id"`
	EncoderLeft  int       `json:"encoder_left"`
	EncoderRight int       `json:"encoder_right"`
	IRDrop       float64   `json:"ir_drop"`
	IRObstacle   float64   `json:"ir_obstacle"`
	BatteryLevel float64   `json:"battery_level"`
	PosX         float64   `json:"pos_x"`
	PosY         float64   `json:"pos_y"`
	PosTheta     float64   `json:"pos_theta"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// CommandRecord is one resolved command in the log.
type CommandRecord struct {
	CommandID  string    `json:"command_id"`
	RobotID    string    `json:"robot_id"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SafetyRecord is one stored safety event.
type SafetyRecord struct {
	ID          int64     `json:"id"`
	RobotID     string    `json:"robot_id"`
	WarningType string    `json:"warning_type"`
	Message     string    `json:"message,omitempty"`
	ActionTaken string    `json:"action_taken,omitempty"`
	SensorValue float64   `json:"sensor_value"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func (s *Store) InsertSensorReading(ctx context.Context, robotID string, sd protocol.SensorData, at time.Time) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sensor_readings
				(robot_id, encoder_left, encoder_right, ir_drop, ir_obstacle,
				 battery_level, pos_x, pos_y, pos_theta, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			robotID, sd.EncoderLeft, sd.EncoderRight, sd.IRDrop, sd.IRObstacle,
			sd.BatteryLevel, sd.Position.X, sd.Position.Y, sd.Position.Theta, at.UTC())
		return err
	})
}

func (s *Store) InsertStatusEvent(ctx context.Context, robotID, status, message string, at time.Time) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO status_events (robot_id, status, message, recorded_at)
			VALUES (?, ?, ?, ?)`,
			robotID, status, message, at.UTC())
		return err
	})
}

func (s *Store) InsertCommandRecord(ctx context.Context, rec CommandRecord) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO command_log
				(command_id, robot_id, action, status, reason, duration_ms, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.CommandID, rec.RobotID, rec.Action, rec.Status, rec.Reason,
			rec.DurationMs, rec.RecordedAt.UTC())
		return err
	})
}

func (s *Store) InsertSafetyRecord(ctx context.Context, rec SafetyRecord) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO safety_events
				(robot_id, warning_type, message, action_taken, sensor_value, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RobotID, rec.WarningType, rec.Message, rec.ActionTaken,
			rec.SensorValue, rec.RecordedAt.UTC())
		return err
	})
}

// RecentSensorReadings returns the newest readings, most recent first.
func (s *Store) RecentSensorReadings(ctx context.Context, limit int) ([]SensorReading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, robot_id, encoder_left, encoder_right, ir_drop, ir_obstacle,
		       battery_level, pos_x, pos_y, pos_theta, recorded_at
		FROM sensor_readings ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sensor_readings: %w", err)
	}
	defer rows.Close()

	var out []SensorReading
	for rows.Next() {
		var r SensorReading
		if err := rows.Scan(&r.ID, &r.RobotID, &r.EncoderLeft, &r.EncoderRight,
			&r.IRDrop, &r.IRObstacle, &r.BatteryLevel,
			&r.PosX, &r.PosY, &r.PosTheta, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sensor_reading: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentCommands returns the newest resolved commands, most recent first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, robot_id, action, status, reason, duration_ms, recorded_at
		FROM command_log ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query command_log: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var r CommandRecord
		if err := rows.Scan(&r.CommandID, &r.RobotID, &r.Action, &r.Status,
			&r.Reason, &r.DurationMs, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan command_log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentSafetyEvents returns the newest safety events, most recent first.
func (s *Store) RecentSafetyEvents(ctx context.Context, limit int) ([]SafetyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, robot_id, warning_type, message, action_taken, sensor_value, recorded_at
		FROM safety_events ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query safety_events: %w", err)
	}
	defer rows.Close()

	var out []SafetyRecord
	for rows.Next() {
		var r SafetyRecord
		if err := rows.Scan(&r.ID, &r.RobotID, &r.WarningType, &r.Message,
			&r.ActionTaken, &r.SensorValue, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan safety_event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RetentionResult holds counts of purged records from one retention run.
type RetentionResult struct {
	PurgedReadings     int64 `json:"purged_readings"`
	PurgedStatusEvents int64 `json:"purged_status_events"`
	PurgedCommands     int64 `json:"purged_commands"`
	PurgedSafetyEvents int64 `json:"purged_safety_events"`
}

// RunRetention deletes records older than the given windows. Each category
// uses its own cutoff and the job is idempotent.
func (s *Store) RunRetention(ctx context.Context, telemetryDays, commandDays, safetyDays int) (RetentionResult, error) {
	var result RetentionResult

	if telemetryDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -telemetryDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE recorded_at < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge sensor_readings: %w", err)
		}
		result.PurgedReadings, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM status_events WHERE recorded_at < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge status_events: %w", err)
		}
		result.PurgedStatusEvents, _ = res.RowsAffected()
	}

	if commandDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -commandDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM command_log WHERE recorded_at < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge command_log: %w", err)
		}
		result.PurgedCommands, _ = res.RowsAffected()
	}

	if safetyDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -safetyDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM safety_events WHERE recorded_at < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge safety_events: %w", err)
		}
		result.PurgedSafetyEvents, _ = res.RowsAffected()
	}

	return result, nil
}
