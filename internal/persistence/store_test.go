package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "deks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deks.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var version int
	if err := store.DB().QueryRow(`SELECT MAX(version) FROM schema_meta`).Scan(&version); err != nil {
		t.Fatalf("read schema_meta: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("schema version = %d, want %d", version, schemaVersion)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Opening the same database again is idempotent.
	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var rows int
	if err := again.DB().QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&rows); err != nil {
		t.Fatalf("count schema_meta: %v", err)
	}
	if rows != 1 {
		t.Fatalf("schema_meta rows = %d, want 1", rows)
	}
	_ = again.Close()
}

func TestSensorReadingRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sd := protocol.SensorData{
		EncoderLeft:  120,
		EncoderRight: 118,
		IRDrop:       450,
		IRObstacle:   300,
		BatteryLevel: 3.9,
		Position:     protocol.Position{X: 1.5, Y: -0.25, Theta: 0.7},
	}
	if err := store.InsertSensorReading(ctx, "deks_001", sd, time.Now()); err != nil {
		t.Fatalf("InsertSensorReading: %v", err)
	}

	readings, err := store.RecentSensorReadings(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSensorReadings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("len(readings) = %d, want 1", len(readings))
	}
	got := readings[0]
	if got.RobotID != "deks_001" || got.EncoderLeft != 120 || got.BatteryLevel != 3.9 {
		t.Fatalf("reading = %+v", got)
	}
	if got.PosX != 1.5 || got.PosTheta != 0.7 {
		t.Fatalf("position = (%v, %v, %v)", got.PosX, got.PosY, got.PosTheta)
	}
}

func TestCommandRecordUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := CommandRecord{
		CommandID:  "cmd_abc",
		RobotID:    "deks_001",
		Action:     "move_forward",
		Status:     "pending",
		RecordedAt: time.Now(),
	}
	if err := store.InsertCommandRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.Status = "success"
	rec.DurationMs = 42
	if err := store.InsertCommandRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cmds, err := store.RecentCommands(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("len(cmds) = %d, want 1", len(cmds))
	}
	if cmds[0].Status != "success" || cmds[0].DurationMs != 42 {
		t.Fatalf("cmd = %+v", cmds[0])
	}
}

func TestRunRetention(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -30)
	fresh := time.Now()

	for _, at := range []time.Time{old, fresh} {
		if err := store.InsertSensorReading(ctx, "deks_001", protocol.SensorData{}, at); err != nil {
			t.Fatalf("insert reading: %v", err)
		}
		if err := store.InsertStatusEvent(ctx, "deks_001", "stopped", "", at); err != nil {
			t.Fatalf("insert status: %v", err)
		}
		if err := store.InsertSafetyRecord(ctx, SafetyRecord{
			RobotID:     "deks_001",
			WarningType: "drop_detected",
			RecordedAt:  at,
		}); err != nil {
			t.Fatalf("insert safety: %v", err)
		}
	}
	if err := store.InsertCommandRecord(ctx, CommandRecord{
		CommandID: "cmd_old", Action: "stop", Status: "success", RecordedAt: old,
	}); err != nil {
		t.Fatalf("insert command: %v", err)
	}

	result, err := store.RunRetention(ctx, 7, 7, 7)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if result.PurgedReadings != 1 {
		t.Fatalf("PurgedReadings = %d, want 1", result.PurgedReadings)
	}
	if result.PurgedStatusEvents != 1 {
		t.Fatalf("PurgedStatusEvents = %d, want 1", result.PurgedStatusEvents)
	}
	if result.PurgedCommands != 1 {
		t.Fatalf("PurgedCommands = %d, want 1", result.PurgedCommands)
	}
	if result.PurgedSafetyEvents != 1 {
		t.Fatalf("PurgedSafetyEvents = %d, want 1", result.PurgedSafetyEvents)
	}

	// Second run finds nothing to purge.
	again, err := store.RunRetention(ctx, 7, 7, 7)
	if err != nil {
		t.Fatalf("second RunRetention: %v", err)
	}
	if again != (RetentionResult{}) {
		t.Fatalf("second run purged %+v, want zero", again)
	}

	readings, err := store.RecentSensorReadings(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSensorReadings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("len(readings) after retention = %d, want 1", len(readings))
	}
}

func TestRecorderPersistsBusEvents(t *testing.T) {
	store := openTestStore(t)
	b := bus.New()

	rec := NewRecorder(store, b, nil)
	rec.Start(context.Background())
	defer rec.Stop()

	env := protocol.New(protocol.TypeSensorData, "deks_001", protocol.SensorData{BatteryLevel: 3.7})
	b.Publish(bus.TopicTelemetrySensor, bus.TelemetryEvent{Envelope: env})
	b.Publish(bus.TopicCommandResolved, bus.CommandResolvedEvent{
		CommandID: "cmd_1", Action: "spin", Status: "success", DurationMs: 10,
	})
	b.Publish(bus.TopicSafetyWarning, bus.SafetyEvent{
		WarningType: "battery_critical", ActionTaken: "emergency_stop", SensorValue: 2.7,
	})

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		readings, _ := store.RecentSensorReadings(ctx, 1)
		cmds, _ := store.RecentCommands(ctx, 1)
		events, _ := store.RecentSafetyEvents(ctx, 1)
		if len(readings) == 1 && len(cmds) == 1 && len(events) == 1 {
			if readings[0].BatteryLevel != 3.7 {
				t.Fatalf("battery = %v, want 3.7", readings[0].BatteryLevel)
			}
			if cmds[0].Action != "spin" {
				t.Fatalf("action = %q, want spin", cmds[0].Action)
			}
			if events[0].WarningType != "battery_critical" {
				t.Fatalf("warning_type = %q", events[0].WarningType)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recorder did not persist all events in time")
}
