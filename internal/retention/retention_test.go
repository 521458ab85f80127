package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kuyeon/deks-bridge/internal/persistence"
	"github.com/kuyeon/deks-bridge/internal/protocol"
)

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(Config{Spec: "not a cron spec"})
	if err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestRunOncePurgesAgedRecords(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "deks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -10)
	if err := store.InsertSensorReading(ctx, "deks_001", protocol.SensorData{}, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertSensorReading(ctx, "deks_001", protocol.SensorData{}, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sched, err := NewScheduler(Config{
		Store:         store,
		TelemetryDays: 7,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	result := sched.RunOnce(ctx)
	if result.PurgedReadings != 1 {
		t.Fatalf("PurgedReadings = %d, want 1", result.PurgedReadings)
	}

	readings, err := store.RecentSensorReadings(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSensorReadings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("len(readings) = %d, want 1", len(readings))
	}
}

func TestStartStop(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "deks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	sched, err := NewScheduler(Config{Store: store, TelemetryDays: 7})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start(context.Background())
	sched.Stop()
}
