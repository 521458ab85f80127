package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/protocol"
)

// Recorder subscribes to bus events and writes them to the store in its
// own goroutine. A write failure is logged and dropped; the live stream
// never waits on the database.
type Recorder struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecorder(store *Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: b, logger: logger}
}

func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	telemetrySub := r.bus.Subscribe("telemetry.")
	commandSub := r.bus.Subscribe(bus.TopicCommandResolved)
	safetySub := r.bus.Subscribe(bus.TopicSafetyWarning)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.bus.Unsubscribe(telemetrySub)
		defer r.bus.Unsubscribe(commandSub)
		defer r.bus.Unsubscribe(safetySub)

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-telemetrySub.Ch():
				r.recordTelemetry(ctx, ev)
			case ev := <-commandSub.Ch():
				r.recordCommand(ctx, ev)
			case ev := <-safetySub.Ch():
				r.recordSafety(ctx, ev)
			}
		}
	}()
}

func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) recordTelemetry(ctx context.Context, ev bus.Event) {
	te, ok := ev.Payload.(bus.TelemetryEvent)
	if !ok {
		return
	}
	env := te.Envelope
	at := parseTimestamp(env.Timestamp)

	switch env.Type {
	case protocol.TypeSensorData:
		var sd protocol.SensorData
		if err := env.DataInto(&sd); err != nil {
			return
		}
		if err := r.store.InsertSensorReading(ctx, env.RobotID, sd, at); err != nil {
			r.logger.Warn("sensor reading not persisted", "error", err)
		}
	case protocol.TypeStatusUpdate:
		var su protocol.StatusUpdate
		if err := env.DataInto(&su); err != nil {
			return
		}
		if err := r.store.InsertStatusEvent(ctx, env.RobotID, su.Status, su.Message, at); err != nil {
			r.logger.Warn("status event not persisted", "error", err)
		}
	}
}

func (r *Recorder) recordCommand(ctx context.Context, ev bus.Event) {
	ce, ok := ev.Payload.(bus.CommandResolvedEvent)
	if !ok {
		return
	}
	rec := CommandRecord{
		CommandID:  ce.CommandID,
		Action:     ce.Action,
		Status:     ce.Status,
		Reason:     ce.Reason,
		DurationMs: ce.DurationMs,
		RecordedAt: time.Now(),
	}
	if err := r.store.InsertCommandRecord(ctx, rec); err != nil {
		r.logger.Warn("command record not persisted", "command_id", ce.CommandID, "error", err)
	}
}

func (r *Recorder) recordSafety(ctx context.Context, ev bus.Event) {
	se, ok := ev.Payload.(bus.SafetyEvent)
	if !ok {
		return
	}
	rec := SafetyRecord{
		WarningType: se.WarningType,
		Message:     se.Message,
		ActionTaken: se.ActionTaken,
		SensorValue: se.SensorValue,
		RecordedAt:  time.Now(),
	}
	if err := r.store.InsertSafetyRecord(ctx, rec); err != nil {
		r.logger.Warn("safety record not persisted", "warning_type", se.WarningType, "error", err)
	}
}

func parseTimestamp(ts string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	return time.Now()
}
