// Package retention prunes aged telemetry, command, and safety records on
// a cron schedule so the database stays bounded on long-running bridges.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/kuyeon/deks-bridge/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// Spec is a 5-field cron expression; defaults to hourly.
	Spec string

	TelemetryDays  int
	CommandLogDays int
	SafetyDays     int
}

// Scheduler runs the retention purge whenever its cron spec fires.
type Scheduler struct {
	store  *persistence.Store
	logger *slog.Logger
	sched  cronlib.Schedule

	telemetryDays int
	commandDays   int
	safetyDays    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	spec := cfg.Spec
	if spec == "" {
		spec = "0 * * * *"
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         cfg.Store,
		logger:        logger,
		sched:         sched,
		telemetryDays: cfg.TelemetryDays,
		commandDays:   cfg.CommandLogDays,
		safetyDays:    cfg.SafetyDays,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started",
		"telemetry_days", s.telemetryDays,
		"command_log_days", s.commandDays,
		"safety_days", s.safetyDays)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.sched.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single retention pass. Exposed so operators can
// trigger a purge outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) persistence.RetentionResult {
	result, err := s.store.RunRetention(ctx, s.telemetryDays, s.commandDays, s.safetyDays)
	if err != nil {
		s.logger.Error("retention run failed", "error", err)
		return result
	}
	purged := result.PurgedReadings + result.PurgedStatusEvents +
		result.PurgedCommands + result.PurgedSafetyEvents
	if purged > 0 {
		s.logger.Info("retention purge complete",
			"readings", result.PurgedReadings,
			"status_events", result.PurgedStatusEvents,
			"commands", result.PurgedCommands,
			"safety_events", result.PurgedSafetyEvents)
	}
	return result
}
