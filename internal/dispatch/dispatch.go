// Package dispatch issues commands to the robot and correlates each with
// its eventual result, timeout, supersession, or cancellation. The pending
// table has a single owner (the dispatcher's mutex); resolution is
// idempotent because the first terminal transition removes the entry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kuyeon/deks-bridge/internal/audit"
	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/otel"
	"github.com/kuyeon/deks-bridge/internal/protocol"
)

var (
	// ErrNotConnected means no robot link is up; the command was never sent.
	ErrNotConnected = errors.New("dispatch: no robot connected")
	// ErrSafetyLatched means the emergency latch is set and movement
	// commands are refused until it is cleared.
	ErrSafetyLatched = errors.New("dispatch: emergency stop latched")
)

// Sender is the wire surface the dispatcher needs from the connection
// manager.
type Sender interface {
	SendEnvelope(env protocol.Envelope) error
	Connected() bool
}

// Result is the terminal outcome of a dispatched command.
type Result struct {
	CommandID string
	Action    string
	// Status is "success", "error", "superseded", or "cancelled".
	Status  string
	Message string
	// Reason is a protocol reason code on bridge-side failure
	// (COMMAND_TIMEOUT, CONNECTION_LOST, ...), empty otherwise.
	Reason  string
	Payload map[string]any
}

// Terminal statuses beyond the robot-reported success/error pair.
const (
	StatusSuperseded = "superseded"
	StatusCancelled  = "cancelled"
)

// Future resolves exactly once with the command's terminal Result.
type Future struct {
	id string
	d  *Dispatcher
	ch chan Result
}

// Done returns a channel that yields the result once.
func (f *Future) Done() <-chan Result { return f.ch }

// Wait blocks until the result arrives or the context ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-f.ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel resolves the command as CANCELLED and drops it from the pending
// table. The wire command is not retracted; a late result for it is
// discarded as unmatched.
func (f *Future) Cancel() {
	f.d.resolve(f.id, Result{
		Status: StatusCancelled,
		Reason: protocol.ReasonCommandCancelled,
	})
}

// CommandID returns the correlation id assigned to this command.
func (f *Future) CommandID() string { return f.id }

type pendingCommand struct {
	id        string
	action    string
	movement  bool
	protected bool // emergency stop: not superseded by later movement
	issuedAt  time.Time
	deadline  time.Time
	future    *Future
}

// HistoryEntry is one row of the bounded command history kept for the
// gateway status surface.
type HistoryEntry struct {
	CommandID  string    `json:"command_id"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	ResolvedAt time.Time `json:"resolved_at"`
}

const historySize = 32

// movementActions share the single motion slot: a new one supersedes the
// previous. Expression and sound commands coexist with motion.
var movementActions = map[string]bool{
	"move_forward":  true,
	"move_backward": true,
	"turn_left":     true,
	"turn_right":    true,
	"spin":          true,
	"stop":          true,
}

// ActionEmergencyStop is the safety-class action injected by the monitor.
const ActionEmergencyStop = "emergency_stop"

// Config holds the dispatcher's dependencies and tunables.
type Config struct {
	Bus            *bus.Bus
	Logger         *slog.Logger
	Metrics        *otel.Metrics // nil disables instrument updates
	RobotID        string
	DefaultTimeout time.Duration // 10s if zero
	SafetyTimeout  time.Duration // 2s if zero
	SweepInterval  time.Duration // 500ms if zero
}

// Dispatcher owns the PendingCommand table.
type Dispatcher struct {
	bus            *bus.Bus
	logger         *slog.Logger
	metrics        *otel.Metrics
	robotID        string
	defaultTimeout time.Duration
	safetyTimeout  time.Duration
	sweepInterval  time.Duration

	mu         sync.Mutex
	sender     Sender
	pending    map[string]*pendingCommand
	movementID string // id of the in-flight movement command, "" if none
	latched    bool
	history    []HistoryEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		bus:            cfg.Bus,
		logger:         logger,
		metrics:        cfg.Metrics,
		robotID:        cfg.RobotID,
		defaultTimeout: cfg.DefaultTimeout,
		safetyTimeout:  cfg.SafetyTimeout,
		sweepInterval:  cfg.SweepInterval,
		pending:        make(map[string]*pendingCommand),
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = 10 * time.Second
	}
	if d.safetyTimeout <= 0 {
		d.safetyTimeout = 2 * time.Second
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = 500 * time.Millisecond
	}
	return d
}

// BindSender attaches the robot link once it exists. Until then every
// Dispatch fails with ErrNotConnected.
func (d *Dispatcher) BindSender(s Sender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

// Start launches the deadline sweep loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.sweepLoop(ctx)
}

// Stop halts the sweep loop and fails everything still pending.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.FailAllPending(protocol.ReasonConnectionLost)
}

// Dispatch sends a command to the robot and registers it in the pending
// table. timeout <= 0 uses the default class deadline.
func (d *Dispatcher) Dispatch(action string, params map[string]any, timeout time.Duration) (*Future, error) {
	return d.dispatch(action, params, timeout, false)
}

// DispatchEmergencyStop injects an emergency stop on the shortest deadline
// class, supersedes any in-flight movement, and sets the latch that blocks
// further movement commands until ClearEmergency.
func (d *Dispatcher) DispatchEmergencyStop(reason string) (*Future, error) {
	fut, err := d.dispatch(ActionEmergencyStop, map[string]any{"reason": reason}, d.safetyTimeout, true)
	if err != nil {
		return nil, err
	}
	audit.Record(audit.DecisionEmergencyStop, ActionEmergencyStop, reason, fut.id)
	return fut, nil
}

func (d *Dispatcher) dispatch(action string, params map[string]any, timeout time.Duration, protected bool) (*Future, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	movement := movementActions[action]

	d.mu.Lock()
	if d.sender == nil || !d.sender.Connected() {
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	if d.latched && movement && !protected {
		d.mu.Unlock()
		return nil, ErrSafetyLatched
	}

	id := "cmd_" + uuid.NewString()
	now := time.Now()
	p := &pendingCommand{
		id:        id,
		action:    action,
		movement:  movement || protected,
		protected: protected,
		issuedAt:  now,
		deadline:  now.Add(timeout),
		future:    &Future{id: id, d: d, ch: make(chan Result, 1)},
	}

	// A new movement command takes over the motion slot; the prior one
	// resolves superseded (a non-error terminal state). The emergency stop
	// holds the slot and cannot be displaced.
	var superseded *pendingCommand
	if p.movement {
		if prev, ok := d.pending[d.movementID]; ok {
			if prev.protected && !protected {
				d.mu.Unlock()
				return nil, ErrSafetyLatched
			}
			superseded = prev
		}
		d.movementID = id
	}
	if protected {
		d.latched = true
	}
	d.pending[id] = p
	sender := d.sender
	d.mu.Unlock()

	if superseded != nil {
		d.resolve(superseded.id, Result{
			Status: StatusSuperseded,
			Reason: protocol.ReasonCommandSuperseded,
		})
	}

	env := protocol.New(protocol.TypeCommand, d.robotID, protocol.Command{
		CommandID:  id,
		Action:     action,
		Parameters: params,
	})
	if err := sender.SendEnvelope(env); err != nil {
		d.resolve(id, Result{
			Status:  protocol.ResultError,
			Message: err.Error(),
			Reason:  protocol.ReasonConnectionLost,
		})
		return nil, fmt.Errorf("send command %s: %w", action, err)
	}

	d.logger.Debug("command dispatched", "command_id", id, "action", action, "deadline", timeout)
	if d.metrics != nil {
		d.metrics.CommandsDispatched.Add(context.Background(), 1,
			metric.WithAttributes(otel.AttrAction.String(action)))
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicCommandDispatched, bus.CommandEvent{
			CommandID: id,
			Action:    action,
			RobotID:   d.robotID,
		})
	}
	return p.future, nil
}

// HandleResult resolves the pending command matching a command_result
// envelope. An unmatched result (already resolved, cancelled, or unknown)
// is logged and discarded.
func (d *Dispatcher) HandleResult(env protocol.Envelope) {
	var res protocol.CommandResult
	if err := env.DataInto(&res); err != nil {
		d.logger.Warn("unreadable command_result", "error", err)
		return
	}

	reason := ""
	if res.Status == protocol.ResultError {
		// A robot-side refusal on safety grounds carries its own code.
		if code, ok := res.Result["error_code"].(string); ok && code == protocol.ReasonSafetyViolation {
			reason = protocol.ReasonSafetyViolation
		}
	}
	if !d.resolve(res.CommandID, Result{
		Status:  res.Status,
		Message: res.Message,
		Reason:  reason,
		Payload: res.Result,
	}) {
		d.logger.Info("discarding unmatched command_result", "command_id", res.CommandID)
	}
}

// FailAllPending resolves every outstanding command as failed with the
// given reason code. Used when the robot link drops.
func (d *Dispatcher) FailAllPending(reason string) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.resolve(id, Result{
			Status: protocol.ResultError,
			Reason: reason,
		})
	}
	if len(ids) > 0 {
		d.logger.Warn("failed all pending commands", "count", len(ids), "reason", reason)
	}
}

// ClearEmergency releases the latch set by DispatchEmergencyStop.
func (d *Dispatcher) ClearEmergency() {
	d.mu.Lock()
	wasLatched := d.latched
	d.latched = false
	if p, ok := d.pending[d.movementID]; ok && p.protected {
		d.movementID = ""
	}
	d.mu.Unlock()

	if wasLatched {
		d.logger.Info("emergency latch cleared")
		audit.Record(audit.DecisionEmergencyClear, ActionEmergencyStop, "operator clear", "")
		if d.bus != nil {
			d.bus.Publish(bus.TopicSafetyCleared, bus.SafetyEvent{ActionTaken: "latch_cleared"})
		}
	}
}

// Latched reports whether the emergency latch is set.
func (d *Dispatcher) Latched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latched
}

// PendingCount returns the number of in-flight commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// History returns a copy of the recent command dispositions, newest last.
func (d *Dispatcher) History() []HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HistoryEntry, len(d.history))
	copy(out, d.history)
	return out
}

// resolve moves a pending command to a terminal state. It reports false if
// the id was not in the table (already resolved or never existed); losers of
// a result/timeout race land here as no-ops.
func (d *Dispatcher) resolve(id string, res Result) bool {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, id)
	if d.movementID == id {
		d.movementID = ""
	}
	res.CommandID = id
	res.Action = p.action
	now := time.Now()
	d.history = append(d.history, HistoryEntry{
		CommandID:  id,
		Action:     p.action,
		Status:     res.Status,
		Reason:     res.Reason,
		IssuedAt:   p.issuedAt,
		ResolvedAt: now,
	})
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	d.mu.Unlock()

	p.future.ch <- res

	if d.metrics != nil {
		d.metrics.CommandsResolved.Add(context.Background(), 1, metric.WithAttributes(
			otel.AttrAction.String(p.action),
			attribute.String("deks.command.status", res.Status),
		))
		d.metrics.CommandRoundTrip.Record(context.Background(), now.Sub(p.issuedAt).Seconds(),
			metric.WithAttributes(otel.AttrAction.String(p.action)))
	}
	if res.Reason != "" && res.Reason != protocol.ReasonCommandSuperseded {
		audit.Record(audit.DecisionCommandFailed, p.action, res.Reason, id)
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicCommandResolved, bus.CommandResolvedEvent{
			CommandID:  id,
			Action:     p.action,
			Status:     res.Status,
			Reason:     res.Reason,
			DurationMs: now.Sub(p.issuedAt).Milliseconds(),
		})
	}
	return true
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

// sweep resolves every command whose deadline has passed as COMMAND_TIMEOUT.
func (d *Dispatcher) sweep(now time.Time) {
	d.mu.Lock()
	var expired []string
	for id, p := range d.pending {
		if now.After(p.deadline) {
			expired = append(expired, id)
		}
	}
	d.mu.Unlock()

	for _, id := range expired {
		if d.resolve(id, Result{
			Status: protocol.ResultError,
			Reason: protocol.ReasonCommandTimeout,
		}) {
			d.logger.Warn("command timed out", "command_id", id)
		}
	}
}
