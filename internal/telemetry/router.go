// Package telemetry routes robot-origin envelopes to live viewers and
// maintains the derived robot state. Delivery to one slow viewer never
// blocks the others or back-pressures the robot link: each subscription has
// a bounded two-lane queue that drops its oldest normal entry on overflow,
// while the safety lane jumps ahead of anything already queued.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/otel"
	"github.com/kuyeon/deks-bridge/internal/protocol"
)

const defaultQueueCapacity = 64

// Evaluator is consulted synchronously on every ingested telemetry envelope
// before fan-out. A non-nil returned envelope is a safety_warning delivered
// ahead of the triggering telemetry.
type Evaluator interface {
	OnTelemetry(state RobotState, env protocol.Envelope) *protocol.Envelope
}

// Subscription is one viewer's delivery queue. Receive from Ch until it is
// closed by Unsubscribe.
type Subscription struct {
	id  string
	out chan protocol.Envelope

	mu     sync.Mutex
	normal []protocol.Envelope
	safety []protocol.Envelope
	notify chan struct{}
	done   chan struct{}
	closed bool

	capacity int
	dropped  atomic.Int64
}

// ID returns the subscription's identity, shared with the viewer registry.
func (s *Subscription) ID() string { return s.id }

// Ch returns the delivery channel. Safety warnings arrive ahead of queued
// telemetry; everything else preserves source order.
func (s *Subscription) Ch() <-chan protocol.Envelope { return s.out }

// Dropped returns how many envelopes this viewer has lost to overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// enqueue appends without blocking; overflow evicts the oldest normal
// envelope for this viewer only.
func (s *Subscription) enqueue(env protocol.Envelope, safety bool) (overflowed bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if safety {
		if len(s.safety) >= s.capacity {
			s.safety = s.safety[1:]
			s.dropped.Add(1)
			overflowed = true
		}
		s.safety = append(s.safety, env)
	} else {
		if len(s.normal) >= s.capacity {
			s.normal = s.normal[1:]
			s.dropped.Add(1)
			overflowed = true
		}
		s.normal = append(s.normal, env)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return overflowed
}

// pump moves queued envelopes to the delivery channel, safety lane first.
// It is the only writer of s.out and closes it when the subscription ends.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var env protocol.Envelope
		var have bool
		switch {
		case len(s.safety) > 0:
			env, s.safety = s.safety[0], s.safety[1:]
			have = true
		case len(s.normal) > 0:
			env, s.normal = s.normal[0], s.normal[1:]
			have = true
		}
		closed := s.closed
		s.mu.Unlock()

		if have {
			// A vanished reader must not wedge the pump.
			select {
			case s.out <- env:
			case <-s.done:
				return
			}
			continue
		}
		if closed {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	close(s.done)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Config holds the router's dependencies.
type Config struct {
	Bus           *bus.Bus
	Logger        *slog.Logger
	Evaluator     Evaluator
	Metrics       *otel.Metrics // nil disables instrument updates
	QueueCapacity int
}

// Router ingests robot-origin envelopes, applies them to the derived state,
// runs safety evaluation, and fans out to subscribers.
type Router struct {
	bus       *bus.Bus
	logger    *slog.Logger
	evaluator Evaluator
	metrics   *otel.Metrics
	capacity  int

	stateMu sync.RWMutex
	state   RobotState

	subMu sync.RWMutex
	subs  map[string]*Subscription
}

func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Router{
		bus:       cfg.Bus,
		logger:    logger,
		evaluator: cfg.Evaluator,
		metrics:   cfg.Metrics,
		capacity:  capacity,
		subs:      make(map[string]*Subscription),
	}
}

// SetEvaluator attaches the safety monitor. Pass nil to disable evaluation.
func (r *Router) SetEvaluator(e Evaluator) {
	r.subMu.Lock()
	r.evaluator = e
	r.subMu.Unlock()
}

// Snapshot returns a value copy of the derived robot state.
func (r *Router) Snapshot() RobotState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// Subscribe registers a viewer and returns its delivery queue.
func (r *Router) Subscribe() *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		out:      make(chan protocol.Envelope),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		capacity: r.capacity,
	}
	go sub.pump()

	r.subMu.Lock()
	r.subs[sub.id] = sub
	r.subMu.Unlock()
	return sub
}

// Unsubscribe removes the viewer and closes its channel; undelivered
// envelopes may be discarded.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.subMu.Lock()
	_, ok := r.subs[sub.id]
	delete(r.subs, sub.id)
	r.subMu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of live viewer subscriptions.
func (r *Router) SubscriberCount() int {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return len(r.subs)
}

// Ingest processes one robot-origin envelope: state update, synchronous
// safety evaluation, then fan-out. Safety evaluation runs before viewers
// are notified, so an emergency command is never issued after the warning
// reaches a dashboard.
func (r *Router) Ingest(env protocol.Envelope) {
	now := time.Now()

	switch env.Type {
	case protocol.TypeSensorData:
		var data protocol.SensorData
		if err := env.DataInto(&data); err != nil {
			r.logger.Warn("unreadable sensor_data", "error", err)
			return
		}
		r.stateMu.Lock()
		r.state.applySensorData(env.RobotID, data, now)
		r.stateMu.Unlock()
		if r.bus != nil {
			r.bus.Publish(bus.TopicTelemetrySensor, bus.TelemetryEvent{Envelope: env})
		}

	case protocol.TypeStatusUpdate:
		var data protocol.StatusUpdate
		if err := env.DataInto(&data); err != nil {
			r.logger.Warn("unreadable status_update", "error", err)
			return
		}
		r.stateMu.Lock()
		r.state.applyStatusUpdate(env.RobotID, data, now)
		r.stateMu.Unlock()
		if r.bus != nil {
			r.bus.Publish(bus.TopicTelemetryStatus, bus.TelemetryEvent{Envelope: env})
		}

	case protocol.TypeSafetyWarning:
		// Robot-reported warning: record it and fan out on the safety lane.
		var data protocol.SafetyWarning
		if err := env.DataInto(&data); err != nil {
			r.logger.Warn("unreadable safety_warning", "error", err)
			return
		}
		r.stateMu.Lock()
		r.state.LastWarning = data.WarningType
		r.state.UpdatedAt = now
		r.stateMu.Unlock()
		if r.bus != nil {
			r.bus.Publish(bus.TopicSafetyWarning, bus.SafetyEvent{
				WarningType: data.WarningType,
				Message:     data.Message,
				ActionTaken: data.ActionTaken,
			})
		}
		r.fanOut(env, true)
		return

	default:
		r.logger.Warn("router ignoring envelope", "type", env.Type)
		return
	}

	if eval := r.currentEvaluator(); eval != nil {
		if warning := eval.OnTelemetry(r.Snapshot(), env); warning != nil {
			r.stateMu.Lock()
			var data protocol.SafetyWarning
			if warning.DataInto(&data) == nil {
				r.state.LastWarning = data.WarningType
			}
			r.stateMu.Unlock()
			r.fanOut(*warning, true)
		}
	}

	r.fanOut(env, false)
}

// Broadcast fans out a bridge-originated envelope (connection status,
// decode errors) to all viewers without state application or evaluation.
func (r *Router) Broadcast(env protocol.Envelope) {
	r.fanOut(env, env.Type == protocol.TypeSafetyWarning)
}

func (r *Router) currentEvaluator() Evaluator {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return r.evaluator
}

func (r *Router) fanOut(env protocol.Envelope, safety bool) {
	r.subMu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subMu.RUnlock()

	for _, sub := range subs {
		if sub.enqueue(env, safety) {
			r.logger.Warn("viewer queue overflow, dropped oldest",
				"viewer", sub.id, "reason", protocol.ReasonViewerQueueOverflow)
			if r.metrics != nil {
				r.metrics.ViewerDrops.Add(context.Background(), 1,
					metric.WithAttributes(otel.AttrViewerID.String(sub.id)))
			}
		}
	}
}
