// Package robotlink owns the single TCP link to the robot: accept or dial,
// handshake, liveness pings, bounded reconnect, and the send/receive
// surface the dispatcher and telemetry router sit on. Losing the robot is a
// steady, representable state here, never a process failure.
package robotlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/dispatch"
	"github.com/kuyeon/deks-bridge/internal/otel"
	"github.com/kuyeon/deks-bridge/internal/protocol"
	"github.com/kuyeon/deks-bridge/internal/telemetry"
)

// State is the robot connection's lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
)

// maxLineBytes bounds one wire line; anything longer is a protocol error.
const maxLineBytes = 256 * 1024

const sendQueueSize = 256

var errSendQueueFull = errors.New("robotlink: send queue full")

// Status is a snapshot of the link for the gateway's status surface.
type Status struct {
	State       State     `json:"state"`
	RobotID     string    `json:"robot_id,omitempty"`
	Remote      string    `json:"remote,omitempty"`
	Firmware    string    `json:"firmware,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
}

// Config holds the link's dependencies and timings.
type Config struct {
	// BindAddr is the TCP listener the robot connects to. Ignored when
	// DialAddr is set.
	BindAddr string
	// DialAddr, when non-empty, makes the bridge dial out to the robot
	// with bounded fixed-backoff retries instead of listening.
	DialAddr string

	RobotID string // expected robot identity, logged on mismatch

	Codec      *protocol.Codec
	Router     *telemetry.Router
	Dispatcher *dispatch.Dispatcher
	Bus        *bus.Bus
	Metrics    *otel.Metrics // nil disables instrument updates
	Logger     *slog.Logger

	PingInterval     time.Duration // 30s if zero
	HandshakeTimeout time.Duration // 10s if zero
	WriteTimeout     time.Duration // 5s if zero

	ReconnectBackoff     time.Duration // 3s if zero
	ReconnectMaxAttempts int           // 5 if zero
}

type robotConn struct {
	netConn net.Conn
	sendq   chan []byte
	closeMu sync.Once
	done    chan struct{}
}

func (c *robotConn) shutdown() {
	c.closeMu.Do(func() {
		close(c.done)
		_ = c.netConn.Close()
	})
}

// Link manages at most one robot connection at a time.
type Link struct {
	cfg    Config
	logger *slog.Logger

	ln net.Listener

	mu          sync.Mutex
	conn        *robotConn
	state       State
	robotID     string
	firmware    string
	remote      string
	connectedAt time.Time
	lastSeen    time.Time

	cancel  context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup

	dialMu      sync.Mutex
	dialRunning bool
}

func New(cfg Config) *Link {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 3 * time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	return &Link{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
	}
}

// Start begins listening (or dialing) for the robot. The listener is bound
// synchronously so Addr is valid once Start returns.
func (l *Link) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)
	l.baseCtx = ctx

	if l.cfg.DialAddr != "" {
		l.launchDialLoop()
		return nil
	}

	ln, err := net.Listen("tcp", l.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.BindAddr, err)
	}
	l.ln = ln
	l.logger.Info("robot link listening", "addr", ln.Addr().String())

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	context.AfterFunc(ctx, func() { _ = ln.Close() })
	return nil
}

// Stop tears down the link and waits for its goroutines.
func (l *Link) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		conn.shutdown()
	}
	l.wg.Wait()
}

// Addr returns the listener address, or "" in dial mode.
func (l *Link) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Reset restarts the bounded dial loop after it exhausted its attempts.
// No-op in listen mode or while a dial loop is already running.
func (l *Link) Reset() {
	if l.cfg.DialAddr == "" || l.baseCtx == nil {
		return
	}
	l.launchDialLoop()
}

// Connected reports whether a robot link is usable (connected or degraded).
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && (l.state == StateConnected || l.state == StateDegraded)
}

// Status returns a snapshot of the link.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:       l.state,
		RobotID:     l.robotID,
		Remote:      l.remote,
		Firmware:    l.firmware,
		ConnectedAt: l.connectedAt,
		LastSeen:    l.lastSeen,
	}
}

// SendEnvelope queues one envelope for the robot. It implements
// dispatch.Sender and never blocks: a full queue is an error.
func (l *Link) SendEnvelope(env protocol.Envelope) error {
	line, err := l.cfg.Codec.Encode(env)
	if err != nil {
		return err
	}

	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	if conn == nil || state == StateDisconnected {
		return dispatch.ErrNotConnected
	}
	select {
	case conn.sendq <- line:
		return nil
	default:
		return errSendQueueFull
	}
}

func (l *Link) launchDialLoop() {
	l.dialMu.Lock()
	if l.dialRunning {
		l.dialMu.Unlock()
		return
	}
	l.dialRunning = true
	l.dialMu.Unlock()

	l.wg.Add(1)
	go func() {
		defer func() {
			l.dialMu.Lock()
			l.dialRunning = false
			l.dialMu.Unlock()
			l.wg.Done()
		}()
		l.dialLoop(l.baseCtx)
	}()
}

// dialLoop connects out to the robot with fixed backoff. After the bounded
// attempt budget is spent the loop exits and the bridge holds no robot
// connection until Reset.
func (l *Link) dialLoop(ctx context.Context) {
	attempts := 0
	for attempts < l.cfg.ReconnectMaxAttempts {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.Dial("tcp", l.cfg.DialAddr)
		if err != nil {
			attempts++
			l.logger.Warn("robot dial failed", "addr", l.cfg.DialAddr,
				"attempt", attempts, "max", l.cfg.ReconnectMaxAttempts, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.ReconnectBackoff):
			}
			continue
		}
		attempts = 0
		l.handleConn(ctx, conn)
		// Connection ended; back off before redialing.
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.ReconnectBackoff):
		}
		attempts++
	}
	l.logger.Error("robot dial attempts exhausted, waiting for reset",
		"addr", l.cfg.DialAddr, "attempts", l.cfg.ReconnectMaxAttempts)
}

func (l *Link) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		netConn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("accept failed", "error", err)
			continue
		}
		// The robot rebooting and reconnecting replaces a stale link.
		l.mu.Lock()
		stale := l.conn
		l.mu.Unlock()
		if stale != nil {
			l.logger.Warn("replacing existing robot connection", "remote", netConn.RemoteAddr())
			stale.shutdown()
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, netConn)
		}()
	}
}

// handleConn runs one robot connection to completion: handshake, writer,
// ping loop, then the reader loop until the socket dies.
func (l *Link) handleConn(ctx context.Context, netConn net.Conn) {
	remote := netConn.RemoteAddr().String()
	l.setState(StateConnecting, remote)

	reader := bufio.NewReaderSize(netConn, maxLineBytes)
	hs, err := l.performHandshake(netConn, reader)
	if err != nil {
		l.logger.Error("handshake failed", "remote", remote, "error", err)
		_ = netConn.Close()
		l.setState(StateDisconnected, "")
		return
	}
	if l.cfg.RobotID != "" && hs.RobotID != l.cfg.RobotID {
		l.logger.Warn("unexpected robot_id in handshake",
			"got", hs.RobotID, "want", l.cfg.RobotID)
	}

	conn := &robotConn{
		netConn: netConn,
		sendq:   make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}

	l.mu.Lock()
	l.conn = conn
	l.robotID = hs.RobotID
	l.firmware = hs.FirmwareVersion
	l.remote = remote
	l.connectedAt = time.Now()
	l.lastSeen = time.Now()
	l.mu.Unlock()
	l.setState(StateConnected, remote)
	l.logger.Info("robot connected", "robot_id", hs.RobotID, "remote", remote, "firmware", hs.FirmwareVersion)

	// Viewers learn the robot is back.
	l.cfg.Router.Broadcast(protocol.New(protocol.TypeStatusUpdate, hs.RobotID, protocol.StatusUpdate{
		Status:  protocol.StatusStopped,
		Message: "robot connected",
	}))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var connWG sync.WaitGroup
	connWG.Add(2)
	go func() {
		defer connWG.Done()
		l.writeLoop(conn)
	}()
	go func() {
		defer connWG.Done()
		l.pingLoop(connCtx, conn)
	}()

	l.readLoop(conn, reader)

	cancel()
	conn.shutdown()
	connWG.Wait()
	l.teardown(conn)
}

func (l *Link) performHandshake(netConn net.Conn, reader *bufio.Reader) (protocol.Handshake, error) {
	var hs protocol.Handshake

	_ = netConn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return hs, fmt.Errorf("read handshake: %w", err)
	}
	_ = netConn.SetReadDeadline(time.Time{})

	env, err := l.cfg.Codec.Decode(line)
	if err != nil {
		return hs, fmt.Errorf("decode handshake: %w", err)
	}
	if env.Type != protocol.TypeHandshake {
		return hs, fmt.Errorf("expected handshake, got %q", env.Type)
	}
	if err := env.DataInto(&hs); err != nil {
		return hs, fmt.Errorf("handshake payload: %w", err)
	}

	ack := protocol.New(protocol.TypeHandshakeAck, hs.RobotID, protocol.HandshakeAck{
		Status:            "success",
		ProtocolVersion:   protocol.ProtocolVersion,
		ServerTime:        time.Now().UTC().Format(time.RFC3339Nano),
		HeartbeatInterval: int(l.cfg.PingInterval.Seconds()),
	})
	ackLine, err := l.cfg.Codec.Encode(ack)
	if err != nil {
		return hs, err
	}
	_ = netConn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if _, err := netConn.Write(ackLine); err != nil {
		return hs, fmt.Errorf("write handshake ack: %w", err)
	}
	_ = netConn.SetWriteDeadline(time.Time{})
	return hs, nil
}

func (l *Link) writeLoop(conn *robotConn) {
	for {
		select {
		case <-conn.done:
			return
		case line := <-conn.sendq:
			_ = conn.netConn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			if _, err := conn.netConn.Write(line); err != nil {
				l.logger.Error("robot write failed", "error", err)
				conn.shutdown()
				return
			}
		}
	}
}

// pingLoop sends a ping every interval and grades liveness by the age of
// the last message seen: one silent interval degrades the link, two kill it.
func (l *Link) pingLoop(ctx context.Context, conn *robotConn) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			silence := time.Since(l.lastSeen)
			state := l.state
			remote := l.remote
			l.mu.Unlock()

			if silence > 2*l.cfg.PingInterval {
				l.logger.Warn("robot liveness lost, closing connection", "silence", silence)
				conn.shutdown()
				return
			}
			if silence > l.cfg.PingInterval && state == StateConnected {
				l.setState(StateDegraded, remote)
			}

			if err := l.SendEnvelope(protocol.New(protocol.TypePing, l.cfg.RobotID, nil)); err != nil {
				l.logger.Warn("ping send failed", "error", err)
			}
		}
	}
}

func (l *Link) readLoop(conn *robotConn, reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-conn.done:
			default:
				l.logger.Warn("robot read ended", "error", err)
			}
			return
		}
		l.touch()
		l.handleLine(conn, line)
	}
}

func (l *Link) handleLine(conn *robotConn, line []byte) {
	env, err := l.cfg.Codec.Decode(line)
	if err != nil {
		// A malformed line is dropped and echoed to viewers as an error
		// envelope; the connection itself stays up.
		l.logger.Warn("dropping undecodable line", "error", err)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.EnvelopesDropped.Add(context.Background(), 1)
		}
		truncated := string(line)
		if len(truncated) > 120 {
			truncated = truncated[:120]
		}
		l.mu.Lock()
		remote := l.remote
		l.mu.Unlock()
		if l.cfg.Bus != nil {
			l.cfg.Bus.Publish(bus.TopicConnectionError, bus.ConnectionErrorEvent{
				ConnID: remote,
				Reason: protocol.ReasonDecodeError,
				Line:   truncated,
			})
		}
		l.cfg.Router.Broadcast(protocol.New(protocol.TypeError, l.currentRobotID(), protocol.ErrorPayload{
			ErrorCode:    protocol.ReasonDecodeError,
			ErrorMessage: err.Error(),
			Severity:     "warning",
		}))
		return
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.EnvelopesDecoded.Add(context.Background(), 1,
			metric.WithAttributes(otel.AttrEnvelope.String(string(env.Type))))
	}

	switch env.Type {
	case protocol.TypePong:
		l.mu.Lock()
		degraded := l.state == StateDegraded
		remote := l.remote
		l.mu.Unlock()
		if degraded {
			l.setState(StateConnected, remote)
		}

	case protocol.TypePing:
		if err := l.SendEnvelope(protocol.New(protocol.TypePong, l.currentRobotID(), nil)); err != nil {
			l.logger.Warn("pong send failed", "error", err)
		}

	case protocol.TypeSensorData, protocol.TypeStatusUpdate, protocol.TypeSafetyWarning:
		l.cfg.Router.Ingest(env)

	case protocol.TypeCommandResult:
		l.cfg.Dispatcher.HandleResult(env)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if env.DataInto(&p) == nil {
			l.logger.Error("robot reported error",
				"code", p.ErrorCode, "message", p.ErrorMessage, "severity", p.Severity)
		}
		l.cfg.Router.Broadcast(env)

	default:
		l.logger.Warn("unexpected envelope from robot", "type", env.Type)
	}
}

// teardown runs once per connection after its loops exit: pending commands
// fail exactly once with CONNECTION_LOST and viewers are told the robot is
// gone.
func (l *Link) teardown(conn *robotConn) {
	l.mu.Lock()
	if l.conn != conn {
		// A replacement connection already took over.
		l.mu.Unlock()
		return
	}
	l.conn = nil
	robotID := l.robotID
	l.mu.Unlock()

	l.setState(StateDisconnected, "")
	l.logger.Info("robot disconnected", "robot_id", robotID)

	l.cfg.Dispatcher.FailAllPending(protocol.ReasonConnectionLost)
	l.cfg.Router.Broadcast(protocol.New(protocol.TypeStatusUpdate, robotID, protocol.StatusUpdate{
		Status:  protocol.StatusError,
		Message: "robot connection lost",
	}))
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastSeen = time.Now()
	l.mu.Unlock()
}

func (l *Link) currentRobotID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.robotID != "" {
		return l.robotID
	}
	return l.cfg.RobotID
}

func (l *Link) setState(next State, remote string) {
	l.mu.Lock()
	prev := l.state
	if prev == next {
		l.mu.Unlock()
		return
	}
	l.state = next
	l.remote = remote
	robotID := l.robotID
	l.mu.Unlock()

	l.logger.Info("robot link state", "from", prev, "to", next)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ConnectionChanges.Add(context.Background(), 1,
			metric.WithAttributes(otel.AttrLinkState.String(string(next))))
	}
	if l.cfg.Bus != nil {
		l.cfg.Bus.Publish(bus.TopicConnectionState, bus.ConnectionStateEvent{
			ConnID:   remote,
			RobotID:  robotID,
			OldState: string(prev),
			NewState: string(next),
		})
	}
}
