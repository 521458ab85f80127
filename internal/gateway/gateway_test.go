package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/dispatch"
	"github.com/kuyeon/deks-bridge/internal/otel"
	"github.com/kuyeon/deks-bridge/internal/persistence"
	"github.com/kuyeon/deks-bridge/internal/protocol"
	"github.com/kuyeon/deks-bridge/internal/telemetry"
)

type fakeSender struct {
	connected bool
	sent      chan protocol.Envelope
}

func (f *fakeSender) SendEnvelope(env protocol.Envelope) error {
	select {
	case f.sent <- env:
	default:
	}
	return nil
}

func (f *fakeSender) Connected() bool { return f.connected }

type harness struct {
	srv      *httptest.Server
	router   *telemetry.Router
	registry *telemetry.Registry
	disp     *dispatch.Dispatcher
	sender   *fakeSender
	store    *persistence.Store
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	b := bus.New()
	router := telemetry.NewRouter(telemetry.Config{Bus: b})
	registry := telemetry.NewRegistry(router)
	sender := &fakeSender{connected: true, sent: make(chan protocol.Envelope, 16)}
	disp := dispatch.New(dispatch.Config{Bus: b, RobotID: "deks_001"})
	disp.BindSender(sender)

	cfg := Config{
		Router:     router,
		Registry:   registry,
		Dispatcher: disp,
		Bus:        b,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, router: router, registry: registry, disp: disp, sender: sender, store: cfg.Store}
}

func (h *harness) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var raw json.RawMessage
	if err := wsjson.Read(ctx, conn, &raw); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write ws: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["healthy"] != true {
		t.Fatalf("healthy = %v, want true", payload["healthy"])
	}
}

func TestMetricsRequiresAuth(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AuthToken = "secret" })

	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestSubscribeStreamsTelemetry(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dialWS(t)

	send(t, conn, viewerRequest{Type: "subscribe", ID: "1"})
	ack := readMessage(t, conn)
	if ack["type"] != "ack" {
		t.Fatalf("reply type = %v, want ack", ack["type"])
	}
	if h.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", h.registry.Count())
	}

	h.router.Ingest(protocol.New(protocol.TypeSensorData, "deks_001", protocol.SensorData{BatteryLevel: 3.8}))

	msg := readMessage(t, conn)
	if msg["type"] != string(protocol.TypeSensorData) {
		t.Fatalf("streamed type = %v, want sensor_data", msg["type"])
	}
	data, ok := msg["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %T", msg["data"])
	}
	if data["battery_level"] != 3.8 {
		t.Fatalf("battery_level = %v, want 3.8", data["battery_level"])
	}
}

func TestCommandAckAndResult(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dialWS(t)

	send(t, conn, viewerRequest{
		Type:       "command",
		ID:         "42",
		Action:     "move_forward",
		Parameters: map[string]any{"speed": 512},
	})

	ack := readMessage(t, conn)
	if ack["type"] != "command_ack" {
		t.Fatalf("first reply = %v, want command_ack", ack["type"])
	}
	commandID, _ := ack["command_id"].(string)
	if commandID == "" {
		t.Fatal("command_ack missing command_id")
	}

	// The robot would have received the command envelope.
	select {
	case env := <-h.sender.sent:
		if env.Type != protocol.TypeCommand {
			t.Fatalf("sent type = %v, want command", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no command reached the sender")
	}

	h.disp.HandleResult(protocol.New(protocol.TypeCommandResult, "deks_001", protocol.CommandResult{
		CommandID: commandID,
		Status:    protocol.ResultSuccess,
		Message:   "ok",
	}))

	res := readMessage(t, conn)
	if res["type"] != "command_result" {
		t.Fatalf("second reply = %v, want command_result", res["type"])
	}
	if res["status"] != protocol.ResultSuccess {
		t.Fatalf("status = %v, want success", res["status"])
	}
	if res["id"] != "42" {
		t.Fatalf("id = %v, want 42", res["id"])
	}
}

func TestCommandWithoutRobot(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.connected = false
	conn := h.dialWS(t)

	send(t, conn, viewerRequest{Type: "command", ID: "7", Action: "move_forward"})

	res := readMessage(t, conn)
	if res["type"] != "command_result" {
		t.Fatalf("reply = %v, want command_result", res["type"])
	}
	if res["reason"] != protocol.ReasonConnectionLost {
		t.Fatalf("reason = %v, want %v", res["reason"], protocol.ReasonConnectionLost)
	}
}

func TestClearEmergencyReleasesLatch(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.disp.DispatchEmergencyStop("test"); err != nil {
		t.Fatalf("DispatchEmergencyStop: %v", err)
	}
	if !h.disp.Latched() {
		t.Fatal("dispatcher should be latched")
	}

	conn := h.dialWS(t)
	send(t, conn, viewerRequest{Type: "clear_emergency", ID: "1"})
	ack := readMessage(t, conn)
	if ack["type"] != "ack" {
		t.Fatalf("reply = %v, want ack", ack["type"])
	}
	if h.disp.Latched() {
		t.Fatal("latch should be cleared")
	}
}

func TestStatusRequest(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ConfigFingerprint = "abc123" })
	conn := h.dialWS(t)

	send(t, conn, viewerRequest{Type: "status", ID: "9"})
	msg := readMessage(t, conn)
	if msg["type"] != "status" {
		t.Fatalf("reply = %v, want status", msg["type"])
	}
	status, ok := msg["status"].(map[string]any)
	if !ok {
		t.Fatalf("status = %T", msg["status"])
	}
	if status["config_fingerprint"] != "abc123" {
		t.Fatalf("fingerprint = %v", status["config_fingerprint"])
	}
	if status["safety_latched"] != false {
		t.Fatalf("safety_latched = %v, want false", status["safety_latched"])
	}
}

func TestUnknownRequestType(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dialWS(t)

	send(t, conn, viewerRequest{Type: "teleport", ID: "1"})
	msg := readMessage(t, conn)
	if msg["type"] != "error" {
		t.Fatalf("reply = %v, want error", msg["type"])
	}
}

func TestViewerDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dialWS(t)

	send(t, conn, viewerRequest{Type: "subscribe", ID: "1"})
	readMessage(t, conn)
	if h.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", h.registry.Count())
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.registry.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry count = %d after disconnect, want 0", h.registry.Count())
}

func TestHistoryEndpoints(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "deks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.InsertSensorReading(context.Background(), "deks_001",
		protocol.SensorData{BatteryLevel: 3.6}, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h := newHarness(t, func(cfg *Config) { cfg.Store = store })

	resp, err := http.Get(h.srv.URL + "/api/history/sensors?limit=10")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var readings []persistence.SensorReading
	if err := json.NewDecoder(resp.Body).Decode(&readings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(readings) != 1 || readings[0].BatteryLevel != 3.6 {
		t.Fatalf("readings = %+v", readings)
	}

	bad, err := http.Get(h.srv.URL + "/api/history/sensors?limit=nope")
	if err != nil {
		t.Fatalf("GET bad limit: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", bad.StatusCode)
	}
}

func TestHistoryUnavailableWithoutStore(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/api/history/commands")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCommandRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, func(cfg *Config) { cfg.Tracer = tp.Tracer("test") })
	conn := h.dialWS(t)

	send(t, conn, viewerRequest{Type: "command", ID: "1", Action: "move_forward"})

	ack := readMessage(t, conn)
	if ack["type"] != "command_ack" {
		t.Fatalf("type = %v, want command_ack", ack["type"])
	}
	cmdID, _ := ack["command_id"].(string)

	var sent protocol.Envelope
	select {
	case sent = <-h.sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the sender")
	}
	var cmd protocol.Command
	if err := sent.DataInto(&cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	h.disp.HandleResult(protocol.New(protocol.TypeCommandResult, "deks_001", protocol.CommandResult{
		CommandID: cmd.CommandID,
		Status:    protocol.ResultSuccess,
	}))
	if res := readMessage(t, conn); res["type"] != "command_result" {
		t.Fatalf("type = %v, want command_result", res["type"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		spans := recorder.Ended()
		for _, span := range spans {
			if span.Name() != "viewer.command" {
				continue
			}
			for _, attr := range span.Attributes() {
				if attr.Key == otel.AttrCommandID && attr.Value.AsString() == cmdID {
					return
				}
			}
			t.Fatalf("span missing command id attribute, got %v", span.Attributes())
		}
		if time.Now().After(deadline) {
			t.Fatalf("no viewer.command span recorded, got %d spans", len(spans))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
