package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxgate/pkg/authz"
	"github.com/harunnryd/voxgate/pkg/frames"
	"github.com/harunnryd/voxgate/pkg/metrics"
	"github.com/harunnryd/voxgate/pkg/providers/mock"
	"github.com/harunnryd/voxgate/pkg/session"
	"github.com/harunnryd/voxgate/pkg/settings"
	"github.com/harunnryd/voxgate/pkg/upstream"
)

type testEnv struct {
	gw       *Gateway
	srv      *httptest.Server
	vendor   *mock.Vendor
	observer *metrics.MemoryObserver
}

func newEnv(t *testing.T, creds settings.Credentials, mutate func(*Options)) *testEnv {
	t.Helper()
	vendor := mock.NewVendor(mock.VendorConfig{Transcript: "hello world"})
	vendorSrv := httptest.NewServer(vendor)
	t.Cleanup(vendorSrv.Close)

	observer := metrics.NewMemoryObserver()
	opts := Options{
		Server:    ServerConfig{WSPath: "/ws/asr"},
		Session:   session.Config{FinalResultGrace: time.Second},
		Settings:  settings.NewStatic(creds),
		Connector: upstream.NewWSConnector(upstream.Config{URL: toWS(vendorSrv.URL)}, nil),
		Observer:  observer,
	}
	if mutate != nil {
		mutate(&opts)
	}
	gw := New(opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, srv: srv, vendor: vendor, observer: observer}
}

func toWS(u string) string {
	return "ws" + strings.TrimPrefix(u, "http")
}

func (e *testEnv) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(toWS(e.srv.URL)+"/ws/asr", header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntilClose collects text messages until the server closes the
// connection and returns them with the close code.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([]string, int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msgs []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return msgs, ce.Code
			}
			t.Fatalf("read: %v (messages %v)", err, msgs)
		}
		msgs = append(msgs, string(data))
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func audioMessage(data []byte) map[string]string {
	return map[string]string{"type": "audio", "payload": base64.StdEncoding.EncodeToString(data)}
}

func TestStreamEndToEnd(t *testing.T) {
	env := newEnv(t, settings.Credentials{AppID: "X", AccessKey: "ak"}, nil)
	conn := env.dial(t, nil)

	sendJSON(t, conn, map[string]string{"type": "start"})
	if got := readMessage(t, conn); got != `{"type":"started"}` {
		t.Fatalf("expected started, got %s", got)
	}
	waitFor(t, "session registered", func() bool { return env.gw.Sessions() == 1 })

	for i := 0; i < 3; i++ {
		sendJSON(t, conn, audioMessage([]byte{byte(i), 1, 2, 3}))
	}
	sendJSON(t, conn, map[string]string{"type": "stop"})

	msgs, code := readUntilClose(t, conn)
	if code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal close, got %d", code)
	}
	var final bool
	for _, m := range msgs {
		var ev session.TranscriptEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			t.Fatalf("bad message %q: %v", m, err)
		}
		if ev.Type == session.TypeTranscript && ev.IsFinal && ev.Text == "hello world" {
			final = true
		}
	}
	if !final {
		t.Fatalf("expected a final transcript, got %v", msgs)
	}

	got := env.vendor.Received()
	if len(got) != 5 {
		t.Fatalf("expected config, 3 audio frames and sentinel, got %d frames", len(got))
	}
	if got[0].Type != frames.TypeJSON || got[0].Sequence != 1 {
		t.Fatalf("expected config frame first, got %+v", got[0])
	}
	for i := 1; i <= 3; i++ {
		if got[i].Type != frames.TypeAudio || got[i].Sequence != int8(i) {
			t.Fatalf("frame %d: unexpected %+v", i, got[i])
		}
	}
	if got[4].Sequence != -4 || len(got[4].Payload) != 0 {
		t.Fatalf("unexpected sentinel %+v", got[4])
	}
	waitFor(t, "session removed", func() bool { return env.gw.Sessions() == 0 })
	if n := len(env.observer.Named(metrics.EventSessionClosed)); n != 1 {
		t.Fatalf("expected one session_closed event, got %d", n)
	}
}

func TestPingPong(t *testing.T) {
	env := newEnv(t, settings.Credentials{AppID: "X"}, nil)
	conn := env.dial(t, nil)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readMessage(t, conn); got != "pong" {
		t.Fatalf("expected pong, got %q", got)
	}
	if opened, _ := env.vendor.Connections(); opened != 0 {
		t.Fatalf("ping must not contact the vendor")
	}
}

func TestUnauthorizedClosesWith4001(t *testing.T) {
	env := newEnv(t, settings.Credentials{AppID: "X"}, func(o *Options) {
		gate, err := authz.NewJWTGate(authz.JWTConfig{Secret: "secret"})
		if err != nil {
			t.Fatalf("gate: %v", err)
		}
		o.Gate = gate
	})
	conn := env.dial(t, nil)
	_, code := readUntilClose(t, conn)
	if code != authz.CloseUnauthorized {
		t.Fatalf("expected 4001, got %d", code)
	}
	if env.gw.Sessions() != 0 {
		t.Fatalf("unauthorized connection must not be registered")
	}
	if n := len(env.observer.Named(metrics.EventSessionRefused)); n != 1 {
		t.Fatalf("expected a session_refused event, got %d", n)
	}
}

func TestConfigMissing(t *testing.T) {
	env := newEnv(t, settings.Credentials{}, nil)
	conn := env.dial(t, nil)
	sendJSON(t, conn, map[string]string{"type": "start"})
	msgs, code := readUntilClose(t, conn)
	if len(msgs) != 1 || msgs[0] != `{"type":"error","message":"ASR configuration missing"}` {
		t.Fatalf("unexpected messages %v", msgs)
	}
	if code != websocket.CloseInternalServerErr {
		t.Fatalf("expected 1011, got %d", code)
	}
}

func TestDrainRefusesNewConnections(t *testing.T) {
	env := newEnv(t, settings.Credentials{AppID: "X"}, nil)
	conn := env.dial(t, nil)
	sendJSON(t, conn, map[string]string{"type": "start"})
	readMessage(t, conn)

	done := make(chan struct{})
	go func() {
		_ = env.gw.Drain(context.Background())
		close(done)
	}()
	_, code := readUntilClose(t, conn)
	if code != websocket.CloseGoingAway {
		t.Fatalf("expected 1001 on drain, got %d", code)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not finish")
	}

	_, resp, err := websocket.DefaultDialer.Dial(toWS(env.srv.URL)+"/ws/asr", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %v", err)
	}
	health, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected draining health 503, got %d", health.StatusCode)
	}
}

// stalledConnector holds every handshake open until its context ends.
type stalledConnector struct {
	dialing chan struct{}
	once    sync.Once
}

func (c *stalledConnector) Open(ctx context.Context, _ upstream.OpenRequest) (upstream.Stream, error) {
	c.once.Do(func() { close(c.dialing) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDrainAbortsPendingHandshake(t *testing.T) {
	connector := &stalledConnector{dialing: make(chan struct{})}
	env := newEnv(t, settings.Credentials{AppID: "X"}, func(o *Options) {
		o.Connector = connector
	})
	conn := env.dial(t, nil)
	sendJSON(t, conn, map[string]string{"type": "start"})
	select {
	case <-connector.dialing:
	case <-time.After(2 * time.Second):
		t.Fatalf("handshake never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.gw.Drain(ctx); err != nil {
		t.Fatalf("drain waited on the pending handshake: %v", err)
	}
	_, code := readUntilClose(t, conn)
	if code != websocket.CloseGoingAway {
		t.Fatalf("expected 1001 on drain, got %d", code)
	}
}

func TestConnectRateLimit(t *testing.T) {
	env := newEnv(t, settings.Credentials{AppID: "X"}, func(o *Options) {
		o.Server.ConnectRate = 0.001
		o.Server.ConnectBurst = 1
	})
	env.dial(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(toWS(env.srv.URL)+"/ws/asr", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the admission limit is exhausted, got %v", err)
	}
}

func TestOriginCheck(t *testing.T) {
	env := newEnv(t, settings.Credentials{AppID: "X"}, func(o *Options) {
		o.Server.AllowedOrigins = []string{"https://app.example.com"}
	})
	_, resp, err := websocket.DefaultDialer.Dial(toWS(env.srv.URL)+"/ws/asr", http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %v", err)
	}
	env.dial(t, http.Header{"Origin": {"https://app.example.com"}})
}

func TestHealth(t *testing.T) {
	env := newEnv(t, settings.Credentials{}, nil)
	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
