package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxgate/pkg/errorsx"
	"github.com/harunnryd/voxgate/pkg/frames"
	"github.com/harunnryd/voxgate/pkg/providers/mock"
	"github.com/harunnryd/voxgate/pkg/resilience"
	"github.com/harunnryd/voxgate/pkg/settings"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func openRequest() OpenRequest {
	return OpenRequest{
		SessionID:   "sess-1",
		UserID:      "user-1",
		Credentials: settings.Credentials{AppID: "X", AccessKey: "ak"},
		Audio:       AudioFormat{Rate: 16000},
	}
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

func TestOpenSendsConfigFrameFirst(t *testing.T) {
	vendor := mock.NewVendor(mock.VendorConfig{ExpectAuth: "Bearer ak"})
	srv := httptest.NewServer(vendor)
	defer srv.Close()

	c := NewWSConnector(Config{URL: wsURL(srv)}, nil)
	s, err := c.Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	waitFor(t, "config frame", func() bool { return len(vendor.Received()) == 1 })
	first := vendor.Received()[0]
	if first.Type != frames.TypeJSON || first.Sequence != ConfigSequence {
		t.Fatalf("expected json config frame with sequence 1, got type %v seq %d", first.Type, first.Sequence)
	}
	var cfg ConfigFrame
	if err := json.Unmarshal(first.Payload, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.App.AppID != "X" || cfg.Request.ReqID != "sess-1" || cfg.User.UID != "user-1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Audio.Rate != 16000 || cfg.Audio.Bits != 16 || cfg.Audio.Channel != 1 || cfg.Audio.Format != "pcm" {
		t.Fatalf("expected audio defaults, got %+v", cfg.Audio)
	}
}

func TestStreamRelaysDecodedResults(t *testing.T) {
	vendor := mock.NewVendor(mock.VendorConfig{Transcript: "hello"})
	srv := httptest.NewServer(vendor)
	defer srv.Close()

	s, err := NewWSConnector(Config{URL: wsURL(srv)}, nil).Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Send(frames.EncodeAudio(1, []byte{1, 2, 3})); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case ev := <-s.Events():
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		if ev.Response.Result == nil || ev.Response.Result.Text != "hello" || ev.Response.Result.IsFinal {
			t.Fatalf("unexpected result %+v", ev.Response.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected result event")
	}

	if err := s.Send(frames.EncodeEndOfStream(2)); err != nil {
		t.Fatalf("send sentinel: %v", err)
	}
	var final bool
	for ev := range s.Events() {
		if ev.Response.Result != nil && ev.Response.Result.IsFinal {
			final = true
		}
	}
	if !final {
		t.Fatalf("expected final result before the vendor closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	vendor := mock.NewVendor(mock.VendorConfig{})
	srv := httptest.NewServer(vendor)
	defer srv.Close()

	s, err := NewWSConnector(Config{URL: wsURL(srv)}, nil).Open(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if err := s.Send(frames.EncodeAudio(1, []byte{1})); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	waitFor(t, "vendor to observe close", func() bool {
		_, closed := vendor.Connections()
		return closed == 1
	})
}

func TestOpenWithoutAppID(t *testing.T) {
	req := openRequest()
	req.Credentials.AppID = ""
	_, err := NewWSConnector(Config{URL: "ws://127.0.0.1:1"}, nil).Open(context.Background(), req)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonConfigMissing {
		t.Fatalf("expected config_missing reason, got %s", errorsx.Reason(err))
	}
}

func TestOpenRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err := NewWSConnector(Config{URL: wsURL(srv)}, nil).Open(context.Background(), openRequest())
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if errorsx.Reason(err) != errorsx.ReasonUpstreamConnect {
		t.Fatalf("expected upstream_connect reason, got %s", errorsx.Reason(err))
	}
}

func TestRateLimitOpensCircuit(t *testing.T) {
	vendor := mock.NewVendor(mock.VendorConfig{RejectStatus: http.StatusTooManyRequests})
	srv := httptest.NewServer(vendor)
	defer srv.Close()

	c := NewWSConnector(Config{URL: wsURL(srv), CircuitThreshold: 1, CircuitCooldown: time.Hour}, nil)
	_, err := c.Open(context.Background(), openRequest())
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	_, err = c.Open(context.Background(), openRequest())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}

func TestOpenHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWSConnector(Config{URL: "ws://127.0.0.1:9"}, nil).Open(ctx, openRequest())
	if err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
