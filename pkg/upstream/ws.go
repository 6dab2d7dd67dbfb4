package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxgate/pkg/errorsx"
	"github.com/harunnryd/voxgate/pkg/frames"
	"github.com/harunnryd/voxgate/pkg/logging"
	"github.com/harunnryd/voxgate/pkg/resilience"
)

type Config struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	AuthHeader       string        `mapstructure:"auth_header"`
	AuthPrefix       string        `mapstructure:"auth_prefix"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitCooldown  time.Duration `mapstructure:"circuit_cooldown"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AuthHeader == "" {
		c.AuthHeader = "Authorization"
	}
	if c.AuthPrefix == "" {
		c.AuthPrefix = "Bearer "
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// WSConnector dials the vendor over WebSocket. The circuit breaker is shared
// by every session of the process.
type WSConnector struct {
	cfg     Config
	dialer  websocket.Dialer
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func NewWSConnector(cfg Config, logger *slog.Logger) *WSConnector {
	cfg = cfg.withDefaults()
	return &WSConnector{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  16384,
		},
		breaker: resilience.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		logger:  logging.NewComponentLogger(logger, "upstream"),
	}
}

func (c *WSConnector) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	if !req.Credentials.Complete() {
		return nil, errorsx.Wrap(ErrMissingCredentials, errorsx.ReasonConfigMissing)
	}
	if !c.breaker.Allow() {
		return nil, errorsx.Wrap(ErrCircuitOpen, errorsx.ReasonUpstreamCircuitOpen)
	}

	header := http.Header{}
	if req.Credentials.AccessKey != "" {
		header.Set(c.cfg.AuthHeader, c.cfg.AuthPrefix+req.Credentials.AccessKey)
	}

	start := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if rl, ok := resilience.RateLimitFromResponse(resp); ok {
			c.breaker.OnError(rl)
			c.logger.Warn("upstream_rate_limited",
				slog.String("session_id", req.SessionID),
				slog.String("status", resp.Status))
			return nil, errorsx.Wrap(rl, errorsx.ReasonUpstreamRateLimit)
		}
		c.breaker.OnError(err)
		c.logger.Error("upstream_dial_failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(fmt.Errorf("dial upstream: %w", err), errorsx.ReasonUpstreamConnect)
	}
	c.breaker.OnSuccess()

	s := newWSStream(conn, c.cfg, req.SessionID, c.logger)
	cfgFrame, err := frames.EncodeJSON(ConfigSequence, NewConfigFrame(req))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("encode config frame: %w", err)
	}
	if err := s.Send(cfgFrame); err != nil {
		_ = s.Close()
		return nil, errorsx.Wrap(fmt.Errorf("send config frame: %w", err), errorsx.ReasonUpstreamSend)
	}
	go s.readLoop()

	c.logger.Info("upstream_connected",
		slog.String("session_id", req.SessionID),
		slog.Duration("handshake", time.Since(start)))
	return s, nil
}

type wsStream struct {
	conn         *websocket.Conn
	events       chan Event
	done         chan struct{}
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
	closeOnce    sync.Once
	sessionID    string
	logger       *slog.Logger
}

func newWSStream(conn *websocket.Conn, cfg Config, sessionID string, logger *slog.Logger) *wsStream {
	return &wsStream{
		conn:         conn,
		events:       make(chan Event, cfg.EventBuffer),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		sessionID:    sessionID,
		logger:       logger,
	}
}

func (s *wsStream) Send(frame []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUpstreamSend)
	}
	return nil
}

func (s *wsStream) Events() <-chan Event { return s.events }

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
		s.logger.Debug("upstream_closed", slog.String("session_id", s.sessionID))
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.emit(Event{Err: errorsx.Wrap(err, errorsx.ReasonUpstreamProtocol)})
			return
		}
		resp, ok := frames.Decode(data)
		if !ok {
			continue
		}
		if !s.emit(Event{Response: resp}) {
			return
		}
	}
}

func (s *wsStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

var (
	_ Connector = (*WSConnector)(nil)
	_ Stream    = (*wsStream)(nil)
)
