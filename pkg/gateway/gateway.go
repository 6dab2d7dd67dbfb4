// Package gateway accepts client WebSocket connections and runs one
// transcription session per connection.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxgate/pkg/authz"
	"github.com/harunnryd/voxgate/pkg/logging"
	"github.com/harunnryd/voxgate/pkg/metrics"
	"github.com/harunnryd/voxgate/pkg/session"
	"github.com/harunnryd/voxgate/pkg/settings"
	"github.com/harunnryd/voxgate/pkg/upstream"
	"golang.org/x/time/rate"
)

type Options struct {
	Server    ServerConfig
	Session   session.Config
	Gate      authz.Gate
	Settings  settings.Provider
	Connector upstream.Connector
	Observer  metrics.Observer
	Logger    *slog.Logger
}

// Gateway is the session manager. It serves the WebSocket endpoint and keeps
// the table of live sessions.
type Gateway struct {
	cfg       ServerConfig
	sessCfg   session.Config
	gate      authz.Gate
	settings  settings.Provider
	connector upstream.Connector
	observer  metrics.Observer
	base      *slog.Logger
	logger    *slog.Logger

	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	router   chi.Router

	server   *http.Server
	listener net.Listener

	mu       sync.Mutex
	sessions map[string]liveSession
	wg       sync.WaitGroup
	draining atomic.Bool
}

// liveSession pairs a session with the cancel func of its connection
// context, which aborts an in-flight vendor handshake.
type liveSession struct {
	sess   *session.Session
	cancel context.CancelFunc
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws/asr"
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

func New(opts Options) *Gateway {
	cfg := opts.Server.withDefaults()
	gate := opts.Gate
	if gate == nil {
		gate = authz.AllowAll{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	limit := rate.Inf
	if cfg.ConnectRate > 0 {
		limit = rate.Limit(cfg.ConnectRate)
	}
	burst := cfg.ConnectBurst
	if burst <= 0 {
		burst = 1
	}
	g := &Gateway{
		cfg:       cfg,
		sessCfg:   opts.Session,
		gate:      gate,
		settings:  opts.Settings,
		connector: opts.Connector,
		observer:  observer,
		base:      opts.Logger,
		logger:    logging.NewComponentLogger(opts.Logger, "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		limiter:  rate.NewLimiter(limit, burst),
		sessions: make(map[string]liveSession),
	}
	g.upgrader.CheckOrigin = g.checkOrigin

	r := chi.NewRouter()
	r.Get("/health", g.handleHealth)
	r.Get(cfg.WSPath, g.handleStream)
	g.router = r
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves until ctx is done or
// Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return err
	}
	g.listener = ln
	g.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           g,
	}
	go func() {
		<-ctx.Done()
		_ = g.Stop()
	}()
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway_server_error", slog.String("error", err.Error()))
		}
	}()
	g.logger.Info("gateway_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("ws_path", g.cfg.WSPath))
	return nil
}

// Addr is the bound listener address, empty before Start.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Drain refuses new connections, closes every live session, aborts pending
// vendor handshakes and waits for the handlers to finish or ctx to end.
func (g *Gateway) Drain(ctx context.Context) error {
	g.draining.Store(true)
	g.mu.Lock()
	live := make([]liveSession, 0, len(g.sessions))
	for _, ls := range g.sessions {
		live = append(live, ls)
	}
	g.mu.Unlock()
	if len(live) > 0 {
		g.logger.Info("gateway_draining", slog.Int("sessions", len(live)))
	}
	for _, ls := range live {
		_ = ls.sess.Close()
		ls.cancel()
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) Stop() error {
	g.draining.Store(true)
	if g.server == nil {
		return nil
	}
	return g.server.Close()
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !g.limiter.Allow() {
		g.logger.Warn("connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		metrics.Record(g.observer, metrics.EventSessionRefused, "", 1, map[string]any{"reason": "rate_limited"})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	logger := g.logger.With(slog.String("session_id", id))
	client := newClientConn(conn, g.cfg.SendBuffer, g.cfg.WriteTimeout, g.cfg.PingInterval, logger)
	sess := session.New(session.Options{
		ID:        id,
		Config:    g.sessCfg,
		Client:    client,
		Connector: g.connector,
		Settings:  g.settings,
		Observer:  g.observer,
		Logger:    g.base,
	})

	if err := sess.Authorize(r.Context(), g.gate, r); err != nil {
		metrics.Record(g.observer, metrics.EventSessionRefused, id, 1, map[string]any{"reason": "unauthorized"})
		client.closeWith(authz.CloseCode(err), "unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !g.attach(id, sess, cancel) {
		cancel()
		_ = sess.Close()
		client.closeWith(session.CodeGoingAway, string(session.CloseShutdown))
		return
	}
	defer g.detach(id)

	metrics.Record(g.observer, metrics.EventSessionOpened, id, 1, map[string]any{"subject": sess.Principal().Subject})
	logger.Info("session_opened", slog.String("subject", sess.Principal().Subject))

	inbound := make(chan []byte, 64)
	go client.readLoop(ctx, cancel, inbound, g.cfg.MaxMessageBytes, g.pongWait())

	reason := sess.Run(ctx, inbound)
	cancel()
	client.closeWith(reason.Code(), string(reason))
}

// attach registers a session unless the gateway is draining.
func (g *Gateway) attach(id string, sess *session.Session, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining.Load() {
		return false
	}
	g.sessions[id] = liveSession{sess: sess, cancel: cancel}
	g.wg.Add(1)
	return true
}

func (g *Gateway) detach(id string) {
	g.mu.Lock()
	_, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if ok {
		g.wg.Done()
	}
}

func (g *Gateway) pongWait() time.Duration {
	if g.cfg.PingInterval <= 0 {
		return 0
	}
	return g.cfg.PingInterval * 2
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range g.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if a == "*" {
			return true
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

var _ http.Handler = (*Gateway)(nil)
