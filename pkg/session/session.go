// Package session implements the per-connection transcription session: it
// owns the vendor stream, numbers audio frames and relays results back to
// the client.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/voxgate/pkg/authz"
	"github.com/harunnryd/voxgate/pkg/errorsx"
	"github.com/harunnryd/voxgate/pkg/frames"
	"github.com/harunnryd/voxgate/pkg/logging"
	"github.com/harunnryd/voxgate/pkg/metrics"
	"github.com/harunnryd/voxgate/pkg/redact"
	"github.com/harunnryd/voxgate/pkg/settings"
	"github.com/harunnryd/voxgate/pkg/upstream"
)

// maxWireSequence is the largest sequence the one-byte header field holds.
const maxWireSequence = 255

// Client is the session's view of the client connection.
type Client interface {
	SendText(msg string) error
	SendJSON(v any) error
}

type Config struct {
	// IdleTimeout closes a session that receives no client message for
	// this long. Zero disables it.
	IdleTimeout      time.Duration        `mapstructure:"idle_timeout"`
	// FinalResultGrace is how long results are still relayed after "stop".
	FinalResultGrace time.Duration        `mapstructure:"final_result_grace"`
	Audio            upstream.AudioFormat `mapstructure:"-"`
}

type Options struct {
	ID        string
	Config    Config
	Client    Client
	Connector upstream.Connector
	Settings  settings.Provider
	Observer  metrics.Observer
	Logger    *slog.Logger
}

// Session is the stateful unit behind one client connection.
type Session struct {
	id        string
	cfg       Config
	client    Client
	connector upstream.Connector
	settings  settings.Provider
	observer  metrics.Observer
	logger    *slog.Logger
	openedAt  time.Time

	mu        sync.RWMutex
	state     State
	principal authz.Principal
	stream    upstream.Stream
	reason    CloseReason
	sequence  int32
	chunks    int

	// Owned by the Run goroutine.
	events   <-chan upstream.Event
	draining bool
	grace    *time.Timer
	wrapped  bool

	teardownOnce sync.Once
	closeErr     error
	closed       chan struct{}
}

func New(opts Options) *Session {
	observer := opts.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(opts.Logger, "session").With(slog.String("session_id", opts.ID))
	return &Session{
		id:        opts.ID,
		cfg:       opts.Config,
		client:    opts.Client,
		connector: opts.Connector,
		settings:  opts.Settings,
		observer:  observer,
		logger:    logger,
		openedAt:  time.Now(),
		state:     StateIdle,
		closed:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Principal() authz.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Reason is the close reason, set once the session starts closing.
func (s *Session) Reason() CloseReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Sequence returns the sequence number of the last audio frame sent.
func (s *Session) Sequence() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// Done is closed after teardown.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	from := s.state
	if !transitionValid(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	s.state = to
	s.logger.Debug("session_state_changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	return nil
}

// beginClose moves to Closing and records the first reason given.
func (s *Session) beginClose(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
	if s.state != StateClosing && s.state != StateClosed {
		_ = s.transitionLocked(StateClosing)
	}
}

// Authorize runs the gate against the connection request. On failure the
// session is torn down and must be discarded by the caller.
func (s *Session) Authorize(ctx context.Context, gate authz.Gate, r *http.Request) error {
	if err := s.transition(StateAuthorizing); err != nil {
		return err
	}
	p, err := gate.Authorize(ctx, r)
	if err != nil {
		s.logger.Warn("session_unauthorized",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonAuthDenied)))
		s.beginClose(CloseUnauthorized)
		_ = s.Close()
		return errorsx.Wrap(err, errorsx.ReasonAuthDenied)
	}
	s.mu.Lock()
	s.principal = p
	err = s.transitionLocked(StateAwaitingStart)
	s.mu.Unlock()
	return err
}

// Run is the session's message loop. It consumes client messages from
// inbound in order and returns after teardown. Cancelling ctx (client
// disconnect) ends the session once the messages already queued are handled.
func (s *Session) Run(ctx context.Context, inbound <-chan []byte) CloseReason {
	defer func() {
		s.stopDraining()
		_ = s.Close()
	}()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(s.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		var graceC <-chan time.Time
		if s.grace != nil {
			graceC = s.grace.C
		}
		select {
		case <-ctx.Done():
			s.flushInbound(ctx, inbound)
			s.beginClose(CloseClientGone)
			return s.Reason()
		case <-s.closed:
			return s.Reason()
		case msg, ok := <-inbound:
			if !ok {
				s.beginClose(CloseClientGone)
				return s.Reason()
			}
			if idleTimer != nil {
				resetTimer(idleTimer, s.cfg.IdleTimeout)
			}
			s.handleClient(ctx, msg)
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				s.upstreamEnded()
			} else {
				s.handleUpstream(ev)
			}
		case <-idle:
			s.logger.Info("session_idle_timeout", slog.Duration("idle_timeout", s.cfg.IdleTimeout))
			s.sendError("session idle timeout")
			s.beginClose(CloseIdleTimeout)
		case <-graceC:
			s.logger.Debug("final_result_grace_expired")
			s.stopDraining()
		}
		if s.State() == StateClosing && !s.draining {
			return s.Reason()
		}
	}
}

// flushInbound handles messages the client sent before it went away, so a
// queued stop still reaches the vendor. It never blocks.
func (s *Session) flushInbound(ctx context.Context, inbound <-chan []byte) {
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if s.State() == StateClosing || s.State() == StateClosed {
				return
			}
			s.handleClient(ctx, msg)
		default:
			return
		}
	}
}

func (s *Session) handleClient(ctx context.Context, msg []byte) {
	if isPing(msg) {
		s.sendText(pongText)
		return
	}
	m, ok := parseClientMessage(msg)
	if !ok {
		s.logger.Debug("client_message_ignored", slog.Int("size_bytes", len(msg)))
		return
	}
	switch m.Type {
	case TypeStart:
		s.start(ctx)
	case TypeAudio:
		s.audio(m.Payload)
	case TypeStop:
		s.stop()
	default:
		s.logger.Debug("client_message_unknown", slog.String("type", m.Type))
	}
}

func (s *Session) start(ctx context.Context) {
	if st := s.State(); st != StateAwaitingStart {
		s.logger.Debug("start_ignored", slog.String("state", st.String()))
		return
	}

	creds, err := s.settings.Credentials(ctx)
	if err != nil || !creds.Complete() {
		attrs := []any{slog.String("reason_code", string(errorsx.ReasonConfigMissing))}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.logger.Warn("asr_configuration_missing", attrs...)
		s.sendError(MessageConfigMissing)
		s.beginClose(CloseConfigMissing)
		return
	}

	begin := time.Now()
	stream, err := s.connector.Open(ctx, upstream.OpenRequest{
		SessionID:   s.id,
		UserID:      s.Principal().Subject,
		Credentials: creds,
		Audio:       s.cfg.Audio,
	})
	if err != nil {
		if ctx.Err() != nil {
			s.beginClose(CloseClientGone)
			return
		}
		s.logger.Error("upstream_open_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		if errors.Is(err, upstream.ErrMissingCredentials) {
			s.sendError(MessageConfigMissing)
			s.beginClose(CloseConfigMissing)
			return
		}
		s.sendError(err.Error())
		s.beginClose(CloseUpstreamFailed)
		return
	}

	s.mu.Lock()
	if s.state != StateAwaitingStart {
		// Torn down while the handshake was in flight.
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.stream = stream
	s.sequence = 0
	_ = s.transitionLocked(StateStreaming)
	s.mu.Unlock()
	s.events = stream.Events()

	metrics.Record(s.observer, metrics.EventUpstreamOpen, s.id, float64(time.Since(begin).Milliseconds()), nil)
	s.logger.Info("session_streaming")
	s.sendJSON(StartedEvent{Type: TypeStarted})
}

func (s *Session) audio(payload string) {
	s.mu.Lock()
	if s.state != StateStreaming || s.stream == nil {
		st := s.state
		s.mu.Unlock()
		s.logger.Debug("audio_dropped", slog.String("state", st.String()))
		return
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) == 0 {
		s.mu.Unlock()
		s.logger.Debug("audio_payload_invalid")
		return
	}
	s.sequence++
	s.chunks++
	seq := s.sequence
	stream := s.stream
	s.mu.Unlock()

	if seq > maxWireSequence && !s.wrapped {
		s.wrapped = true
		s.logger.Warn("sequence_wrapped", slog.Int("sequence", int(seq)))
	}
	if err := stream.Send(frames.EncodeAudio(seq, data)); err != nil {
		if errors.Is(err, upstream.ErrClosed) {
			return
		}
		s.logger.Warn("audio_forward_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
	}
}

func (s *Session) stop() {
	s.mu.Lock()
	st := s.state
	stream := s.stream
	next := s.sequence + 1
	s.mu.Unlock()

	switch st {
	case StateStreaming:
		if err := stream.Send(frames.EncodeEndOfStream(next)); err != nil {
			s.logger.Warn("end_of_stream_failed", slog.String("error", err.Error()))
		}
		s.beginClose(CloseStopped)
		if s.cfg.FinalResultGrace > 0 && s.events != nil {
			s.draining = true
			s.grace = time.NewTimer(s.cfg.FinalResultGrace)
		}
	case StateAwaitingStart:
		s.beginClose(CloseStopped)
	default:
		s.logger.Debug("stop_ignored", slog.String("state", st.String()))
	}
}

func (s *Session) stopDraining() {
	s.draining = false
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

func (s *Session) handleUpstream(ev upstream.Event) {
	if ev.Err != nil {
		s.logger.Error("upstream_error",
			slog.String("error", ev.Err.Error()),
			slog.String("reason_code", string(errorsx.Reason(ev.Err))))
		if s.draining {
			s.stopDraining()
			return
		}
		s.sendError("upstream connection lost")
		s.beginClose(CloseUpstreamFailed)
		return
	}

	resp := ev.Response
	switch resp.Type {
	case frames.TypeJSON:
		if resp.Err != nil {
			s.logger.Debug("upstream_payload_ignored", slog.String("error", resp.Err.Error()))
			return
		}
		if resp.Result == nil || resp.Result.Ack {
			s.logger.Debug("upstream_ack")
			return
		}
		if resp.Result.Text == "" && !resp.Result.IsFinal {
			return
		}
		s.logger.Debug("transcript_received",
			slog.String("transcript", redact.Text(resp.Result.Text)),
			slog.Bool("is_final", resp.Result.IsFinal))
		metrics.Record(s.observer, metrics.EventTranscript, s.id, 1, map[string]any{"is_final": resp.Result.IsFinal})
		s.sendJSON(TranscriptEvent{Type: TypeTranscript, Text: resp.Result.Text, IsFinal: resp.Result.IsFinal})
		if resp.Result.IsFinal && s.draining {
			s.stopDraining()
		}
	case frames.TypeError:
		s.logger.Warn("upstream_error_frame",
			slog.String("message", resp.Error),
			slog.String("reason_code", string(errorsx.ReasonUpstreamProtocol)))
		s.sendError(resp.Error)
		s.stopDraining()
		s.beginClose(CloseUpstreamError)
	}
}

func (s *Session) upstreamEnded() {
	if s.draining {
		s.stopDraining()
		return
	}
	if s.State() == StateStreaming {
		s.logger.Warn("upstream_closed_unexpectedly")
		s.sendError("upstream connection closed")
		s.beginClose(CloseUpstreamFailed)
	}
}

// Close tears the session down: the vendor stream, if any, is closed exactly
// once and the state ends at Closed. Later calls return the first result.
func (s *Session) Close() error {
	s.teardownOnce.Do(func() {
		s.beginClose(CloseShutdown)
		s.mu.Lock()
		stream := s.stream
		_ = s.transitionLocked(StateClosed)
		reason := s.reason
		chunks := s.chunks
		s.mu.Unlock()

		if stream != nil {
			s.closeErr = stream.Close()
		}
		close(s.closed)

		metrics.Record(s.observer, metrics.EventSessionClosed, s.id, float64(chunks), map[string]any{
			"reason":      string(reason),
			"duration_ms": time.Since(s.openedAt).Milliseconds(),
		})
		s.logger.Info("session_closed",
			slog.String("reason", string(reason)),
			slog.Int("audio_chunks", chunks))
	})
	return s.closeErr
}

func (s *Session) sendText(msg string) {
	if err := s.client.SendText(msg); err != nil {
		s.logger.Debug("client_send_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonClientSend)))
	}
}

func (s *Session) sendJSON(v any) {
	if err := s.client.SendJSON(v); err != nil {
		s.logger.Debug("client_send_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonClientSend)))
	}
}

func (s *Session) sendError(message string) {
	s.sendJSON(ErrorEvent{Type: TypeError, Message: message})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
