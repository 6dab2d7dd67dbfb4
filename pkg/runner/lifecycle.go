package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxgate/pkg/logging"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner walks a service through start, serve, drain and stop. It
// runs once.
type LifecycleRunner struct {
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		logger:  logging.NewComponentLogger(nil, "runner"),
		state:   StateNew,
		cancel:  func() {},
	}
}

// WithLogger replaces the runner's logger.
func (r *LifecycleRunner) WithLogger(logger *slog.Logger) *LifecycleRunner {
	r.logger = logging.NewComponentLogger(logger, "runner")
	return r
}

// Run starts the service and blocks until ctx is done or Stop is called,
// then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.state != StateNew {
		st := r.state
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("run from state %s", st)
	}
	r.state = StateStarting
	r.cancel = cancel
	r.mu.Unlock()

	PrintBanner()
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			cancel()
			_ = r.stop()
			return fmt.Errorf("start: %w", err)
		}
	}
	r.setState(StateRunning)
	<-ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *LifecycleRunner) stop() error {
	r.stopOnce.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := r.drainer.Drain(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrDrainTimeout
			}
			if err != nil {
				r.logger.Warn("drain_failed", slog.String("error", err.Error()))
			}
			r.stopErr = err
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.logger.Debug("runner_state_changed",
		slog.String("from", prev.String()),
		slog.String("to", s.String()))
}
