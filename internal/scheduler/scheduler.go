// Package scheduler drives the polling cycle: refresh the advertised run,
// confirm locations, pre-fetch one location, then release and deliver new
// plots to subscribers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/epsgram-notifier/internal/observability"
)

// Engine is the forecast synchronization core.
type Engine interface {
	UpgradeGlobalBasetime(ctx context.Context) bool
	UpgradeBasetimeForLocations(ctx context.Context) int
	CachePlotsOneStep(ctx context.Context) (string, bool)
	DownloadLatestPlots(ctx context.Context, names []string) map[string][]string
}

// Subscriptions tells which locations have subscribers.
type Subscriptions interface {
	SubscribedLocations() []string
}

// Broadcaster delivers released plots.
type Broadcaster interface {
	Broadcast(ctx context.Context, plots map[string][]string) int
}

type reloader interface {
	Reload() error
}

// ErrPanic marks a cycle that was aborted by a recovered panic.
var ErrPanic = errors.New("cycle panicked")

// CycleResult summarizes one cycle for logging and tests.
type CycleResult struct {
	GlobalChanged bool
	Upgraded      int
	Cached        string
	Released      int
	Delivered     int
}

// Scheduler runs the cycle on a fixed interval. Cycles never overlap.
type Scheduler struct {
	scheduler     *gocron.Scheduler
	engine        Engine
	subscriptions Subscriptions
	broadcaster   Broadcaster
	interval      time.Duration
	cycleTimeout  time.Duration
	logger        *zap.Logger

	// ctx is canceled by Stop so a running cycle ends early.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// New creates a Scheduler. interval defaults to 10 minutes and cycleTimeout
// to the interval.
func New(engine Engine, subscriptions Subscriptions, broadcaster Broadcaster, interval, cycleTimeout time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if cycleTimeout <= 0 {
		cycleTimeout = interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:           ctx,
		cancel:        cancel,
		scheduler:     gocron.NewScheduler(time.UTC),
		engine:        engine,
		subscriptions: subscriptions,
		broadcaster:   broadcaster,
		interval:      interval,
		cycleTimeout:  cycleTimeout,
		logger:        logger,
	}
}

// Start schedules the cycle (first run immediately) and returns.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cycleTimeout)
		defer cancel()
		_, _ = s.RunCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}
	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop cancels a running cycle and stops the scheduler.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
	s.logger.Info("scheduler stopped")
}

// RunCycle runs one cycle. Panics are recovered, logged and returned as ErrPanic.
func (s *Scheduler) RunCycle(ctx context.Context) (result CycleResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			s.logger.Error("cycle panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		outcome := "ok"
		switch {
		case errors.Is(err, ErrPanic):
			outcome = "panic"
		case err != nil:
			outcome = "error"
		}
		observability.CycleDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		s.mu.Lock()
		s.lastRun = start
		s.lastErr = err
		s.mu.Unlock()
	}()

	if r, ok := s.subscriptions.(reloader); ok {
		if rerr := r.Reload(); rerr != nil {
			s.logger.Warn("subscriptions reload failed, using previous", zap.Error(rerr))
		}
	}

	result.GlobalChanged = s.engine.UpgradeGlobalBasetime(ctx)
	result.Upgraded = s.engine.UpgradeBasetimeForLocations(ctx)
	if name, ok := s.engine.CachePlotsOneStep(ctx); ok {
		result.Cached = name
	}

	if subscribed := s.subscriptions.SubscribedLocations(); len(subscribed) > 0 {
		released := s.engine.DownloadLatestPlots(ctx, subscribed)
		result.Released = len(released)
		if len(released) > 0 {
			result.Delivered = s.broadcaster.Broadcast(ctx, released)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("cycle cut short: %w", ctxErr)
		s.logger.Warn("cycle did not finish in time", zap.Duration("timeout", s.cycleTimeout), zap.Error(ctxErr))
	}

	s.logger.Info("cycle complete",
		zap.Bool("global_changed", result.GlobalChanged),
		zap.Int("upgraded", result.Upgraded),
		zap.String("cached", result.Cached),
		zap.Int("released", result.Released),
		zap.Int("delivered", result.Delivered),
		zap.Duration("duration", time.Since(start)),
	)
	return result, err
}

// LastRun returns the start of the last finished cycle and its error.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}
