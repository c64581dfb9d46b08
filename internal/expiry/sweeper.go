package expiry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gorelay/internal/lifecycle"
	"github.com/Tyrowin/gorelay/internal/logger"
	"github.com/Tyrowin/gorelay/internal/metrics"
)

// TopicExpired is the broadcast topic announcing purged keys.
const TopicExpired = "entity.expired"

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 60 * time.Second

// Notifier publishes events to subscribers.
type Notifier interface {
	Publish(topic string, payload any) error
}

// ExpiredPayload is published on TopicExpired after a sweep removed keys.
type ExpiredPayload struct {
	Keys []string `json:"keys"`
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Interval time.Duration
	Metrics  *metrics.Sweeper
	// Now defaults to time.Now.
	Now func() time.Time
}

// Sweeper periodically purges expired entries from a Store. It runs
// independently of any server instance and is started and stopped once.
type Sweeper struct {
	store    Store
	notifier Notifier
	interval time.Duration
	metrics  *metrics.Sweeper
	now      func() time.Time

	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper returns a sweeper in the created state. notifier may be nil.
func NewSweeper(store Store, notifier Notifier, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		store:    store,
		notifier: notifier,
		interval: opts.Interval,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
}

// State returns the sweeper lifecycle state.
func (s *Sweeper) State() lifecycle.State {
	return lifecycle.State(s.state.Load())
}

// Start launches the sweep loop. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case lifecycle.StateRunning:
		return nil
	case lifecycle.StateStopping, lifecycle.StateStopped:
		return lifecycle.ErrServiceStopped
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)

	s.state.Store(int32(lifecycle.StateRunning))
	logger.Info("Expiration sweeper started", "interval", s.interval.String())
	return nil
}

// Shutdown stops the sweep loop and waits for an in-progress sweep to
// finish or ctx to expire. It is idempotent.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case lifecycle.StateStopped:
		return nil
	case lifecycle.StateCreated:
		s.state.Store(int32(lifecycle.StateStopped))
		return nil
	}

	s.state.Store(int32(lifecycle.StateStopping))
	s.cancel()
	defer s.state.Store(int32(lifecycle.StateStopped))

	select {
	case <-s.done:
		logger.Info("Expiration sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("expiry: sweeper shutdown: %w", ctx.Err())
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Expiration sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce purges expired entries now and announces them. It returns the
// purged keys.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	start := time.Now()
	purged, err := s.store.PurgeExpired(ctx, s.now())
	s.metrics.RecordRun(len(purged), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("expiry: purge: %w", err)
	}
	if len(purged) == 0 {
		return nil, nil
	}

	logger.Debug("Purged expired entries", "count", len(purged))
	if s.notifier != nil {
		if err := s.notifier.Publish(TopicExpired, ExpiredPayload{Keys: purged}); err != nil {
			logger.Debug("Could not announce purged entries", "count", len(purged), "error", err)
		}
	}
	return purged, nil
}
