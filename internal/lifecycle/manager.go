package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gorelay/internal/logger"
	"github.com/Tyrowin/gorelay/internal/metrics"
)

const (
	// DefaultRequestTimeout applies when no request/idle timeout is configured.
	DefaultRequestTimeout = 120 * time.Second

	// DefaultForceCloseTimeout bounds the wait for a force-closed serve loop.
	DefaultForceCloseTimeout = 5 * time.Second
)

// Options configures a Manager.
type Options struct {
	// Port is the TCP port every instance binds. 0 picks a free port per
	// instance, which is only useful in tests.
	Port int

	// RequestTimeout is applied as read, write and idle timeout.
	RequestTimeout time.Duration

	// ForceCloseTimeout bounds how long a forced close waits for the serve
	// loop to exit.
	ForceCloseTimeout time.Duration

	// Broadcaster and Sweeper are the process-scoped dependents. They are
	// started by the first successful bind and stopped by Shutdown.
	Broadcaster Service
	Sweeper     Service

	NewHandler     HandlerFactory
	NewApplication ApplicationFactory

	// Metrics is optional.
	Metrics *metrics.Lifecycle
}

type dependency struct {
	name string
	svc  Service
}

// Manager owns the server instances of a process and sequences them against
// the broadcast service and the expiration sweeper.
//
// All methods are safe for concurrent use; lifecycle operations are
// serialized.
type Manager struct {
	mu   sync.Mutex
	opts Options

	active      *Instance
	generation  int
	depsStarted bool
	depsStopped bool
	closed      bool
}

// NewManager validates opts and returns a Manager with no instance.
func NewManager(opts Options) (*Manager, error) {
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("lifecycle: invalid port %d", opts.Port)
	}
	if opts.Broadcaster == nil || opts.Sweeper == nil {
		return nil, errors.New("lifecycle: broadcaster and sweeper are required")
	}
	if opts.NewHandler == nil || opts.NewApplication == nil {
		return nil, errors.New("lifecycle: handler and application factories are required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ForceCloseTimeout <= 0 {
		opts.ForceCloseTimeout = DefaultForceCloseTimeout
	}
	return &Manager{opts: opts}, nil
}

// Active returns the running instance, or nil.
func (m *Manager) Active() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start builds a handler and application, binds a new listener, starts the
// dependents if this is the first successful bind, and begins accepting
// connections. It returns once the listener is bound and serving.
//
// The listener is bound before the dependents start but accepts nothing
// until they are running. A bind failure on the first start therefore
// leaves both dependents in the created state.
func (m *Manager) Start(ctx context.Context) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(ctx)
}

// Restart force-closes inst, waits for the close to complete and starts a
// new instance. The dependents are left running. On failure no instance is
// active.
func (m *Manager) Restart(ctx context.Context, inst *Instance) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &RestartError{Err: ErrManagerClosed}
	}
	if inst == nil || inst != m.active || inst.State() != StateRunning {
		return nil, &RestartError{Err: ErrInstanceNotActive}
	}

	logger.Info("Restarting server instance", "id", inst.ID(), "generation", inst.Generation())

	m.setInstanceState(inst, StateStopping)
	m.active = nil
	if err := m.forceClose(ctx, inst); err != nil {
		m.setInstanceState(inst, StateStopped)
		return nil, &RestartError{Err: err}
	}
	// Handed off: the old instance is closed and never runs again.
	m.setInstanceState(inst, StateCreated)
	m.opts.Metrics.RecordRestart()

	next, err := m.start(ctx)
	if err != nil {
		return nil, &RestartError{Err: err}
	}
	return next, nil
}

// Shutdown stops the broadcast service and the expiration sweeper, then
// force-closes inst and any other active instance. It is idempotent: the
// dependents are stopped at most once and closing a closed instance is a
// no-op. After Shutdown, Start and Restart fail with ErrManagerClosed.
func (m *Manager) Shutdown(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	if !m.depsStopped {
		m.depsStopped = true
		if err := m.stopDependencies(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.closed = true

	for _, target := range []*Instance{inst, m.active} {
		if target == nil {
			continue
		}
		if err := m.stopInstance(ctx, target); err != nil {
			errs = append(errs, err)
		}
	}
	m.active = nil

	if len(errs) > 0 {
		return &ShutdownError{Err: errors.Join(errs...)}
	}
	return nil
}

func (m *Manager) start(ctx context.Context) (*Instance, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.active != nil {
		if m.active.State() == StateRunning {
			return nil, ErrInstanceActive
		}
		// The previous serve loop died; its tracked connections are still open.
		if err := m.forceClose(ctx, m.active); err != nil {
			logger.Warn("Failed to close failed instance", "id", m.active.ID(), "error", err)
		}
		m.active = nil
	}

	m.generation++
	inst := newInstance(m.generation, m.opts.Port, m.opts.RequestTimeout)
	m.setInstanceState(inst, StateStarting)

	handler, err := m.opts.NewHandler()
	if err != nil {
		m.fail(inst, "handler")
		return nil, fmt.Errorf("lifecycle: build request handler: %w", err)
	}
	app, err := m.opts.NewApplication(handler, m.opts.Broadcaster)
	if err != nil {
		m.fail(inst, "application")
		return nil, fmt.Errorf("lifecycle: build application: %w", err)
	}

	timeout := m.opts.RequestTimeout
	inst.srv = &http.Server{
		Handler:           app,
		ReadHeaderTimeout: timeout,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
	}
	handler.InstallSubscriptionHandlers(inst.srv)

	if err := inst.bind(ctx); err != nil {
		m.fail(inst, "bind")
		logger.Error("Failed to bind server instance", "port", m.opts.Port, "error", err)
		return nil, &BindError{Port: m.opts.Port, Err: err}
	}

	if err := m.startDependencies(ctx); err != nil {
		if _, cerr := inst.close(ctx, ClosePolicyForce); cerr != nil {
			logger.Warn("Failed to close listener after dependency failure", "error", cerr)
		}
		m.fail(inst, "dependency")
		logger.Error("Failed to start dependencies", "error", err)
		return nil, err
	}

	m.setInstanceState(inst, StateRunning)
	inst.serve(m.serveFailed(inst))
	m.active = inst
	m.opts.Metrics.RecordStart("ok")

	logger.Info("Server instance running",
		"id", inst.ID(),
		"generation", inst.Generation(),
		"port", inst.Port(),
		"timeout", timeout.String(),
	)
	return inst, nil
}

// serveFailed marks a running instance failed when its serve loop exits
// unexpectedly. A concurrent close has already moved it out of running.
func (m *Manager) serveFailed(inst *Instance) func(error) {
	return func(err error) {
		if !inst.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)) {
			return
		}
		m.opts.Metrics.SetState("instance", int32(StateFailed))
		logger.Error("Server instance stopped accepting", "id", inst.ID(), "port", inst.Port(), "error", err)
	}
}

func (m *Manager) fail(inst *Instance, reason string) {
	m.setInstanceState(inst, StateFailed)
	m.opts.Metrics.RecordStart(reason)
}

func (m *Manager) dependencies() []dependency {
	return []dependency{
		{name: "broadcast", svc: m.opts.Broadcaster},
		{name: "sweeper", svc: m.opts.Sweeper},
	}
}

// startDependencies starts both dependents once per manager. Later calls
// only check that they are still running. If one fails, any dependent
// started by this call is shut down again.
func (m *Manager) startDependencies(ctx context.Context) error {
	if m.depsStarted {
		for _, d := range m.dependencies() {
			if s := d.svc.State(); s != StateRunning {
				return &DependencyStartError{Dependency: d.name, Err: fmt.Errorf("dependency is %s", s)}
			}
		}
		return nil
	}

	var started []dependency
	for _, d := range m.dependencies() {
		err := d.svc.Start(ctx)
		if err == nil && d.svc.State() != StateRunning {
			err = fmt.Errorf("dependency is %s after start", d.svc.State())
		}
		if err != nil {
			m.rollback(started)
			return &DependencyStartError{Dependency: d.name, Err: err}
		}
		m.opts.Metrics.SetState(d.name, int32(StateRunning))
		logger.Debug("Dependency running", "dependency", d.name)
		started = append(started, d)
	}
	m.depsStarted = true
	return nil
}

func (m *Manager) rollback(started []dependency) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ForceCloseTimeout)
	defer cancel()

	for i := len(started) - 1; i >= 0; i-- {
		d := started[i]
		if err := d.svc.Shutdown(ctx); err != nil {
			logger.Warn("Failed to roll back dependency", "dependency", d.name, "error", err)
		}
		m.opts.Metrics.SetState(d.name, int32(d.svc.State()))
	}
}

// stopDependencies stops both dependents concurrently and returns once
// both have finished.
func (m *Manager) stopDependencies(ctx context.Context) error {
	var g errgroup.Group
	for _, d := range m.dependencies() {
		g.Go(func() error {
			if err := d.svc.Shutdown(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", d.name, err)
			}
			m.opts.Metrics.SetState(d.name, int32(d.svc.State()))
			logger.Debug("Dependency stopped", "dependency", d.name)
			return nil
		})
	}
	return g.Wait()
}

// stopInstance force-closes inst. A failed instance stays failed but its
// listener and tracked connections are still closed.
func (m *Manager) stopInstance(ctx context.Context, inst *Instance) error {
	var err error
	switch inst.State() {
	case StateStopped:
		return nil
	case StateFailed:
		err = m.forceClose(ctx, inst)
	default:
		m.setInstanceState(inst, StateStopping)
		err = m.forceClose(ctx, inst)
		m.setInstanceState(inst, StateStopped)
	}
	if err != nil {
		return fmt.Errorf("close instance %s: %w", inst.ID(), err)
	}
	logger.Info("Server instance stopped", "id", inst.ID(), "port", inst.Port())
	return nil
}

func (m *Manager) forceClose(ctx context.Context, inst *Instance) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ForceCloseTimeout)
	defer cancel()

	open, err := inst.close(ctx, ClosePolicyForce)
	m.opts.Metrics.RecordForceClosed(open)
	if open > 0 {
		logger.Debug("Force-closed connections", "id", inst.ID(), "count", open)
	}
	return err
}

func (m *Manager) setInstanceState(inst *Instance, s State) {
	inst.state.Store(int32(s))
	m.opts.Metrics.SetState("instance", int32(s))
}
