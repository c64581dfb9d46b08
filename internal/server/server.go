package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/gorelay/internal/app"
	"github.com/Tyrowin/gorelay/internal/broadcast"
	"github.com/Tyrowin/gorelay/internal/config"
	"github.com/Tyrowin/gorelay/internal/entity"
	"github.com/Tyrowin/gorelay/internal/expiry"
	"github.com/Tyrowin/gorelay/internal/lifecycle"
	"github.com/Tyrowin/gorelay/internal/logger"
	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/query"
)

// SubscriptionPath is where WebSocket subscriptions are accepted.
const SubscriptionPath = "/subscriptions"

// Server owns every process-scoped component.
type Server struct {
	cfg      *config.Config
	registry *prometheus.Registry
	store    expiry.Store
	hub      *broadcast.Hub
	sweeper  *expiry.Sweeper
	manager  *lifecycle.Manager
}

// New opens the store and builds the hub, sweeper and manager. Nothing is
// started until Run.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	var (
		lm *metrics.Lifecycle
		bm *metrics.Broadcast
		sm *metrics.Sweeper
	)
	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		lm = metrics.NewLifecycle(s.registry)
		bm = metrics.NewBroadcast(s.registry)
		sm = metrics.NewSweeper(s.registry)
	}

	store, err := expiry.Open(cfg.Sweeper.Store)
	if err != nil {
		return nil, err
	}
	s.store = store

	hubOpts := cfg.HubOptions()
	hubOpts.Metrics = bm
	s.hub = broadcast.NewHub(hubOpts)

	s.sweeper = expiry.NewSweeper(store, s.hub, expiry.SweeperOptions{
		Interval: cfg.Sweeper.Interval,
		Metrics:  sm,
	})

	appOpts := app.Options{Instance: s.activeInstance}
	if s.registry != nil {
		appOpts.Gatherer = s.registry
	}

	s.manager, err = lifecycle.NewManager(lifecycle.Options{
		Port:              cfg.Server.Port,
		RequestTimeout:    cfg.Server.RequestTimeout(),
		ForceCloseTimeout: cfg.Server.ForceCloseTimeout,
		Broadcaster:       s.hub,
		Sweeper:           s.sweeper,
		NewHandler:        s.newHandler,
		NewApplication:    app.NewFactory(appOpts),
		Metrics:           lm,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

// Manager exposes the lifecycle manager.
func (s *Server) Manager() *lifecycle.Manager { return s.manager }

// Hub exposes the broadcast hub.
func (s *Server) Hub() *broadcast.Hub { return s.hub }

func (s *Server) newHandler() (lifecycle.RequestHandler, error) {
	h, err := query.NewHandler(
		entity.Schema(s.store, s.hub, nil),
		query.WithSubscriptions(SubscriptionPath, http.HandlerFunc(s.hub.ServeWS)),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Server) activeInstance() (app.InstanceInfo, bool) {
	inst := s.manager.Active()
	if inst == nil {
		return app.InstanceInfo{}, false
	}
	return app.InstanceInfo{ID: inst.ID(), Generation: inst.Generation(), Port: inst.Port()}, true
}

// Run starts the first instance and serves until ctx is canceled, a
// shutdown signal arrives or the instance fails. SIGHUP restarts the
// instance. The store is closed before Run returns.
func (s *Server) Run(ctx context.Context, signals <-chan os.Signal) error {
	defer s.closeStore()

	inst, err := s.manager.Start(ctx)
	if err != nil {
		_ = s.shutdown(nil)
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("Server is running", "port", inst.Port(), "instance", inst.ID())

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context canceled, shutting down")
			return s.shutdown(inst)

		case sig := <-signals:
			if sig != syscall.SIGHUP {
				logger.Info("Shutdown signal received", "signal", sig.String())
				return s.shutdown(inst)
			}
			logger.Info("Restart signal received")
			next, err := s.manager.Restart(ctx, inst)
			if err != nil {
				logger.Error("Restart failed", "error", err)
				return errors.Join(err, s.shutdown(inst))
			}
			inst = next

		case <-inst.Done():
			err := inst.Err()
			logger.Error("Server instance stopped unexpectedly", "error", err)
			return errors.Join(fmt.Errorf("serve: %w", err), s.shutdown(inst))
		}
	}
}

func (s *Server) shutdown(inst *lifecycle.Instance) error {
	timeout := s.cfg.Server.ForceCloseTimeout
	if timeout <= 0 {
		timeout = lifecycle.DefaultForceCloseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	if err := s.manager.Shutdown(ctx, inst); err != nil {
		logger.Error("Shutdown completed with errors", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func (s *Server) closeStore() {
	if err := s.store.Close(); err != nil {
		logger.Warn("Failed to close entity store", "error", err)
	}
}
