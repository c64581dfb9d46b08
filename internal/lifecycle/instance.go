package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gorelay/internal/logger"
)

// ClosePolicy selects how an instance's listener and connections are closed.
type ClosePolicy int

const (
	// ClosePolicyForce terminates the listener and every open connection
	// immediately, abandoning in-flight requests. It is the only policy the
	// manager uses: restarts favor fast recovery over connection draining.
	ClosePolicyForce ClosePolicy = iota
)

// Instance is one listener bound to one port, serving one application.
// Instances are single-use: once closed they are never started again.
type Instance struct {
	id         string
	generation int
	port       int
	timeout    time.Duration

	state atomic.Int32

	srv       *http.Server
	ln        net.Listener
	conns     *connTracker
	serveDone chan struct{}
	serveErr  error

	closeOnce sync.Once
}

func newInstance(generation, port int, timeout time.Duration) *Instance {
	return &Instance{
		id:         uuid.NewString(),
		generation: generation,
		port:       port,
		timeout:    timeout,
		conns:      newConnTracker(),
	}
}

// ID returns the unique identifier of the instance.
func (i *Instance) ID() string { return i.id }

// Generation returns 1 for the first instance of a manager and increases
// with every start.
func (i *Instance) Generation() int { return i.generation }

// Timeout returns the request/idle timeout applied to the listener.
func (i *Instance) Timeout() time.Duration { return i.timeout }

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// Port returns the bound port, or the configured port before bind.
func (i *Instance) Port() int {
	if i.ln != nil {
		if addr, ok := i.ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return i.port
}

// Addr returns the listener address, or "" before bind.
func (i *Instance) Addr() string {
	if i.ln == nil {
		return ""
	}
	return i.ln.Addr().String()
}

// Done is closed when the serve loop has exited. It is nil for an instance
// that never reached the running state.
func (i *Instance) Done() <-chan struct{} { return i.serveDone }

// Err returns the error that stopped the serve loop unexpectedly. It is only
// meaningful after Done is closed.
func (i *Instance) Err() error { return i.serveErr }

func (i *Instance) bind(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", i.port))
	if err != nil {
		return err
	}
	i.ln = &trackingListener{Listener: ln, tracker: i.conns}
	return nil
}

// serve starts accepting connections on the bound listener. onFailure runs
// on the serve goroutine if the loop exits for any reason other than close.
func (i *Instance) serve(onFailure func(error)) {
	i.serveDone = make(chan struct{})
	go func() {
		defer close(i.serveDone)
		err := i.srv.Serve(i.ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			i.serveErr = err
			onFailure(err)
		}
	}()
}

// close terminates the listener and all connections according to policy and
// waits for the serve loop to exit. It returns the number of connections
// that were open when the close began.
func (i *Instance) close(ctx context.Context, policy ClosePolicy) (int, error) {
	if policy != ClosePolicyForce {
		return 0, fmt.Errorf("lifecycle: unsupported close policy %d", policy)
	}

	open := 0
	i.closeOnce.Do(func() {
		open = i.conns.len()
		if i.srv != nil {
			_ = i.srv.Close()
		}
		if i.ln != nil {
			if err := i.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Error closing listener", "id", i.id, "error", err)
			}
		}
		i.conns.closeAll()
	})

	if i.serveDone == nil {
		return open, nil
	}
	select {
	case <-i.serveDone:
		return open, nil
	case <-ctx.Done():
		return open, fmt.Errorf("serve loop on port %d did not exit: %w", i.Port(), ctx.Err())
	}
}
