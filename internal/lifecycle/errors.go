package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceActive is returned by Start while another instance is running.
	ErrInstanceActive = errors.New("lifecycle: a server instance is already running")

	// ErrInstanceNotActive is returned by Restart for an instance that is not
	// the manager's running instance.
	ErrInstanceNotActive = errors.New("lifecycle: server instance is not active")

	// ErrManagerClosed is returned by Start and Restart after Shutdown.
	ErrManagerClosed = errors.New("lifecycle: manager has been shut down")

	// ErrServiceStopped is returned by a Service asked to start after it
	// has been stopped. Services are single-use.
	ErrServiceStopped = errors.New("lifecycle: service already stopped")
)

// BindError reports that the listener could not acquire its port.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("lifecycle: bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DependencyStartError reports that the broadcast service or the expiration
// sweeper did not reach the running state.
type DependencyStartError struct {
	Dependency string
	Err        error
}

func (e *DependencyStartError) Error() string {
	return fmt.Sprintf("lifecycle: start %s: %v", e.Dependency, e.Err)
}

func (e *DependencyStartError) Unwrap() error { return e.Err }

// RestartError wraps the close or start failure of a restart.
type RestartError struct {
	Err error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("lifecycle: restart: %v", e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// ShutdownError wraps a failure to stop a dependent or close the listener.
type ShutdownError struct {
	Err error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("lifecycle: shutdown: %v", e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }
