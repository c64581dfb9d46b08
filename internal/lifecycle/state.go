package lifecycle

import (
	"context"
	"net/http"
)

// State is the lifecycle state shared by server instances and the
// process-scoped services they depend on.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	// StateFailed is terminal for an instance whose start did not complete.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a process-scoped component started once and stopped once,
// regardless of how many server instances come and go in between.
//
// Both Start and Shutdown must be idempotent: starting a running service
// and stopping a stopped one are no-ops.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	State() State
}

// RequestHandler executes queries and mutations. Besides serving plain HTTP
// it can install real-time subscription handling on the server it is
// mounted on.
type RequestHandler interface {
	http.Handler
	InstallSubscriptionHandlers(srv *http.Server)
}

// HandlerFactory builds a fresh RequestHandler for every server instance.
type HandlerFactory func() (RequestHandler, error)

// ApplicationFactory composes a handler and the broadcast service into the
// application served by one instance.
type ApplicationFactory func(handler RequestHandler, broadcaster Service) (http.Handler, error)
