package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tyrowin/gorelay/internal/lifecycle"
	"github.com/Tyrowin/gorelay/internal/logger"
)

type healthHandler struct {
	broadcaster Broadcaster
	instance    func() (InstanceInfo, bool)
}

// Readiness is the body of GET /health/ready.
type Readiness struct {
	Status    string        `json:"status"`
	Broadcast string        `json:"broadcast"`
	Clients   int           `json:"clients"`
	Instance  *InstanceInfo `json:"instance,omitempty"`
}

// Liveness answers as long as the instance accepts connections.
func (h *healthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "gorelay server is running")
}

// Readiness reports 200 while the broadcast service runs, 503 otherwise.
func (h *healthHandler) Readiness(w http.ResponseWriter, _ *http.Request) {
	state := h.broadcaster.State()
	body := Readiness{
		Status:    "ready",
		Broadcast: state.String(),
		Clients:   h.broadcaster.ClientCount(),
	}
	if h.instance != nil {
		if info, ok := h.instance(); ok {
			body.Instance = &info
		}
	}

	status := http.StatusOK
	if state != lifecycle.StateRunning {
		body.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("Error writing readiness response", "error", err)
	}
}
