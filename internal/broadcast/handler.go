package broadcast

import (
	"net/http"

	"github.com/Tyrowin/gorelay/internal/lifecycle"
	"github.com/Tyrowin/gorelay/internal/logger"
)

// ServeWS upgrades a subscription request and registers the connection with
// the hub. It answers 503 while the hub is not running.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Subscriptions only accept GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if h.State() != lifecycle.StateRunning {
		http.Error(w, "Broadcast service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.Close()
	}
}
