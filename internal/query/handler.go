package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gorelay/internal/logger"
)

// ErrUnknownOperation is returned for a name missing from the schema.
var ErrUnknownOperation = errors.New("query: unknown operation")

// maxBodyBytes caps POST bodies.
const maxBodyBytes = 1 << 20

// Request is the JSON body of a POST, or the decoded GET parameters.
type Request struct {
	Operation string    `json:"operation"`
	Variables Variables `json:"variables,omitempty"`
}

// Response is the envelope of every answer.
type Response struct {
	Data   any     `json:"data"`
	Errors []Error `json:"errors,omitempty"`
}

// Error is one entry of Response.Errors.
type Error struct {
	Message string `json:"message"`
}

// Handler serves the schema at its mount point. A fresh Handler is built for
// every server instance.
type Handler struct {
	schema   Schema
	subsPath string
	subs     http.Handler
}

// Option customizes a Handler.
type Option func(*Handler)

// WithSubscriptions mounts h for WebSocket upgrade requests on path once
// InstallSubscriptionHandlers is called.
func WithSubscriptions(path string, h http.Handler) Option {
	return func(qh *Handler) {
		qh.subsPath = path
		qh.subs = h
	}
}

// NewHandler validates schema and returns a Handler serving it.
func NewHandler(schema Schema, opts ...Option) (*Handler, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	h := &Handler{schema: schema}
	for _, opt := range opts {
		opt(h)
	}
	if h.subs != nil && h.subsPath == "" {
		return nil, errors.New("query: subscription path is required")
	}
	return h, nil
}

// Execute runs one request. The returned status is the HTTP status the
// request maps to.
func (h *Handler) Execute(ctx context.Context, req Request, allowMutation bool) (Response, int) {
	op, ok := h.schema[req.Operation]
	if !ok {
		return errorResponse(fmt.Errorf("%w: %q", ErrUnknownOperation, req.Operation)), http.StatusBadRequest
	}
	if op.Kind == KindMutation && !allowMutation {
		return errorResponse(fmt.Errorf("mutation %q requires POST", req.Operation)), http.StatusMethodNotAllowed
	}
	if req.Variables == nil {
		req.Variables = Variables{}
	}

	data, err := op.Resolve(ctx, req.Variables)
	if err != nil {
		var varErr *VariableError
		if errors.As(err, &varErr) {
			return errorResponse(err), http.StatusBadRequest
		}
		logger.Debug("Operation failed", "operation", req.Operation, "kind", op.Kind.String(), "error", err)
		return errorResponse(err), http.StatusOK
	}
	return Response{Data: data}, http.StatusOK
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		req           Request
		allowMutation bool
	)

	switch r.Method {
	case http.MethodGet:
		req.Operation = r.URL.Query().Get("operation")
		if raw := r.URL.Query().Get("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Errorf("invalid variables: %w", err)))
				return
			}
		}
	case http.MethodPost:
		allowMutation = true
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Errorf("invalid request body: %w", err)))
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse(errors.New("method not allowed")))
		return
	}

	if req.Operation == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(errors.New("operation is required")))
		return
	}

	resp, status := h.Execute(r.Context(), req, allowMutation)
	writeJSON(w, status, resp)
}

// InstallSubscriptionHandlers routes WebSocket upgrades on the subscription
// path of srv to the subscription handler. Other requests reach the
// server's existing handler unchanged.
func (h *Handler) InstallSubscriptionHandlers(srv *http.Server) {
	if h.subs == nil || srv == nil {
		return
	}
	next := srv.Handler
	if next == nil {
		next = http.DefaultServeMux
	}
	path, subs := h.subsPath, h.subs
	srv.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path && websocket.IsWebSocketUpgrade(r) {
			subs.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func errorResponse(err error) Response {
	return Response{Errors: []Error{{Message: err.Error()}}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Error writing response", "error", err)
	}
}
