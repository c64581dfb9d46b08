package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		"echo": {
			Kind: KindQuery,
			Resolve: func(_ context.Context, vars Variables) (any, error) {
				return vars.String("text")
			},
		},
		"fail": {
			Kind: KindQuery,
			Resolve: func(context.Context, Variables) (any, error) {
				return nil, errors.New("backend down")
			},
		},
		"increment": {
			Kind: KindMutation,
			Resolve: func(_ context.Context, vars Variables) (any, error) {
				n, err := vars.Int("n", 0)
				return n + 1, err
			},
		},
	}
}

func newTestHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(testSchema(), opts...)
	require.NoError(t, err)
	return h
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewHandler_ValidatesSchema(t *testing.T) {
	_, err := NewHandler(Schema{})
	assert.Error(t, err)

	_, err = NewHandler(Schema{"x": {Kind: KindQuery}})
	assert.ErrorContains(t, err, `"x" has no resolver`)

	_, err = NewHandler(testSchema(), WithSubscriptions("", http.NotFoundHandler()))
	assert.Error(t, err)
}

func TestServeHTTP(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantData   any
		wantError  string
	}{
		{
			name:       "GET query",
			method:     http.MethodGet,
			target:     "/query?operation=echo&variables=" + url.QueryEscape(`{"text":"hi"}`),
			wantStatus: http.StatusOK,
			wantData:   "hi",
		},
		{
			name:       "POST query",
			method:     http.MethodPost,
			body:       `{"operation":"echo","variables":{"text":"hello"}}`,
			wantStatus: http.StatusOK,
			wantData:   "hello",
		},
		{
			name:       "POST mutation",
			method:     http.MethodPost,
			body:       `{"operation":"increment","variables":{"n":41}}`,
			wantStatus: http.StatusOK,
			wantData:   42.0,
		},
		{
			name:       "GET mutation rejected",
			method:     http.MethodGet,
			target:     "/query?operation=increment",
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "requires POST",
		},
		{
			name:       "unknown operation",
			method:     http.MethodPost,
			body:       `{"operation":"nope"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "unknown operation",
		},
		{
			name:       "missing operation",
			method:     http.MethodGet,
			target:     "/query",
			wantStatus: http.StatusBadRequest,
			wantError:  "operation is required",
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			body:       `{"operation":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "malformed GET variables",
			method:     http.MethodGet,
			target:     "/query?operation=echo&variables=%7B",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid variables",
		},
		{
			name:       "missing variable",
			method:     http.MethodPost,
			body:       `{"operation":"echo"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `variable "text" is required`,
		},
		{
			name:       "mistyped variable",
			method:     http.MethodPost,
			body:       `{"operation":"increment","variables":{"n":1.5}}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "must be an integer",
		},
		{
			name:       "resolver error",
			method:     http.MethodPost,
			body:       `{"operation":"fail"}`,
			wantStatus: http.StatusOK,
			wantError:  "backend down",
		},
		{
			name:       "unsupported method",
			method:     http.MethodPut,
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "method not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.target
			if target == "" {
				target = "/query"
			}
			req := httptest.NewRequest(tt.method, target, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decode(t, rec)
			if tt.wantError != "" {
				require.Len(t, resp.Errors, 1)
				assert.Contains(t, resp.Errors[0].Message, tt.wantError)
				assert.Nil(t, resp.Data)
				return
			}
			assert.Empty(t, resp.Errors)
			assert.Equal(t, tt.wantData, resp.Data)
		})
	}
}

func TestInstallSubscriptionHandlers(t *testing.T) {
	subs := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	app := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h := newTestHandler(t, WithSubscriptions("/subscriptions", subs))
	srv := &http.Server{Handler: app}
	h.InstallSubscriptionHandlers(srv)

	upgrade := func(path string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.Header.Set("Connection", "Upgrade")
		r.Header.Set("Upgrade", "websocket")
		return r
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, upgrade("/subscriptions"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, upgrade("/query"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "plain requests reach the application")
}

func TestInstallSubscriptionHandlers_NoSubscriptions(t *testing.T) {
	h := newTestHandler(t)
	app := http.NotFoundHandler()
	srv := &http.Server{Handler: app}
	h.InstallSubscriptionHandlers(srv)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVariables(t *testing.T) {
	vars := Variables{"s": "x", "n": 3.0, "bad": true, "nil": nil}

	s, err := vars.String("s")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = vars.String("n")
	var varErr *VariableError
	require.ErrorAs(t, err, &varErr)
	assert.Equal(t, "n", varErr.Name)

	n, err := vars.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = vars.Int("absent", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = vars.Int("bad", 0)
	assert.Error(t, err)

	_, err = vars.Value("missing")
	assert.Error(t, err)
	v, err := vars.Value("nil")
	require.NoError(t, err)
	assert.Nil(t, v)
}
