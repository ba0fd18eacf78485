package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ceqpd/pkg/server"
)

type stubSource struct{ st server.Status }

func (s stubSource) Status() server.Status { return s.st }

func TestHealthz(t *testing.T) {
	h := Handler(stubSource{}, "test", time.Now())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestStatusz(t *testing.T) {
	src := stubSource{st: server.Status{Listening: true, Addr: "0.0.0.0:9178", SessionPeer: "10.0.0.2:55555"}}
	h := Handler(src, "1.2.3", time.Now().Add(-90*time.Second))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Status  string        `json:"status"`
		Version string        `json:"version"`
		Server  server.Status `json:"server"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "1.2.3", body.Version)
	require.True(t, body.Server.Listening)
	require.Equal(t, "10.0.0.2:55555", body.Server.SessionPeer)
}

func TestMetricsExposed(t *testing.T) {
	h := Handler(stubSource{}, "test", time.Now())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestMethodNotAllowed(t *testing.T) {
	h := Handler(stubSource{}, "test", time.Now())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
