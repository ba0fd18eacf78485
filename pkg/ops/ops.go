// Package ops serves the operational HTTP surface: health, status, and
// Prometheus metrics. It is a local observability aid and not part of the
// wire protocol.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ceqpd/pkg/logger"
	"ceqpd/pkg/server"
)

// StatusSource yields the protocol server's current state.
type StatusSource interface {
	Status() server.Status
}

type statusBody struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Server  server.Status `json:"server"`
}

// Handler builds the ops router.
func Handler(src StatusSource, version string, started time.Time) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusBody{
			Status:  "ok",
			Version: version,
			Uptime:  time.Since(started).Round(time.Second).String(),
			Server:  src.Status(),
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Serve runs the ops server until ctx is cancelled. Errors other than
// graceful shutdown are returned on the channel.
func Serve(ctx context.Context, addr string, h http.Handler) <-chan error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	return errCh
}
