// Package metrics exposes the Prometheus collectors registered by racesync packages.
//
// Packages register their collectors with promauto on the default registerer;
// this package serves them and provides shared label helpers.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Label normalizes a metric label value, substituting "unknown" for blanks.
func Label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// Handler returns an HTTP handler exposing the default gatherer.
func Handler() http.Handler {
	return HandlerFor(prometheus.DefaultGatherer)
}

// HandlerFor returns an HTTP handler exposing gatherer in Prometheus format.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Route is an extra handler served next to /metrics.
type Route struct {
	Pattern string
	Handler http.Handler
}

// NewMux returns a router serving /metrics plus routes. Only GET and HEAD
// are accepted.
func NewMux(routes ...Route) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", Handler()).Methods(http.MethodGet, http.MethodHead)
	for _, route := range routes {
		if route.Pattern == "" || route.Handler == nil {
			continue
		}
		router.Handle(route.Pattern, route.Handler).Methods(http.MethodGet, http.MethodHead)
	}
	return router
}

// Serve exposes /metrics and routes on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log logger.Logger, routes ...Route) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewMux(routes...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
