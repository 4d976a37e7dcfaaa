// Package prometheus serves the engine's metrics and health over HTTP on the
// monitoring port.
package prometheus

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/obscura-network/resolution-engine/runtime"
)

var log = logrus.WithField("prefix", "prometheus")

const shutdownTimeout = 2 * time.Second

// Service exposes /metrics for every collector registered with the default
// Prometheus registerer, plus /healthz reporting the state of each engine
// service.
type Service struct {
	server      *http.Server
	svcRegistry *runtime.ServiceRegistry
	failStatus  error
}

// NewService sets up the monitoring server for a host:port address. An empty
// host binds every interface, so ":8080" is acceptable.
func NewService(addr string, svcRegistry *runtime.ServiceRegistry) *Service {
	s := &Service{svcRegistry: svcRegistry}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/goroutinez", s.goroutinezHandler)

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Service) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	hasError := false
	var buf bytes.Buffer
	for kind, status := range s.svcRegistry.Statuses() {
		line := "OK"
		if status != nil {
			hasError = true
			line = "ERROR " + status.Error()
		}
		if _, err := buf.WriteString(fmt.Sprintf("%s: %s\n", kind, line)); err != nil {
			hasError = true
		}
	}
	if hasError {
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.WithError(err).Error("Could not write healthz body")
	}
}

func (s *Service) goroutinezHandler(w http.ResponseWriter, _ *http.Request) {
	if _, err := w.Write(debug.Stack()); err != nil {
		log.WithError(err).Error("Could not write goroutine stack")
	}
	if err := pprof.Lookup("goroutine").WriteTo(w, 2); err != nil {
		log.WithError(err).Error("Could not write goroutine profiles")
	}
}

// Start the monitoring server.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting monitoring service")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Could not listen on %s", s.server.Addr)
			s.failStatus = err
		}
	}()
}

// Stop the monitoring server gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping monitoring service")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns any listener failure.
func (s *Service) Status() error {
	return s.failStatus
}
