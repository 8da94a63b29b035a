package runtime

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/hookrelay/internal/runtime/jsoncodec"
	metricspkg "github.com/drblury/hookrelay/internal/runtime/metrics"
)

const defaultWebUIPort = 8081

// StatusReport is the payload of the handler introspection endpoint.
type StatusReport struct {
	Handlers []HandlerInfo       `json:"handlers"`
	Process  ProcessStats        `json:"process"`
	Delivery metricspkg.Snapshot `json:"delivery"`
}

// StartWebUIServer mounts the introspection endpoint when the web UI is
// enabled. The endpoint is served once Start runs.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = defaultWebUIPort
	}
	s.mountWebUI(s.mux(port))
}

func (s *Service) mountWebUI(r chi.Router) {
	r.Get("/api/handlers", s.handleGetHandlers)
	r.Options("/api/handlers", s.handleGetHandlers)
}

// StartMetricsServer mounts the Prometheus scrape endpoint when metrics are
// enabled.
func (s *Service) StartMetricsServer() {
	if !s.Conf.MetricsEnabled {
		return
	}
	s.mux(s.Conf.MetricsPort).Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	report := StatusReport{
		Handlers: s.Handlers(),
		Process:  processStats(),
		Delivery: s.metrics.Snapshot(),
	}
	body, err := jsoncodec.Marshal(report)
	if err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
