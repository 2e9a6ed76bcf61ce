package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// componentCheckTimeout bounds each component check in the health endpoint.
const componentCheckTimeout = 2 * time.Second

const healthPath = "/api/v1/health"

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(withRequestID)
	r.Use(accessLog(s.logger, healthPath))
	r.Use(recoverer(s.logger))
	r.Use(originPolicy(s.cfg.CORS.AllowedOrigins).middleware)
	r.Use(limitBody)

	streamPath := s.wsCfg.Path
	if streamPath == "" {
		streamPath = "/ws"
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get(streamPath, s.handleStream)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/stats", s.handleDeviceStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/state", s.handleGetDeviceState)
				r.Get("/history", s.handleGetDeviceHistory)
				r.With(s.limiters.middleware).Post("/publish", s.handlePublish)
			})
		})
	})

	return r
}

// handleHealth reports each component check. One failing check turns the
// response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	components := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), componentCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"devices":    s.devices.Registry().GetStats().TotalDevices,
		"components": components,
		"stream": map[string]any{
			"clients": s.stream.Clients(),
			"dropped": s.stream.Dropped(),
		},
	})
}
