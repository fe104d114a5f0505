// SPDX-License-Identifier: MIT

// Package ingest is the HTTP adapter remote sub-vendo devices talk to:
// authenticated heartbeat and pulse endpoints feeding the source registry
// and the coin aggregator.
package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pisonet/pisond/internal/coin"
	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
)

// Config tunes the ingest listener.
type Config struct {
	Addr         string        // listen address, e.g. ":8814"
	SharedSecret string        // sub_vendo_key every device must present
	RateLimit    int           // requests per window per IP
	RateWindow   time.Duration
}

// DefaultConfig returns the appliance defaults. The shared secret has no
// default; an empty secret disables the listener.
func DefaultConfig() Config {
	return Config{Addr: ":8814", RateLimit: 60, RateWindow: time.Minute}
}

// Server handles sub-vendo traffic.
type Server struct {
	cfg      Config
	registry *coin.Registry
	agg      *coin.Aggregator
	logger   zerolog.Logger
}

// New wires the server.
func New(cfg Config, registry *coin.Registry, agg *coin.Aggregator) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		agg:      agg,
		logger:   xlog.WithComponent("ingest"),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(httprate.Limit(
		s.cfg.RateLimit,
		s.cfg.RateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			metrics.IngestRejectedTotal.WithLabelValues("rate_limited").Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		}),
	))
	r.Use(s.requireSecret)

	r.Post("/subvendo/heartbeat", s.handleHeartbeat)
	r.Post("/subvendo/pulse", s.handlePulse)

	return otelhttp.NewHandler(r, "ingest")
}

// requireSecret rejects requests whose shared secret does not match before
// anything reaches the registry or the aggregator.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Vendo-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.SharedSecret)) != 1 {
			metrics.IngestRejectedTotal.WithLabelValues("bad_secret").Inc()
			s.logger.Warn().
				Str("event", "ingest.bad_secret").
				Str("remote", r.RemoteAddr).
				Msg("sub-vendo request with bad secret")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type heartbeatRequest struct {
	SourceID   string `json:"source_id"`
	Name       string `json:"name"`
	PulseValue int    `json:"pulse_value_pesos"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceID == "" {
		metrics.IngestRejectedTotal.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid"})
		return
	}
	if err := s.registry.Heartbeat(r.Context(), req.SourceID, req.Name, req.PulseValue); err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("bad_source").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pulseRequest struct {
	SourceID string `json:"source_id"`
	Pulses   int    `json:"pulses"`
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	var req pulseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceID == "" || req.Pulses <= 0 {
		metrics.IngestRejectedTotal.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid"})
		return
	}
	if !s.registry.Known(req.SourceID) {
		metrics.IngestRejectedTotal.WithLabelValues("unknown_source").Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	s.registry.Touch(req.SourceID)
	s.agg.Pulse(r.Context(), req.Pulses, req.SourceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
