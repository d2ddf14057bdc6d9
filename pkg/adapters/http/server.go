package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/fedmesh"
	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/observability"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource provides the live state of the run.
type StatusSource interface {
	Snapshot() observability.Status
	Subscribe() (<-chan any, func())
}

// Server exposes the status of a Coordinator over HTTP.
type Server struct {
	Status   StatusSource
	Store    ports.CheckpointStore
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewHandler creates the router:
//
//	GET /healthz               liveness
//	GET /info                  version
//	GET /status                current Status
//	GET /events                Server-Sent Events of round events
//	GET /checkpoints           stored run IDs
//	GET /checkpoints/{runID}   one checkpoint
//	GET /metrics               Prometheus exposition
//
// Routes whose dependency is nil answer 404.
func NewHandler(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = logging.NewNop()
	}
	r := chi.NewRouter()

	r.Get("/healthz", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.Status != nil {
		r.Get("/status", s.GetStatus)
		r.Get("/events", s.SubscribeEvents)
	}
	if s.Store != nil {
		r.Get("/checkpoints", s.ListCheckpoints)
		r.Get("/checkpoints/{runID}", s.GetCheckpoint)
	}
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("Response encode failed", "error", err)
	}
}

// GetHealth handles GET /healthz.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"app":     "fedmesh",
		"version": strings.TrimSpace(fedmesh.Version),
	})
}

// GetStatus handles GET /status.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Status.Snapshot())
}

// ListCheckpoints handles GET /checkpoints.
func (s *Server) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Store.List(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("List error: %v", err), http.StatusInternalServerError)
		s.Logger.Error("List checkpoints failed", "error", err)
		return
	}
	s.writeJSON(w, map[string][]string{"runs": runs})
}

// GetCheckpoint handles GET /checkpoints/{runID}.
func (s *Server) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	cp, err := s.Store.Load(r.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrCheckpointNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Load error: %v", err), http.StatusInternalServerError)
		s.Logger.Error("Load checkpoint failed", "run_id", runID, "error", err)
		return
	}
	s.writeJSON(w, cp)
}

// SubscribeEvents handles GET /events as a Server-Sent Events stream.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.Status.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.Logger.Debug("SSE client disconnected")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.Logger.Warn("SSE: dropping unencodable event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(event), data)
			flusher.Flush()
		}
	}
}

func eventName(event any) string {
	switch e := event.(type) {
	case *domain.StateEvent:
		return string(e.Type)
	case *domain.RoundEvent:
		return string(e.Type)
	case *observability.AbortSummary:
		return string(domain.EventRoundAbort)
	default:
		return "message"
	}
}
