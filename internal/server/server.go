// Package server provides the HTTP and WebSocket surface consumed by the
// UI collaborator.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"log/slog"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultEventLimit = 50

// Status is the live pipeline state reported by /api/health.
type Status struct {
	WorkerState string `json:"workerState"`
	Detecting   bool   `json:"detecting"`
	Recording   bool   `json:"recording"`
}

// StatusFunc supplies the current pipeline status.
type StatusFunc func() Status

// Options holds the server dependencies. Store and Camera are optional;
// their routes are registered only when present.
type Options struct {
	Config *config.Store
	Store  *store.Store
	Camera capture.Camera
	Status StatusFunc
	Logger *slog.Logger
}

// Server is the HTTP surface. It implements http.Handler.
type Server struct {
	opts  Options
	log   *slog.Logger
	hub   *Hub
	mux   *http.ServeMux
	start time.Time
}

// New creates a new Server with the given dependencies.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:  opts,
		log:   opts.Logger.With("component", "server"),
		hub:   NewHub(opts.Logger),
		mux:   http.NewServeMux(),
		start: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket broadcast hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/config", s.handleConfig)
	s.mux.Handle("/ws", s.hub)

	if s.opts.Store != nil {
		s.mux.HandleFunc("/api/events", s.handleEvents)
	}
	if s.opts.Camera != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(s.opts.Camera))
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.opts.Status != nil {
		response["pipeline"] = s.opts.Status()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.opts.Config.Current())

	case http.MethodPatch:
		var p config.Partial
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		next, err := s.opts.Config.Apply(p)
		if err != nil {
			if errors.Is(err, config.ErrValidation) {
				s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			} else {
				s.writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		s.log.Info("config updated via API")
		s.writeJSON(w, http.StatusOK, next)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be in 1..500")
			return
		}
		limit = n
	}

	events, err := s.opts.Store.Events().Recent(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type eventJSON struct {
		ID         string    `json:"id"`
		Kind       string    `json:"kind"`
		FiredAt    time.Time `json:"firedAt"`
		Confidence float64   `json:"confidence"`
		X          float64   `json:"x"`
		Y          float64   `json:"y"`
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, eventJSON{
			ID:         e.ID,
			Kind:       string(e.Kind),
			FiredAt:    e.FiredAt,
			Confidence: e.Confidence,
			X:          e.X,
			Y:          e.Y,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}
