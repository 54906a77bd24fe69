// Package httpapi serves a thin, read-only introspection surface over the
// queue runner's in-memory state: health, status summary, connected
// machines, and jobset fair-share accounting. It never accepts writes — all
// scheduling state changes flow through the store and the gRPC session
// stream, matching the teacher's pattern of a dedicated, narrow HTTP surface
// per concern rather than one do-everything router.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/queuemonitor"
)

// Snapshotter is implemented by *queuemonitor.Monitor.
type Snapshotter interface {
	Snapshot() *queuemonitor.Snapshot
	TriggerPoll()
}

// Server is the HTTP introspection server.
type Server struct {
	router chi.Router
	log    logger.Log
}

// New builds the router for monitor's snapshot data.
func New(monitor Snapshotter, log logger.Log) *Server {
	s := &Server{log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/status", func(r chi.Router) {
		r.Get("/", s.status(monitor))
		r.Post("/refresh", s.refresh(monitor))
	})
	r.Get("/machines", s.machines(monitor))
	r.Get("/jobsets", s.jobsets(monitor))

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(monitor Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := monitor.Snapshot()
		writeJSON(w, r, http.StatusOK, map[string]int{
			"steps":    snap.StepCount,
			"builds":   snap.BuildCount,
			"machines": snap.MachineCount,
			"jobsets":  snap.JobsetCount,
		})
	}
}

func (s *Server) refresh(monitor Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		monitor.TriggerPoll()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) machines(monitor Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, monitor.Snapshot().Machines)
	}
}

func (s *Server) jobsets(monitor Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, monitor.Snapshot().Jobsets)
	}
}

// writeJSON mirrors the teacher's APIBase.JSON helper: marshal with
// HTML-escaping enabled, and
// the status code threaded through render's context key so a single writer
// handles every handler in this package.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), render.StatusCtxKey, status))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
