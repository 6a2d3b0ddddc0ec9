package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/robertlestak/contract-txcache/internal/aggregate"
	"github.com/robertlestak/contract-txcache/internal/output"
	"github.com/robertlestak/contract-txcache/internal/scheduler"
	"github.com/robertlestak/contract-txcache/internal/schema"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Engine is the read/control surface the server exposes.
type Engine interface {
	Snapshot() *schema.Snapshot
	Status() scheduler.Status
	StartRefresh() error
	StartBackfill(r aggregate.Range) error
	Override(ctx context.Context, day string, total int64) error
}

// CORSOptions mirrors the rs/cors settings read from config.
type CORSOptions struct {
	AllowedOrigins []string
	AllowedHeaders []string
	AllowedMethods []string
	Debug          bool
}

type Server struct {
	Engine     Engine
	AdminToken string
	CORS       CORSOptions
	// RefreshLimit throttles the unauthenticated refresh route. Nil disables
	// throttling; the admin force-update route is never throttled.
	RefreshLimit *rate.Limiter
}

type response struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/refresh", s.handlePublicRefresh).Methods("POST")

	admin := r.NewRoute().Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/force-update", s.handleRefresh).Methods("POST")
	admin.HandleFunc("/backfill", s.handleBackfill).Methods("POST")
	admin.HandleFunc("/override", s.handleOverride).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   s.CORS.AllowedOrigins,
		AllowedHeaders:   s.CORS.AllowedHeaders,
		AllowedMethods:   s.CORS.AllowedMethods,
		AllowCredentials: true,
		Debug:            s.CORS.Debug,
	})
	return c.Handler(r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{"package": "api", "func": "writeJSON"}).Error(err)
	}
}

// requireAdmin rejects requests without the bearer admin token. An empty
// configured token disables every admin route.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.AdminToken == "" || token != s.AdminToken {
			writeJSON(w, http.StatusUnauthorized, response{Status: "error", Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	l := log.WithFields(log.Fields{
		"package": "api",
		"func":    "handleSnapshot",
	})
	snap := s.Engine.Snapshot()
	format := r.FormValue("format")
	switch format {
	case "csv", "hourly":
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	if err := output.Write(w, snap, format); err != nil {
		l.Error(err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Engine.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		scheduler.Status
		LastUpdate        time.Time `json:"lastUpdate"`
		TotalTransactions int64     `json:"totalTransactions"`
		ObservedTotal     int64     `json:"observedTotal"`
		Drift             int64     `json:"drift"`
		Gaps              int       `json:"gaps"`
	}{
		Status:            s.Engine.Status(),
		LastUpdate:        snap.LastUpdate,
		TotalTransactions: snap.TotalTransactions,
		ObservedTotal:     snap.ObservedTotal,
		Drift:             snap.Drift,
		Gaps:              len(snap.Gaps),
	})
}

func (s *Server) handlePublicRefresh(w http.ResponseWriter, r *http.Request) {
	if s.RefreshLimit != nil && !s.RefreshLimit.Allow() {
		writeJSON(w, http.StatusTooManyRequests, response{Status: "rate_limited"})
		return
	}
	s.handleRefresh(w, r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.started(w, s.Engine.StartRefresh())
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	rg := aggregate.Range{From: r.FormValue("from"), To: r.FormValue("to")}
	if _, err := rg.Days(); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: err.Error()})
		return
	}
	s.started(w, s.Engine.StartBackfill(rg))
}

func (s *Server) started(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, response{Status: "already_running"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, response{Status: "started"})
	}
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	l := log.WithFields(log.Fields{
		"package": "api",
		"func":    "handleOverride",
	})
	day := r.FormValue("day")
	total, err := strconv.ParseInt(r.FormValue("total"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "total must be an integer"})
		return
	}
	err = s.Engine.Override(r.Context(), day, total)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, response{Status: "already_running"})
	case err != nil:
		l.Error(err)
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, response{Status: "ok"})
	}
}
