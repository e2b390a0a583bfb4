// Package server hosts the version lifecycle engine behind an HTTP API.
// The engine trusts the actor identity on each request; authentication and
// permission checks belong to the layer in front of this one.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AuraTechWave/menuvault/internal/logger"
	"github.com/AuraTechWave/menuvault/internal/metrics"
	"github.com/AuraTechWave/menuvault/pkg/audit"
	"github.com/AuraTechWave/menuvault/pkg/menu"
	"github.com/AuraTechWave/menuvault/pkg/schedule"
	"github.com/AuraTechWave/menuvault/pkg/snapshot"
	"github.com/AuraTechWave/menuvault/pkg/storage"
	"github.com/AuraTechWave/menuvault/pkg/trigger"
	"github.com/AuraTechWave/menuvault/pkg/version"
)

// Server wires the engine components behind chi routes.
type Server struct {
	versions *version.Manager
	ledger   *audit.Ledger
	sched    *schedule.Manager
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewServer creates the API server.
func NewServer(vm *version.Manager, ledger *audit.Ledger, sched *schedule.Manager,
	m *metrics.Metrics, log *logger.Logger) *Server {
	return &Server{versions: vm, ledger: ledger, sched: sched, metrics: m, log: log}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware(s.metrics, s.log))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scopes/{scope}/changes", s.handleIntake)
		r.Post("/scopes/{scope}/versions", s.handleCreateVersion)
		r.Get("/scopes/{scope}/versions", s.handleListVersions)
		r.Get("/scopes/{scope}/audit", s.handleAuditQuery)
		r.Post("/scopes/{scope}/rollback/{target}", s.handleRollback)

		r.Get("/versions/{id}", s.handleGetVersion)
		r.Get("/versions/{id}/history", s.handleHistory)
		r.Post("/versions/{id}/publish", s.handlePublish)
		r.Delete("/versions/{id}/schedule", s.handleCancelSchedule)
		r.Get("/versions/{a}/compare/{b}", s.handleCompare)
	})
	return r
}

type intakeRequest struct {
	Actor      string                `json:"actor"`
	Origin     string                `json:"origin"`
	SessionRef string                `json:"session_ref"`
	State      *menu.Snapshot        `json:"state"`
	Changes    []version.ChangeInput `json:"changes"`
}

type intakeResponse struct {
	Decision string           `json:"decision"`
	Version  *version.Version `json:"version,omitempty"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" || req.State == nil {
		writeError(w, http.StatusBadRequest, errors.New("actor and state are required"))
		return
	}

	client := audit.ClientContext{Origin: req.Origin, SessionRef: req.SessionRef}

	decision, v, err := s.versions.ApplyChanges(r.Context(), scope, req.Actor,
		req.State, req.Changes, client)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.metrics.ChangesIngestedTotal.Add(float64(len(req.Changes)))
	s.metrics.RecordDecision(decision.String())
	if v != nil {
		reason := "policy"
		if decision == trigger.ForcedVersion {
			reason = "overflow"
		}
		s.metrics.VersionsCreatedTotal.WithLabelValues(reason).Inc()
	}

	writeJSON(w, http.StatusOK, intakeResponse{Decision: decision.String(), Version: v})
}

type createVersionRequest struct {
	Actor          string         `json:"actor"`
	ExpectedParent string         `json:"expected_parent"`
	State          *menu.Snapshot `json:"state"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" || req.State == nil {
		writeError(w, http.StatusBadRequest, errors.New("actor and state are required"))
		return
	}

	v, err := s.versions.CreateVersion(r.Context(), scope, req.State, req.Actor, req.ExpectedParent)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.VersionsCreatedTotal.WithLabelValues("manual").Inc()
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	versions, err := s.versions.List(r.Context(), scope, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chain, err := s.versions.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

type publishRequest struct {
	Actor       string     `json:"actor"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, errors.New("actor is required"))
		return
	}

	v, err := s.versions.Publish(r.Context(), chi.URLParam(r, "id"), req.Actor, req.EffectiveAt)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	v, err := s.sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type rollbackRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	target := chi.URLParam(r, "target")

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, errors.New("actor is required"))
		return
	}

	v, err := s.versions.Rollback(r.Context(), scope, target, req.Actor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.RollbacksTotal.Inc()
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = "system"
	}

	cs, err := s.versions.Compare(r.Context(), chi.URLParam(r, "a"), chi.URLParam(r, "b"), actor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.ComparesTotal.Inc()
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Scope:      chi.URLParam(r, "scope"),
		Actor:      q.Get("actor"),
		EntityKind: q.Get("entity_kind"),
		EntityID:   q.Get("entity_id"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.To = t
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, err := s.ledger.Query(r.Context(), f, audit.Page{Limit: limit, Offset: offset})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, version.ErrNotFound), errors.Is(err, snapshot.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, version.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, version.ErrCrossScope), errors.Is(err, version.ErrImmutable):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, schedule.ErrAlreadyActivating):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, snapshot.ErrCorrupted):
		s.log.Error("Snapshot corruption detected").Err(err).Send()
		writeError(w, http.StatusInternalServerError, err)
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
