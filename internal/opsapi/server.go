package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
	"orgstream/internal/subscription"
	"orgstream/pkg/middleware"
)

// AdminScope guards the mutating endpoints.
const AdminScope = "orgstream:admin"

type Lister interface {
	List() []subscription.Info
}

type Checkpoints interface {
	Get(ctx context.Context, tenantID string) (checkpoint.Checkpoint, bool, error)
	Reset(ctx context.Context, tenantID string, pos checkpoint.Position) error
}

// Rewinder resets a checkpoint and restarts the tenant's live subscription from it.
type Rewinder interface {
	Rewind(ctx context.Context, tenantID string, pos checkpoint.Position) error
}

type Defaulter interface {
	Default() checkpoint.Position
}

// Server is the operations API: health, metrics, subscription and checkpoint views.
type Server struct {
	Subscriptions Lister
	Checkpoints   Checkpoints
	Rewinder      Rewinder
	Deliveries    checkpoint.DeliveryRecorder
	Policy        Defaulter
	Gatherer      prometheus.Gatherer
	Auth          middleware.AuthConfig
	Log           *zap.SugaredLogger
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(s.Log))
	r.Use(middleware.AccessLog(s.Log))
	r.Use(middleware.Tracing())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
	})
	g := s.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v chi.Router) {
		v.Use(middleware.JWTAuth(s.Auth))
		v.Get("/subscriptions", s.listSubscriptions)
		v.Get("/checkpoints/{tenantID}", s.getCheckpoint)
		if s.Deliveries != nil {
			v.Get("/deliveries/{tenantID}/{eventID}", s.getDelivery)
		}
		v.With(middleware.RequireScope(AdminScope)).Delete("/checkpoints/{tenantID}", s.resetCheckpoint)
	})
	return r
}

func (s *Server) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"subscriptions": s.Subscriptions.List()}, http.StatusOK)
}

type checkpointView struct {
	TenantID      string `json:"tenant_id"`
	LastReplayID  int64  `json:"last_replay_id"`
	HasPosition   bool   `json:"has_position"`
	LastEventTime string `json:"last_event_time,omitempty"`
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	cp, ok, err := s.Checkpoints.Get(r.Context(), tenantID)
	if err != nil {
		s.Log.Errorw("checkpoint read failed", "tenant", tenantID, "err", err)
		writeJSON(w, map[string]any{"error": "checkpoint store unavailable"}, http.StatusBadGateway)
		return
	}
	if !ok {
		writeJSON(w, map[string]any{"error": "not found"}, http.StatusNotFound)
		return
	}
	view := checkpointView{TenantID: tenantID, LastReplayID: int64(cp.LastReplayPosition), HasPosition: cp.HasPosition}
	if !cp.LastEventTime.IsZero() {
		view.LastEventTime = cp.LastEventTime.UTC().Format(time.RFC3339)
	}
	writeJSON(w, view, http.StatusOK)
}

// resetCheckpoint rewinds a tenant to the default replay position. A running
// subscription keeps its position; the reset applies to its next start.
func (s *Server) resetCheckpoint(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	pos := s.Policy.Default()
	reset := s.Checkpoints.Reset
	if s.Rewinder != nil {
		reset = s.Rewinder.Rewind
	}
	if err := reset(r.Context(), tenantID, pos); err != nil {
		s.Log.Errorw("checkpoint reset failed", "tenant", tenantID, "err", err)
		writeJSON(w, map[string]any{"error": "checkpoint store unavailable"}, http.StatusBadGateway)
		return
	}
	s.Log.Infow("checkpoint reset", "tenant", tenantID, "to", pos.String(), "actor", middleware.ActorSub(r.Context()))
	writeJSON(w, map[string]any{"tenant_id": tenantID, "last_replay_id": int64(pos)}, http.StatusOK)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	id, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil {
		writeJSON(w, map[string]any{"error": "eventID must be an integer"}, http.StatusBadRequest)
		return
	}
	d, ok, err := s.Deliveries.GetDelivery(r.Context(), tenantID, checkpoint.Position(id))
	if err != nil {
		writeJSON(w, map[string]any{"error": "checkpoint store unavailable"}, http.StatusBadGateway)
		return
	}
	if !ok {
		writeJSON(w, map[string]any{"error": "not found"}, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"tenant_id":     d.TenantID,
		"event_id":      int64(d.EventID),
		"status":        d.Status,
		"record_ids":    d.RecordIDs,
		"attempt_count": d.Attempts,
		"last_update":   d.UpdatedAt.UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
