package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
	"github.com/antiban/dispatcher/internal/incidents"
	"github.com/antiban/dispatcher/internal/orchestrator"
	"github.com/antiban/dispatcher/internal/pacer"
	"github.com/antiban/dispatcher/internal/smartguard"
)

// rosterCacheTTL bounds how often SessionsMetricsHandler re-fetches the
// session roster to compute each session's trust baseline.
const rosterCacheTTL = 3 * time.Second

// ControllerStats mirrors the running totals reported by GET /health.
type ControllerStats struct {
	Processed    int64
	Routed       int64
	Failed       int64
	ActivePacers int
}

// Controller is the subset of the dispatcher wiring the control API drives.
// Implemented by internal/dispatcher.Dispatcher.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	Stats() ControllerStats
}

// Server exposes the dispatcher's control API (spec.md §4.I / §6).
type Server struct {
	cfg        config.Config
	rdb        *redis.Client
	pacers     *pacer.Manager
	guard      *smartguard.Guard
	incidents  *incidents.Sink
	orch       *orchestrator.Client
	controller Controller
}

// NewServer builds a Server. orch supplies the session roster that
// SessionsMetricsHandler needs to report each session's trust baseline.
func NewServer(cfg config.Config, rdb *redis.Client, pacers *pacer.Manager, guard *smartguard.Guard, incidentSink *incidents.Sink, orch *orchestrator.Client, controller Controller) *Server {
	return &Server{cfg: cfg, rdb: rdb, pacers: pacers, guard: guard, incidents: incidentSink, orch: orch, controller: controller}
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.controller.Stats()
		writeOK(w, map[string]any{
			"running": s.controller.IsRunning(),
			"stats": map[string]any{
				"processed":    stats.Processed,
				"routed":       stats.Routed,
				"failed":       stats.Failed,
				"activePacers": stats.ActivePacers,
			},
		})
	}
}

func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.controller.Start(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, nil)
	}
}

func (s *Server) StopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.controller.Stop()
		writeOK(w, nil)
	}
}

func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		gatewayLen, err1 := s.rdb.LLen(ctx, s.cfg.GatewayQueueKey).Result()
		priorityLen, err2 := s.rdb.LLen(ctx, s.cfg.PriorityQueueKey).Result()
		retryLen, err3 := s.rdb.ZCard(ctx, kv.RetryQueueKey).Result()
		sessionRetryLen, err4 := s.rdb.ZCard(ctx, kv.RetrySessionQueueKey).Result()
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			writeErrorReason(w, http.StatusInternalServerError, "kv failure")
			return
		}
		writeOK(w, map[string]any{
			"gateway":      gatewayLen,
			"priority":     priorityLen,
			"retry":        retryLen,
			"sessionRetry": sessionRetryLen,
			"total":        gatewayLen + priorityLen + retryLen + sessionRetryLen,
		})
	}
}

func (s *Server) PacersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]any{"pacers": s.pacers.All()})
	}
}

type pacerPatchRequest struct {
	MinDelayMs      *int64 `json:"minDelayMs"`
	MaxDelayMs      *int64 `json:"maxDelayMs"`
	BurstLimit      *int64 `json:"burstLimit"`
	BurstCooldownMs *int64 `json:"burstCooldownMs"`
	RPM             *int   `json:"rpm"`
}

func (s *Server) PatchPacerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")
		p, ok := s.pacers.Get(sessionID)
		if !ok {
			writeErrorReason(w, http.StatusNotFound, "unknown session")
			return
		}
		var req pacerPatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorReason(w, http.StatusBadRequest, "invalid body")
			return
		}
		patch := pacer.Config{}
		if req.MinDelayMs != nil {
			patch.MinDelayMs = *req.MinDelayMs
		}
		if req.MaxDelayMs != nil {
			patch.MaxDelayMs = *req.MaxDelayMs
		}
		if req.BurstLimit != nil {
			patch.BurstLimit = *req.BurstLimit
		}
		if req.BurstCooldownMs != nil {
			patch.BurstCooldownMs = *req.BurstCooldownMs
		}
		p.UpdateConfig(patch)
		if req.RPM != nil {
			if err := p.SetRPM(req.RPM); err != nil {
				writeErrorReason(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		writeOK(w, map[string]any{"pacer": p.Stats()})
	}
}

type rpmRequest struct {
	RPM *int `json:"rpm"`
}

func (s *Server) SetSessionRPMHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")
		var req rpmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorReason(w, http.StatusBadRequest, "invalid body")
			return
		}
		if req.RPM != nil && !isValidManualRPM(*req.RPM) {
			writeErrorReason(w, http.StatusBadRequest, "invalid rpm value")
			return
		}

		ctx := r.Context()
		if req.RPM == nil {
			if err := s.rdb.Del(ctx, kv.ConfigSessionRPMKey(sessionID)).Err(); err != nil {
				writeErrorReason(w, http.StatusInternalServerError, err.Error())
				return
			}
		} else if err := s.rdb.Set(ctx, kv.ConfigSessionRPMKey(sessionID), *req.RPM, 0).Err(); err != nil {
			writeErrorReason(w, http.StatusInternalServerError, err.Error())
			return
		}

		if p, ok := s.pacers.Get(sessionID); ok {
			_ = p.SetRPM(req.RPM)
		}
		writeOK(w, nil)
	}
}

func isValidManualRPM(rpm int) bool {
	for _, v := range pacer.RPMLadder {
		if v == rpm {
			return true
		}
	}
	for _, v := range pacer.ManualOverrideRPMs {
		if v == rpm {
			return true
		}
	}
	return false
}

func (s *Server) SessionsMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roster := s.rosterByID(ctx)
		out := make([]map[string]any, 0, s.pacers.Count())
		for _, stats := range s.pacers.All() {
			sid := stats.SessionID
			// Session queues are keyed by phone, so the length is only known
			// for sessions present in the roster.
			var qlen int64
			if sess, ok := roster[sid]; ok {
				qlen, _ = s.rdb.LLen(ctx, kv.SessionQueueKey(s.cfg.SessionQueuePrefix, sess.Phone)).Result()
			}
			sent, _ := s.rdb.Get(ctx, kv.MetricSentKey(sid)).Int64()
			routed, _ := s.rdb.Get(ctx, kv.MetricRoutedKey(sid)).Int64()
			failed, _ := s.rdb.Get(ctx, kv.MetricFailedKey(sid)).Int64()
			override, err := s.rdb.Get(ctx, kv.ConfigSessionRPMKey(sid)).Int()
			var overridePtr *int
			if err == nil {
				overridePtr = &override
			}

			trustLevel := 0
			rpmDefault := stats.RPM
			if sess, ok := roster[sid]; ok {
				profile := pacer.ProfileForCreatedAt(sess.CreatedAt, time.Now())
				trustLevel = profile.Level
				rpmDefault = profile.RPM
			}

			out = append(out, map[string]any{
				"sessionId":     sid,
				"queueLen":      qlen,
				"sentLast60s":   sent,
				"routedLast60s": routed,
				"failedLast60s": failed,
				"trustLevel":    trustLevel,
				"rpmDefault":    rpmDefault,
				"rpmOverride":   overridePtr,
			})
		}
		writeOK(w, map[string]any{"sessions": out})
	}
}

// rosterByID fetches the cached session roster keyed by sessionId, used to
// derive each session's trust-policy baseline (spec.md §4.G / §6).
func (s *Server) rosterByID(ctx context.Context) map[string]domain.Session {
	out := make(map[string]domain.Session)
	if s.orch == nil {
		return out
	}
	for _, sess := range s.orch.GetSessionsCached(ctx, rosterCacheTTL) {
		out[sess.SessionID] = sess
	}
	return out
}

func (s *Server) SmartguardStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.guard.Status()
		writeOK(w, map[string]any{
			"enabled":    status.Enabled,
			"tickMs":     status.TickMs,
			"lastTick":   status.LastTick,
			"lastAction": status.LastAction,
		})
	}
}

type smartguardEnableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) SmartguardEnableHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req smartguardEnableRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorReason(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.guard.SetEnabled(r.Context(), req.Enabled); err != nil {
			writeErrorReason(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, nil)
	}
}

func (s *Server) IncidentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raws, err := s.incidents.ListIncidents(r.Context(), 200)
		if err != nil {
			writeErrorReason(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, map[string]any{"incidents": raws})
	}
}

func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		job, found, err := kv.GetJob(r.Context(), s.rdb, jobID)
		if err != nil {
			writeErrorReason(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !found {
			writeErrorReason(w, http.StatusNotFound, "job not found")
			return
		}
		writeOK(w, map[string]any{"job": job})
	}
}
