package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
	"github.com/antiban/dispatcher/internal/incidents"
	"github.com/antiban/dispatcher/internal/orchestrator"
	"github.com/antiban/dispatcher/internal/pacer"
	"github.com/antiban/dispatcher/internal/smartguard"
)

type stubController struct {
	running   bool
	startErr  error
	stopCalls int
	stats     ControllerStats
}

func (s *stubController) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}
func (s *stubController) Stop()          { s.stopCalls++; s.running = false }
func (s *stubController) IsRunning() bool { return s.running }
func (s *stubController) Stats() ControllerStats { return s.stats }

// newTestServer builds a Server against miniredis and an httptest stand-in
// Orchestrator whose /api/dashboard/sessions response is rosterJSON (an
// empty roster if rosterJSON is "").
func newTestServer(t *testing.T, rosterJSON string) (*Server, *redis.Client, *stubController, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if rosterJSON == "" {
		rosterJSON = `{"sessions":[]}`
	}
	orchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(rosterJSON))
	}))

	cfg := config.Config{
		GatewayQueueKey:    "gateway:jobs",
		PriorityQueueKey:   "queue:priority",
		SessionQueuePrefix: "queue:session:",
		OrchestratorURL:    orchSrv.URL,
		SendMode:           config.SendModeAPI,
	}
	pacers := pacer.NewManager(5, 30000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := smartguard.New(cfg, rdb, incidents.New(rdb, "", logger), logger)
	sink := incidents.New(rdb, "", logger)
	orch := orchestrator.New(cfg, rdb)
	ctrl := &stubController{}

	s := NewServer(cfg, rdb, pacers, guard, sink, orch, ctrl)
	return s, rdb, ctrl, func() {
		orchSrv.Close()
		_ = rdb.Close()
		mr.Close()
	}
}

func routerFor(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.HealthHandler())
	r.Post("/start", s.StartHandler())
	r.Post("/stop", s.StopHandler())
	r.Get("/queue/status", s.QueueStatusHandler())
	r.Get("/pacers", s.PacersHandler())
	r.Post("/pacers/{sessionId}", s.PatchPacerHandler())
	r.Post("/sessions/{sessionId}/rpm", s.SetSessionRPMHandler())
	r.Get("/sessions/metrics", s.SessionsMetricsHandler())
	r.Get("/smartguard/status", s.SmartguardStatusHandler())
	r.Post("/smartguard/enable", s.SmartguardEnableHandler())
	r.Get("/incidents", s.IncidentsHandler())
	r.Get("/jobs/{jobId}", s.JobHandler())
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthHandler_ReportsControllerStats(t *testing.T) {
	s, _, ctrl, cleanup := newTestServer(t, "")
	defer cleanup()
	ctrl.running = true
	ctrl.stats = ControllerStats{Processed: 3, Routed: 2, Failed: 1, ActivePacers: 1}

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["running"])
}

func TestStartHandler_DelegatesToController(t *testing.T) {
	s, _, ctrl, cleanup := newTestServer(t, "")
	defer cleanup()

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodPost, "/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctrl.running)
}

func TestStartHandler_ReturnsConflictOnError(t *testing.T) {
	s, _, ctrl, cleanup := newTestServer(t, "")
	defer cleanup()
	ctrl.startErr = domain.ErrConflict

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodPost, "/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "error", body["status"])
}

func TestStopHandler_DelegatesToController(t *testing.T) {
	s, _, ctrl, cleanup := newTestServer(t, "")
	defer cleanup()
	ctrl.running = true

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.stopCalls)
	assert.False(t, ctrl.running)
}

func TestQueueStatusHandler_ReportsLengths(t *testing.T) {
	s, rdb, _, cleanup := newTestServer(t, "")
	defer cleanup()

	rdb.LPush(context.Background(), "gateway:jobs", "a", "b")
	rdb.LPush(context.Background(), "queue:priority", "c")

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["gateway"])
	assert.Equal(t, float64(1), body["priority"])
	assert.Equal(t, float64(3), body["total"])
}

func TestPatchPacerHandler_UnknownSessionReturnsNotFound(t *testing.T) {
	s, _, _, cleanup := newTestServer(t, "")
	defer cleanup()

	r := routerFor(s)
	body, _ := json.Marshal(map[string]any{"minDelayMs": 1000})
	req := httptest.NewRequest(http.MethodPost, "/pacers/unknown", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchPacerHandler_UpdatesKnownSession(t *testing.T) {
	s, _, _, cleanup := newTestServer(t, "")
	defer cleanup()
	s.pacers.GetOrCreate("s1", pacer.Profile{MinDelayMs: 2000, MaxDelayMs: 5000})

	r := routerFor(s)
	body, _ := json.Marshal(map[string]any{"minDelayMs": 3000, "maxDelayMs": 6000})
	req := httptest.NewRequest(http.MethodPost, "/pacers/s1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	p, ok := s.pacers.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(3000), p.Stats().MinDelayMs)
}

func TestSetSessionRPMHandler_RejectsInvalidRPM(t *testing.T) {
	s, _, _, cleanup := newTestServer(t, "")
	defer cleanup()

	r := routerFor(s)
	body, _ := json.Marshal(map[string]any{"rpm": 999})
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/rpm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetSessionRPMHandler_AcceptsLadderValue(t *testing.T) {
	s, rdb, _, cleanup := newTestServer(t, "")
	defer cleanup()

	r := routerFor(s)
	body, _ := json.Marshal(map[string]any{"rpm": 10})
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/rpm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	v, err := rdb.Get(context.Background(), kv.ConfigSessionRPMKey("s1")).Int()
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestSessionsMetricsHandler_ReportsTrustBaselineNotOverride(t *testing.T) {
	createdAt := time.Now().Add(-30 * 24 * time.Hour)
	roster := fmt.Sprintf(`{"status":"ok","sessions":[{"sessionId":"s1","phone":"+1555","status":"CONNECTED","createdAt":%q,"messageCount":0}]}`, createdAt.Format(time.RFC3339))
	s, rdb, _, cleanup := newTestServer(t, roster)
	defer cleanup()
	s.pacers.GetOrCreate("s1", pacer.Profile{MinDelayMs: 2000, MaxDelayMs: 4000})
	require.NoError(t, rdb.Set(context.Background(), kv.ConfigSessionRPMKey("s1"), 5, 0).Err())

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodGet, "/sessions/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	entry := sessions[0].(map[string]any)
	assert.Equal(t, "s1", entry["sessionId"])
	// A 30-day-old session sits at the eldest trust rung: level 4, RPM 20 -
	// the baseline, not the manual override of 5 set above.
	assert.Equal(t, float64(4), entry["trustLevel"])
	assert.Equal(t, float64(20), entry["rpmDefault"])
	assert.Equal(t, float64(5), entry["rpmOverride"])
}

func TestSmartguardStatusAndEnableHandlers(t *testing.T) {
	s, _, _, cleanup := newTestServer(t, "")
	defer cleanup()

	r := routerFor(s)
	body, _ := json.Marshal(map[string]any{"enabled": false})
	req := httptest.NewRequest(http.MethodPost, "/smartguard/enable", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/smartguard/status", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
	out := decodeBody(t, rec2)
	assert.Equal(t, false, out["enabled"])
}

func TestJobHandler_NotFound(t *testing.T) {
	s, _, _, cleanup := newTestServer(t, "")
	defer cleanup()

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_ReturnsStoredJob(t *testing.T) {
	s, rdb, _, cleanup := newTestServer(t, "")
	defer cleanup()

	job := domain.Job{Mode: domain.ModeMessage, Message: "hi", Contacts: []domain.Contact{{Phone: "+1555"}}, Status: domain.JobQueued}
	raw, _ := json.Marshal(job)
	rdb.Set(context.Background(), kv.JobKey("J1"), raw, 0)

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodGet, "/jobs/J1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestIncidentsHandler_ReturnsEmptyList(t *testing.T) {
	s, _, _, cleanup := newTestServer(t, "")
	defer cleanup()

	r := routerFor(s)
	req := httptest.NewRequest(http.MethodGet, "/incidents", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
