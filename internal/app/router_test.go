package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiban/dispatcher/internal/adapter/httpserver"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/incidents"
	"github.com/antiban/dispatcher/internal/orchestrator"
	"github.com/antiban/dispatcher/internal/pacer"
	"github.com/antiban/dispatcher/internal/smartguard"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example , https://b.example "))
}

func TestBuildRouter_HealthAndMetricsRoutes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := config.Config{
		CORSAllowOrigins:    "*",
		ControlAPIRateLimit: 1000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pacers := pacer.NewManager(5, 30000)
	sink := incidents.New(rdb, "", logger)
	guard := smartguard.New(cfg, rdb, sink, logger)
	ctrl := &stubRouterController{}
	orch := orchestrator.New(cfg, rdb)
	srv := httpserver.NewServer(cfg, rdb, pacers, guard, sink, orch, ctrl)

	r := BuildRouter(cfg, srv)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

type stubRouterController struct{}

func (stubRouterController) Start(ctx context.Context) error     { return nil }
func (stubRouterController) Stop()                                {}
func (stubRouterController) IsRunning() bool                      { return false }
func (stubRouterController) Stats() httpserver.ControllerStats     { return httpserver.ControllerStats{} }
