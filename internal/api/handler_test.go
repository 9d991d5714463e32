package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"insight-service/internal/app"
	"insight-service/internal/clock"
	"insight-service/internal/eventbus"
	"insight-service/internal/models"
	"insight-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router *gin.Engine
	core   *app.Core
	clock  *clock.Fake
}

func newTestServer(t *testing.T, executor service.Executor, checks ...ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c := clock.NewFake(epoch)
	opts := app.DefaultOptions()
	opts.Clock = c
	opts.Logger = zap.NewNop()
	opts.Executor = executor
	core := app.New(opts)
	t.Cleanup(core.Close)

	router := gin.New()
	NewHandler(core, zap.NewNop(), checks...).SetupRoutes(router)
	return &testServer{router: router, core: core, clock: c}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

type list[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

var shortage = map[string]any{
	"id":                "p-1",
	"name":              "Espresso Beans",
	"price":             100,
	"cost":              60,
	"stock_quantity":    5,
	"reorder_threshold": 20,
	"sales_velocity":    10,
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil, ReadinessCheck{
		Name:  "redis",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)

	w := s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestEntityEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/entities/product", shortage)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Product](t, w)
	assert.Equal(t, 40.0, created.ProfitMargin)

	w = s.do(t, http.MethodPost, "/api/v1/entities/product", map[string]any{"id": "p-2", "price": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "price")

	w = s.do(t, http.MethodPost, "/api/v1/entities/product", map[string]any{"id": "p-3", "price": 1, "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/entities/supplier", map[string]any{"id": "s-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/entities/product/p-1", map[string]any{"stock_quantity": 50})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 50, decode[models.Product](t, w).StockQuantity)

	w = s.do(t, http.MethodGet, "/api/v1/entities/product", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[list[models.Product]](t, w).Count)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/entities/product/p-9", nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/entities/product/p-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/entities/product/p-1", nil).Code)
}

func TestActionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/entities/product", shortage).Code)
	s.clock.Advance(eventbus.DefaultWindow)

	w := s.do(t, http.MethodGet, "/api/v1/insights", nil)
	require.Equal(t, http.StatusOK, w.Code)
	insights := decode[list[models.Insight]](t, w)
	require.Equal(t, 1, insights.Count)
	assert.Equal(t, 7000.0, insights.Items[0].BusinessImpact)

	w = s.do(t, http.MethodGet, "/api/v1/predictions", nil)
	assert.Equal(t, 1, decode[list[models.Insight]](t, w).Count)

	w = s.do(t, http.MethodPost, "/api/v1/actions", map[string]any{"insight_id": insights.Items[0].ID})
	require.Equal(t, http.StatusCreated, w.Code)
	action := decode[models.Action](t, w)
	assert.Equal(t, models.ActionStatusPending, action.Status)

	content := "Reorder 85 units from the usual supplier"
	w = s.do(t, http.MethodPatch, "/api/v1/actions/"+action.ID, map[string]any{"status": "executed", "content": content})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	executed := decode[models.Action](t, w)
	assert.Equal(t, models.ActionStatusExecuted, executed.Status)
	assert.Equal(t, content, executed.GeneratedContent)

	w = s.do(t, http.MethodPatch, "/api/v1/actions/"+action.ID, map[string]any{"status": "executed"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/actions/"+action.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[list[models.ExecutionLog]](t, w).Count)

	w = s.do(t, http.MethodPatch, "/api/v1/actions/"+action.ID, map[string]any{"status": "rolled_back"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.ActionStatusRolledBack, decode[models.Action](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/v1/execution-logs?action_id="+action.ID, nil)
	assert.Equal(t, 2, decode[list[models.ExecutionLog]](t, w).Count)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPatch, "/api/v1/actions/"+action.ID, map[string]any{"status": "pending"}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/actions/missing/logs", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/actions", map[string]any{"insight_id": "missing"}).Code)
}

func TestExecutionFailureMapsToBadGateway(t *testing.T) {
	down := service.ExecutorFunc(func(context.Context, models.Action) error {
		return errors.New("supplier api unavailable")
	})
	s := newTestServer(t, down)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/entities/product", shortage).Code)
	s.clock.Advance(eventbus.DefaultWindow)

	actions := s.core.ListActions()
	require.Len(t, actions, 1)

	w := s.do(t, http.MethodPatch, "/api/v1/actions/"+actions[0].ID, map[string]any{"status": "executed"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["retryable"])

	action, err := s.core.GetAction(actions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, action.Status)
}

func TestMetricsAndNotifications(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/metrics?range=1y", nil).Code)

	w := s.do(t, http.MethodGet, "/api/v1/metrics?range=7d", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.Range7d, decode[service.SystemMetrics](t, w).Range)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/entities/product", shortage).Code)
	s.clock.Advance(eventbus.DefaultWindow)
	s.clock.Advance(eventbus.DefaultWindow)

	w = s.do(t, http.MethodGet, "/api/v1/notifications?unread=true", nil)
	notifications := decode[list[models.Notification]](t, w)
	require.Equal(t, 1, notifications.Count)

	id := notifications.Items[0].ID
	w = s.do(t, http.MethodPost, "/api/v1/notifications/"+id+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Notification](t, w).Read)

	w = s.do(t, http.MethodGet, "/api/v1/notifications?unread=true", nil)
	assert.Equal(t, 0, decode[list[models.Notification]](t, w).Count)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/notifications/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/notifications/"+id, nil).Code)
}
