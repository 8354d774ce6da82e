package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	"github.com/Nurenaissance/fastapinewone/app/handlers"
	"github.com/Nurenaissance/fastapinewone/app/router"
	businessflow "github.com/Nurenaissance/fastapinewone/business_flow"
	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/models"
	testutil "github.com/Nurenaissance/fastapinewone/testing"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTrigger struct{ calls int }

func (s *stubTrigger) RequestScan(context.Context) (bool, error) {
	s.calls++
	return false, nil
}

type stubHealth struct{ alive bool }

func (s stubHealth) Health(context.Context) (*dto.SchedulerHealthResponse, error) {
	return &dto.SchedulerHealthResponse{Running: s.alive, ThreadAlive: s.alive, InstanceID: "inst-a", Timezone: "Asia/Kolkata"}, nil
}

type apiFixture struct {
	app     *fiber.App
	repo    *testutil.MemoryEventRepository
	trigger *stubTrigger
}

func newAPI(t *testing.T, checks map[string]handlers.HealthCheck, alive bool) *apiFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	at := time.Date(2024, 3, 10, 10, 0, 0, 0, loc)
	clock := utils.NewFixedClock(loc, func() time.Time { return at })

	repo := testutil.NewMemoryEventRepository()
	trigger := &stubTrigger{}
	merge := businessflow.NewEventMergeFlow(repo, clock, nil, config.CacheConfig{}, config.MergeConfig{}, config.WhatsAppConfig{PhoneRegion: "IN"}, 3, logger)
	flow := businessflow.NewScheduledEventFlow(repo, merge, trigger, stubHealth{alive: alive}, clock, config.SchedulerConfig{
		MaxRetries:    3,
		CreationGrace: 5 * time.Minute,
	}, logger)

	r := router.NewFiberRouter(
		handlers.NewScheduledEventHandler(flow, time.Second),
		handlers.NewSchedulerHandler(flow, checks, time.Second),
		config.ServerConfig{},
		config.MetricsConfig{Enabled: true, Path: "/metrics"},
		logger,
	)
	r.SetupRoutes()
	return &apiFixture{app: r.GetApp(), repo: repo, trigger: trigger}
}

func (f *apiFixture) do(t *testing.T, method, path, tenant string, body any) (int, dto.APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(utils.HeaderTenantID, tenant)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out dto.APIResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.Header.Get("Content-Type") != "" && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func errorCode(t *testing.T, resp dto.APIResponse) string {
	t.Helper()
	detail, ok := resp.Error.(map[string]any)
	require.True(t, ok, "error detail missing: %#v", resp)
	code, _ := detail["code"].(string)
	return code
}

func dataField(t *testing.T, resp dto.APIResponse, key string) any {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data missing: %#v", resp)
	return data[key]
}

var promo = map[string]any{
	"template":     map[string]any{"name": "promo"},
	"phoneNumbers": []string{"919000000001"},
}

func TestCreateScheduledEvent(t *testing.T) {
	api := newAPI(t, nil, true)

	status, resp := api.do(t, http.MethodPost, "/api/v1/scheduled-events", "t1", map[string]any{
		"type": "Template", "date": "2024-03-11", "time": "09:00:00", "value": promo,
	})
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "pending", dataField(t, resp, "status"))
	assert.Equal(t, 1, api.repo.Len())
}

func TestCreateScheduledEventValidation(t *testing.T) {
	api := newAPI(t, nil, true)

	status, resp := api.do(t, http.MethodPost, "/api/v1/scheduled-events", "", map[string]any{
		"type": "Template", "date": "2024-03-11", "time": "09:00:00", "value": promo,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "MISSING_TENANT_ID", errorCode(t, resp))

	status, resp = api.do(t, http.MethodPost, "/api/v1/scheduled-events", "t1", map[string]any{
		"type": "Template", "time": "09:00:00", "value": promo,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))

	status, resp = api.do(t, http.MethodPost, "/api/v1/scheduled-events", "t1", map[string]any{
		"type": "Template", "date": "2024-03-11", "time": "09:00:00", "value": []int{1, 2},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_VALUE", errorCode(t, resp))

	status, resp = api.do(t, http.MethodPost, "/api/v1/scheduled-events", "t1", map[string]any{
		"type": "Template", "date": "2024-03-09", "time": "09:00:00", "value": promo,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "SCHEDULE_IN_PAST", errorCode(t, resp))

	assert.Equal(t, 0, api.repo.Len())
}

func TestScheduledEventLifecycle(t *testing.T) {
	api := newAPI(t, nil, true)
	ev := testutil.NewEvent("t1", "promo", "2024-03-10", "09:00:00", "919000000001")
	ev.Status = models.EventStatusFailed
	ev.RetryCount = 3
	ev.LastError = utils.ToPtr("HTTP 500")
	ev = api.repo.Put(ev)
	path := "/api/v1/scheduled-events/" + strconv.FormatUint(uint64(ev.ID), 10)

	status, resp := api.do(t, http.MethodGet, path, "t1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "failed", dataField(t, resp, "status"))

	status, resp = api.do(t, http.MethodGet, "/api/v1/scheduled-events/failed", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, dataField(t, resp, "total"))

	status, resp = api.do(t, http.MethodPost, path+"/retry", "t1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pending", dataField(t, resp, "status"))
	assert.EqualValues(t, 0, dataField(t, resp, "retry_count"))

	status, resp = api.do(t, http.MethodPost, path+"/retry", "t1", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "EVENT_NOT_FAILED", errorCode(t, resp))

	status, _ = api.do(t, http.MethodPut, path, "t1", map[string]any{
		"type": "Template", "date": "2024-03-12", "time": "07:30", "value": promo,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "07:30:00", api.repo.Get(ev.ID).ScheduledClock())

	status, resp = api.do(t, http.MethodGet, path, "t2", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SCHEDULED_EVENT_NOT_FOUND", errorCode(t, resp))

	status, _ = api.do(t, http.MethodDelete, path, "t1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, api.repo.Get(ev.ID))

	status, resp = api.do(t, http.MethodGet, "/api/v1/scheduled-events/abc", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_EVENT_ID", errorCode(t, resp))
}

func TestListAndGroupEvents(t *testing.T) {
	api := newAPI(t, nil, true)
	api.repo.Put(testutil.NewEvent("t1", "promo", "2024-03-10", "11:00:00", "919811111111", "919822222222"))
	api.repo.Put(testutil.NewEvent("t1", "promo", "2024-03-10", "12:00:00", "919822222222", "919833333333"))

	status, resp := api.do(t, http.MethodGet, "/api/v1/scheduled-events", "t1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, dataField(t, resp, "total"))

	status, resp = api.do(t, http.MethodPost, "/api/v1/scheduled-events/group", "t1", nil)
	require.Equal(t, http.StatusOK, status)
	groups, ok := dataField(t, resp, "merged_groups").([]any)
	require.True(t, ok)
	assert.Len(t, groups, 1)
	assert.Equal(t, 1, api.repo.Len())

	status, resp = api.do(t, http.MethodPost, "/api/v1/scheduled-events/group", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "MISSING_TENANT_ID", errorCode(t, resp))
}

func TestRetryAllFailedEndpoint(t *testing.T) {
	api := newAPI(t, nil, true)
	for _, tenant := range []string{"t1", "t2"} {
		ev := testutil.NewEvent(tenant, "promo", "2024-03-11", "09:00:00")
		ev.Status = models.EventStatusFailed
		api.repo.Put(ev)
	}

	status, resp := api.do(t, http.MethodPost, "/api/v1/scheduled-events/retry-failed", "t1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, dataField(t, resp, "reset"))
	assert.Equal(t, 1, api.trigger.calls)
}

func TestSchedulerEndpoints(t *testing.T) {
	api := newAPI(t, nil, true)

	status, resp := api.do(t, http.MethodPost, "/api/v1/scheduler/scan", "", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, dataField(t, resp, "triggered"))
	assert.Equal(t, 1, api.trigger.calls)

	status, resp = api.do(t, http.MethodGet, "/api/v1/health/scheduler", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "inst-a", dataField(t, resp, "instance_id"))

	dead := newAPI(t, nil, false)
	status, _ = dead.do(t, http.MethodGet, "/api/v1/health/scheduler", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestHealthEndpoint(t *testing.T) {
	api := newAPI(t, map[string]handlers.HealthCheck{
		"database": func(context.Context) error { return nil },
	}, true)
	status, resp := api.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", dataField(t, resp, "status"))

	broken := newAPI(t, map[string]handlers.HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, true)
	status, resp = broken.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "SERVICE_UNHEALTHY", errorCode(t, resp))
}

func TestNotFoundAndMetrics(t *testing.T) {
	api := newAPI(t, nil, true)

	status, resp := api.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))

	resp2, err := api.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fastapinewone_http_requests_total")
}
