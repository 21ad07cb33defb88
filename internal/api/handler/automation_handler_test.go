package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"auto-apply-go/internal/api/handler"
	"auto-apply-go/internal/api/router"
	"auto-apply-go/internal/config"
	"auto-apply-go/internal/pipeline"
	"auto-apply-go/internal/ratelimit"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceKey = "key-alice"
	alice    = "user-alice"
	bobKey   = "key-bob"
	bob      = "user-bob"
)

type fakeRuns struct {
	mu        sync.Mutex
	startErr  error
	startID   string
	gotConfig models.AutomationConfig
	cancelErr error
	next      *time.Time
}

func (f *fakeRuns) Start(_ context.Context, _ string, cfg models.AutomationConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotConfig = cfg
	return f.startID, f.startErr
}

func (f *fakeRuns) Cancel(context.Context, string, string) error {
	return f.cancelErr
}

func (f *fakeRuns) NextAllowedTime(context.Context, string) (*time.Time, error) {
	return f.next, nil
}

type fakeStatus struct {
	statuses map[string]*types.RunStatus
}

func (f *fakeStatus) GetStatus(_ context.Context, runID string) (*types.RunStatus, error) {
	s, ok := f.statuses[runID]
	if !ok {
		return nil, types.ErrRunNotFound
	}
	return s, nil
}

type fakeStore struct {
	mu      sync.Mutex
	configs map[string]*models.AutomationConfig
	active  map[string]*models.ProcessingRun
	apps    []models.Application
}

func (f *fakeStore) GetAutomationConfig(_ context.Context, userID string) (*models.AutomationConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[userID], nil
}

func (f *fakeStore) SaveAutomationConfig(_ context.Context, cfg *models.AutomationConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cfg
	cp.UpdatedAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f.configs[cfg.UserID] = &cp
	return nil
}

func (f *fakeStore) FindActiveRun(_ context.Context, userID string) (*models.ProcessingRun, error) {
	return f.active[userID], nil
}

func (f *fakeStore) ListApplications(_ context.Context, userID string, limit, offset int) ([]models.Application, int64, error) {
	var mine []models.Application
	for _, a := range f.apps {
		if a.UserID == userID {
			mine = append(mine, a)
		}
	}
	total := int64(len(mine))
	if offset >= len(mine) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(mine) {
		end = len(mine)
	}
	return mine[offset:end], total, nil
}

type testServer struct {
	h      *server.Hertz
	runs   *fakeRuns
	status *fakeStatus
	store  *fakeStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		runs:   &fakeRuns{startID: "run-1"},
		status: &fakeStatus{statuses: map[string]*types.RunStatus{}},
		store: &fakeStore{
			configs: map[string]*models.AutomationConfig{},
			active:  map[string]*models.ProcessingRun{},
		},
	}
	defaults := config.AutomationDefaults{
		MaxApplicationsPerDay: 10,
		MinimumMatchScore:     70,
		BlacklistedCompanies:  []string{"Acme Corp"},
		AutoFollowUp:          true,
		FollowUpDelayDays:     7,
	}
	auth := config.AuthConfig{
		HeaderName: "X-API-Key",
		APIKeys:    map[string]string{aliceKey: alice, bobKey: bob},
	}
	automation := handler.NewAutomationHandler(ts.runs, ts.status, ts.store, defaults, 2*time.Second)

	ts.h = server.New(server.WithHostPorts("127.0.0.1:0"))
	router.RegisterRoutes(ts.h, auth, automation)
	return ts
}

func (ts *testServer) do(method, path, key string, body []byte) *ut.ResponseRecorder {
	headers := []ut.Header{{Key: "Content-Type", Value: "application/json"}}
	if key != "" {
		headers = append(headers, ut.Header{Key: "X-API-Key", Value: key})
	}
	var b *ut.Body
	if body != nil {
		b = &ut.Body{Body: bytes.NewReader(body), Len: len(body)}
	}
	return ut.PerformRequest(ts.h.Engine, method, path, b, headers...)
}

func decode(t *testing.T, resp *ut.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", decode(t, resp)["status"])
}

func TestAPIKeyRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/v1/automation/runs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.do(http.MethodPost, "/api/v1/automation/runs", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestStartRunAccepted(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/v1/automation/runs", aliceKey, nil)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	body := decode(t, resp)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "PROCESSING", body["status"])
	assert.Equal(t, float64(2000), body["poll_interval_ms"])

	// 未保存策略时使用默认策略
	assert.Equal(t, alice, ts.runs.gotConfig.UserID)
	assert.Equal(t, 10, ts.runs.gotConfig.MaxApplicationsPerDay)
	assert.True(t, ts.runs.gotConfig.IsBlacklisted("ACME corp"))
}

func TestStartRunUsesSavedConfig(t *testing.T) {
	ts := newTestServer(t)
	ts.store.configs[alice] = &models.AutomationConfig{UserID: alice, MaxApplicationsPerDay: 3, MinimumMatchScore: 90}

	resp := ts.do(http.MethodPost, "/api/v1/automation/runs", aliceKey, nil)
	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, 3, ts.runs.gotConfig.MaxApplicationsPerDay)
	assert.Equal(t, 90, ts.runs.gotConfig.MinimumMatchScore)
}

func TestStartRunErrorMapping(t *testing.T) {
	next := time.Now().Add(3 * time.Minute)
	cases := []struct {
		name   string
		runID  string
		err    error
		code   int
		assert func(t *testing.T, resp *ut.ResponseRecorder)
	}{
		{
			name: "冷却期内",
			err:  &ratelimit.RateLimitedError{UserID: alice, RetryAfter: 179500 * time.Millisecond, NextAllowedAt: next},
			code: http.StatusTooManyRequests,
			assert: func(t *testing.T, resp *ut.ResponseRecorder) {
				assert.Equal(t, "180", resp.Header().Get("Retry-After"))
				assert.Equal(t, float64(180), decode(t, resp)["retry_after_seconds"])
			},
		},
		{
			name: "已有运行",
			err:  &pipeline.RunError{RunID: "run-0", UserID: alice, Op: "start", BaseErr: types.ErrAlreadyProcessing},
			code: http.StatusConflict,
			assert: func(t *testing.T, resp *ut.ResponseRecorder) {
				assert.Equal(t, "run-0", decode(t, resp)["run_id"])
			},
		},
		{
			name:  "前置条件不满足",
			runID: "run-2",
			err:   &pipeline.RunError{RunID: "run-2", UserID: alice, Op: "preconditions", BaseErr: types.ErrPreconditionFailed, Detail: "job search keywords are empty"},
			code:  http.StatusUnprocessableEntity,
			assert: func(t *testing.T, resp *ut.ResponseRecorder) {
				body := decode(t, resp)
				assert.Equal(t, "run-2", body["run_id"])
				assert.Equal(t, "ERROR", body["status"])
				assert.Equal(t, "job search keywords are empty", body["error"])
			},
		},
		{
			name: "其他错误",
			err:  assert.AnError,
			code: http.StatusInternalServerError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.runs.startID = tc.runID
			ts.runs.startErr = tc.err

			resp := ts.do(http.MethodPost, "/api/v1/automation/runs", aliceKey, nil)
			require.Equal(t, tc.code, resp.Code, resp.Body.String())
			if tc.assert != nil {
				tc.assert(t, resp)
			}
		})
	}
}

func TestGetRunChecksOwnership(t *testing.T) {
	ts := newTestServer(t)
	ts.status.statuses["run-1"] = &types.RunStatus{
		RunID: "run-1", UserID: alice, Status: types.RunStateProcessing,
		Progress: 40, JobsFound: 10, JobsProcessed: 4,
	}

	resp := ts.do(http.MethodGet, "/api/v1/automation/runs/run-1", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, "PROCESSING", body["status"])
	assert.Equal(t, float64(40), body["progress"])
	assert.Equal(t, float64(2000), body["poll_interval_ms"])
	assert.Nil(t, body["estimated_end_time"])
	assert.NotContains(t, body, "UserID")

	resp = ts.do(http.MethodGet, "/api/v1/automation/runs/run-1", bobKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.do(http.MethodGet, "/api/v1/automation/runs/missing", aliceKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCurrentRun(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/v1/automation/status", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "IDLE", decode(t, resp)["status"])

	ts.store.active[alice] = &models.ProcessingRun{RunID: "run-1", UserID: alice}
	ts.status.statuses["run-1"] = &types.RunStatus{RunID: "run-1", UserID: alice, Status: types.RunStateProcessing, Progress: 10}
	resp = ts.do(http.MethodGet, "/api/v1/automation/status", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, "PROCESSING", body["status"])
	assert.Equal(t, "run-1", body["run_id"])
}

func TestCancelRunMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"成功", nil, http.StatusOK},
		{"不存在", types.ErrRunNotFound, http.StatusNotFound},
		{"已结束", &pipeline.RunError{Op: "cancel", BaseErr: types.ErrNotProcessing}, http.StatusConflict},
		{"其他错误", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.runs.cancelErr = tc.err
			resp := ts.do(http.MethodPost, "/api/v1/automation/runs/run-1/cancel", aliceKey, nil)
			assert.Equal(t, tc.code, resp.Code, resp.Body.String())
		})
	}
}

func TestCooldown(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/v1/automation/cooldown", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decode(t, resp)["can_start"])

	next := time.Now().Add(2 * time.Minute)
	ts.runs.next = &next
	resp = ts.do(http.MethodGet, "/api/v1/automation/cooldown", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, false, body["can_start"])
	assert.InDelta(t, 120, body["retry_after_seconds"], 2)
}

func TestAutomationConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/v1/automation/config", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, true, body["is_default"])
	assert.Equal(t, float64(10), body["max_applications_per_day"])

	resp = ts.do(http.MethodPut, "/api/v1/automation/config", aliceKey,
		[]byte(`{"max_applications_per_day":5,"minimum_match_score":80,"blacklisted_companies":["  Evil   Inc ","evil inc"],"auto_follow_up":false}`))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	saved := ts.store.configs[alice]
	require.NotNil(t, saved)
	assert.Equal(t, 5, saved.MaxApplicationsPerDay)
	assert.Equal(t, []string{"evil inc"}, saved.BlacklistedCompanies())

	resp = ts.do(http.MethodGet, "/api/v1/automation/config", aliceKey, nil)
	body = decode(t, resp)
	assert.Equal(t, false, body["is_default"])
	assert.Equal(t, float64(80), body["minimum_match_score"])
	assert.NotEmpty(t, body["updated_at"])
}

func TestPutConfigRejectsInvalidInput(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPut, "/api/v1/automation/config", aliceKey, []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(http.MethodPut, "/api/v1/automation/config", aliceKey, []byte(`{"max_applications_per_day":5,"minimum_match_score":101}`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(http.MethodPut, "/api/v1/automation/config", aliceKey, []byte(`{"max_applications_per_day":0,"minimum_match_score":50}`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, ts.store.configs)
}

func TestListApplications(t *testing.T) {
	ts := newTestServer(t)
	runID := "run-1"
	for i, company := range []string{"A", "B", "C"} {
		ts.store.apps = append(ts.store.apps, models.Application{
			ApplicationID:    company,
			UserID:           alice,
			RunID:            &runID,
			Company:          company,
			MatchScore:       90 - i,
			MatchReasonsJSON: models.EncodeStrings([]string{"go"}),
			Status:           models.ApplicationStatusApplied,
		})
	}
	ts.store.apps = append(ts.store.apps, models.Application{ApplicationID: "X", UserID: bob, Company: "X"})

	resp := ts.do(http.MethodGet, "/api/v1/applications?limit=2&offset=0", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, float64(3), body["total_count"])
	assert.Equal(t, float64(2), body["next_offset"])
	data, ok := body["data"].([]interface{})
	require.True(t, ok)
	require.Len(t, data, 2)
	first := data[0].(map[string]interface{})
	assert.Equal(t, "A", first["company"])
	assert.Equal(t, []interface{}{"go"}, first["match_reasons"])
}
