package apihandler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/configstore"
	"github.com/hewenyu/fleet-orchestrator/internal/metrics"
	"github.com/hewenyu/fleet-orchestrator/internal/orchestrator"
	"github.com/hewenyu/fleet-orchestrator/internal/provision"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Orchestrator.LBAlgorithm = "round_robin"
	cfg.Health.Interval = 10 * time.Second
	cfg.Health.ProbeTimeout = 2 * time.Second
	cfg.Health.FailureThreshold = 3
	cfg.Circuit.FailureThreshold = 5
	cfg.Circuit.ResetTimeout = 30 * time.Second
	cfg.Circuit.HalfOpenMaxRequests = 3
	cfg.Deploy.QueueSize = 16
	cfg.Deploy.MaxSurge = 1
	cfg.Deploy.ReadinessTimeout = time.Second
	cfg.Deploy.ReadinessPoll = 10 * time.Millisecond
	cfg.Deploy.ProvisionAttempts = 3
	cfg.Deploy.ProvisionBackoff = 10 * time.Millisecond
	cfg.Metrics.Interval = 10 * time.Second
	cfg.Trace.BufferSize = 64
	cfg.API.ListenAddress = "127.0.0.1"
	cfg.API.Port = 0
	return cfg
}

func newTestHandler(t *testing.T) *EchoHandler {
	t.Helper()
	cfg := testConfig()
	logger := config.NopLogger{}
	prov := provision.NewLocalProvisioner(logger, 0)
	orch, err := orchestrator.New(cfg, logger, prov, prov, metrics.NewSimulatedFeed(), configstore.NewMemoryStore())
	require.NoError(t, err)

	h := NewAPIHandler(cfg, logger, orch)
	h.server = echo.New()
	h.server.HideBanner = true
	h.registerRoutes()
	return h
}

func doRequest(h *EchoHandler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func registerTestService(t *testing.T, h *EchoHandler) model.Service {
	t.Helper()
	rec := doRequest(h, http.MethodPost, "/services", model.ServiceRegistrationRequest{
		Name:         "payments",
		Version:      "v1",
		MinInstances: 2,
		MaxInstances: 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Code int           `json:"code"`
		Data model.Service `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.ID)
	return resp.Data
}

func TestRegisterAndGetService(t *testing.T) {
	h := newTestHandler(t)
	svc := registerTestService(t, h)

	assert.Equal(t, "payments", svc.Name)
	assert.Equal(t, 2, svc.Scaling.MinInstances)

	rec := doRequest(h, http.MethodGet, "/services/"+svc.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 注册时补齐最小实例数
	rec = doRequest(h, http.MethodGet, "/services/"+svc.ID+"/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var instResp struct {
		Data []model.Instance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &instResp))
	assert.Len(t, instResp.Data, 2)
}

func TestRegisterServiceValidation(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h, http.MethodPost, "/services", model.ServiceRegistrationRequest{Version: "v1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetServiceNotFound(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h, http.MethodGet, "/services/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployQueuesAndConflicts(t *testing.T) {
	h := newTestHandler(t)
	svc := registerTestService(t, h)

	rec := doRequest(h, http.MethodPost, "/services/"+svc.ID+"/deploy", model.DeployRequest{Version: "v2"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	deploymentID := resp.Data["deployment_id"]
	require.NotEmpty(t, deploymentID)

	// 后台循环未启动，部署停留在pending
	rec = doRequest(h, http.MethodGet, "/deployments/"+deploymentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var depResp struct {
		Data model.Deployment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &depResp))
	assert.Equal(t, model.DeploymentStatusPending, depResp.Data.Status)

	// 同一服务的并发部署被拒绝
	rec = doRequest(h, http.MethodPost, "/services/"+svc.ID+"/deploy", model.DeployRequest{Version: "v3"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScaleEndpoint(t *testing.T) {
	h := newTestHandler(t)
	svc := registerTestService(t, h)

	rec := doRequest(h, http.MethodPost, "/services/"+svc.ID+"/scale", model.ScaleRequest{Replicas: 3})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/services/"+svc.ID+"/instances", nil)
	var instResp struct {
		Data []model.Instance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &instResp))
	assert.Len(t, instResp.Data, 3)

	// 超出伸缩边界
	rec = doRequest(h, http.MethodPost, "/services/"+svc.ID+"/scale", model.ScaleRequest{Replicas: 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCircuitEndpoint(t *testing.T) {
	h := newTestHandler(t)
	svc := registerTestService(t, h)

	rec := doRequest(h, http.MethodGet, "/services/"+svc.ID+"/circuit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(model.CircuitClosed), resp.Data["state"])
}

func TestResolveEndpoint(t *testing.T) {
	h := newTestHandler(t)
	registerTestService(t, h)

	// 实例尚未就绪，端点列表为空
	rec := doRequest(h, http.MethodGet, "/discovery/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []model.Endpoint `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)

	rec = doRequest(h, http.MethodGet, "/discovery/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	h := newTestHandler(t)
	svc := registerTestService(t, h)

	rec := doRequest(h, http.MethodGet, "/services/"+svc.ID+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var healthResp struct {
		Data model.HealthReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &healthResp))
	assert.Equal(t, svc.ID, healthResp.Data.ServiceID)
	assert.Len(t, healthResp.Data.Instances, 2)

	rec = doRequest(h, http.MethodGet, "/services/"+svc.ID+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metricsResp struct {
		Data model.MetricsReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metricsResp))
	assert.Len(t, metricsResp.Data.Instances, 2)
}
