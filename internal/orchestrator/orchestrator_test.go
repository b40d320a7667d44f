package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/configstore"
	"github.com/hewenyu/fleet-orchestrator/internal/metrics"
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
	return cfg
}

func TestNewRejectsUnknownLBAlgorithm(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.LBAlgorithm = "surprise"
	logger := config.NopLogger{}
	prov := provision.NewLocalProvisioner(logger, 0)

	// 配置校验失败时直接返回错误，不会留下已启动的追踪协程
	orch, err := New(cfg, logger, prov, prov, metrics.NewSimulatedFeed(), configstore.NewMemoryStore())
	assert.Nil(t, orch)
	assert.Equal(t, model.ErrInvalidArgument, model.ErrorCode(err))
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig()
	logger := config.NopLogger{}
	prov := provision.NewLocalProvisioner(logger, 0)

	orch, err := New(cfg, logger, prov, prov, metrics.NewSimulatedFeed(), configstore.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, orch.Start())

	svc, err := orch.RegisterService(context.Background(), model.ServiceRegistrationRequest{
		Name:         "payments",
		Version:      "v1",
		MinInstances: 1,
		MaxInstances: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Scaling.MinInstances)

	orch.Stop()
}
