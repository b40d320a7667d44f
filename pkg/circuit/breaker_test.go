package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/pkg/balancer"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("后端调用失败")

// newTestManager 构造带单个健康实例服务的熔断器管理器
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	r := registry.NewMemoryRegistry()
	ctx := context.Background()

	svc := &model.Service{
		ID:      "svc-1",
		Name:    "payments",
		Scaling: model.ScalingPolicy{MinInstances: 1, MaxInstances: 5},
	}
	require.NoError(t, r.Register(ctx, svc))
	inst := &model.Instance{ID: "inst-1", Address: "10.0.0.1:8080", Status: model.InstanceStatusHealthy}
	require.NoError(t, r.AddInstance(ctx, "svc-1", inst))

	lb, err := balancer.New(r, balancer.AlgorithmRoundRobin, 0)
	require.NoError(t, err)

	m := NewManager(Settings{
		FailureThreshold:    3,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 2,
	}, lb, config.NopLogger{})
	return m, "svc-1"
}

func failingOp(ctx context.Context, inst *model.Instance) error { return errBackend }
func okOp(ctx context.Context, inst *model.Instance) error      { return nil }

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	m, svcID := newTestManager(t)
	ctx := context.Background()

	// 连续失败3次后进入open
	for i := 0; i < 3; i++ {
		assert.Equal(t, model.CircuitClosed, m.State(svcID))
		err := m.Call(ctx, svcID, failingOp)
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, model.CircuitOpen, m.State(svcID))
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	m, svcID := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Call(ctx, svcID, failingOp)
	}
	require.Equal(t, model.CircuitOpen, m.State(svcID))

	// open状态下op不应被执行，立即返回CircuitOpen
	invoked := false
	err := m.Call(ctx, svcID, func(ctx context.Context, inst *model.Instance) error {
		invoked = true
		return nil
	})
	assert.Equal(t, model.ErrCircuitOpen, model.ErrorCode(err))
	assert.False(t, invoked, "open状态下不应执行operation")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	m, svcID := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Call(ctx, svcID, failingOp)
	}
	require.Equal(t, model.CircuitOpen, m.State(svcID))

	// 模拟resetTimeout已过
	now := time.Now()
	m.now = func() time.Time { return now.Add(31 * time.Second) }
	assert.Equal(t, model.CircuitHalfOpen, m.State(svcID))

	// 第一次试探成功后仍是half_open
	require.NoError(t, m.Call(ctx, svcID, okOp))
	assert.Equal(t, model.CircuitHalfOpen, m.State(svcID))

	// 连续成功达到halfOpenMaxRequests后回到closed
	require.NoError(t, m.Call(ctx, svcID, okOp))
	assert.Equal(t, model.CircuitClosed, m.State(svcID))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	m, svcID := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Call(ctx, svcID, failingOp)
	}

	now := time.Now()
	m.now = func() time.Time { return now.Add(31 * time.Second) }
	require.Equal(t, model.CircuitHalfOpen, m.State(svcID))

	// half_open下任何一次失败都立即回到open
	err := m.Call(ctx, svcID, failingOp)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, model.CircuitOpen, m.State(svcID))
}

func TestBreakerHalfOpenAdmissionBounded(t *testing.T) {
	m, svcID := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Call(ctx, svcID, failingOp)
	}

	now := time.Now()
	m.now = func() time.Time { return now.Add(31 * time.Second) }
	require.Equal(t, model.CircuitHalfOpen, m.State(svcID))

	// 两个试探请求在执行中挂起，占满half_open额度
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- m.Call(ctx, svcID, func(ctx context.Context, inst *model.Instance) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	// 额度用尽后第三个并发请求应被拒绝，且不执行operation
	invoked := false
	err := m.Call(ctx, svcID, func(ctx context.Context, inst *model.Instance) error {
		invoked = true
		return nil
	})
	assert.Equal(t, model.ErrCircuitOpen, model.ErrorCode(err))
	assert.False(t, invoked, "超出half_open额度的请求不应执行operation")

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	// 放行的试探全部成功后回到closed
	assert.Equal(t, model.CircuitClosed, m.State(svcID))
}

func TestBreakerCountsSelectFailure(t *testing.T) {
	r := registry.NewMemoryRegistry()
	lb, err := balancer.New(r, balancer.AlgorithmRoundRobin, 0)
	require.NoError(t, err)
	m := NewManager(Settings{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenMaxRequests: 1}, lb, config.NopLogger{})
	ctx := context.Background()

	// 服务不存在时选择实例失败，也应累计为熔断失败
	for i := 0; i < 2; i++ {
		err := m.Call(ctx, "no-such-service", okOp)
		assert.Equal(t, model.ErrNotFound, model.ErrorCode(err))
	}
	assert.Equal(t, model.CircuitOpen, m.State("no-such-service"))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	m, svcID := newTestManager(t)
	ctx := context.Background()

	// 失败2次后成功1次，失败计数归零，再失败2次不应触发熔断
	_ = m.Call(ctx, svcID, failingOp)
	_ = m.Call(ctx, svcID, failingOp)
	require.NoError(t, m.Call(ctx, svcID, okOp))
	_ = m.Call(ctx, svcID, failingOp)
	_ = m.Call(ctx, svcID, failingOp)
	assert.Equal(t, model.CircuitClosed, m.State(svcID))

	// 第三次连续失败才会打开
	_ = m.Call(ctx, svcID, failingOp)
	assert.Equal(t, model.CircuitOpen, m.State(svcID))
}
