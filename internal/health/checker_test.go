package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
	"github.com/hewenyu/fleet-orchestrator/pkg/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber 按实例ID返回预设的探测结果
type fakeProber struct {
	mu   sync.Mutex
	fail map[string]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{fail: make(map[string]error)}
}

func (p *fakeProber) Probe(ctx context.Context, instance *model.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail[instance.ID]
}

func (p *fakeProber) setFailure(instanceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[instanceID] = err
}

// blockingProber 阻塞到ctx超时，用于验证超时等同于失败
type blockingProber struct{}

func (blockingProber) Probe(ctx context.Context, instance *model.Instance) error {
	<-ctx.Done()
	return ctx.Err()
}

// fakeProvisioner 记录供给调用，创建的实例带递增ID
type fakeProvisioner struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	counter   int
}

func (p *fakeProvisioner) CreateInstance(ctx context.Context, service *model.Service, version string) (*model.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	id := fmt.Sprintf("prov-%d", p.counter)
	p.created = append(p.created, id)
	return &model.Instance{
		ID:      id,
		Address: fmt.Sprintf("10.9.0.%d:8080", p.counter),
		Status:  model.InstanceStatusStarting,
		Version: version,
	}, nil
}

func (p *fakeProvisioner) DestroyInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, instanceID)
	return nil
}

func defaultOptions() Options {
	return Options{
		Interval:          time.Second,
		ProbeTimeout:      50 * time.Millisecond,
		FailureThreshold:  3,
		HistorySize:       5,
		ScaleUpCooldown:   time.Minute,
		ScaleDownCooldown: time.Minute,
		MetricsStaleness:  30 * time.Second,
	}
}

// newTestChecker 构造带n个健康实例服务的检查器
func newTestChecker(t *testing.T, n int, opts Options) (*Checker, registry.Registry, *fakeProber, *fakeProvisioner) {
	t.Helper()
	r := registry.NewMemoryRegistry()
	ctx := context.Background()

	svc := &model.Service{
		ID:      "svc-1",
		Name:    "payments",
		Version: "v1",
		Scaling: model.ScalingPolicy{MinInstances: 2, MaxInstances: 10, TargetUtilization: 70},
	}
	require.NoError(t, r.Register(ctx, svc))

	for i := 0; i < n; i++ {
		inst := &model.Instance{
			ID:      fmt.Sprintf("inst-%d", i),
			Address: fmt.Sprintf("10.0.0.%d:8080", i+1),
			Status:  model.InstanceStatusHealthy,
			Version: "v1",
		}
		require.NoError(t, r.AddInstance(ctx, "svc-1", inst))
	}

	prober := newFakeProber()
	prov := &fakeProvisioner{}
	tracer := trace.NewTracer(&trace.ZapSink{Logger: config.NopLogger{}}, 16)
	t.Cleanup(tracer.Close)

	checker := NewChecker(r, prober, prov, config.NopLogger{}, tracer, opts)
	return checker, r, prober, prov
}

// setFreshMetrics 给服务的全部实例写入新鲜采样
func setFreshMetrics(t *testing.T, r registry.Registry, serviceID string, cpu, mem float64) {
	t.Helper()
	stampMetrics(t, r, serviceID, cpu, mem, time.Now())
}

// stampMetrics 给服务的全部实例写入指定采样时间的指标，
// 配合被替换的时钟使用，保证采样在该时钟下仍算新鲜
func stampMetrics(t *testing.T, r registry.Registry, serviceID string, cpu, mem float64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	instances, err := r.ListInstances(ctx, serviceID)
	require.NoError(t, err)
	for _, inst := range instances {
		require.NoError(t, r.UpdateInstance(ctx, inst.ID, func(i *model.Instance) {
			i.Metrics.CPUPercent = cpu
			i.Metrics.MemoryPercent = mem
			i.Metrics.SampledAt = at
		}))
	}
}

func TestDerivedServiceStatus(t *testing.T) {
	checker, r, prober, _ := newTestChecker(t, 3, defaultOptions())
	ctx := context.Background()

	// 全部探测成功 -> healthy
	checker.tick(ctx)
	svc, err := r.Get(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusHealthy, svc.Status)
	assert.InDelta(t, 100.0, svc.Metrics.Availability, 0.01)

	// 一个实例连续失败至阈值 -> degraded
	prober.setFailure("inst-0", errors.New("连接被拒绝"))
	for i := 0; i < 3; i++ {
		checker.tick(ctx)
	}
	svc, err = r.Get(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusDegraded, svc.Status)
	assert.InDelta(t, 200.0/3.0, svc.Metrics.Availability, 0.01)

	// 全部实例失败 -> unhealthy
	prober.setFailure("inst-1", errors.New("连接被拒绝"))
	prober.setFailure("inst-2", errors.New("连接被拒绝"))
	for i := 0; i < 3; i++ {
		checker.tick(ctx)
	}
	svc, err = r.Get(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusUnhealthy, svc.Status)
	assert.InDelta(t, 0.0, svc.Metrics.Availability, 0.01)

	// 探测恢复成功应立即回到healthy并清零失败计数
	prober.setFailure("inst-0", nil)
	prober.setFailure("inst-1", nil)
	prober.setFailure("inst-2", nil)
	checker.tick(ctx)
	svc, err = r.Get(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusHealthy, svc.Status)

	inst, err := r.GetInstance(ctx, "inst-0")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Health.ConsecutiveFailures)
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	opts := defaultOptions()
	checker, r, _, _ := newTestChecker(t, 1, opts)
	checker.prober = blockingProber{}
	ctx := context.Background()

	for i := 0; i < opts.FailureThreshold; i++ {
		checker.tick(ctx)
	}

	inst, err := r.GetInstance(ctx, "inst-0")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusUnhealthy, inst.Status, "探测超时应等同于探测失败")
	assert.Equal(t, opts.FailureThreshold, inst.Health.ConsecutiveFailures)
}

func TestHealthHistoryIsBounded(t *testing.T) {
	opts := defaultOptions()
	opts.HistorySize = 3
	checker, r, _, _ := newTestChecker(t, 1, opts)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		checker.tick(ctx)
	}

	inst, err := r.GetInstance(ctx, "inst-0")
	require.NoError(t, err)
	assert.Len(t, inst.Health.History, 3, "探测历史应保持有界")
}

func TestScaleUpWhenOverUtilized(t *testing.T) {
	// 规格示例：min=2 max=10，3个健康实例各90%CPU，目标70% -> 下一轮扩容到4
	checker, r, _, prov := newTestChecker(t, 3, defaultOptions())
	ctx := context.Background()

	setFreshMetrics(t, r, "svc-1", 90, 40)
	checker.tick(ctx)

	instances, err := r.ListInstances(ctx, "svc-1")
	require.NoError(t, err)
	assert.Len(t, instances, 4, "超出目标利用率应扩容一个实例")
	assert.Len(t, prov.created, 1)
}

func TestScaleUpRespectsCooldown(t *testing.T) {
	checker, r, _, prov := newTestChecker(t, 3, defaultOptions())
	ctx := context.Background()

	setFreshMetrics(t, r, "svc-1", 90, 40)
	checker.tick(ctx)
	require.Len(t, prov.created, 1)

	// 冷却窗口内的第二次扩容应被跳过而不是排队
	setFreshMetrics(t, r, "svc-1", 95, 40)
	checker.tick(ctx)
	assert.Len(t, prov.created, 1, "冷却窗口内不应再次扩容")

	// 冷却过期后允许再次扩容，采样时间随推进后的时钟一起前移
	later := time.Now().Add(2 * time.Minute)
	checker.now = func() time.Time { return later }
	stampMetrics(t, r, "svc-1", 95, 40, later)
	checker.tick(ctx)
	assert.Len(t, prov.created, 2)
}

func TestScaleUpRespectsMaxInstances(t *testing.T) {
	checker, r, _, prov := newTestChecker(t, 10, defaultOptions())
	ctx := context.Background()

	// 已达maxInstances，即使过载也不再扩容
	setFreshMetrics(t, r, "svc-1", 99, 99)
	checker.tick(ctx)
	assert.Empty(t, prov.created, "达到maxInstances后不应扩容")
}

func TestScaleDownRemovesLeastUtilized(t *testing.T) {
	checker, r, _, prov := newTestChecker(t, 4, defaultOptions())
	ctx := context.Background()

	// 平均利用率低于目标一半时缩容，移除利用率最低的实例
	setFreshMetrics(t, r, "svc-1", 20, 10)
	require.NoError(t, r.UpdateInstance(ctx, "inst-2", func(i *model.Instance) {
		i.Metrics.CPUPercent = 2
		i.Metrics.MemoryPercent = 1
		i.Metrics.SampledAt = time.Now()
	}))

	checker.tick(ctx)

	instances, err := r.ListInstances(ctx, "svc-1")
	require.NoError(t, err)
	assert.Len(t, instances, 3)
	require.Len(t, prov.destroyed, 1)
	assert.Equal(t, "inst-2", prov.destroyed[0], "应移除利用率最低的实例")
}

func TestScaleDownRespectsMinInstances(t *testing.T) {
	checker, r, _, prov := newTestChecker(t, 2, defaultOptions())
	ctx := context.Background()

	// 已在minInstances，利用率再低也不缩容
	setFreshMetrics(t, r, "svc-1", 5, 5)
	checker.tick(ctx)
	assert.Empty(t, prov.destroyed, "达到minInstances后不应缩容")
}

func TestAutoscaleSkipsStaleMetrics(t *testing.T) {
	checker, r, _, prov := newTestChecker(t, 3, defaultOptions())
	ctx := context.Background()

	// 采样超过过期窗口，利用率视为未知，本轮跳过伸缩
	instances, err := r.ListInstances(ctx, "svc-1")
	require.NoError(t, err)
	for _, inst := range instances {
		require.NoError(t, r.UpdateInstance(ctx, inst.ID, func(i *model.Instance) {
			i.Metrics.CPUPercent = 95
			i.Metrics.MemoryPercent = 95
			i.Metrics.SampledAt = time.Now().Add(-time.Hour)
		}))
	}

	checker.tick(ctx)
	assert.Empty(t, prov.created, "指标过期时不应做伸缩决策")
	assert.Empty(t, prov.destroyed)
}
