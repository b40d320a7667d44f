// Package health 运行健康检查与自动伸缩循环：
// 周期性探测每个实例、推导服务聚合状态，随后在配置的实例数边界内做伸缩决策。
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/provision"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
	"github.com/hewenyu/fleet-orchestrator/pkg/trace"
)

// Prober 定义实例健康探测能力
type Prober interface {
	// Probe 探测实例，返回nil表示实例健康
	Probe(ctx context.Context, instance *model.Instance) error
}

// Options 定义健康检查与自动伸缩参数
type Options struct {
	Interval          time.Duration // 循环间隔
	ProbeTimeout      time.Duration // 单次探测超时，超时等同于探测失败
	FailureThreshold  int           // 连续失败多少次标记实例不健康
	HistorySize       int           // 每个实例保留的探测历史条数
	ScaleUpCooldown   time.Duration // 扩容冷却时间
	ScaleDownCooldown time.Duration // 缩容冷却时间
	MetricsStaleness  time.Duration // 指标过期窗口，无新鲜采样时跳过伸缩决策
	ProvisionTimeout  time.Duration // 伸缩触发的供给调用超时
}

// Checker 实现健康检查与自动伸缩循环
type Checker struct {
	reg    registry.Registry
	prober Prober
	prov   provision.Provisioner
	logger config.Logger
	tracer *trace.Tracer
	opts   Options

	mu            sync.Mutex
	lastScaleUp   map[string]time.Time
	lastScaleDown map[string]time.Time

	now func() time.Time
}

// NewChecker 创建健康检查器
func NewChecker(reg registry.Registry, prober Prober, prov provision.Provisioner, logger config.Logger, tracer *trace.Tracer, opts Options) *Checker {
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 20
	}
	return &Checker{
		reg:           reg,
		prober:        prober,
		prov:          prov,
		logger:        logger,
		tracer:        tracer,
		opts:          opts,
		lastScaleUp:   make(map[string]time.Time),
		lastScaleDown: make(map[string]time.Time),
		now:           time.Now,
	}
}

// Run 阻塞运行循环，直到ctx取消。与部署队列处理相互独立，互不阻塞。
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick 执行一轮：先更新健康状态，再做伸缩决策
func (c *Checker) tick(ctx context.Context) {
	end := c.tracer.StartSpan("health.tick")
	defer end(nil)

	services, err := c.reg.ListServices(ctx)
	if err != nil {
		c.logger.Error("列出服务失败", zap.Error(err))
		return
	}

	for _, svc := range services {
		c.checkService(ctx, svc)
		c.autoscale(ctx, svc.ID)
	}
}

// checkService 探测服务的全部实例并推导聚合状态
func (c *Checker) checkService(ctx context.Context, svc *model.Service) {
	instances, err := c.reg.ListInstances(ctx, svc.ID)
	if err != nil {
		return
	}

	for _, inst := range instances {
		if inst.Status == model.InstanceStatusStopping {
			continue
		}
		c.checkInstance(ctx, inst)
	}

	// 重新读取以拿到探测后的状态
	instances, err = c.reg.ListInstances(ctx, svc.ID)
	if err != nil {
		return
	}

	total := 0
	healthy := 0
	for _, inst := range instances {
		if inst.Status == model.InstanceStatusStopping {
			continue
		}
		total++
		if inst.Status == model.InstanceStatusHealthy {
			healthy++
		}
	}

	status := deriveStatus(healthy, total)
	availability := 0.0
	if total > 0 {
		availability = float64(healthy) / float64(total) * 100
	}

	_ = c.reg.UpdateService(ctx, svc.ID, func(s *model.Service) {
		s.Status = status
		s.Metrics.Availability = availability
	})
}

// checkInstance 执行单次探测并更新实例健康记录
func (c *Checker) checkInstance(ctx context.Context, inst *model.Instance) {
	start := c.now()
	err := c.probe(ctx, inst)
	elapsed := c.now().Sub(start)

	result := model.CheckResult{
		Healthy:      err == nil,
		CheckedAt:    start,
		ResponseTime: elapsed,
	}

	_ = c.reg.UpdateInstance(ctx, inst.ID, func(i *model.Instance) {
		i.Health.LastCheckedAt = start
		i.Health.LastResponseTime = elapsed
		i.Health.History = append(i.Health.History, result)
		if len(i.Health.History) > c.opts.HistorySize {
			i.Health.History = i.Health.History[len(i.Health.History)-c.opts.HistorySize:]
		}

		if err == nil {
			i.Health.ConsecutiveFailures = 0
			if i.Status != model.InstanceStatusHealthy {
				i.Status = model.InstanceStatusHealthy
				if i.ReadyAt.IsZero() {
					i.ReadyAt = start
				}
			}
			return
		}

		i.Health.ConsecutiveFailures++
		if i.Health.ConsecutiveFailures >= c.opts.FailureThreshold {
			i.Status = model.InstanceStatusUnhealthy
		}
	})

	if err != nil {
		c.logger.Debug("实例探测失败",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
}

// probe 带超时执行一次探测，超时等同于探测失败
func (c *Checker) probe(ctx context.Context, inst *model.Instance) error {
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.prober.Probe(pctx, inst)
	}()

	select {
	case err := <-errCh:
		return err
	case <-pctx.Done():
		return model.NewHealthCheckTimeoutError("健康探测超时: " + inst.ID)
	}
}

// deriveStatus 由健康实例数推导服务状态：
// 零健康实例为unhealthy，全部健康为healthy，其余为degraded
func deriveStatus(healthy, total int) model.ServiceStatus {
	switch {
	case healthy == 0:
		return model.ServiceStatusUnhealthy
	case healthy == total:
		return model.ServiceStatusHealthy
	default:
		return model.ServiceStatusDegraded
	}
}
