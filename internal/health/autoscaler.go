package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// autoscale 在健康更新之后为单个服务做一次伸缩决策。
// 每轮每个方向至多一次动作；处于冷却窗口内的动作直接跳过而不是排队。
func (c *Checker) autoscale(ctx context.Context, serviceID string) {
	svc, err := c.reg.Get(ctx, serviceID)
	if err != nil {
		return
	}
	instances, err := c.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return
	}

	live := make([]*model.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status != model.InstanceStatusStopping {
			live = append(live, inst)
		}
	}

	utilization, known := c.meanUtilization(live)
	if !known {
		// 没有新鲜采样，利用率未知，本轮跳过伸缩决策
		c.logger.Debug("指标过期，跳过伸缩决策", zap.String("service_id", serviceID))
		return
	}

	target := svc.Scaling.TargetUtilization
	count := len(live)

	switch {
	case target > 0 && utilization > target && count < svc.Scaling.MaxInstances:
		c.scaleUp(ctx, svc, utilization)
	case target > 0 && utilization < target/2 && count > svc.Scaling.MinInstances:
		c.scaleDown(ctx, svc, live, utilization)
	}
}

// meanUtilization 计算有新鲜采样实例的平均CPU与内存利用率，取较大者。
// 没有任何新鲜采样时返回known=false。
func (c *Checker) meanUtilization(instances []*model.Instance) (float64, bool) {
	now := c.now()
	var cpuSum, memSum float64
	fresh := 0
	for _, inst := range instances {
		if inst.Metrics.SampledAt.IsZero() || now.Sub(inst.Metrics.SampledAt) > c.opts.MetricsStaleness {
			continue
		}
		cpuSum += inst.Metrics.CPUPercent
		memSum += inst.Metrics.MemoryPercent
		fresh++
	}
	if fresh == 0 {
		return 0, false
	}

	meanCPU := cpuSum / float64(fresh)
	meanMem := memSum / float64(fresh)
	if meanCPU >= meanMem {
		return meanCPU, true
	}
	return meanMem, true
}

// scaleUp 增加一个实例，受扩容冷却窗口约束
func (c *Checker) scaleUp(ctx context.Context, svc *model.Service, utilization float64) {
	if !c.cooldownExpired(c.lastScaleUp, svc.ID, c.opts.ScaleUpCooldown) {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.ProvisionTimeout)
	defer cancel()

	inst, err := c.prov.CreateInstance(pctx, svc, svc.Version)
	if err != nil {
		c.logger.Error("扩容创建实例失败",
			zap.String("service_id", svc.ID),
			zap.Error(err))
		return
	}
	if err := c.reg.AddInstance(ctx, svc.ID, inst); err != nil {
		c.logger.Error("扩容注册实例失败",
			zap.String("service_id", svc.ID),
			zap.Error(err))
		return
	}

	c.markScaled(c.lastScaleUp, svc.ID)
	c.logger.Info("自动扩容",
		zap.String("service_id", svc.ID),
		zap.String("instance_id", inst.ID),
		zap.Float64("utilization", utilization),
		zap.Float64("target", svc.Scaling.TargetUtilization))
}

// scaleDown 移除利用率最低的实例，受缩容冷却窗口约束
func (c *Checker) scaleDown(ctx context.Context, svc *model.Service, live []*model.Instance, utilization float64) {
	if !c.cooldownExpired(c.lastScaleDown, svc.ID, c.opts.ScaleDownCooldown) {
		return
	}

	victim := live[0]
	for _, inst := range live[1:] {
		if inst.Utilization() < victim.Utilization() {
			victim = inst
		}
	}

	_ = c.reg.UpdateInstance(ctx, victim.ID, func(i *model.Instance) {
		i.Status = model.InstanceStatusStopping
	})

	pctx, cancel := context.WithTimeout(ctx, c.opts.ProvisionTimeout)
	defer cancel()
	if err := c.prov.DestroyInstance(pctx, victim.ID); err != nil {
		c.logger.Error("缩容销毁实例失败",
			zap.String("service_id", svc.ID),
			zap.String("instance_id", victim.ID),
			zap.Error(err))
	}
	_ = c.reg.RemoveInstance(ctx, victim.ID)

	c.markScaled(c.lastScaleDown, svc.ID)
	c.logger.Info("自动缩容",
		zap.String("service_id", svc.ID),
		zap.String("instance_id", victim.ID),
		zap.Float64("utilization", utilization),
		zap.Float64("target", svc.Scaling.TargetUtilization))
}

// cooldownExpired 判断服务在指定方向上是否已脱离冷却窗口
func (c *Checker) cooldownExpired(last map[string]time.Time, serviceID string, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, exists := last[serviceID]
	return !exists || c.now().Sub(at) >= cooldown
}

// markScaled 记录一次伸缩动作的时间
func (c *Checker) markScaled(last map[string]time.Time, serviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last[serviceID] = c.now()
}
