package deploy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// checkCanceled 在单元步骤之间检查取消信号
func (m *Manager) checkCanceled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return model.NewInternalError("部署被取消: " + ctx.Err().Error())
	default:
		return nil
	}
}

// createInstance 创建一个新版本实例并注册，带限速与有界指数退避重试，
// 重试耗尽后返回ProvisioningFailure
func (m *Manager) createInstance(ctx context.Context, d *model.Deployment, svc *model.Service) (*model.Instance, error) {
	var lastErr error
	for attempt := 0; attempt < m.opts.ProvisionAttempts; attempt++ {
		if attempt > 0 {
			backoff := m.opts.ProvisionBackoff * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, model.NewInternalError("部署被取消: " + ctx.Err().Error())
			case <-timer.C:
			}
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return nil, model.NewInternalError("部署被取消: " + err.Error())
		}

		// 供给调用不继承部署的取消信号，避免实例创建中途被杀掉
		// 留下半成品，取消只在步骤边界生效
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ProvisionTimeout)
		inst, err := m.prov.CreateInstance(pctx, svc, d.Version)
		cancel()
		if err != nil {
			lastErr = err
			m.logger.Warn("实例创建失败，准备重试",
				zap.String("deployment_id", d.ID),
				zap.String("service_id", svc.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if err := m.reg.AddInstance(ctx, svc.ID, inst); err != nil {
			return nil, err
		}
		return inst, nil
	}
	return nil, model.NewProvisioningFailureError(
		fmt.Sprintf("实例创建重试%d次后仍然失败: %v", m.opts.ProvisionAttempts, lastErr))
}

// waitProbe 轮询探测实例直至成功或超出就绪时限，不修改实例状态
func (m *Manager) waitProbe(ctx context.Context, inst *model.Instance) error {
	deadline := m.now().Add(m.opts.ReadinessTimeout)
	for {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ReadinessPoll)
		err := m.prober.Probe(pctx, inst)
		cancel()
		if err == nil {
			return nil
		}
		if m.now().After(deadline) {
			return model.NewProvisioningFailureError(
				fmt.Sprintf("实例%s在%s内未就绪: %v", inst.ID, m.opts.ReadinessTimeout, err))
		}

		timer := time.NewTimer(m.opts.ReadinessPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.NewInternalError("部署被取消: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
}

// waitReady 等待实例就绪并将其标记为healthy
func (m *Manager) waitReady(ctx context.Context, inst *model.Instance) error {
	if err := m.waitProbe(ctx, inst); err != nil {
		return err
	}
	return m.markReady(ctx, inst.ID)
}

// markReady 将实例标记为healthy并记录就绪时间
func (m *Manager) markReady(ctx context.Context, instanceID string) error {
	return m.reg.UpdateInstance(ctx, instanceID, func(i *model.Instance) {
		i.Status = model.InstanceStatusHealthy
		i.ReadyAt = m.now()
	})
}

// markStopping 将实例置为stopping，使其立即退出路由
func (m *Manager) markStopping(ctx context.Context, instanceID string) error {
	return m.reg.UpdateInstance(ctx, instanceID, func(i *model.Instance) {
		i.Status = model.InstanceStatusStopping
	})
}

// releaseInstance 销毁已经退出路由的实例并注销
func (m *Manager) releaseInstance(ctx context.Context, instanceID string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return model.NewInternalError("部署被取消: " + err.Error())
	}
	if err := m.prov.DestroyInstance(ctx, instanceID); err != nil {
		return err
	}
	return m.reg.RemoveInstance(ctx, instanceID)
}

// destroyInstance 将实例置为stopping后销毁并注销
func (m *Manager) destroyInstance(ctx context.Context, instanceID string) error {
	if err := m.markStopping(ctx, instanceID); err != nil {
		return err
	}
	return m.releaseInstance(ctx, instanceID)
}

// splitByVersion 按部署版本划分实例，跳过正在停止的实例
func splitByVersion(instances []*model.Instance, version string) (current, old []*model.Instance) {
	for _, inst := range instances {
		if inst.Status == model.InstanceStatusStopping {
			continue
		}
		if inst.Version == version {
			current = append(current, inst)
		} else {
			old = append(old, inst)
		}
	}
	return current, old
}

// rolling 滚动发布：每轮最多创建MaxSurge个新实例并等待就绪，
// 再按MaxUnavailable允许的幅度移除旧实例。总实例数不会超过
// 目标数+MaxSurge，可用实例数不会低于目标数-MaxUnavailable。
func (m *Manager) rolling(ctx context.Context, deploymentID string) error {
	d := m.snapshot(deploymentID)
	svc, err := m.reg.Get(ctx, d.ServiceID)
	if err != nil {
		return err
	}

	instances, err := m.reg.ListInstances(ctx, d.ServiceID)
	if err != nil {
		return err
	}
	current, old := splitByVersion(instances, d.Version)

	ready := 0
	for _, inst := range current {
		if inst.Status == model.InstanceStatusHealthy {
			ready++
		}
	}
	updated := len(current)
	target := d.Replicas

	setProgress := func() {
		m.update(deploymentID, func(dep *model.Deployment) {
			dep.Progress = model.RolloutProgress{
				CurrentReplicas: updated + len(old),
				TargetReplicas:  target,
				ReadyReplicas:   ready,
				UpdatedReplicas: updated,
			}
		})
	}
	setProgress()

	for ready < target || len(old) > 0 {
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}

		// 先移除不再需要承载流量的旧实例，保证总数不超出目标+MaxSurge
		desiredOld := target - ready - m.opts.MaxUnavailable
		if desiredOld < 0 {
			desiredOld = 0
		}
		for len(old) > desiredOld {
			if err := m.checkCanceled(ctx); err != nil {
				return err
			}
			if err := m.destroyInstance(ctx, old[0].ID); err != nil {
				return err
			}
			old = old[1:]
			setProgress()
		}

		// 创建一批新实例并逐个等待就绪
		if ready < target {
			batch := target - ready
			if batch > m.opts.MaxSurge {
				batch = m.opts.MaxSurge
			}
			for i := 0; i < batch; i++ {
				if err := m.checkCanceled(ctx); err != nil {
					return err
				}
				inst, err := m.createInstance(ctx, d, svc)
				if err != nil {
					return err
				}
				updated++
				setProgress()
				if err := m.waitReady(ctx, inst); err != nil {
					return err
				}
				ready++
				setProgress()
			}
		}
	}
	return nil
}

// blueGreen 蓝绿发布：先创建全量新实例并等待全部就绪，
// 就绪前新实例不接收流量，之后一次性切换并移除全部旧实例。
func (m *Manager) blueGreen(ctx context.Context, deploymentID string) error {
	d := m.snapshot(deploymentID)
	svc, err := m.reg.Get(ctx, d.ServiceID)
	if err != nil {
		return err
	}

	instances, err := m.reg.ListInstances(ctx, d.ServiceID)
	if err != nil {
		return err
	}
	created, old := splitByVersion(instances, d.Version)
	target := d.Replicas

	setProgress := func(ready int) {
		m.update(deploymentID, func(dep *model.Deployment) {
			dep.Progress = model.RolloutProgress{
				CurrentReplicas: len(created) + len(old),
				TargetReplicas:  target,
				ReadyReplicas:   ready,
				UpdatedReplicas: len(created),
			}
		})
	}
	setProgress(0)

	for len(created) < target {
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}
		inst, err := m.createInstance(ctx, d, svc)
		if err != nil {
			return err
		}
		created = append(created, inst)
		setProgress(0)
	}

	// 等待绿色侧全部就绪，期间不动旧实例
	for i, inst := range created {
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}
		if err := m.waitProbe(ctx, inst); err != nil {
			return err
		}
		setProgress(i + 1)
	}

	// 切换分三步：先在注册层让全部旧实例退出路由，再让新实例接收流量，
	// 避免出现新旧版本混合承载流量的窗口，最后才做慢速销毁
	for _, inst := range old {
		if err := m.markStopping(ctx, inst.ID); err != nil {
			return err
		}
	}
	for _, inst := range created {
		if err := m.markReady(ctx, inst.ID); err != nil {
			return err
		}
	}
	for len(old) > 0 {
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}
		if err := m.releaseInstance(ctx, old[0].ID); err != nil {
			return err
		}
		old = old[1:]
	}
	setProgress(target)
	return nil
}

// canary 金丝雀发布：先发布小比例新版本实例，按固定间隔做多轮成功率分析，
// 任何一轮低于阈值则移除金丝雀子集并判定失败，全部通过后按滚动策略晋升。
func (m *Manager) canary(ctx context.Context, deploymentID string) error {
	d := m.snapshot(deploymentID)
	svc, err := m.reg.Get(ctx, d.ServiceID)
	if err != nil {
		return err
	}

	count := d.Replicas * m.opts.CanaryPercent / 100
	if count < 1 {
		count = 1
	}

	m.update(deploymentID, func(dep *model.Deployment) {
		dep.Canary = &model.CanaryState{TrafficPercent: m.opts.CanaryPercent}
	})
	m.appendEvent(deploymentID, model.DeploymentStatusDeploying,
		fmt.Sprintf("创建%d个金丝雀实例", count))

	canaries := make([]*model.Instance, 0, count)
	for len(canaries) < count {
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}
		inst, err := m.createInstance(ctx, d, svc)
		if err != nil {
			return err
		}
		if err := m.waitReady(ctx, inst); err != nil {
			return err
		}
		canaries = append(canaries, inst)
	}

	for iteration := 1; iteration <= m.opts.CanaryIterations; iteration++ {
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}

		timer := time.NewTimer(m.opts.CanaryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.NewInternalError("部署被取消: " + ctx.Err().Error())
		case <-timer.C:
		}

		snapshot := m.snapshot(deploymentID)
		successRate, analyzeErr := m.analyzer.Analyze(ctx, snapshot, canaries)
		m.update(deploymentID, func(dep *model.Deployment) {
			dep.Canary.Iteration = iteration
			dep.Canary.SuccessRate = successRate
		})
		m.appendEvent(deploymentID, model.DeploymentStatusDeploying,
			fmt.Sprintf("金丝雀分析第%d/%d轮，成功率%.4f", iteration, m.opts.CanaryIterations, successRate))

		if analyzeErr != nil || successRate < m.opts.CanarySuccessThreshold {
			// 仅移除金丝雀子集，旧版本实例原样保留
			for _, inst := range canaries {
				if err := m.destroyInstance(ctx, inst.ID); err != nil {
					m.logger.Error("移除金丝雀实例失败",
						zap.String("deployment_id", deploymentID),
						zap.String("instance_id", inst.ID),
						zap.Error(err))
				}
			}
			if analyzeErr != nil {
				return model.NewInternalError("金丝雀分析出错: " + analyzeErr.Error())
			}
			return model.NewInternalError(fmt.Sprintf("金丝雀成功率%.4f低于阈值%.4f，已移除金丝雀实例",
				successRate, m.opts.CanarySuccessThreshold))
		}
	}

	m.appendEvent(deploymentID, model.DeploymentStatusDeploying, "金丝雀分析全部通过，开始晋升")
	// 晋升复用滚动发布，已就绪的金丝雀实例计入新版本集合
	return m.rolling(ctx, deploymentID)
}

// recreate 重建发布：先销毁全部旧实例再创建新实例，期间服务不可用
func (m *Manager) recreate(ctx context.Context, deploymentID string) error {
	d := m.snapshot(deploymentID)
	svc, err := m.reg.Get(ctx, d.ServiceID)
	if err != nil {
		return err
	}

	instances, err := m.reg.ListInstances(ctx, d.ServiceID)
	if err != nil {
		return err
	}
	target := d.Replicas

	for _, inst := range instances {
		if inst.Status == model.InstanceStatusStopping {
			continue
		}
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}
		if err := m.destroyInstance(ctx, inst.ID); err != nil {
			return err
		}
	}

	ready := 0
	for ready < target {
		if err := m.checkCanceled(ctx); err != nil {
			return err
		}
		inst, err := m.createInstance(ctx, d, svc)
		if err != nil {
			return err
		}
		if err := m.waitReady(ctx, inst); err != nil {
			return err
		}
		ready++
		m.update(deploymentID, func(dep *model.Deployment) {
			dep.Progress = model.RolloutProgress{
				CurrentReplicas: ready,
				TargetReplicas:  target,
				ReadyReplicas:   ready,
				UpdatedReplicas: ready,
			}
		})
	}
	return nil
}
