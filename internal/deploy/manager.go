// Package deploy 执行部署策略：rolling、blue_green、canary、recreate。
// 部署经全局FIFO队列串行执行，单个部署是 pending -> deploying -> {deployed|failed}
// 的状态机，deployed/failed可按显式请求转入rollback。
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/health"
	"github.com/hewenyu/fleet-orchestrator/internal/provision"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
	"github.com/hewenyu/fleet-orchestrator/pkg/trace"
)

// Options 定义部署管理器参数
type Options struct {
	QueueSize              int           // 部署队列容量
	MaxSurge               int           // 滚动发布允许超出目标的实例数，最小为1
	MaxUnavailable         int           // 滚动发布允许同时不可用的旧实例数
	ReadinessTimeout       time.Duration // 等待单个实例就绪的最长时间
	ReadinessPoll          time.Duration // 就绪探测轮询间隔
	CanaryPercent          int           // 金丝雀实例百分比
	CanaryIterations       int           // 金丝雀分析轮次
	CanaryInterval         time.Duration // 金丝雀分析间隔
	CanarySuccessThreshold float64       // 金丝雀成功率阈值（0~1）
	ProvisionAttempts      int           // 实例创建重试次数上限
	ProvisionBackoff       time.Duration // 实例创建重试的基础退避时间（指数增长）
	ProvisionTimeout       time.Duration // 单次供给调用超时
	ProvisionRate          float64       // 每秒允许的供给操作数，<=0表示不限速
	ProvisionBurst         int           // 供给操作的突发容量
}

// CanaryAnalyzer 定义金丝雀分析能力，返回一轮分析得到的成功率（0~1）
type CanaryAnalyzer interface {
	Analyze(ctx context.Context, deployment *model.Deployment, canary []*model.Instance) (float64, error)
}

// MetricsAnalyzer 基于金丝雀实例的错误率计算成功率
type MetricsAnalyzer struct {
	Registry registry.Registry
}

// Analyze 成功率取 1 - 金丝雀实例错误率均值，没有采样时视为全部成功
func (a *MetricsAnalyzer) Analyze(ctx context.Context, deployment *model.Deployment, canary []*model.Instance) (float64, error) {
	var errorRateSum float64
	sampled := 0
	for _, inst := range canary {
		fresh, err := a.Registry.GetInstance(ctx, inst.ID)
		if err != nil {
			continue
		}
		if fresh.Metrics.SampledAt.IsZero() {
			continue
		}
		errorRateSum += fresh.Metrics.ErrorRate
		sampled++
	}
	if sampled == 0 {
		return 1.0, nil
	}
	return 1.0 - errorRateSum/float64(sampled), nil
}

// Manager 管理部署队列与部署状态
type Manager struct {
	reg      registry.Registry
	prov     provision.Provisioner
	prober   health.Prober
	analyzer CanaryAnalyzer
	logger   config.Logger
	tracer   *trace.Tracer
	opts     Options
	limiter  *rate.Limiter

	mu          sync.RWMutex
	deployments map[string]*model.Deployment
	active      map[string]string // 服务ID -> 非终态部署ID
	queue       chan string

	now func() time.Time
}

// NewManager 创建部署管理器
func NewManager(reg registry.Registry, prov provision.Provisioner, prober health.Prober, analyzer CanaryAnalyzer, logger config.Logger, tracer *trace.Tracer, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MaxSurge < 1 {
		opts.MaxSurge = 1
	}
	if opts.ProvisionAttempts < 1 {
		opts.ProvisionAttempts = 1
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 30 * time.Second
	}
	if opts.ReadinessPoll <= 0 {
		opts.ReadinessPoll = 500 * time.Millisecond
	}

	limit := rate.Inf
	if opts.ProvisionRate > 0 {
		limit = rate.Limit(opts.ProvisionRate)
	}
	burst := opts.ProvisionBurst
	if burst < 1 {
		burst = 1
	}

	return &Manager{
		reg:         reg,
		prov:        prov,
		prober:      prober,
		analyzer:    analyzer,
		logger:      logger,
		tracer:      tracer,
		opts:        opts,
		limiter:     rate.NewLimiter(limit, burst),
		deployments: make(map[string]*model.Deployment),
		active:      make(map[string]string),
		queue:       make(chan string, opts.QueueSize),
		now:         time.Now,
	}
}

// Run 阻塞运行队列处理循环，严格按入队顺序一次执行一个部署，
// 直到ctx取消；取消只在当前单元步骤完成后生效。
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.process(ctx, id)
		}
	}
}

// Deploy 为服务创建一个部署并入队，返回部署ID。
// 同一服务已有未结束的部署时立即拒绝（DeploymentConflict），不做静默排队。
func (m *Manager) Deploy(ctx context.Context, serviceID string, req model.DeployRequest) (string, error) {
	svc, err := m.reg.Get(ctx, serviceID)
	if err != nil {
		return "", err
	}
	if req.Version == "" {
		return "", model.NewInvalidArgumentError("部署版本不能为空")
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = model.StrategyRolling
	}
	switch strategy {
	case model.StrategyRolling, model.StrategyBlueGreen, model.StrategyCanary, model.StrategyRecreate:
	default:
		return "", model.NewInvalidArgumentError("不支持的部署策略: " + string(strategy))
	}

	replicas := req.Replicas
	if replicas == 0 {
		instances, err := m.reg.ListInstances(ctx, serviceID)
		if err != nil {
			return "", err
		}
		replicas = len(instances)
		if replicas == 0 {
			replicas = svc.Scaling.MinInstances
		}
	}
	if replicas < svc.Scaling.MinInstances || replicas > svc.Scaling.MaxInstances {
		return "", model.NewInvalidArgumentError(
			fmt.Sprintf("期望实例数%d超出伸缩边界[%d, %d]", replicas, svc.Scaling.MinInstances, svc.Scaling.MaxInstances))
	}

	m.mu.Lock()
	if activeID, exists := m.active[serviceID]; exists {
		m.mu.Unlock()
		return "", model.NewDeploymentConflictError(
			fmt.Sprintf("服务%s已有未结束的部署: %s", serviceID, activeID))
	}

	d := &model.Deployment{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Version:   req.Version,
		Strategy:  strategy,
		Status:    model.DeploymentStatusPending,
		Replicas:  replicas,
		CreatedAt: m.now(),
		UpdatedAt: m.now(),
	}
	d.History = append(d.History, model.DeploymentEvent{
		Status:    model.DeploymentStatusPending,
		Message:   "部署已入队",
		Timestamp: m.now(),
	})
	m.deployments[d.ID] = d
	m.active[serviceID] = d.ID

	select {
	case m.queue <- d.ID:
	default:
		delete(m.deployments, d.ID)
		delete(m.active, serviceID)
		m.mu.Unlock()
		return "", model.NewInternalError("部署队列已满")
	}
	m.mu.Unlock()

	_ = m.reg.UpdateService(ctx, serviceID, func(s *model.Service) {
		s.Strategy = strategy
		s.RolloutStatus = "pending"
	})

	m.logger.Info("部署已入队",
		zap.String("deployment_id", d.ID),
		zap.String("service_id", serviceID),
		zap.String("version", req.Version),
		zap.String("strategy", string(strategy)),
		zap.Int("replicas", replicas))
	return d.ID, nil
}

// Get 获取部署详情
func (m *Manager) Get(ctx context.Context, deploymentID string) (*model.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, exists := m.deployments[deploymentID]
	if !exists {
		return nil, model.NewNotFoundError("部署不存在: " + deploymentID)
	}
	return cloneDeployment(d), nil
}

// ListByService 获取服务的全部部署，按创建时间排列
func (m *Manager) ListByService(ctx context.Context, serviceID string) []*model.Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Deployment
	for _, d := range m.deployments {
		if d.ServiceID == serviceID {
			out = append(out, cloneDeployment(d))
		}
	}
	return out
}

// HasActive 判断服务当前是否存在未结束的部署
func (m *Manager) HasActive(serviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.active[serviceID]
	return exists
}

// Rollback 回滚一个终态部署：移除该部署版本的全部实例。
// 已部署或失败的部署才可回滚；服务上有未结束部署时拒绝。
func (m *Manager) Rollback(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	d, exists := m.deployments[deploymentID]
	if !exists {
		m.mu.Unlock()
		return model.NewNotFoundError("部署不存在: " + deploymentID)
	}
	if d.Status != model.DeploymentStatusDeployed && d.Status != model.DeploymentStatusFailed {
		m.mu.Unlock()
		return model.NewInvalidArgumentError("只有deployed或failed状态的部署可以回滚: " + string(d.Status))
	}
	if activeID, busy := m.active[d.ServiceID]; busy {
		m.mu.Unlock()
		return model.NewDeploymentConflictError(
			fmt.Sprintf("服务%s已有未结束的部署: %s", d.ServiceID, activeID))
	}
	serviceID := d.ServiceID
	version := d.Version
	m.setStatusLocked(d, model.DeploymentStatusRollback, "开始回滚，移除版本"+version+"的实例")
	m.mu.Unlock()

	end := m.tracer.StartSpan("deploy.rollback")
	defer end(map[string]string{"deployment_id": deploymentID})

	instances, err := m.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return err
	}

	removed := 0
	for _, inst := range instances {
		if inst.Version != version {
			continue
		}
		if err := m.destroyInstance(ctx, inst.ID); err != nil {
			m.appendEvent(deploymentID, model.DeploymentStatusRollback, "回滚移除实例失败: "+err.Error())
			return err
		}
		removed++
	}

	m.appendEvent(deploymentID, model.DeploymentStatusRollback,
		fmt.Sprintf("回滚完成，移除%d个实例", removed))
	m.logger.Info("部署已回滚",
		zap.String("deployment_id", deploymentID),
		zap.String("service_id", serviceID),
		zap.Int("removed", removed))
	return nil
}

// process 执行一个部署直到终态
func (m *Manager) process(ctx context.Context, deploymentID string) {
	m.mu.Lock()
	d, exists := m.deployments[deploymentID]
	if !exists {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(d, model.DeploymentStatusDeploying, "开始执行"+string(d.Strategy)+"部署")
	serviceID := d.ServiceID
	strategy := d.Strategy
	m.mu.Unlock()

	_ = m.reg.UpdateService(ctx, serviceID, func(s *model.Service) {
		s.RolloutStatus = "deploying"
	})

	end := m.tracer.StartSpan("deploy." + string(strategy))
	defer end(map[string]string{"deployment_id": deploymentID, "service_id": serviceID})

	var err error
	switch strategy {
	case model.StrategyRolling:
		err = m.rolling(ctx, deploymentID)
	case model.StrategyBlueGreen:
		err = m.blueGreen(ctx, deploymentID)
	case model.StrategyCanary:
		err = m.canary(ctx, deploymentID)
	case model.StrategyRecreate:
		err = m.recreate(ctx, deploymentID)
	}

	m.mu.Lock()
	if err != nil {
		m.setStatusLocked(d, model.DeploymentStatusFailed, err.Error())
	} else {
		m.setStatusLocked(d, model.DeploymentStatusDeployed, "部署完成")
	}
	delete(m.active, serviceID)
	version := d.Version
	m.mu.Unlock()

	if err != nil {
		_ = m.reg.UpdateService(ctx, serviceID, func(s *model.Service) {
			s.RolloutStatus = "failed"
		})
		m.logger.Error("部署失败",
			zap.String("deployment_id", deploymentID),
			zap.String("service_id", serviceID),
			zap.Error(err))
		return
	}

	_ = m.reg.UpdateService(ctx, serviceID, func(s *model.Service) {
		s.Version = version
		s.RolloutStatus = "deployed"
	})
	m.logger.Info("部署完成",
		zap.String("deployment_id", deploymentID),
		zap.String("service_id", serviceID),
		zap.String("version", version))
}

// setStatusLocked 更新部署状态并追加历史记录，调用方必须持有m.mu
func (m *Manager) setStatusLocked(d *model.Deployment, status model.DeploymentStatus, message string) {
	d.Status = status
	d.UpdatedAt = m.now()
	d.History = append(d.History, model.DeploymentEvent{
		Status:    status,
		Message:   message,
		Timestamp: m.now(),
	})
}

// appendEvent 追加一条历史记录但不改变状态
func (m *Manager) appendEvent(deploymentID string, status model.DeploymentStatus, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, exists := m.deployments[deploymentID]
	if !exists {
		return
	}
	d.UpdatedAt = m.now()
	d.History = append(d.History, model.DeploymentEvent{
		Status:    status,
		Message:   message,
		Timestamp: m.now(),
	})
}

// update 在锁内修改部署
func (m *Manager) update(deploymentID string, mutate func(*model.Deployment)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, exists := m.deployments[deploymentID]
	if !exists {
		return
	}
	mutate(d)
	d.UpdatedAt = m.now()
}

// snapshot 返回部署的当前副本
func (m *Manager) snapshot(deploymentID string) *model.Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, exists := m.deployments[deploymentID]; exists {
		return cloneDeployment(d)
	}
	return nil
}

// cloneDeployment 返回部署的深拷贝
func cloneDeployment(d *model.Deployment) *model.Deployment {
	c := *d
	c.History = append([]model.DeploymentEvent(nil), d.History...)
	if d.Canary != nil {
		canary := *d.Canary
		c.Canary = &canary
	}
	return &c
}
