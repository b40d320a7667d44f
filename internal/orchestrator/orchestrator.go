// Package orchestrator 组装控制面的全部组件并暴露统一的编排操作。
// 三个后台循环（健康检查、部署队列、指标采集）相互独立，任意一个阻塞
// 不影响其他两个。
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/configstore"
	"github.com/hewenyu/fleet-orchestrator/internal/deploy"
	"github.com/hewenyu/fleet-orchestrator/internal/discovery"
	"github.com/hewenyu/fleet-orchestrator/internal/health"
	"github.com/hewenyu/fleet-orchestrator/internal/metrics"
	"github.com/hewenyu/fleet-orchestrator/internal/provision"
	"github.com/hewenyu/fleet-orchestrator/pkg/balancer"
	"github.com/hewenyu/fleet-orchestrator/pkg/circuit"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
	"github.com/hewenyu/fleet-orchestrator/pkg/trace"
)

// Orchestrator 是编排控制面的门面，API与DNS层只依赖它
type Orchestrator struct {
	cfg      *config.Config
	logger   config.Logger
	reg      registry.Registry
	lb       *balancer.LoadBalancer
	circuits *circuit.Manager
	checker  *health.Checker
	deployer *deploy.Manager
	resolver *discovery.Resolver
	collect  *metrics.Collector
	tracer   *trace.Tracer
	store    configstore.Store
	prov     provision.Provisioner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 按配置组装编排器
func New(cfg *config.Config, logger config.Logger, prov provision.Provisioner, prober health.Prober, feed metrics.Feed, store configstore.Store) (*Orchestrator, error) {
	reg := registry.NewMemoryRegistry()

	// 先完成配置校验，再创建带后台协程的tracer，失败路径不留泄漏
	lb, err := balancer.New(reg, cfg.Orchestrator.LBAlgorithm, cfg.Orchestrator.JitterThreshold)
	if err != nil {
		return nil, err
	}

	tracer := trace.NewTracer(&trace.ZapSink{Logger: logger}, cfg.Trace.BufferSize)

	circuits := circuit.NewManager(circuit.Settings{
		FailureThreshold:    cfg.Circuit.FailureThreshold,
		ResetTimeout:        cfg.Circuit.ResetTimeout,
		HalfOpenMaxRequests: cfg.Circuit.HalfOpenMaxRequests,
	}, lb, logger)

	checker := health.NewChecker(reg, prober, prov, logger, tracer, health.Options{
		Interval:          cfg.Health.Interval,
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		FailureThreshold:  cfg.Health.FailureThreshold,
		HistorySize:       cfg.Health.HistorySize,
		ScaleUpCooldown:   cfg.Health.ScaleUpCooldown,
		ScaleDownCooldown: cfg.Health.ScaleDownCooldown,
		MetricsStaleness:  cfg.Health.MetricsStaleness,
	})

	deployer := deploy.NewManager(reg, prov, prober, &deploy.MetricsAnalyzer{Registry: reg}, logger, tracer, deploy.Options{
		QueueSize:              cfg.Deploy.QueueSize,
		MaxSurge:               cfg.Deploy.MaxSurge,
		MaxUnavailable:         cfg.Deploy.MaxUnavailable,
		ReadinessTimeout:       cfg.Deploy.ReadinessTimeout,
		ReadinessPoll:          cfg.Deploy.ReadinessPoll,
		CanaryPercent:          cfg.Deploy.CanaryPercent,
		CanaryIterations:       cfg.Deploy.CanaryIterations,
		CanaryInterval:         cfg.Deploy.CanaryInterval,
		CanarySuccessThreshold: cfg.Deploy.CanarySuccessThreshold,
		ProvisionAttempts:      cfg.Deploy.ProvisionAttempts,
		ProvisionBackoff:       cfg.Deploy.ProvisionBackoff,
		ProvisionRate:          cfg.Deploy.ProvisionRate,
		ProvisionBurst:         cfg.Deploy.ProvisionBurst,
	})

	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		lb:       lb,
		circuits: circuits,
		checker:  checker,
		deployer: deployer,
		resolver: discovery.NewResolver(reg, logger, cfg.Orchestrator.JitterThreshold),
		collect:  metrics.NewCollector(reg, feed, logger, tracer, cfg.Metrics.Interval),
		tracer:   tracer,
		store:    store,
		prov:     prov,
	}, nil
}

// Start 恢复持久化的服务定义并启动三个后台循环
func (o *Orchestrator) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	if err := o.restoreServices(ctx); err != nil {
		cancel()
		return err
	}

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.checker.Run(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.deployer.Run(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.collect.Run(ctx)
	}()

	o.logger.Info("编排器已启动")
	return nil
}

// Stop 停止后台循环并释放资源
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.tracer.Close()
	if err := o.store.Close(); err != nil {
		o.logger.Error("关闭配置存储失败", zap.Error(err))
	}
	o.logger.Info("编排器已停止")
}

// restoreServices 从配置存储恢复服务定义并补齐最小实例数
func (o *Orchestrator) restoreServices(ctx context.Context) error {
	services, err := o.store.LoadServices(ctx)
	if err != nil {
		return fmt.Errorf("恢复服务定义失败: %w", err)
	}
	for _, svc := range services {
		svc.Status = model.ServiceStatusStarting
		if err := o.reg.Register(ctx, svc); err != nil {
			o.logger.Error("恢复服务失败",
				zap.String("service_id", svc.ID),
				zap.Error(err))
			continue
		}
		o.provisionInitial(ctx, svc)
	}
	if len(services) > 0 {
		o.logger.Info("已恢复服务定义", zap.Int("count", len(services)))
	}
	return nil
}

// RegisterService 注册一个新服务并补齐最小实例数
func (o *Orchestrator) RegisterService(ctx context.Context, req model.ServiceRegistrationRequest) (*model.Service, error) {
	if req.Name == "" || req.Version == "" {
		return nil, model.NewInvalidArgumentError("服务名称和版本不能为空")
	}

	minInstances := req.MinInstances
	if minInstances <= 0 {
		minInstances = 1
	}
	maxInstances := req.MaxInstances
	if maxInstances <= 0 {
		maxInstances = minInstances
	}
	if maxInstances < minInstances {
		return nil, model.NewInvalidArgumentError("伸缩边界无效: max必须>=min")
	}
	targetUtil := req.TargetUtilization
	if targetUtil <= 0 {
		targetUtil = 70
	}

	interval, err := parseDuration(req.HealthCheckInterval, o.cfg.Health.Interval)
	if err != nil {
		return nil, model.NewInvalidArgumentError("健康检查间隔无效: " + req.HealthCheckInterval)
	}
	timeout, err := parseDuration(req.HealthCheckTimeout, o.cfg.Health.ProbeTimeout)
	if err != nil {
		return nil, model.NewInvalidArgumentError("健康探测超时无效: " + req.HealthCheckTimeout)
	}

	category := req.Category
	if category == "" {
		category = model.CategoryFeature
	}

	svc := &model.Service{
		ID:       uuid.NewString(),
		Name:     req.Name,
		Version:  req.Version,
		Category: category,
		Status:   model.ServiceStatusStarting,
		Scaling: model.ScalingPolicy{
			MinInstances:      minInstances,
			MaxInstances:      maxInstances,
			TargetUtilization: targetUtil,
		},
		HealthCheckInterval:  interval,
		HealthCheckTimeout:   timeout,
		RequiredDependencies: req.RequiredDependencies,
		OptionalDependencies: req.OptionalDependencies,
	}

	if err := o.reg.Register(ctx, svc); err != nil {
		return nil, err
	}
	if err := o.store.SaveService(ctx, svc); err != nil {
		o.logger.Error("持久化服务定义失败",
			zap.String("service_id", svc.ID),
			zap.Error(err))
	}

	o.provisionInitial(ctx, svc)

	o.logger.Info("服务已注册",
		zap.String("service_id", svc.ID),
		zap.String("name", svc.Name),
		zap.String("version", svc.Version),
		zap.Int("min_instances", minInstances))
	return o.reg.Get(ctx, svc.ID)
}

// provisionInitial 创建最小实例数的初始实例，就绪由健康检查循环推进
func (o *Orchestrator) provisionInitial(ctx context.Context, svc *model.Service) {
	for i := 0; i < svc.Scaling.MinInstances; i++ {
		inst, err := o.prov.CreateInstance(ctx, svc, svc.Version)
		if err != nil {
			o.logger.Warn("初始实例创建失败",
				zap.String("service_id", svc.ID),
				zap.Error(err))
			continue
		}
		if err := o.reg.AddInstance(ctx, svc.ID, inst); err != nil {
			o.logger.Warn("初始实例注册失败",
				zap.String("service_id", svc.ID),
				zap.String("instance_id", inst.ID),
				zap.Error(err))
		}
	}
}

// DeregisterService 注销服务：销毁全部实例并删除定义
func (o *Orchestrator) DeregisterService(ctx context.Context, serviceID string) error {
	if o.deployer.HasActive(serviceID) {
		return model.NewDeploymentConflictError("服务存在未结束的部署，无法注销: " + serviceID)
	}

	instances, err := o.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if err := o.prov.DestroyInstance(ctx, inst.ID); err != nil {
			o.logger.Warn("销毁实例失败",
				zap.String("instance_id", inst.ID),
				zap.Error(err))
		}
	}

	if err := o.reg.Deregister(ctx, serviceID); err != nil {
		return err
	}
	if err := o.store.DeleteService(ctx, serviceID); err != nil {
		o.logger.Error("删除持久化服务定义失败",
			zap.String("service_id", serviceID),
			zap.Error(err))
	}

	o.logger.Info("服务已注销", zap.String("service_id", serviceID))
	return nil
}

// GetService 获取服务详情
func (o *Orchestrator) GetService(ctx context.Context, serviceID string) (*model.Service, error) {
	return o.reg.Get(ctx, serviceID)
}

// ListServices 获取全部服务
func (o *Orchestrator) ListServices(ctx context.Context) ([]*model.Service, error) {
	return o.reg.ListServices(ctx)
}

// ListInstances 获取服务的全部实例
func (o *Orchestrator) ListInstances(ctx context.Context, serviceID string) ([]*model.Instance, error) {
	return o.reg.ListInstances(ctx, serviceID)
}

// Deploy 发起一次部署
func (o *Orchestrator) Deploy(ctx context.Context, serviceID string, req model.DeployRequest) (string, error) {
	return o.deployer.Deploy(ctx, serviceID, req)
}

// GetDeployment 获取部署详情
func (o *Orchestrator) GetDeployment(ctx context.Context, deploymentID string) (*model.Deployment, error) {
	return o.deployer.Get(ctx, deploymentID)
}

// ListDeployments 获取服务的部署历史
func (o *Orchestrator) ListDeployments(ctx context.Context, serviceID string) ([]*model.Deployment, error) {
	if _, err := o.reg.Get(ctx, serviceID); err != nil {
		return nil, err
	}
	return o.deployer.ListByService(ctx, serviceID), nil
}

// Rollback 回滚一个部署
func (o *Orchestrator) Rollback(ctx context.Context, deploymentID string) error {
	return o.deployer.Rollback(ctx, deploymentID)
}

// Scale 手动伸缩到目标实例数，目标必须在服务的伸缩边界内
func (o *Orchestrator) Scale(ctx context.Context, serviceID string, replicas int) error {
	svc, err := o.reg.Get(ctx, serviceID)
	if err != nil {
		return err
	}
	if replicas < svc.Scaling.MinInstances || replicas > svc.Scaling.MaxInstances {
		return model.NewInvalidArgumentError(
			fmt.Sprintf("目标实例数%d超出伸缩边界[%d, %d]", replicas, svc.Scaling.MinInstances, svc.Scaling.MaxInstances))
	}
	if o.deployer.HasActive(serviceID) {
		return model.NewDeploymentConflictError("服务存在未结束的部署，无法手动伸缩: " + serviceID)
	}

	instances, err := o.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return err
	}
	live := make([]*model.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status != model.InstanceStatusStopping {
			live = append(live, inst)
		}
	}

	switch {
	case len(live) < replicas:
		for i := len(live); i < replicas; i++ {
			inst, err := o.prov.CreateInstance(ctx, svc, svc.Version)
			if err != nil {
				return model.NewProvisioningFailureError("手动扩容失败: " + err.Error())
			}
			if err := o.reg.AddInstance(ctx, serviceID, inst); err != nil {
				return err
			}
		}
	case len(live) > replicas:
		// 优先移除利用率最低的实例
		for len(live) > replicas {
			victim := live[0]
			for _, inst := range live[1:] {
				if inst.Utilization() < victim.Utilization() {
					victim = inst
				}
			}
			if err := o.reg.UpdateInstance(ctx, victim.ID, func(i *model.Instance) {
				i.Status = model.InstanceStatusStopping
			}); err != nil {
				return err
			}
			if err := o.prov.DestroyInstance(ctx, victim.ID); err != nil {
				return model.NewProvisioningFailureError("手动缩容失败: " + err.Error())
			}
			if err := o.reg.RemoveInstance(ctx, victim.ID); err != nil {
				return err
			}
			remaining := live[:0]
			for _, inst := range live {
				if inst.ID != victim.ID {
					remaining = append(remaining, inst)
				}
			}
			live = remaining
		}
	}

	o.logger.Info("手动伸缩完成",
		zap.String("service_id", serviceID),
		zap.Int("replicas", replicas))
	return nil
}

// GetHealth 返回服务的健康报告
func (o *Orchestrator) GetHealth(ctx context.Context, serviceID string) (*model.HealthReport, error) {
	svc, err := o.reg.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	instances, err := o.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	report := &model.HealthReport{
		ServiceID:    serviceID,
		Status:       svc.Status,
		Availability: svc.Metrics.Availability,
		Instances:    make([]model.InstanceHealth, 0, len(instances)),
	}
	for _, inst := range instances {
		report.Instances = append(report.Instances, model.InstanceHealth{
			InstanceID:          inst.ID,
			Address:             inst.Address,
			Status:              inst.Status,
			ConsecutiveFailures: inst.Health.ConsecutiveFailures,
			LastCheckedAt:       inst.Health.LastCheckedAt,
		})
	}
	return report, nil
}

// GetMetrics 返回服务的聚合指标与各实例指标
func (o *Orchestrator) GetMetrics(ctx context.Context, serviceID string) (*model.MetricsReport, error) {
	svc, err := o.reg.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	instances, err := o.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	report := &model.MetricsReport{
		ServiceID: serviceID,
		Service:   svc.Metrics,
		Instances: make(map[string]model.InstanceMetrics, len(instances)),
	}
	for _, inst := range instances {
		report.Instances[inst.ID] = inst.Metrics
	}
	return report, nil
}

// Resolve 按名称解析服务端点
func (o *Orchestrator) Resolve(ctx context.Context, serviceName string) ([]model.Endpoint, error) {
	return o.resolver.Resolve(ctx, serviceName)
}

// Resolver 返回端点解析器，供DNS层复用
func (o *Orchestrator) Resolver() *discovery.Resolver {
	return o.resolver
}

// Call 经负载均衡与熔断器对服务实例执行一次调用
func (o *Orchestrator) Call(ctx context.Context, serviceID string, op circuit.Operation) error {
	return o.circuits.Call(ctx, serviceID, op)
}

// CircuitState 返回服务熔断器的当前状态
func (o *Orchestrator) CircuitState(serviceID string) model.CircuitState {
	return o.circuits.State(serviceID)
}

// Tracer 返回内部追踪器
func (o *Orchestrator) Tracer() *trace.Tracer {
	return o.tracer
}

// parseDuration 解析可选的时长字符串，空串返回默认值
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("时长无效: %s", s)
	}
	return d, nil
}
