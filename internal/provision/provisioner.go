// Package provision 抽象实例的创建与销毁。
// 真实环境由外部系统提供容器或虚拟机，这里只约定能力接口；
// LocalProvisioner是进程内模拟实现，供本地运行与测试使用。
package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// Provisioner 定义实例供给能力，两个操作都可能缓慢且会失败
type Provisioner interface {
	// CreateInstance 为服务创建一个指定版本的新实例
	CreateInstance(ctx context.Context, service *model.Service, version string) (*model.Instance, error)

	// DestroyInstance 销毁一个实例
	DestroyInstance(ctx context.Context, instanceID string) error
}

// LocalProvisioner 在内存中模拟实例生命周期：
// 创建立即返回starting状态的实例，经过startupDelay后探测才会成功。
// 它同时实现健康探测接口，探测结果由模拟的就绪时间决定。
type LocalProvisioner struct {
	logger       config.Logger
	startupDelay time.Duration

	mu      sync.Mutex
	readyAt map[string]time.Time
	counter int
}

// NewLocalProvisioner 创建本地模拟供给器
func NewLocalProvisioner(logger config.Logger, startupDelay time.Duration) *LocalProvisioner {
	return &LocalProvisioner{
		logger:       logger,
		startupDelay: startupDelay,
		readyAt:      make(map[string]time.Time),
	}
}

// CreateInstance 分配一个新实例
func (p *LocalProvisioner) CreateInstance(ctx context.Context, service *model.Service, version string) (*model.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewProvisioningFailureError("实例创建被取消: " + err.Error())
	}

	p.mu.Lock()
	p.counter++
	addr := fmt.Sprintf("10.42.%d.%d:8080", p.counter/250, p.counter%250+1)
	p.mu.Unlock()

	inst := &model.Instance{
		ID:        uuid.NewString(),
		ServiceID: service.ID,
		Address:   addr,
		Weight:    1,
		Status:    model.InstanceStatusStarting,
		Version:   version,
		StartedAt: time.Now(),
	}

	p.mu.Lock()
	p.readyAt[inst.ID] = time.Now().Add(p.startupDelay)
	p.mu.Unlock()

	p.logger.Debug("创建实例",
		zap.String("service_id", service.ID),
		zap.String("instance_id", inst.ID),
		zap.String("address", addr),
		zap.String("version", version))
	return inst, nil
}

// DestroyInstance 销毁实例
func (p *LocalProvisioner) DestroyInstance(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return model.NewProvisioningFailureError("实例销毁被取消: " + err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.readyAt[instanceID]; !exists {
		return model.NewNotFoundError("实例不存在: " + instanceID)
	}
	delete(p.readyAt, instanceID)

	p.logger.Debug("销毁实例", zap.String("instance_id", instanceID))
	return nil
}

// Probe 模拟健康探测：实例存在且已过就绪时间则成功
func (p *LocalProvisioner) Probe(ctx context.Context, instance *model.Instance) error {
	if err := ctx.Err(); err != nil {
		return model.NewHealthCheckTimeoutError("健康探测超时: " + instance.ID)
	}

	p.mu.Lock()
	readyAt, exists := p.readyAt[instance.ID]
	p.mu.Unlock()

	if !exists {
		return model.NewNotFoundError("实例不存在: " + instance.ID)
	}
	if time.Now().Before(readyAt) {
		return model.NewInternalError("实例尚未就绪: " + instance.ID)
	}
	return nil
}

// MarkUnready 将实例重新标记为未就绪，仅用于模拟故障场景
func (p *LocalProvisioner) MarkUnready(instanceID string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.readyAt[instanceID]; exists {
		p.readyAt[instanceID] = until
	}
}
