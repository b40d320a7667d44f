package registry

import (
	"context"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// Registry 定义服务注册表接口，是服务与实例的唯一权威存储。
// 所有针对同一服务的变更都按服务串行化；读取返回副本，
// 调用方可能读到随后即被删除的实例，需要把这种情况当作可重试失败处理。
type Registry interface {
	// Register 注册一个新服务
	Register(ctx context.Context, service *model.Service) error

	// Deregister 注销服务及其全部实例
	Deregister(ctx context.Context, serviceID string) error

	// AddInstance 向服务添加一个实例
	AddInstance(ctx context.Context, serviceID string, instance *model.Instance) error

	// RemoveInstance 移除一个实例，实例不存在时为no-op
	RemoveInstance(ctx context.Context, instanceID string) error

	// Get 获取服务详情
	Get(ctx context.Context, serviceID string) (*model.Service, error)

	// GetInstance 获取实例详情
	GetInstance(ctx context.Context, instanceID string) (*model.Instance, error)

	// ListByName 获取指定名称的服务列表
	ListByName(ctx context.Context, name string) ([]*model.Service, error)

	// ListServices 获取所有服务列表
	ListServices(ctx context.Context) ([]*model.Service, error)

	// ListInstances 获取服务的全部实例，按实例ID排序
	ListInstances(ctx context.Context, serviceID string) ([]*model.Instance, error)

	// UpdateService 在服务锁内执行mutate修改服务
	UpdateService(ctx context.Context, serviceID string, mutate func(*model.Service)) error

	// UpdateInstance 在服务锁内执行mutate修改实例
	UpdateInstance(ctx context.Context, instanceID string, mutate func(*model.Instance)) error
}
