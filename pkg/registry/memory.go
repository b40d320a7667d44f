package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// serviceEntry 持有单个服务及其实例集，mu按服务串行化全部变更
type serviceEntry struct {
	mu        sync.Mutex
	service   *model.Service
	instances map[string]*model.Instance
}

// MemoryRegistry 是基于内存的注册表实现。
// 顶层读写锁只保护索引map，服务内容的变更由每个serviceEntry自己的锁串行化，
// 不相关服务之间的变更互不阻塞。锁的获取顺序固定为先索引锁后条目锁。
type MemoryRegistry struct {
	mu         sync.RWMutex
	services   map[string]*serviceEntry
	instanceIx map[string]string // 实例ID -> 服务ID
}

// NewMemoryRegistry 创建新的内存注册表
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services:   make(map[string]*serviceEntry),
		instanceIx: make(map[string]string),
	}
}

// Register 注册一个新服务
func (r *MemoryRegistry) Register(ctx context.Context, service *model.Service) error {
	if service == nil || service.ID == "" || service.Name == "" {
		return model.NewInvalidArgumentError("服务ID和名称不能为空")
	}
	if service.Scaling.MinInstances < 0 || service.Scaling.MaxInstances < service.Scaling.MinInstances {
		return model.NewInvalidArgumentError("伸缩边界无效: min必须>=0且max必须>=min")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[service.ID]; exists {
		return model.NewInvalidArgumentError("服务已存在: " + service.ID)
	}

	now := time.Now()
	s := cloneService(service)
	if s.Status == "" {
		s.Status = model.ServiceStatusStarting
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	r.services[service.ID] = &serviceEntry{
		service:   s,
		instances: make(map[string]*model.Instance),
	}
	return nil
}

// Deregister 注销服务及其全部实例
func (r *MemoryRegistry) Deregister(ctx context.Context, serviceID string) error {
	if serviceID == "" {
		return model.NewInvalidArgumentError("服务ID不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.services[serviceID]
	if !exists {
		return model.NewNotFoundError("服务不存在: " + serviceID)
	}

	e.mu.Lock()
	for id := range e.instances {
		delete(r.instanceIx, id)
	}
	e.mu.Unlock()

	delete(r.services, serviceID)
	return nil
}

// AddInstance 向服务添加一个实例
func (r *MemoryRegistry) AddInstance(ctx context.Context, serviceID string, instance *model.Instance) error {
	if instance == nil || instance.ID == "" || instance.Address == "" {
		return model.NewInvalidArgumentError("实例ID和地址不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.services[serviceID]
	if !exists {
		return model.NewNotFoundError("服务不存在: " + serviceID)
	}
	if _, exists := r.instanceIx[instance.ID]; exists {
		return model.NewInvalidArgumentError("实例已存在: " + instance.ID)
	}

	now := time.Now()
	inst := cloneInstance(instance)
	inst.ServiceID = serviceID
	if inst.Status == "" {
		inst.Status = model.InstanceStatusStarting
	}
	if inst.Weight <= 0 {
		inst.Weight = 1
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.service.UpdatedAt = now
	e.mu.Unlock()

	r.instanceIx[inst.ID] = serviceID
	return nil
}

// RemoveInstance 移除一个实例，实例不存在时为no-op
func (r *MemoryRegistry) RemoveInstance(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	serviceID, exists := r.instanceIx[instanceID]
	if !exists {
		return nil
	}
	delete(r.instanceIx, instanceID)

	e, exists := r.services[serviceID]
	if !exists {
		return nil
	}

	e.mu.Lock()
	delete(e.instances, instanceID)
	e.service.UpdatedAt = time.Now()
	e.mu.Unlock()
	return nil
}

// Get 获取服务详情
func (r *MemoryRegistry) Get(ctx context.Context, serviceID string) (*model.Service, error) {
	e, err := r.entry(serviceID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneService(e.service), nil
}

// GetInstance 获取实例详情
func (r *MemoryRegistry) GetInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	r.mu.RLock()
	serviceID, exists := r.instanceIx[instanceID]
	var e *serviceEntry
	if exists {
		e = r.services[serviceID]
	}
	r.mu.RUnlock()

	if e == nil {
		return nil, model.NewNotFoundError("实例不存在: " + instanceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	inst, exists := e.instances[instanceID]
	if !exists {
		return nil, model.NewNotFoundError("实例不存在: " + instanceID)
	}
	return cloneInstance(inst), nil
}

// ListByName 获取指定名称的服务列表
func (r *MemoryRegistry) ListByName(ctx context.Context, name string) ([]*model.Service, error) {
	if name == "" {
		return nil, model.NewInvalidArgumentError("服务名称不能为空")
	}

	r.mu.RLock()
	entries := make([]*serviceEntry, 0)
	for _, e := range r.services {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var services []*model.Service
	for _, e := range entries {
		e.mu.Lock()
		if e.service.Name == name {
			services = append(services, cloneService(e.service))
		}
		e.mu.Unlock()
	}

	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services, nil
}

// ListServices 获取所有服务列表
func (r *MemoryRegistry) ListServices(ctx context.Context) ([]*model.Service, error) {
	r.mu.RLock()
	entries := make([]*serviceEntry, 0, len(r.services))
	for _, e := range r.services {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	services := make([]*model.Service, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		services = append(services, cloneService(e.service))
		e.mu.Unlock()
	}

	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services, nil
}

// ListInstances 获取服务的全部实例，按实例ID排序
func (r *MemoryRegistry) ListInstances(ctx context.Context, serviceID string) ([]*model.Instance, error) {
	e, err := r.entry(serviceID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	instances := make([]*model.Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		instances = append(instances, cloneInstance(inst))
	}
	e.mu.Unlock()

	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// UpdateService 在服务锁内执行mutate修改服务
func (r *MemoryRegistry) UpdateService(ctx context.Context, serviceID string, mutate func(*model.Service)) error {
	e, err := r.entry(serviceID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(e.service)
	e.service.UpdatedAt = time.Now()
	return nil
}

// UpdateInstance 在服务锁内执行mutate修改实例
func (r *MemoryRegistry) UpdateInstance(ctx context.Context, instanceID string, mutate func(*model.Instance)) error {
	r.mu.RLock()
	serviceID, exists := r.instanceIx[instanceID]
	var e *serviceEntry
	if exists {
		e = r.services[serviceID]
	}
	r.mu.RUnlock()

	if e == nil {
		return model.NewNotFoundError("实例不存在: " + instanceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	inst, exists := e.instances[instanceID]
	if !exists {
		return model.NewNotFoundError("实例不存在: " + instanceID)
	}
	mutate(inst)
	e.service.UpdatedAt = time.Now()
	return nil
}

// entry 按服务ID查找条目
func (r *MemoryRegistry) entry(serviceID string) (*serviceEntry, error) {
	if serviceID == "" {
		return nil, model.NewInvalidArgumentError("服务ID不能为空")
	}

	r.mu.RLock()
	e, exists := r.services[serviceID]
	r.mu.RUnlock()

	if !exists {
		return nil, model.NewNotFoundError("服务不存在: " + serviceID)
	}
	return e, nil
}

// cloneService 返回服务的深拷贝
func cloneService(s *model.Service) *model.Service {
	c := *s
	c.RequiredDependencies = append([]string(nil), s.RequiredDependencies...)
	c.OptionalDependencies = append([]string(nil), s.OptionalDependencies...)
	return &c
}

// cloneInstance 返回实例的深拷贝
func cloneInstance(i *model.Instance) *model.Instance {
	c := *i
	c.Health.History = append([]model.CheckResult(nil), i.Health.History...)
	return &c
}
