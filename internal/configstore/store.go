// Package configstore 持久化服务定义，进程重启后可以恢复注册表的期望状态。
// 运行时状态（实例、健康记录、指标）不持久化，重启后由供给与健康检查重建。
package configstore

import (
	"context"
	"sync"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// Store 定义服务定义的持久化能力
type Store interface {
	// SaveService 保存或覆盖一个服务定义
	SaveService(ctx context.Context, service *model.Service) error

	// DeleteService 删除一个服务定义，不存在时为no-op
	DeleteService(ctx context.Context, serviceID string) error

	// LoadServices 加载全部服务定义
	LoadServices(ctx context.Context) ([]*model.Service, error)

	// Close 释放底层资源
	Close() error
}

// MemoryStore 进程内实现，用于测试与不启用etcd的本地运行
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*model.Service
}

// NewMemoryStore 创建内存配置存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]*model.Service),
	}
}

// SaveService 保存或覆盖一个服务定义
func (s *MemoryStore) SaveService(ctx context.Context, service *model.Service) error {
	if service == nil || service.ID == "" {
		return model.NewInvalidArgumentError("服务定义无效")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *service
	s.services[service.ID] = &c
	return nil
}

// DeleteService 删除一个服务定义
func (s *MemoryStore) DeleteService(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, serviceID)
	return nil
}

// LoadServices 加载全部服务定义
func (s *MemoryStore) LoadServices(ctx context.Context) ([]*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Service, 0, len(s.services))
	for _, svc := range s.services {
		c := *svc
		out = append(out, &c)
	}
	return out, nil
}

// Close 实现Store接口
func (s *MemoryStore) Close() error {
	return nil
}
