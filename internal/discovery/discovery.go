// Package discovery 提供按服务名称的端点解析。
// 解析结果与负载均衡使用同一套健康过滤语义，保证两条路径看到一致的实例集合。
package discovery

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/pkg/balancer"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
)

// Resolver 把服务名称解析为可路由端点列表
type Resolver struct {
	reg             registry.Registry
	logger          config.Logger
	jitterThreshold int
}

// NewResolver 创建端点解析器
func NewResolver(reg registry.Registry, logger config.Logger, jitterThreshold int) *Resolver {
	return &Resolver{
		reg:             reg,
		logger:          logger,
		jitterThreshold: jitterThreshold,
	}
}

// Resolve 返回指定名称的服务当前全部可路由端点，按实例ID排序。
// 没有匹配的服务时返回NotFound；服务存在但没有健康实例时返回空列表。
func (r *Resolver) Resolve(ctx context.Context, serviceName string) ([]model.Endpoint, error) {
	if serviceName == "" {
		return nil, model.NewInvalidArgumentError("服务名称不能为空")
	}

	services, err := r.reg.ListByName(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, model.NewNotFoundError("服务不存在: " + serviceName)
	}

	endpoints := make([]model.Endpoint, 0)
	for _, svc := range services {
		instances, err := r.reg.ListInstances(ctx, svc.ID)
		if err != nil {
			continue
		}
		for _, inst := range balancer.HealthyInstances(instances, r.jitterThreshold) {
			endpoints = append(endpoints, model.Endpoint{
				InstanceID: inst.ID,
				Address:    inst.Address,
				Weight:     inst.Weight,
				Version:    inst.Version,
			})
		}
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].InstanceID < endpoints[j].InstanceID
	})

	r.logger.Debug("解析服务端点",
		zap.String("service_name", serviceName),
		zap.Int("endpoints", len(endpoints)))
	return endpoints, nil
}
