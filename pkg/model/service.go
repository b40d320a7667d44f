package model

import "time"

// ServiceStatus 表示服务的聚合状态
type ServiceStatus string

const (
	// ServiceStatusHealthy 所有实例健康
	ServiceStatusHealthy ServiceStatus = "healthy"
	// ServiceStatusDegraded 部分实例健康
	ServiceStatusDegraded ServiceStatus = "degraded"
	// ServiceStatusUnhealthy 没有健康实例
	ServiceStatusUnhealthy ServiceStatus = "unhealthy"
	// ServiceStatusStarting 服务正在启动
	ServiceStatusStarting ServiceStatus = "starting"
	// ServiceStatusStopping 服务正在停止
	ServiceStatusStopping ServiceStatus = "stopping"
	// ServiceStatusStopped 服务已停止
	ServiceStatusStopped ServiceStatus = "stopped"
)

// ServiceCategory 表示服务分类
type ServiceCategory string

const (
	// CategoryCore 核心服务
	CategoryCore ServiceCategory = "core"
	// CategoryFeature 功能服务
	CategoryFeature ServiceCategory = "feature"
	// CategoryUtility 工具服务
	CategoryUtility ServiceCategory = "utility"
	// CategoryIntegration 集成服务
	CategoryIntegration ServiceCategory = "integration"
)

// ServiceMetrics 表示服务级别的聚合指标
type ServiceMetrics struct {
	RequestsPerSecond float64 `json:"requests_per_second"` // 每秒请求数（实例求和）
	AvgLatencyMs      float64 `json:"avg_latency_ms"`      // 平均响应延迟（毫秒）
	ErrorRate         float64 `json:"error_rate"`          // 错误率（0~1，实例均值）
	Availability      float64 `json:"availability"`        // 可用性百分比（健康实例/总实例）
}

// ScalingPolicy 表示服务的伸缩边界与目标利用率
type ScalingPolicy struct {
	MinInstances      int     `json:"min_instances"`      // 最小实例数
	MaxInstances      int     `json:"max_instances"`      // 最大实例数
	TargetUtilization float64 `json:"target_utilization"` // 目标利用率百分比（0~100）
}

// Service 表示一个逻辑服务
type Service struct {
	ID                   string          `json:"id"`                              // 服务唯一ID
	Name                 string          `json:"name"`                            // 服务名称
	Version              string          `json:"version"`                         // 当前版本
	Category             ServiceCategory `json:"category"`                        // 服务分类
	Status               ServiceStatus   `json:"status"`                          // 聚合状态（由健康检查推导）
	Scaling              ScalingPolicy   `json:"scaling"`                         // 伸缩策略
	HealthCheckInterval  time.Duration   `json:"health_check_interval"`           // 健康检查间隔
	HealthCheckTimeout   time.Duration   `json:"health_check_timeout"`            // 单次探测超时
	RequiredDependencies []string        `json:"required_dependencies,omitempty"` // 必需依赖的服务名称
	OptionalDependencies []string        `json:"optional_dependencies,omitempty"` // 可选依赖的服务名称
	Metrics              ServiceMetrics  `json:"metrics"`                         // 聚合指标
	Strategy             DeployStrategy  `json:"strategy"`                        // 当前部署策略
	RolloutStatus        string          `json:"rollout_status,omitempty"`        // 当前滚动发布状态描述
	CreatedAt            time.Time       `json:"created_at"`                      // 创建时间
	UpdatedAt            time.Time       `json:"updated_at"`                      // 最后变更时间（任何变更都会刷新）
}
