package model

import "time"

// ServiceRegistrationRequest 表示服务注册请求
type ServiceRegistrationRequest struct {
	Name                 string          `json:"name" validate:"required"`        // 服务名称
	Version              string          `json:"version" validate:"required"`     // 初始版本
	Category             ServiceCategory `json:"category"`                        // 服务分类
	MinInstances         int             `json:"min_instances"`                   // 最小实例数
	MaxInstances         int             `json:"max_instances"`                   // 最大实例数
	TargetUtilization    float64         `json:"target_utilization"`              // 目标利用率百分比
	HealthCheckInterval  string          `json:"health_check_interval,omitempty"` // 健康检查间隔（如 "10s"）
	HealthCheckTimeout   string          `json:"health_check_timeout,omitempty"`  // 单次探测超时（如 "2s"）
	RequiredDependencies []string        `json:"required_dependencies,omitempty"` // 必需依赖
	OptionalDependencies []string        `json:"optional_dependencies,omitempty"` // 可选依赖
}

// DeployRequest 表示部署请求
type DeployRequest struct {
	Version  string         `json:"version" validate:"required"` // 目标版本
	Strategy DeployStrategy `json:"strategy"`                    // 部署策略，默认rolling
	Replicas int            `json:"replicas"`                    // 期望实例数，0表示沿用当前实例数
}

// ScaleRequest 表示手动伸缩请求
type ScaleRequest struct {
	Replicas int `json:"replicas" validate:"required"` // 目标实例数
}

// InstanceHealth 表示单个实例的健康摘要
type InstanceHealth struct {
	InstanceID          string         `json:"instance_id"`          // 实例ID
	Address             string         `json:"address"`              // 实例地址
	Status              InstanceStatus `json:"status"`               // 实例状态
	ConsecutiveFailures int            `json:"consecutive_failures"` // 连续失败次数
	LastCheckedAt       time.Time      `json:"last_checked_at"`      // 最近探测时间
}

// HealthReport 表示服务健康查询的响应
type HealthReport struct {
	ServiceID    string           `json:"service_id"`   // 服务ID
	Status       ServiceStatus    `json:"status"`       // 聚合状态
	Availability float64          `json:"availability"` // 可用性百分比
	Instances    []InstanceHealth `json:"instances"`    // 各实例健康摘要
}

// MetricsReport 表示服务指标查询的响应
type MetricsReport struct {
	ServiceID string                     `json:"service_id"` // 服务ID
	Service   ServiceMetrics             `json:"service"`    // 服务聚合指标
	Instances map[string]InstanceMetrics `json:"instances"`  // 按实例ID的运行时指标
}

// Endpoint 表示服务发现返回的一个可路由端点
type Endpoint struct {
	InstanceID string `json:"instance_id"` // 实例ID
	Address    string `json:"address"`     // 网络地址（host:port）
	Weight     int    `json:"weight"`      // 路由权重
	Version    string `json:"version"`     // 实例版本
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
