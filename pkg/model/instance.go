package model

import "time"

// InstanceStatus 表示实例状态
type InstanceStatus string

const (
	// InstanceStatusHealthy 实例健康，可接收流量
	InstanceStatusHealthy InstanceStatus = "healthy"
	// InstanceStatusUnhealthy 实例不健康，不参与路由
	InstanceStatusUnhealthy InstanceStatus = "unhealthy"
	// InstanceStatusStarting 实例正在启动
	InstanceStatusStarting InstanceStatus = "starting"
	// InstanceStatusStopping 实例正在停止
	InstanceStatusStopping InstanceStatus = "stopping"
)

// CheckResult 表示一次健康探测的结果
type CheckResult struct {
	Healthy      bool          `json:"healthy"`       // 探测是否成功
	CheckedAt    time.Time     `json:"checked_at"`    // 探测时间
	ResponseTime time.Duration `json:"response_time"` // 探测响应耗时
}

// HealthRecord 表示实例的健康检查记录
type HealthRecord struct {
	LastCheckedAt       time.Time     `json:"last_checked_at"`      // 最近一次探测时间
	ConsecutiveFailures int           `json:"consecutive_failures"` // 连续失败次数
	LastResponseTime    time.Duration `json:"last_response_time"`   // 最近一次探测耗时
	History             []CheckResult `json:"history,omitempty"`    // 有界的探测历史
}

// InstanceMetrics 表示实例的运行时指标
type InstanceMetrics struct {
	CPUPercent        float64   `json:"cpu_percent"`         // CPU利用率百分比
	MemoryPercent     float64   `json:"memory_percent"`      // 内存利用率百分比
	Connections       int       `json:"connections"`         // 当前连接数
	RequestsPerSecond float64   `json:"requests_per_second"` // 每秒请求数
	ErrorRate         float64   `json:"error_rate"`          // 错误率（0~1）
	SampledAt         time.Time `json:"sampled_at"`          // 采样时间，用于判断指标是否过期
}

// Instance 表示服务的一个运行实例，始终只属于一个服务
type Instance struct {
	ID           string          `json:"id"`                 // 实例唯一ID
	ServiceID    string          `json:"service_id"`         // 所属服务ID
	Address      string          `json:"address"`            // 网络地址（host:port）
	Weight       int             `json:"weight"`             // 路由权重
	Status       InstanceStatus  `json:"status"`             // 实例状态
	Version      string          `json:"version"`            // 实例版本
	Health       HealthRecord    `json:"health"`             // 健康检查记录
	Metrics      InstanceMetrics `json:"metrics"`            // 运行时指标
	StartedAt    time.Time       `json:"started_at"`         // 启动时间
	ReadyAt      time.Time       `json:"ready_at,omitempty"` // 就绪时间
	RestartCount int             `json:"restart_count"`      // 重启次数
}

// Utilization 返回实例的综合利用率，取CPU与内存的较大值
func (i *Instance) Utilization() float64 {
	if i.Metrics.CPUPercent >= i.Metrics.MemoryPercent {
		return i.Metrics.CPUPercent
	}
	return i.Metrics.MemoryPercent
}
