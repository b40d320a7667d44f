package model

import "time"

// DeployStrategy 表示部署策略
type DeployStrategy string

const (
	// StrategyRolling 滚动发布：逐步替换旧版本实例
	StrategyRolling DeployStrategy = "rolling"
	// StrategyBlueGreen 蓝绿发布：并行创建全量新版本后一次性切换
	StrategyBlueGreen DeployStrategy = "blue_green"
	// StrategyCanary 金丝雀发布：先发布小比例子集并分析后再晋升
	StrategyCanary DeployStrategy = "canary"
	// StrategyRecreate 重建发布：先删除全部旧实例再创建新实例（有停机）
	StrategyRecreate DeployStrategy = "recreate"
)

// DeploymentStatus 表示部署状态
type DeploymentStatus string

const (
	// DeploymentStatusPending 已入队等待执行
	DeploymentStatusPending DeploymentStatus = "pending"
	// DeploymentStatusDeploying 正在执行
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	// DeploymentStatusDeployed 执行成功
	DeploymentStatusDeployed DeploymentStatus = "deployed"
	// DeploymentStatusFailed 执行失败
	DeploymentStatusFailed DeploymentStatus = "failed"
	// DeploymentStatusRollback 已执行回滚
	DeploymentStatusRollback DeploymentStatus = "rollback"
)

// IsTerminal 判断部署状态是否为终态
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusDeployed || s == DeploymentStatusFailed || s == DeploymentStatusRollback
}

// RolloutProgress 表示部署的进度计数
type RolloutProgress struct {
	CurrentReplicas int `json:"current_replicas"` // 当前实例总数
	TargetReplicas  int `json:"target_replicas"`  // 目标实例数
	ReadyReplicas   int `json:"ready_replicas"`   // 新版本已就绪实例数
	UpdatedReplicas int `json:"updated_replicas"` // 新版本已创建实例数
}

// CanaryState 表示金丝雀发布的子状态
type CanaryState struct {
	TrafficPercent int     `json:"traffic_percent"` // 金丝雀流量百分比
	Iteration      int     `json:"iteration"`       // 当前分析轮次
	SuccessRate    float64 `json:"success_rate"`    // 最近一轮的成功率（0~1）
}

// DeploymentEvent 表示部署历史中的一条状态变更记录
type DeploymentEvent struct {
	Status    DeploymentStatus `json:"status"`            // 变更后的状态
	Message   string           `json:"message,omitempty"` // 变更说明或错误信息
	Timestamp time.Time        `json:"timestamp"`         // 变更时间
}

// Deployment 表示一次针对服务的部署
type Deployment struct {
	ID        string            `json:"id"`               // 部署唯一ID
	ServiceID string            `json:"service_id"`       // 目标服务ID
	Version   string            `json:"version"`          // 目标版本
	Strategy  DeployStrategy    `json:"strategy"`         // 部署策略
	Status    DeploymentStatus  `json:"status"`           // 当前状态
	Replicas  int               `json:"replicas"`         // 期望实例数
	Progress  RolloutProgress   `json:"progress"`         // 进度计数
	Canary    *CanaryState      `json:"canary,omitempty"` // 金丝雀子状态（仅canary策略）
	History   []DeploymentEvent `json:"history"`          // 按时间排列的状态变更历史
	CreatedAt time.Time         `json:"created_at"`       // 创建时间
	UpdatedAt time.Time         `json:"updated_at"`       // 最后变更时间
}
