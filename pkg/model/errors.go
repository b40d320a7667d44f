package model

import "errors"

// OrchestratorError 定义编排操作可能返回的错误类型
type OrchestratorError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *OrchestratorError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 服务、实例或部署不存在
	ErrNotFound = iota + 1
	// ErrCircuitOpen 熔断器处于打开状态，快速失败
	ErrCircuitOpen
	// ErrProvisioningFailure 实例创建/销毁在有界重试后仍然失败
	ErrProvisioningFailure
	// ErrHealthCheckTimeout 健康探测超时，等同于探测失败
	ErrHealthCheckTimeout
	// ErrDeploymentConflict 同一服务已有未结束的部署
	ErrDeploymentConflict
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewCircuitOpenError 创建熔断器打开错误
func NewCircuitOpenError(message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    ErrCircuitOpen,
		Message: message,
	}
}

// NewProvisioningFailureError 创建实例供给失败错误
func NewProvisioningFailureError(message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    ErrProvisioningFailure,
		Message: message,
	}
}

// NewHealthCheckTimeoutError 创建健康探测超时错误
func NewHealthCheckTimeoutError(message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    ErrHealthCheckTimeout,
		Message: message,
	}
}

// NewDeploymentConflictError 创建部署冲突错误
func NewDeploymentConflictError(message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    ErrDeploymentConflict,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    ErrInternal,
		Message: message,
	}
}

// ErrorCode 返回错误对应的错误代码，支持被包装的错误，非编排错误返回0
func ErrorCode(err error) int {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return 0
}
