package model

// CircuitState 表示熔断器状态
type CircuitState string

const (
	// CircuitClosed 正常放行
	CircuitClosed CircuitState = "closed"
	// CircuitOpen 快速失败，不再调用下游
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen 有限放行试探请求
	CircuitHalfOpen CircuitState = "half_open"
)
