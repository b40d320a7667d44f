// Package circuit 为每个服务维护一个熔断状态机，包裹经负载均衡选择的实例调用，
// 阻止请求继续压向已经劣化的服务，并通过half_open试探实现自动恢复。
package circuit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/pkg/balancer"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// Settings 定义熔断器参数
type Settings struct {
	FailureThreshold    int           // 连续失败多少次从closed进入open
	ResetTimeout        time.Duration // 最后一次失败后多久允许从open进入half_open
	HalfOpenMaxRequests int           // half_open下连续成功多少次回到closed
}

// Operation 是经熔断器保护、针对选中实例执行的调用
type Operation func(ctx context.Context, instance *model.Instance) error

// breaker 是单个服务的熔断状态机，mu串行化同一服务上的全部状态读写
type breaker struct {
	mu                  sync.Mutex
	state               model.CircuitState
	consecutiveFailures int
	lastFailureAt       time.Time
	halfOpenSuccesses   int
	halfOpenAdmitted    int
}

// Manager 按服务ID管理熔断器集合
type Manager struct {
	settings Settings
	lb       *balancer.LoadBalancer
	logger   config.Logger

	mu       sync.RWMutex
	breakers map[string]*breaker

	now func() time.Time
}

// NewManager 创建熔断器管理器
func NewManager(settings Settings, lb *balancer.LoadBalancer, logger config.Logger) *Manager {
	return &Manager{
		settings: settings,
		lb:       lb,
		breakers: make(map[string]*breaker),
		logger:   logger,
		now:      time.Now,
	}
}

// Call 在服务的熔断器保护下执行op。
// open状态下立即返回CircuitOpen，不触碰负载均衡器也不执行op；
// closed/half_open状态下先经负载均衡选择实例再执行op，
// 结果按状态机转移规则更新熔断器。负载均衡选不出实例同样计为一次失败。
func (m *Manager) Call(ctx context.Context, serviceID string, op Operation) error {
	b := m.breaker(serviceID)

	if err := m.allow(b, serviceID); err != nil {
		return err
	}

	inst, err := m.lb.SelectInstance(ctx, serviceID, "")
	if err != nil {
		m.onFailure(b, serviceID)
		return err
	}

	if err := op(ctx, inst); err != nil {
		m.onFailure(b, serviceID)
		return err
	}

	m.onSuccess(b, serviceID)
	return nil
}

// State 返回服务当前的熔断状态（会先应用open到half_open的时间转移）
func (m *Manager) State(serviceID string) model.CircuitState {
	b := m.breaker(serviceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	m.maybeHalfOpenLocked(b, serviceID)
	return b.state
}

// breaker 获取或创建服务的熔断器
func (m *Manager) breaker(serviceID string) *breaker {
	m.mu.RLock()
	b, exists := m.breakers[serviceID]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, exists = m.breakers[serviceID]; exists {
		return b
	}
	b = &breaker{state: model.CircuitClosed}
	m.breakers[serviceID] = b
	return b
}

// allow 判断当前请求是否放行，open且未到复位时间时返回CircuitOpen。
// half_open下放行的试探总数不超过halfOpenMaxRequests，超出部分同样拒绝。
func (m *Manager) allow(b *breaker, serviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m.maybeHalfOpenLocked(b, serviceID)
	switch b.state {
	case model.CircuitOpen:
		return model.NewCircuitOpenError("熔断器打开，拒绝调用服务: " + serviceID)
	case model.CircuitHalfOpen:
		if b.halfOpenAdmitted >= m.settings.HalfOpenMaxRequests {
			return model.NewCircuitOpenError("half_open试探额度已用尽，拒绝调用服务: " + serviceID)
		}
		b.halfOpenAdmitted++
	}
	return nil
}

// maybeHalfOpenLocked 在resetTimeout到期后把open转为half_open，调用方必须持有b.mu
func (m *Manager) maybeHalfOpenLocked(b *breaker, serviceID string) {
	if b.state == model.CircuitOpen && m.now().Sub(b.lastFailureAt) >= m.settings.ResetTimeout {
		b.state = model.CircuitHalfOpen
		b.halfOpenSuccesses = 0
		b.halfOpenAdmitted = 0
		m.logger.Info("熔断器进入half_open试探", zap.String("service_id", serviceID))
	}
}

// onSuccess 记录一次成功调用
func (m *Manager) onSuccess(b *breaker, serviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.CircuitHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= m.settings.HalfOpenMaxRequests {
			b.state = model.CircuitClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.halfOpenAdmitted = 0
			m.logger.Info("熔断器恢复closed", zap.String("service_id", serviceID))
		}
	default:
		b.consecutiveFailures = 0
	}
}

// onFailure 记录一次失败调用
func (m *Manager) onFailure(b *breaker, serviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = m.now()

	switch b.state {
	case model.CircuitHalfOpen:
		// half_open下任何一次失败都立即回到open
		b.state = model.CircuitOpen
		b.halfOpenSuccesses = 0
		b.halfOpenAdmitted = 0
		m.logger.Warn("half_open试探失败，熔断器重新打开", zap.String("service_id", serviceID))
	case model.CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= m.settings.FailureThreshold {
			b.state = model.CircuitOpen
			m.logger.Warn("连续失败达到阈值，熔断器打开",
				zap.String("service_id", serviceID),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
	}
}
