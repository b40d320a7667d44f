// Package balancer 为具名服务在健康实例集合上做路由选择。
// 支持四种算法: round_robin、least_connections、weighted、ip_hash。
package balancer

import (
	"context"
	"hash/crc32"
	"math/rand"
	"sync"
	"time"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
)

// 支持的负载均衡算法
const (
	// AlgorithmRoundRobin 轮询：在健康集合上确定性地循环
	AlgorithmRoundRobin = "round_robin"
	// AlgorithmLeastConnections 最少连接：选择当前连接数最少的实例，同值按实例ID排序取先
	AlgorithmLeastConnections = "least_connections"
	// AlgorithmWeighted 加权：按权重比例选择，单次随机数配合累计权重扫描
	AlgorithmWeighted = "weighted"
	// AlgorithmIPHash 会话亲和：对会话key取哈希后对健康集合大小取模
	AlgorithmIPHash = "ip_hash"
)

// LoadBalancer 在注册表的健康实例上执行选择，必须支持并发调用
type LoadBalancer struct {
	reg             registry.Registry
	algorithm       string
	jitterThreshold int

	mu       sync.Mutex
	counters map[string]uint64 // 服务ID -> 轮询计数
	rng      *rand.Rand
}

// New 创建负载均衡器，算法非法时返回错误
func New(reg registry.Registry, algorithm string, jitterThreshold int) (*LoadBalancer, error) {
	switch algorithm {
	case AlgorithmRoundRobin, AlgorithmLeastConnections, AlgorithmWeighted, AlgorithmIPHash:
	default:
		return nil, model.NewInvalidArgumentError("不支持的负载均衡算法: " + algorithm)
	}

	return &LoadBalancer{
		reg:             reg,
		algorithm:       algorithm,
		jitterThreshold: jitterThreshold,
		counters:        make(map[string]uint64),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SelectInstance 为服务选择一个健康实例。
// sessionKey仅在ip_hash算法下生效；没有健康实例时返回NotFound，
// 调用方（熔断器）应将其当作一次失败而不是崩溃。
func (lb *LoadBalancer) SelectInstance(ctx context.Context, serviceID, sessionKey string) (*model.Instance, error) {
	instances, err := lb.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	healthy := HealthyInstances(instances, lb.jitterThreshold)
	if len(healthy) == 0 {
		return nil, model.NewNotFoundError("服务没有健康实例: " + serviceID)
	}

	switch lb.algorithm {
	case AlgorithmLeastConnections:
		return lb.pickLeastConnections(healthy), nil
	case AlgorithmWeighted:
		return lb.pickWeighted(healthy), nil
	case AlgorithmIPHash:
		if sessionKey != "" {
			return pickByHash(healthy, sessionKey), nil
		}
		// 没有会话key时退化为轮询
		return lb.pickRoundRobin(serviceID, healthy), nil
	default:
		return lb.pickRoundRobin(serviceID, healthy), nil
	}
}

// pickRoundRobin 以每服务计数器在健康集合上循环。
// 实例列表按ID排序，集合不变时连续调用会依次返回不同实例。
func (lb *LoadBalancer) pickRoundRobin(serviceID string, healthy []*model.Instance) *model.Instance {
	lb.mu.Lock()
	n := lb.counters[serviceID]
	lb.counters[serviceID] = n + 1
	lb.mu.Unlock()

	return healthy[n%uint64(len(healthy))]
}

// pickLeastConnections 选择连接数最少的实例，列表已按ID排序保证同值时取先
func (lb *LoadBalancer) pickLeastConnections(healthy []*model.Instance) *model.Instance {
	best := healthy[0]
	for _, inst := range healthy[1:] {
		if inst.Metrics.Connections < best.Metrics.Connections {
			best = inst
		}
	}
	return best
}

// pickWeighted 单次随机数配合累计权重扫描，权重越大被选中概率越高
func (lb *LoadBalancer) pickWeighted(healthy []*model.Instance) *model.Instance {
	totalWeight := 0
	for _, inst := range healthy {
		totalWeight += inst.Weight
	}

	lb.mu.Lock()
	r := lb.rng.Intn(totalWeight)
	lb.mu.Unlock()

	for _, inst := range healthy {
		r -= inst.Weight
		if r < 0 {
			return inst
		}
	}
	return healthy[len(healthy)-1]
}

// pickByHash 对会话key做CRC32哈希后取模，健康集合不变时同一key始终命中同一实例
func pickByHash(healthy []*model.Instance, sessionKey string) *model.Instance {
	h := crc32.ChecksumIEEE([]byte(sessionKey))
	return healthy[int(h)%len(healthy)]
}

// HealthyInstances 过滤出可参与路由的实例：状态为healthy，
// 且连续失败次数低于抖动阈值（阈值<=0时不启用该过滤）。
// 服务发现与负载均衡共用该语义。
func HealthyInstances(instances []*model.Instance, jitterThreshold int) []*model.Instance {
	healthy := make([]*model.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status != model.InstanceStatusHealthy {
			continue
		}
		if jitterThreshold > 0 && inst.Health.ConsecutiveFailures >= jitterThreshold {
			continue
		}
		healthy = append(healthy, inst)
	}
	return healthy
}
