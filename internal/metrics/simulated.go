package metrics

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// SimulatedFeed 生成随机游走的模拟采样，供本地运行使用。
// 每个实例的利用率在上一次采样附近小幅波动，避免伸缩决策剧烈抖动。
type SimulatedFeed struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]*Sample
}

// NewSimulatedFeed 创建模拟指标源
func NewSimulatedFeed() *SimulatedFeed {
	return &SimulatedFeed{
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		last: make(map[string]*Sample),
	}
}

// Sample 返回实例的下一个模拟采样
func (f *SimulatedFeed) Sample(ctx context.Context, instance *model.Instance) (*Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, exists := f.last[instance.ID]
	if !exists {
		prev = &Sample{
			CPUPercent:        30 + f.rng.Float64()*30,
			MemoryPercent:     30 + f.rng.Float64()*30,
			Connections:       f.rng.Intn(50),
			RequestsPerSecond: 50 + f.rng.Float64()*100,
			ErrorRate:         f.rng.Float64() * 0.02,
		}
	}

	next := &Sample{
		CPUPercent:        clamp(prev.CPUPercent+f.rng.Float64()*10-5, 0, 100),
		MemoryPercent:     clamp(prev.MemoryPercent+f.rng.Float64()*6-3, 0, 100),
		Connections:       prev.Connections + f.rng.Intn(11) - 5,
		RequestsPerSecond: clamp(prev.RequestsPerSecond+f.rng.Float64()*20-10, 0, 10000),
		ErrorRate:         clamp(prev.ErrorRate+f.rng.Float64()*0.01-0.005, 0, 1),
	}
	if next.Connections < 0 {
		next.Connections = 0
	}

	f.last[instance.ID] = next
	return next, nil
}

// clamp 把v限制在[lo, hi]区间内
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
