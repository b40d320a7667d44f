// Package metrics 把外部指标源的每实例采样写入注册表，
// 并汇总出服务级别的聚合指标。采样缺失超过过期窗口的实例
// 会被自动伸缩循环视为利用率未知。
package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
	"github.com/hewenyu/fleet-orchestrator/pkg/registry"
	"github.com/hewenyu/fleet-orchestrator/pkg/trace"
)

// Sample 表示一个实例的一次指标采样
type Sample struct {
	CPUPercent        float64 // CPU利用率百分比
	MemoryPercent     float64 // 内存利用率百分比
	Connections       int     // 当前连接数
	RequestsPerSecond float64 // 每秒请求数
	ErrorRate         float64 // 错误率（0~1）
}

// Feed 定义指标源。生产实现对接真实采集系统，测试提供确定性的固定序列。
type Feed interface {
	// Sample 返回实例的最新采样，没有可用采样时返回错误
	Sample(ctx context.Context, instance *model.Instance) (*Sample, error)
}

// Collector 周期性地从Feed拉取采样并写回注册表
type Collector struct {
	reg      registry.Registry
	feed     Feed
	logger   config.Logger
	tracer   *trace.Tracer
	interval time.Duration

	now func() time.Time
}

// NewCollector 创建指标采集器
func NewCollector(reg registry.Registry, feed Feed, logger config.Logger, tracer *trace.Tracer, interval time.Duration) *Collector {
	return &Collector{
		reg:      reg,
		feed:     feed,
		logger:   logger,
		tracer:   tracer,
		interval: interval,
		now:      time.Now,
	}
}

// Run 阻塞运行采集循环，直到ctx取消
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect 执行一轮采集
func (c *Collector) collect(ctx context.Context) {
	end := c.tracer.StartSpan("metrics.collect")
	defer end(nil)

	services, err := c.reg.ListServices(ctx)
	if err != nil {
		c.logger.Error("列出服务失败", zap.Error(err))
		return
	}

	for _, svc := range services {
		c.collectService(ctx, svc.ID)
	}
}

// collectService 采集单个服务的全部实例并更新聚合指标
func (c *Collector) collectService(ctx context.Context, serviceID string) {
	instances, err := c.reg.ListInstances(ctx, serviceID)
	if err != nil {
		return
	}

	var (
		totalRPS     float64
		errorRateSum float64
		latencySum   time.Duration
		sampled      int
	)

	for _, inst := range instances {
		sample, err := c.feed.Sample(ctx, inst)
		if err != nil {
			// 采样缺失不是错误，实例指标保持过期状态即可
			c.logger.Debug("实例采样缺失",
				zap.String("instance_id", inst.ID),
				zap.Error(err))
			continue
		}

		now := c.now()
		_ = c.reg.UpdateInstance(ctx, inst.ID, func(i *model.Instance) {
			i.Metrics.CPUPercent = sample.CPUPercent
			i.Metrics.MemoryPercent = sample.MemoryPercent
			i.Metrics.Connections = sample.Connections
			i.Metrics.RequestsPerSecond = sample.RequestsPerSecond
			i.Metrics.ErrorRate = sample.ErrorRate
			i.Metrics.SampledAt = now
		})

		totalRPS += sample.RequestsPerSecond
		errorRateSum += sample.ErrorRate
		latencySum += inst.Health.LastResponseTime
		sampled++
	}

	if sampled == 0 {
		return
	}

	avgLatencyMs := float64(latencySum.Milliseconds()) / float64(sampled)
	avgErrorRate := errorRateSum / float64(sampled)
	_ = c.reg.UpdateService(ctx, serviceID, func(s *model.Service) {
		s.Metrics.RequestsPerSecond = totalRPS
		s.Metrics.ErrorRate = avgErrorRate
		s.Metrics.AvgLatencyMs = avgLatencyMs
	})
}
