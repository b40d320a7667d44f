// Package trace 为编排决策记录span时序，尽力而为：
// 记录失败或缓冲区写满都不会影响被追踪的操作本身。
package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
)

// SpanRecord 表示一条span记录
type SpanRecord struct {
	Operation string            // 操作名称
	Duration  time.Duration     // 操作耗时
	Metadata  map[string]string // 附加元数据
	StartedAt time.Time         // 操作开始时间
}

// Sink 定义span的接收端
type Sink interface {
	// RecordSpan 接收一条span记录
	RecordSpan(record SpanRecord)
}

// ZapSink 把span以Debug级别写入日志
type ZapSink struct {
	Logger config.Logger
}

// RecordSpan 记录span到日志
func (s *ZapSink) RecordSpan(record SpanRecord) {
	fields := []zap.Field{
		zap.String("operation", record.Operation),
		zap.Duration("duration", record.Duration),
		zap.Time("started_at", record.StartedAt),
	}
	for k, v := range record.Metadata {
		fields = append(fields, zap.String(k, v))
	}
	s.Logger.Debug("span", fields...)
}

// Tracer 异步转发span到sink，缓冲区写满时直接丢弃而不是阻塞调用方
type Tracer struct {
	sink    Sink
	ch      chan SpanRecord
	dropped atomic.Int64
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool

	now func() time.Time
}

// NewTracer 创建Tracer并启动后台转发协程
func NewTracer(sink Sink, bufferSize int) *Tracer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	t := &Tracer{
		sink: sink,
		ch:   make(chan SpanRecord, bufferSize),
		now:  time.Now,
	}
	t.wg.Add(1)
	go t.forward()
	return t
}

// forward 消费缓冲区并投递到sink，sink的panic被吞掉以保证尽力而为语义
func (t *Tracer) forward() {
	defer t.wg.Done()
	for record := range t.ch {
		func() {
			defer func() { _ = recover() }()
			t.sink.RecordSpan(record)
		}()
	}
}

// RecordSpan 非阻塞地提交一条span，缓冲区写满时丢弃
func (t *Tracer) RecordSpan(operation string, duration time.Duration, metadata map[string]string) {
	record := SpanRecord{
		Operation: operation,
		Duration:  duration,
		Metadata:  metadata,
		StartedAt: t.now().Add(-duration),
	}

	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		t.dropped.Add(1)
		return
	}

	select {
	case t.ch <- record:
	default:
		t.dropped.Add(1)
	}
}

// StartSpan 开始一个span，返回的函数在操作结束时调用以提交记录
func (t *Tracer) StartSpan(operation string) func(metadata map[string]string) {
	start := t.now()
	return func(metadata map[string]string) {
		t.RecordSpan(operation, t.now().Sub(start), metadata)
	}
}

// Dropped 返回因缓冲区写满而被丢弃的span数量
func (t *Tracer) Dropped() int64 {
	return t.dropped.Load()
}

// Close 关闭Tracer并等待缓冲区中剩余的span投递完成
func (t *Tracer) Close() {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.closeMu.Unlock()

	t.wg.Wait()
}
