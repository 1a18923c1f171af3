package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"supportdesk/internal/config"

	"github.com/sirupsen/logrus"
)

// Dispatcher 异步投递领域事件：调用方只入队，后台 goroutine 经熔断器写入下游。
// 下游故障不会阻塞会话与消息主流程。
type Dispatcher struct {
	next    Publisher
	queue   chan Event
	breaker *CircuitBreaker
	logger  *logrus.Logger

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewDispatcher 创建异步分发器；未启用熔断时失败只计数
func NewDispatcher(next Publisher, cfg config.EventsConfig, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	d := &Dispatcher{
		next:   next,
		queue:  make(chan Event, size),
		logger: logger,
		closed: make(chan struct{}),
	}
	if cfg.CircuitBreaker.Enabled {
		d.breaker = NewCircuitBreaker(cfg.CircuitBreaker)
	}
	return d
}

// Start 启动后台投递
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Publish 入队；队列满或已关闭时丢弃并计数
func (d *Dispatcher) Publish(_ context.Context, e Event) error {
	select {
	case <-d.closed:
		d.dropped.Add(1)
		return nil
	default:
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.logger.WithField("type", e.Type).Warn("event queue full, dropping event")
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.closed:
			// 排空剩余事件
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	if d.breaker != nil && !d.breaker.Allow() {
		d.dropped.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.next.Publish(ctx, e); err != nil {
		d.failed.Add(1)
		if d.breaker != nil {
			d.breaker.OnFailure()
		}
		d.logger.WithError(err).WithField("type", e.Type).Warn("publish event failed")
		return
	}
	if d.breaker != nil {
		d.breaker.OnSuccess()
	}
	d.published.Add(1)
}

// Close 停止接收并等待队列排空
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	d.wg.Wait()
}

// Stats 分发统计
func (d *Dispatcher) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"queued":    len(d.queue),
		"published": d.published.Load(),
		"dropped":   d.dropped.Load(),
		"failed":    d.failed.Load(),
	}
	if d.breaker != nil {
		out["circuit_breaker"] = d.breaker.Stats()
	}
	return out
}
