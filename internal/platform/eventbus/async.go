package eventbus

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

// AsyncBus 带 worker 池的事件总线，发布方不被订阅者拖慢
type AsyncBus struct {
	bus      evbus.Bus
	workers  int
	events   chan asyncEvent
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type asyncEvent struct {
	topic string
	args  []interface{}
}

// NewAsyncBus 创建异步总线，workers 不大于 0 时取默认值
func NewAsyncBus(workers int) *AsyncBus {
	if workers <= 0 {
		workers = 4
	}
	return &AsyncBus{
		bus:     evbus.New(),
		workers: workers,
		events:  make(chan asyncEvent, 1024),
		stop:    make(chan struct{}),
	}
}

// Start 启动 worker 池
func (b *AsyncBus) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Stop 停止 worker 池并等待退出
func (b *AsyncBus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *AsyncBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case ev := <-b.events:
			func() {
				defer func() {
					// 订阅者 panic 不拖垮 worker
					_ = recover()
				}()
				b.bus.Publish(ev.topic, ev.args...)
			}()
		}
	}
}

// Publish 入队事件，队列满时直接丢弃
func (b *AsyncBus) Publish(topic string, args ...interface{}) {
	select {
	case b.events <- asyncEvent{topic: topic, args: args}:
	default:
	}
}

// Subscribe 订阅事件
func (b *AsyncBus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// HasCallback 是否存在订阅者
func (b *AsyncBus) HasCallback(topic string) bool {
	return b.bus.HasCallback(topic)
}
