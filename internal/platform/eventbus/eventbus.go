// Package eventbus 进程内事件总线，旁路分发遥测事件
package eventbus

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

var (
	instance evbus.Bus
	asyncBus *AsyncBus
	once     sync.Once
)

func ensure() {
	once.Do(func() {
		instance = evbus.New()
		asyncBus = NewAsyncBus(4)
		asyncBus.Start()
	})
}

// Get 同步事件总线实例
func Get() evbus.Bus {
	ensure()
	return instance
}

// Publish 同步发布事件
func Publish(topic string, args ...interface{}) {
	Get().Publish(topic, args...)
}

// PublishAsync 异步发布事件，队列满时丢弃
func PublishAsync(topic string, args ...interface{}) {
	ensure()
	asyncBus.Publish(topic, args...)
}

// Subscribe 订阅同步事件
func Subscribe(topic string, fn interface{}) error {
	return Get().Subscribe(topic, fn)
}

// SubscribeAsync 订阅异步通道上的事件
func SubscribeAsync(topic string, fn interface{}) error {
	ensure()
	return asyncBus.Subscribe(topic, fn)
}

// Shutdown 停止异步 worker
func Shutdown() {
	if asyncBus != nil {
		asyncBus.Stop()
	}
}
