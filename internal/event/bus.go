package event

import (
	"pick-and-place-demo/internal/types"
	"sync"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	ArmStateChanged  EventType = "ArmStateChanged"  // 机械臂状态变化
	CycleStarted     EventType = "CycleStarted"     // 锁定工件，开始抓取循环
	CycleCompleted   EventType = "CycleCompleted"   // 放料完成，循环结束
	DetectionEmitted EventType = "DetectionEmitted" // 视觉客户端发出识别结果
	DetectionAborted EventType = "DetectionAborted" // 识别重试耗尽，发出中止标记
	BeltStopped      EventType = "BeltStopped"      // 传送带停止
	BeltResumed      EventType = "BeltResumed"      // 传送带恢复
	GraspReady       EventType = "GraspReady"       // 工件到达抓取点
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type     EventType    // 事件类型
	Loop     types.LoopID // 事件来源回路
	Tick     uint64       // 事件发生的仿真 tick
	CycleID  string       // 关联的抓取循环 ID (仅机械臂事件)
	From     string       // 原状态 (仅状态变化事件)
	To       string       // 新状态 (仅状态变化事件)
	Offset   float64      // 工件横向偏移
	AngleRad float64      // 抓取角度
	Velocity float64      // 传送带速度 (仅传送带事件)
	Reason   string       // 原因说明
	Ticks    uint64       // 持续 tick 数 (仅循环完成事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 处理器异步执行，控制回路不会被阻塞在本 tick 之外
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
