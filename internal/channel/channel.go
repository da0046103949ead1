package channel

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity 是单个通道默认可排队的消息数量
const DefaultCapacity = 64

// Sender 是通道写端
type Sender interface {
	Send(tick uint64, payload string) bool
}

// Receiver 是通道读端
type Receiver interface {
	Drain(tick uint64) []string
}

// message 是带发送时刻戳的一条文本消息
type message struct {
	payload string
	sentAt  uint64
}

// Channel 是点对点、单向、先进先出的文本消息队列
// 在第 N 个 tick 发送的消息，最早在第 N+1 个 tick 才能被读到
type Channel struct {
	name     string
	capacity int
	mu       sync.Mutex
	queue    []message
	dropped  atomic.Uint64 // 队列满时被丢弃的消息数
	onDrop   func(name string)
}

// New 创建一个新通道，capacity <= 0 时使用默认容量
func New(name string, capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{name: name, capacity: capacity}
}

// Name 返回通道名称
func (c *Channel) Name() string { return c.name }

// OnDrop 注册消息被丢弃时的回调 (用于指标统计)
func (c *Channel) OnDrop(fn func(name string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// Send 在 tick 时刻发送一条消息
// 队列已满时丢弃新消息并返回 false (通道是有损的)
func (c *Channel) Send(tick uint64, payload string) bool {
	c.mu.Lock()
	if len(c.queue) >= c.capacity {
		fn := c.onDrop
		c.mu.Unlock()
		c.dropped.Add(1)
		if fn != nil {
			fn(c.name)
		}
		return false
	}
	c.queue = append(c.queue, message{payload: payload, sentAt: tick})
	c.mu.Unlock()
	return true
}

// Drain 取出所有在 tick 之前发送的消息，保持发送顺序
// 同一 tick 内发送的消息留在队列中，等下一个 tick 再读
func (c *Channel) Drain(tick uint64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for n < len(c.queue) && c.queue[n].sentAt < tick {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = c.queue[i].payload
	}
	rest := copy(c.queue, c.queue[n:])
	for i := rest; i < len(c.queue); i++ {
		c.queue[i] = message{}
	}
	c.queue = c.queue[:rest]
	return out
}

// Len 返回队列中尚未读取的消息数量
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Dropped 返回累计丢弃的消息数量
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}
