package sim

import (
	"errors"
	"sync"
	"time"
)

// ErrClockStopped 表示时钟已停止，调用方应退出循环
var ErrClockStopped = errors.New("sim: clock stopped")

// Instant 是某一个 tick 的仿真时刻
type Instant struct {
	Tick    uint64
	Elapsed time.Duration // 仿真经过的时间 = Tick * 步长
}

// Clock 是共享的离散仿真时钟
// 所有参与方每轮调用一次 Advance，最后一个到达者推进 tick 并唤醒其他参与方
type Clock struct {
	mu         sync.Mutex
	cond       *sync.Cond
	step       time.Duration
	parties    int
	arrived    int
	tick       uint64
	generation uint64
	limit      uint64 // tick 上限，0 表示不限制
	stopped    bool
	hooks      []func(Instant)
}

// NewClock 创建一个步长为 step 的时钟
func NewClock(step time.Duration) *Clock {
	c := &Clock{step: step}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Step 返回基本步长
func (c *Clock) Step() time.Duration { return c.step }

// SetLimit 设置 tick 上限，超过后时钟自动停止
func (c *Clock) SetLimit(ticks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = ticks
}

// OnAdvance 注册每次推进 tick 时执行的钩子 (在时钟锁内同步执行)
// 仿真宿主用它来推进物理世界
func (c *Clock) OnAdvance(hook func(Instant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Join 增加一个参与方
func (c *Clock) Join() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parties++
}

// Leave 移除一个参与方；如果其余参与方都已到达则立即推进
func (c *Clock) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parties--
	if c.parties > 0 && c.arrived >= c.parties {
		c.release()
	}
}

// Advance 阻塞直到所有参与方都到达，返回新的时刻
func (c *Clock) Advance() (Instant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return c.now(), ErrClockStopped
	}

	gen := c.generation
	c.arrived++
	if c.arrived >= c.parties {
		c.release()
	} else {
		for gen == c.generation && !c.stopped {
			c.cond.Wait()
		}
	}

	if c.stopped {
		return c.now(), ErrClockStopped
	}
	return c.now(), nil
}

// Now 返回当前时刻
func (c *Clock) Now() Instant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// Stop 停止时钟并唤醒所有等待者
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cond.Broadcast()
}

// Stopped 判断时钟是否已停止
func (c *Clock) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// release 推进一个 tick，调用方必须持有锁
func (c *Clock) release() {
	c.arrived = 0
	if c.limit > 0 && c.tick >= c.limit {
		c.stopped = true
		c.cond.Broadcast()
		return
	}
	c.tick++
	c.generation++
	now := c.now()
	for _, hook := range c.hooks {
		hook(now)
	}
	c.cond.Broadcast()
}

func (c *Clock) now() Instant {
	return Instant{Tick: c.tick, Elapsed: time.Duration(c.tick) * c.step}
}
