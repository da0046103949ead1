package engine

import (
	"context"
	"log/slog"
	"sync"

	"pick-and-place-demo/internal/sim"
	"pick-and-place-demo/internal/types"
)

// Loop 是一个由共享时钟驱动的控制回路
// Step 在每个 tick 调用一次，返回 true 表示回路结束
type Loop interface {
	ID() types.LoopID
	Step(ctx context.Context, now sim.Instant) bool
}

// Runner 为每个注册的回路启动一个 goroutine，所有回路在时钟上同步推进
type Runner struct {
	clock  *sim.Clock
	loops  []Loop
	wg     sync.WaitGroup // 等待组，用于优雅停机
	done   chan struct{}
	logger *slog.Logger
}

// NewRunner 创建一个新的 Runner 实例
func NewRunner(clock *sim.Clock, logger *slog.Logger) *Runner {
	return &Runner{
		clock:  clock,
		done:   make(chan struct{}),
		logger: logger.With("component", "runner"),
	}
}

// Register 注册一个回路，必须在 Start 之前调用
func (r *Runner) Register(l Loop) {
	r.loops = append(r.loops, l)
}

// Start 启动所有回路
// ctx 取消时停止时钟，所有回路在下一次推进时退出
func (r *Runner) Start(ctx context.Context) {
	// 先全部加入屏障，避免先启动的回路独自推进
	for range r.loops {
		r.clock.Join()
	}

	for _, l := range r.loops {
		r.wg.Add(1)
		go r.run(ctx, l)
	}

	go func() {
		r.wg.Wait()
		close(r.done)
	}()

	// 监听上下文取消信号，用于优雅停机
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Info("收到停止信号，停止时钟")
			r.clock.Stop()
		case <-r.done:
		}
	}()

	r.logger.Info("控制回路已启动", "loops", len(r.loops), "step", r.clock.Step())
}

func (r *Runner) run(ctx context.Context, l Loop) {
	defer r.wg.Done()
	logger := r.logger.With("loop", l.ID())
	for {
		now, err := r.clock.Advance()
		if err != nil {
			logger.Info("时钟已停止，回路退出", "tick", now.Tick)
			return
		}
		if l.Step(ctx, now) {
			logger.Info("回路已结束", "tick", now.Tick)
			// 离开屏障，其余回路继续推进
			r.clock.Leave()
			return
		}
	}
}

// Done 返回在所有回路退出后关闭的 channel
func (r *Runner) Done() <-chan struct{} { return r.done }

// WaitForCompletion 等待所有回路退出
// 用于优雅停机
func (r *Runner) WaitForCompletion() {
	r.wg.Wait()
}
