package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"pick-and-place-demo/internal/sim"
	"pick-and-place-demo/internal/types"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// countingLoop 在 stopAt 个 tick 后结束，stopAt 为 0 时一直运行
type countingLoop struct {
	id     types.LoopID
	stopAt uint64
	steps  atomic.Uint64
	last   atomic.Uint64
}

func (l *countingLoop) ID() types.LoopID { return l.id }

func (l *countingLoop) Step(_ context.Context, now sim.Instant) bool {
	l.steps.Add(1)
	l.last.Store(now.Tick)
	return l.stopAt > 0 && now.Tick >= l.stopAt
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("回路没有在预期时间内退出")
	}
}

func TestRunner_LoopsShareTicks(t *testing.T) {
	clock := sim.NewClock(time.Millisecond)
	clock.SetLimit(50)
	r := NewRunner(clock, discardLogger())
	a := &countingLoop{id: "A"}
	b := &countingLoop{id: "B"}
	r.Register(a)
	r.Register(b)

	r.Start(context.Background())
	waitDone(t, r.Done())

	if a.steps.Load() != 50 || b.steps.Load() != 50 {
		t.Errorf("每个回路应执行 50 步, 得到 %d / %d", a.steps.Load(), b.steps.Load())
	}
	if a.last.Load() != 50 || b.last.Load() != 50 {
		t.Errorf("最后一个 tick 应为 50, 得到 %d / %d", a.last.Load(), b.last.Load())
	}
}

func TestRunner_FinishedLoopLeavesBarrier(t *testing.T) {
	clock := sim.NewClock(time.Millisecond)
	clock.SetLimit(40)
	r := NewRunner(clock, discardLogger())
	short := &countingLoop{id: "SHORT", stopAt: 10}
	long := &countingLoop{id: "LONG"}
	r.Register(short)
	r.Register(long)

	r.Start(context.Background())
	waitDone(t, r.Done())

	if short.steps.Load() != 10 {
		t.Errorf("提前结束的回路应执行 10 步, 得到 %d", short.steps.Load())
	}
	if long.last.Load() != 40 {
		t.Errorf("其余回路应继续推进到 tick 40, 得到 %d", long.last.Load())
	}
}

func TestRunner_ContextCancelStopsClock(t *testing.T) {
	clock := sim.NewClock(time.Millisecond)
	r := NewRunner(clock, discardLogger())
	l := &countingLoop{id: "A"}
	r.Register(l)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	waitDone(t, r.Done())

	if !clock.Stopped() {
		t.Error("取消上下文后时钟应停止")
	}
	if l.steps.Load() == 0 {
		t.Error("回路应至少执行过一步")
	}
}
