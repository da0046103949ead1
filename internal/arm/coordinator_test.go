package arm

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"pick-and-place-demo/internal/channel"
	"pick-and-place-demo/internal/fsm"
	"pick-and-place-demo/internal/protocol"
	"pick-and-place-demo/internal/sim"
)

type recorder struct {
	values []float64
}

func (r *recorder) SetPosition(v float64) { r.values = append(r.values, v) }

func (r *recorder) last() float64 {
	if len(r.values) == 0 {
		return math.NaN()
	}
	return r.values[len(r.values)-1]
}

type harness struct {
	t         *testing.T
	arm       *Coordinator
	hw        map[string]*recorder
	camToArm  *channel.Channel
	convToArm *channel.Channel
	armToConv *channel.Channel
	tick      uint64
	visited   []fsm.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		hw:        make(map[string]*recorder),
		camToArm:  channel.New("cam->arm", 0),
		convToArm: channel.New("conv->arm", 0),
		armToConv: channel.New("arm->conv", 0),
	}
	rec := func(name string) *recorder {
		r := &recorder{}
		h.hw[name] = r
		return r
	}
	hw := Hardware{
		ShoulderPan:  rec(JointShoulderPan),
		ShoulderLift: rec(JointShoulderLift),
		Elbow:        rec(JointElbow),
		Wrist1:       rec(JointWrist1),
		Wrist2:       rec(JointWrist2),
		Wrist3:       rec(JointWrist3),
	}
	for i, name := range FingerJoints {
		hw.Fingers[i] = rec(name)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.arm = NewCoordinator(DefaultConfig(), hw, Links{
		CameraIn:    h.camToArm,
		ConveyorIn:  h.convToArm,
		ConveyorOut: h.armToConv,
	}, nil, logger)
	h.visited = []fsm.State{h.arm.State()}
	return h
}

func (h *harness) step() {
	h.tick++
	h.arm.Step(context.Background(), sim.Instant{Tick: h.tick})
	if s := h.arm.State(); s != h.visited[len(h.visited)-1] {
		h.visited = append(h.visited, s)
	}
}

// stepUntil 推进直到进入目标状态，返回消耗的 tick 数
func (h *harness) stepUntil(target fsm.State, limit int) int {
	h.t.Helper()
	for i := 1; i <= limit; i++ {
		h.step()
		if h.arm.State() == target {
			return i
		}
	}
	h.t.Fatalf("%d 个 tick 内未进入 %s, 当前 %s", limit, target, h.arm.State())
	return 0
}

func (h *harness) sendDetection(payload string) { h.camToArm.Send(h.tick, payload) }
func (h *harness) sendGoDown()                  { h.convToArm.Send(h.tick, protocol.TokenGraspReady) }

func TestFullCycle_EndToEnd(t *testing.T) {
	h := newHarness(t)
	home := h.arm.Snapshot().Reference

	h.sendDetection("0.0 0.25 0.0 0.4")
	h.step()
	snap := h.arm.Snapshot()
	if snap.State != fsm.StateTranslating || !snap.Record.Locked {
		t.Fatalf("收到识别结果后应锁定并进入 TRANSLATING, 得到 %s locked=%v", snap.State, snap.Record.Locked)
	}
	if snap.Record.HorizontalOffset != 0.25 || snap.Record.GraspAngleRad != 0.4 {
		t.Fatalf("识别记录错误: %+v", snap.Record)
	}

	steps := DefaultConfig().Steps
	if n := h.stepUntil(fsm.StateWaitingForDescend, 1000); n != steps+1 {
		t.Errorf("TRANSLATING 应持续 %d 个 tick, 得到 %d", steps+1, n)
	}
	if got := h.arm.Snapshot().Reference.X; math.Abs(got-(home.X+0.25)) > 1e-12 {
		t.Errorf("平移后参考点 x 应为 %f, 得到 %f", home.X+0.25, got)
	}

	// 平移完成 3 个 tick 后才发送 GO_DOWN
	for i := 0; i < 3; i++ {
		h.step()
	}
	if h.arm.State() != fsm.StateWaitingForDescend {
		t.Fatalf("没有 GO_DOWN 时应保持等待, 得到 %s", h.arm.State())
	}
	if got := h.hw[JointWrist3].last(); got != 0.4 {
		t.Errorf("等待下降时 wrist3 应为抓取角 0.4, 得到 %f", got)
	}
	h.sendGoDown()
	h.stepUntil(fsm.StateWaiting, 1000)

	want := []fsm.State{
		fsm.StateWaiting, fsm.StateTranslating, fsm.StateWaitingForDescend, fsm.StateDescending,
		fsm.StateGrasping, fsm.StateAscending, fsm.StateTranslatingBack, fsm.StateReleasing, fsm.StateWaiting,
	}
	if len(h.visited) != len(want) {
		t.Fatalf("状态序列: 预期 %v, 得到 %v", want, h.visited)
	}
	for i := range want {
		if h.visited[i] != want[i] {
			t.Errorf("状态序列第 %d 项: 预期 %s, 得到 %s", i, want[i], h.visited[i])
		}
	}

	msgs := h.armToConv.Drain(h.tick + 1)
	if len(msgs) != 1 || msgs[0] != protocol.TokenStartConveyor {
		t.Errorf("应恰好发送一次 START_CONV, 得到 %v", msgs)
	}

	snap = h.arm.Snapshot()
	if snap.Record.HorizontalOffset != NoObject || snap.Record.Locked {
		t.Errorf("循环结束后识别记录应清空并解锁, 得到 %+v", snap.Record)
	}
	if snap.Reference != home {
		t.Errorf("循环结束后参考点应回到 %v, 得到 %v", home, snap.Reference)
	}
	if snap.LastCycle.TranslateSteps != snap.LastCycle.ReturnSteps {
		t.Errorf("回程步数 %d 应等于去程步数 %d", snap.LastCycle.ReturnSteps, snap.LastCycle.TranslateSteps)
	}
	if snap.CyclesCompleted != 1 {
		t.Errorf("预期完成 1 个循环, 得到 %d", snap.CyclesCompleted)
	}

	base := DefaultConfig().Base
	if got := h.hw[JointShoulderPan].last(); got != base.ShoulderPan {
		t.Errorf("放料后 shoulder pan 应回到 %f, 得到 %f", base.ShoulderPan, got)
	}
	for _, name := range FingerJoints {
		if got := h.hw[name].last(); got != 0 {
			t.Errorf("放料后手指 %s 应张开, 得到 %f", name, got)
		}
	}

	// 保持等待，不会重复发送
	for i := 0; i < 10; i++ {
		h.step()
	}
	if h.arm.State() != fsm.StateWaiting || h.armToConv.Len() != 0 {
		t.Errorf("空闲时应保持 WAITING 且不发送消息")
	}
}

func TestReturnPathRetracesTranslation(t *testing.T) {
	h := newHarness(t)
	h.sendDetection("0.0 -0.15 0.0 0.0")
	h.step()

	lift := h.hw[JointShoulderLift]
	start := len(lift.values)
	h.stepUntil(fsm.StateWaitingForDescend, 1000)
	out := append([]float64(nil), lift.values[start:]...)

	h.sendGoDown()
	h.stepUntil(fsm.StateTranslatingBack, 1000)
	start = len(lift.values)
	h.stepUntil(fsm.StateReleasing, 1000)
	back := lift.values[start:]

	if len(back) != len(out) {
		t.Fatalf("回程写入 %d 次, 去程 %d 次", len(back), len(out))
	}
	for i := range out {
		if math.Abs(out[i]-back[len(back)-1-i]) > 1e-12 {
			t.Fatalf("回程第 %d 步与去程不对称: %f vs %f", i, back[len(back)-1-i], out[i])
		}
	}
}

func TestMalformedDetectionIgnored(t *testing.T) {
	h := newHarness(t)
	h.sendDetection("0.25 0.4")
	h.step()
	h.step()

	snap := h.arm.Snapshot()
	if snap.State != fsm.StateWaiting {
		t.Errorf("格式错误的识别结果不应改变状态, 得到 %s", snap.State)
	}
	if snap.Record.Locked {
		t.Error("格式错误的识别结果不应设置锁")
	}

	// 后续正确的消息仍然可以启动循环
	h.sendDetection("0.0 0.1 0.0 0.2")
	h.step()
	if h.arm.State() != fsm.StateTranslating {
		t.Errorf("正确的识别结果应启动循环, 得到 %s", h.arm.State())
	}
}

func TestNonFiniteDetectionIgnored(t *testing.T) {
	for _, payload := range []string{"0 NaN 0 0.4", "0 +Inf 0 0.4", "0 0.2 0 -Inf"} {
		t.Run(payload, func(t *testing.T) {
			h := newHarness(t)
			h.sendDetection(payload)
			for i := 0; i < 3; i++ {
				h.step()
			}

			snap := h.arm.Snapshot()
			if snap.State != fsm.StateWaiting || snap.Record.Locked {
				t.Fatalf("非有限数值不应启动循环, 得到 %s locked=%v", snap.State, snap.Record.Locked)
			}
			if snap.Reference != h.arm.home {
				t.Errorf("参考点不应改变, 得到 %+v", snap.Reference)
			}
			for name, r := range h.hw {
				for _, v := range r.values {
					if math.IsNaN(v) || math.IsInf(v, 0) {
						t.Fatalf("关节 %s 收到非有限指令 %v", name, v)
					}
				}
			}
		})
	}
}

func TestFirstValidDetectionWins(t *testing.T) {
	h := newHarness(t)
	h.sendDetection("garbage")
	h.sendDetection("0.0 0.1 0.0 0.2")
	h.sendDetection("0.0 0.3 0.0 0.9")
	h.step()

	rec := h.arm.Snapshot().Record
	if rec.HorizontalOffset != 0.1 || rec.GraspAngleRad != 0.2 {
		t.Errorf("应采用第一条有效消息, 得到 %+v", rec)
	}
}

func TestAbortSentinelKeepsArmIdle(t *testing.T) {
	h := newHarness(t)
	h.sendDetection(protocol.AbortPayload)
	for i := 0; i < 5; i++ {
		h.step()
	}
	snap := h.arm.Snapshot()
	if snap.State != fsm.StateWaiting || snap.Record.Locked {
		t.Errorf("中止标记后应保持空闲, 得到 %s locked=%v", snap.State, snap.Record.Locked)
	}
}

func TestDuplicateGoDownConsumedOnce(t *testing.T) {
	h := newHarness(t)
	h.sendDetection("0.0 0.2 0.0 0.0")
	h.step()

	// 平移期间到达的两个信号都被缓存
	h.sendGoDown()
	h.step()
	h.sendGoDown()
	h.stepUntil(fsm.StateWaitingForDescend, 1000)
	h.step()
	if h.arm.State() != fsm.StateDescending {
		t.Fatalf("缓存的 GO_DOWN 应触发下降, 得到 %s", h.arm.State())
	}
	if h.arm.Snapshot().GoDownPending {
		t.Error("GO_DOWN 被消费后不应再保留")
	}

	count := 0
	for _, s := range h.visited {
		if s == fsm.StateDescending {
			count++
		}
	}
	if count != 1 {
		t.Errorf("应恰好进入一次 DESCENDING, 得到 %d", count)
	}
}

func TestDetectionsDiscardedDuringCycle(t *testing.T) {
	h := newHarness(t)
	h.sendDetection("0.0 0.2 0.0 0.0")
	h.step()
	h.sendDetection("0.0 0.3 0.0 0.5")
	h.step()

	if got := h.arm.Snapshot().Record.HorizontalOffset; got != 0.2 {
		t.Fatalf("循环中的识别结果不应覆盖当前记录, 得到 %f", got)
	}

	h.stepUntil(fsm.StateWaitingForDescend, 1000)
	h.sendGoDown()
	h.stepUntil(fsm.StateWaiting, 1000)
	for i := 0; i < 3; i++ {
		h.step()
	}
	if h.arm.State() != fsm.StateWaiting {
		t.Errorf("被丢弃的识别结果不应启动新循环, 得到 %s", h.arm.State())
	}
}

func TestGoDownWhileIdleIsCleared(t *testing.T) {
	h := newHarness(t)
	h.sendGoDown()
	h.step()
	if h.arm.Snapshot().GoDownPending {
		t.Error("没有工件时 GO_DOWN 不应被保留")
	}
}

func TestEveryStateHasStepHandler(t *testing.T) {
	h := newHarness(t)
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("状态 %s 没有对应的处理分支: %v", h.arm.State(), r)
		}
	}()

	h.sendDetection("0.0 0.1 0.0 0.2")
	seen := make(map[fsm.State]bool)
	for i := 0; i < 2000 && len(seen) < len(fsm.States()); i++ {
		// Step 总是对当前状态调用 stepState
		seen[h.arm.State()] = true
		if h.arm.State() == fsm.StateWaitingForDescend {
			h.sendGoDown()
		}
		h.step()
	}
	for _, s := range fsm.States() {
		if !seen[s] {
			t.Errorf("一个完整循环没有经过状态 %s", s)
		}
	}
}
