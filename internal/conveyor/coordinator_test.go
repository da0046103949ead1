package conveyor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"pick-and-place-demo/internal/channel"
	"pick-and-place-demo/internal/protocol"
	"pick-and-place-demo/internal/sim"
)

const (
	clearReading   = 1000.0
	blockedReading = 500.0
	tickStep       = 32 * time.Millisecond
)

type fakeSensor struct{ v float64 }

func (s *fakeSensor) Value() float64 { return s.v }

type fakeMotor struct{ set []float64 }

func (m *fakeMotor) SetVelocity(v float64) { m.set = append(m.set, v) }

type harness struct {
	t          *testing.T
	c          *Coordinator
	motor      *fakeMotor
	ds1        *fakeSensor
	ds2        *fakeSensor
	ds3        *fakeSensor
	armIn      *channel.Channel
	visionOut  *channel.Channel
	armOut     *channel.Channel
	tick       uint64
	lastResult bool
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		motor:     &fakeMotor{},
		ds1:       &fakeSensor{clearReading},
		ds2:       &fakeSensor{clearReading},
		ds3:       &fakeSensor{clearReading},
		armIn:     channel.New("arm->conv", 0),
		visionOut: channel.New("conv->vision", 0),
		armOut:    channel.New("conv->arm", 0),
	}
	c, err := NewCoordinator(cfg, h.motor,
		Sensors{Stop: h.ds1, Release: h.ds2, Grasp: h.ds3},
		Links{ArmIn: h.armIn, VisionOut: h.visionOut, ArmOut: h.armOut},
		nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("创建传送带协调器失败: %v", err)
	}
	h.c = c
	return h
}

func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.tick++
		h.lastResult = h.c.Step(context.Background(), sim.Instant{Tick: h.tick, Elapsed: time.Duration(h.tick) * tickStep})
	}
}

func (h *harness) velocity() float64 { return h.c.State().BeltVelocity }

func TestStartsAtNominalSpeed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	if len(h.motor.set) != 1 || h.motor.set[0] != 0.2 {
		t.Errorf("启动时应下发额定速度, 得到 %v", h.motor.set)
	}
}

func TestStopSensor_DwellThenResume(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ds1.v = blockedReading
	h.step(1)

	if h.velocity() != 0 {
		t.Fatalf("ds1 触发后传送带应停止, 速度 %f", h.velocity())
	}
	if msgs := h.visionOut.Drain(h.tick + 1); len(msgs) != 1 || msgs[0] != protocol.TokenStop {
		t.Fatalf("应向视觉发送一次 STOP, 得到 %v", msgs)
	}

	// 仍有遮挡时不重复发送
	h.step(10)
	if h.visionOut.Len() != 0 {
		t.Error("锁存期间不应重复发送 STOP")
	}

	// 2s / 32ms = 62.5，第 64 个 tick 停留时间到
	h.step(52)
	if h.velocity() != 0 {
		t.Fatalf("停留时间未到不应恢复")
	}
	h.step(1)
	if h.velocity() != 0.2 {
		t.Fatalf("停留时间到后应恢复, 速度 %f", h.velocity())
	}
	if !h.c.State().Latched {
		t.Error("时间解锁只恢复运行，锁存要等 ds2 触发才解除")
	}

	// ds1 仍被遮挡，不应再次停带
	h.step(5)
	if h.velocity() != 0.2 || h.visionOut.Len() != 0 {
		t.Error("锁存期间 ds1 再次触发不应停带")
	}

	h.ds1.v = clearReading
	h.ds2.v = blockedReading
	h.step(1)
	if h.c.State().Latched {
		t.Error("ds2 触发后应解除锁存")
	}
}

func TestReleaseSensorResumesBeforeDwell(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ds1.v = blockedReading
	h.step(1)
	h.ds2.v = blockedReading
	h.step(1)

	s := h.c.State()
	if h.velocity() != 0.2 || s.Latched || s.Dwelling {
		t.Errorf("ds2 触发应立即恢复并解锁, 得到 %+v", s)
	}

	// 解锁后新的工件再次触发 ds1
	h.ds2.v = clearReading
	h.step(1)
	if h.velocity() != 0 || h.visionOut.Len() != 2 {
		t.Errorf("解锁后 ds1 应可再次停带, 速度 %f, STOP 数 %d", h.velocity(), h.visionOut.Len())
	}
}

func TestGraspSensor_OneShotUntilResumed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ds3.v = blockedReading
	h.step(1)

	if h.velocity() != 0 {
		t.Fatalf("ds3 触发后传送带应停止")
	}
	h.step(20)
	msgs := h.armOut.Drain(h.tick + 1)
	if len(msgs) != 1 || msgs[0] != protocol.TokenGraspReady {
		t.Fatalf("停带期间 GO_DOWN 只能发送一次, 得到 %v", msgs)
	}

	h.armIn.Send(h.tick, protocol.TokenStartConveyor)
	h.ds3.v = clearReading
	h.step(1)
	if h.velocity() != 0.2 {
		t.Fatalf("START_CONV 应恢复额定速度")
	}
	if h.c.State().GoDownSent {
		t.Error("恢复额定速度后应解除 GO_DOWN 锁存")
	}

	h.ds3.v = blockedReading
	h.step(1)
	if got := h.armOut.Drain(h.tick + 1); len(got) != 1 {
		t.Errorf("下一个工件应再次触发 GO_DOWN, 得到 %v", got)
	}
}

func TestStartConveyorIgnoresUnknownMessages(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ds3.v = blockedReading
	h.step(1)
	h.armIn.Send(h.tick, "RESUME")
	h.step(1)
	if h.velocity() != 0 {
		t.Error("未知消息不应恢复传送带")
	}
}

func TestTimerStopsLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timer = 320 * time.Millisecond
	h := newHarness(t, cfg)

	h.step(9)
	if h.lastResult {
		t.Fatal("未到上限时回路不应结束")
	}
	h.step(1)
	if !h.lastResult {
		t.Fatal("到达上限后回路应结束")
	}
	if h.velocity() != 0 {
		t.Error("到达上限后传送带应停止")
	}
}

func TestCustomTripRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TripRule = "distance <= threshold * 0.5"
	h := newHarness(t, cfg)

	h.ds1.v = 450
	h.step(1)
	if h.velocity() != 0.2 {
		t.Error("读数未低于阈值一半时不应触发")
	}
	h.ds1.v = 400
	h.step(1)
	if h.velocity() != 0 {
		t.Error("读数低于阈值一半时应触发")
	}
}

func TestInvalidTripRule(t *testing.T) {
	cases := []string{"distance <", "distance + threshold", "unknown > 1"}
	for _, rule := range cases {
		t.Run(rule, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TripRule = rule
			_, err := NewCoordinator(cfg, nil, Sensors{Stop: &fakeSensor{}, Release: &fakeSensor{}}, Links{}, nil,
				slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err == nil {
				t.Errorf("规则 %q 应编译失败", rule)
			}
		})
	}
}
