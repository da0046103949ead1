package arm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"

	"pick-and-place-demo/internal/channel"
	"pick-and-place-demo/internal/event"
	"pick-and-place-demo/internal/fsm"
	"pick-and-place-demo/internal/kinematics"
	"pick-and-place-demo/internal/metrics"
	"pick-and-place-demo/internal/protocol"
	"pick-and-place-demo/internal/sim"
	"pick-and-place-demo/internal/types"
	"pick-and-place-demo/internal/util"
)

// NoObject 是识别记录中 "没有工件" 的偏移值
const NoObject = 0.0

// DetectionRecord 是本循环使用的识别结果
type DetectionRecord struct {
	HorizontalOffset float64
	GraspAngleRad    float64
	Locked           bool // 单飞锁：循环进行中不接受新的识别结果
}

// Hardware 是机械臂的执行器集合
type Hardware struct {
	ShoulderPan  types.Actuator
	ShoulderLift types.Actuator
	Elbow        types.Actuator
	Wrist1       types.Actuator
	Wrist2       types.Actuator
	Wrist3       types.Actuator
	Fingers      [3]types.Actuator
}

// Links 是机械臂与其他回路之间的消息通道
type Links struct {
	CameraIn    channel.Receiver // 视觉 -> 机械臂：识别结果
	ConveyorIn  channel.Receiver // 传送带 -> 机械臂：GO_DOWN
	ConveyorOut channel.Sender   // 机械臂 -> 传送带：START_CONV
}

// CycleStats 记录最近一次完成的循环
type CycleStats struct {
	CycleID        string
	Offset         float64
	AngleRad       float64
	TranslateSteps int
	ReturnSteps    int
	StartTick      uint64
	EndTick        uint64
}

// Snapshot 是协调器状态的只读副本
type Snapshot struct {
	State           fsm.State
	Record          DetectionRecord
	Reference       kinematics.Point
	GoDownPending   bool
	CycleID         string
	CyclesCompleted int
	LastCycle       CycleStats
	Pose            Pose
}

// Coordinator 拥有抓取循环状态机、机械臂姿态和识别记录
// 所有字段只由本回路写入
type Coordinator struct {
	cfg    Config
	solver kinematics.Planar
	hw     Hardware
	links  Links
	fsm    *fsm.FSM
	bus    *event.Bus
	logger *slog.Logger

	pose   Pose
	home   kinematics.Point // 初始姿态对应的参考点
	origin kinematics.Point // 本循环平移前的参考点
	ref    kinematics.Point // 当前参考点 (cx0, cy0)
	record DetectionRecord
	goDown bool

	path        []float64 // 水平平移采样，回程逆序复用
	ramp        []float64 // 竖直斜坡采样
	step        int
	backCounter int
	savedRef    kinematics.Point
	releaseTick int

	now             sim.Instant
	cycle           CycleStats
	lastCycle       CycleStats
	cyclesCompleted int
}

// NewCoordinator 创建机械臂协调器，并把关节同步到初始姿态
func NewCoordinator(cfg Config, hw Hardware, links Links, bus *event.Bus, logger *slog.Logger) *Coordinator {
	if cfg.Steps <= 0 {
		cfg.Steps = DefaultConfig().Steps
	}
	solver := kinematics.NewPlanar(cfg.L1, cfg.L2)
	home := solver.Forward(cfg.Base.ShoulderLift, cfg.Base.Elbow)

	c := &Coordinator{
		cfg:    cfg,
		solver: solver,
		hw:     hw,
		links:  links,
		fsm:    fsm.NewFSM(string(types.LoopArm)),
		bus:    bus,
		logger: logger.With("component", "arm"),
		pose:   cfg.Base,
		home:   home,
		origin: home,
		ref:    home,
	}
	for _, s := range fsm.States() {
		c.fsm.RegisterCallback(s, c.onEnter)
	}
	c.flush()
	c.setStateGauge(fsm.StateWaiting)
	c.logger.Info("机械臂已同步到初始姿态", "reference_x", home.X, "reference_y", home.Y)
	return c
}

// ID 返回回路 ID
func (c *Coordinator) ID() types.LoopID { return types.LoopArm }

// State 返回当前状态
func (c *Coordinator) State() fsm.State { return c.fsm.Current() }

// Snapshot 返回当前状态的副本，只能在回路所在 goroutine 或回路停止后调用
func (c *Coordinator) Snapshot() Snapshot {
	return Snapshot{
		State:           c.fsm.Current(),
		Record:          c.record,
		Reference:       c.ref,
		GoDownPending:   c.goDown,
		CycleID:         c.cycle.CycleID,
		CyclesCompleted: c.cyclesCompleted,
		LastCycle:       c.lastCycle,
		Pose:            c.pose,
	}
}

// Step 执行一个 tick：清空入站通道，然后推进状态机
func (c *Coordinator) Step(_ context.Context, now sim.Instant) bool {
	c.now = now
	c.drainCamera(now.Tick)
	c.drainConveyor(now.Tick)
	c.stepState()
	return false
}

// drainCamera 只在 WAITING 状态接受识别结果，其余状态直接丢弃
func (c *Coordinator) drainCamera(tick uint64) {
	msgs := c.links.CameraIn.Drain(tick)
	if len(msgs) == 0 {
		return
	}
	if c.fsm.Current() != fsm.StateWaiting || c.record.Locked {
		c.logger.Debug("循环进行中，丢弃识别结果", "count", len(msgs), "state", c.fsm.Current())
		return
	}
	for _, msg := range msgs {
		d, err := protocol.ParseDetection(msg)
		if err != nil {
			c.logger.Warn("识别结果格式错误，已忽略", "payload", msg, "error", err)
			continue
		}
		if d.IsAbort() {
			c.logger.Info("视觉识别中止，本次没有工件")
			c.record.HorizontalOffset = NoObject
			return
		}
		c.record.HorizontalOffset = d.Position.Y
		c.record.GraspAngleRad = d.AngleRad
		c.logger.Info("检测到工件", "offset", d.Position.Y, "angle_rad", d.AngleRad)
		return
	}
}

// drainConveyor 缓存 GO_DOWN 信号，任何状态下都接收
func (c *Coordinator) drainConveyor(tick uint64) {
	for _, msg := range c.links.ConveyorIn.Drain(tick) {
		if msg != protocol.TokenGraspReady {
			c.logger.Warn("未知的传送带消息，已忽略", "payload", msg)
			continue
		}
		if !c.goDown {
			c.logger.Info("收到 GO_DOWN 信号 (已缓存)")
		}
		c.goDown = true
	}
}

func (c *Coordinator) stepState() {
	switch state := c.fsm.Current(); state {
	case fsm.StateWaiting:
		c.stepWaiting()
	case fsm.StateTranslating:
		c.stepTranslating()
	case fsm.StateWaitingForDescend:
		c.stepWaitingForDescend()
	case fsm.StateDescending:
		c.stepDescending()
	case fsm.StateGrasping:
		c.stepGrasping()
	case fsm.StateAscending:
		c.stepAscending()
	case fsm.StateTranslatingBack:
		c.stepTranslatingBack()
	case fsm.StateReleasing:
		c.stepReleasing()
	default:
		panic(fmt.Sprintf("arm: unhandled state %q", state))
	}
}

func (c *Coordinator) stepWaiting() {
	if c.record.HorizontalOffset == NoObject || c.record.Locked {
		c.goDown = false // 没有工件时不保留下降信号
		return
	}
	c.goDown = false
	c.record.Locked = true
	c.ref = c.home
	c.origin = c.home
	c.cycle = CycleStats{
		CycleID:   util.NewTraceID(),
		Offset:    c.record.HorizontalOffset,
		AngleRad:  c.record.GraspAngleRad,
		StartTick: c.now.Tick,
	}
	c.fire(fsm.EventObjectLocked)
}

func (c *Coordinator) stepTranslating() {
	c.moveHorizontal(c.path[c.step])
	c.step++
	c.cycle.TranslateSteps = c.step
	if c.step <= c.cfg.Steps {
		return
	}
	c.ref.X -= c.path[c.cfg.Steps]
	c.logger.Info("水平平移完成，等待下降信号", "cycle_id", c.cycle.CycleID)
	c.fire(fsm.EventTranslated)
}

func (c *Coordinator) stepWaitingForDescend() {
	c.pose.Wrist3 = c.record.GraspAngleRad
	c.flush()
	if !c.goDown {
		return
	}
	c.goDown = false
	c.fire(fsm.EventGoDown)
}

func (c *Coordinator) stepDescending() {
	c.moveVertical(c.ramp[c.step])
	c.step++
	if c.step <= c.cfg.Steps {
		return
	}
	c.logger.Info("下降完成，开始夹取", "cycle_id", c.cycle.CycleID)
	c.fire(fsm.EventDescended)
}

func (c *Coordinator) stepGrasping() {
	for i := range c.pose.Fingers {
		c.pose.Fingers[i] = c.cfg.GripPosition
	}
	c.flush()
	c.fire(fsm.EventGripClosed)
}

func (c *Coordinator) stepAscending() {
	c.moveVertical(c.ramp[c.step])
	c.step++
	if c.step <= c.cfg.Steps {
		return
	}
	c.ref = c.savedRef
	c.backCounter = c.cfg.Steps
	c.fire(fsm.EventAscended)
}

// stepTranslatingBack 用递减计数器逆序重放平移采样，保证回程与去程路径一致
func (c *Coordinator) stepTranslatingBack() {
	c.pose.Wrist3 = c.cfg.Base.Wrist3
	c.moveHorizontal(c.path[c.backCounter])
	c.backCounter--
	c.cycle.ReturnSteps++
	if c.backCounter >= 0 {
		return
	}
	c.ref = c.origin
	c.record = DetectionRecord{HorizontalOffset: NoObject}
	c.logger.Info("水平回位完成，开始放料", "cycle_id", c.cycle.CycleID)
	c.fire(fsm.EventReturned)
}

func (c *Coordinator) stepReleasing() {
	steps := c.cfg.Steps
	switch c.releaseTick {
	case 0:
		c.pose.ShoulderPan = c.cfg.Base.ShoulderPan - math.Pi
		c.flush()
	case steps:
		for i := range c.pose.Fingers {
			c.pose.Fingers[i] = 0
		}
		c.flush()
	case steps + c.cfg.ReleaseOpenTicks:
		c.pose.ShoulderPan = c.cfg.Base.ShoulderPan
		c.flush()
	}
	c.releaseTick++
	if c.releaseTick <= 2*steps+c.cfg.ReleaseOpenTicks {
		return
	}
	c.links.ConveyorOut.Send(c.now.Tick, protocol.TokenStartConveyor)
	c.logger.Info("工件已放下，通知传送带恢复", "cycle_id", c.cycle.CycleID)
	c.fire(fsm.EventReleased)
}

func (c *Coordinator) fire(e fsm.Event) {
	if err := c.fsm.Fire(e); err != nil {
		// 转移表与 stepState 不一致，属于程序错误
		panic(errors.Join(errors.New("arm: state machine out of sync"), err))
	}
}

// onEnter 在进入新状态时准备该阶段需要的数据并发布事件
func (c *Coordinator) onEnter(from, to fsm.State) {
	c.step = 0
	switch to {
	case fsm.StateTranslating:
		c.path = floats.Span(make([]float64, c.cfg.Steps+1), 0, -c.record.HorizontalOffset)
		c.bus.Publish(event.Event{
			Type: event.CycleStarted, Loop: types.LoopArm, Tick: c.now.Tick, CycleID: c.cycle.CycleID,
			Offset: c.record.HorizontalOffset, AngleRad: c.record.GraspAngleRad,
		})
		c.logger.Info("开始水平平移", "cycle_id", c.cycle.CycleID, "offset", c.record.HorizontalOffset)
	case fsm.StateDescending:
		c.ramp = floats.Span(make([]float64, c.cfg.Steps+1), 0, c.cfg.DescendDepth)
	case fsm.StateAscending:
		c.savedRef = c.ref
		c.ramp = floats.Span(make([]float64, c.cfg.Steps+1), c.cfg.AscendStart, 0)
	case fsm.StateReleasing:
		c.releaseTick = 0
	case fsm.StateWaiting:
		c.cycle.EndTick = c.now.Tick
		c.lastCycle = c.cycle
		c.cyclesCompleted++
		c.bus.Publish(event.Event{
			Type: event.CycleCompleted, Loop: types.LoopArm, Tick: c.now.Tick, CycleID: c.cycle.CycleID,
			Offset: c.cycle.Offset, AngleRad: c.cycle.AngleRad, Ticks: c.cycle.EndTick - c.cycle.StartTick,
		})
		c.cycle = CycleStats{}
	}

	c.setStateGauge(to)
	c.bus.Publish(event.Event{
		Type: event.ArmStateChanged, Loop: types.LoopArm, Tick: c.now.Tick, CycleID: c.cycle.CycleID,
		From: string(from), To: string(to),
	})
}

func (c *Coordinator) setStateGauge(current fsm.State) {
	for _, s := range fsm.States() {
		v := 0.0
		if s == current {
			v = 1.0
		}
		metrics.ArmState.WithLabelValues(string(s)).Set(v)
	}
}

// moveHorizontal 以本循环起点为参考求解水平偏移
func (c *Coordinator) moveHorizontal(dx float64) {
	theta, phi := c.solver.Horizontal(c.origin, dx)
	c.applyArm(theta, phi)
}

// moveVertical 以当前参考点为基准求解竖直偏移
func (c *Coordinator) moveVertical(dz float64) {
	theta, phi := c.solver.Vertical(c.ref, dz)
	c.applyArm(theta, phi)
}

func (c *Coordinator) applyArm(theta, phi float64) {
	base := c.cfg.Base
	c.pose.ShoulderPan = base.ShoulderPan
	c.pose.ShoulderLift = theta
	c.pose.Elbow = phi
	c.pose.Wrist1 = kinematics.WristCompensation(base.Wrist1, base.Curvature(), theta, phi)
	c.pose.Wrist2 = base.Wrist2
	c.flush()
}

// flush 将姿态写入执行器 (开环控制，不读回)
func (c *Coordinator) flush() {
	set := func(a types.Actuator, v float64) {
		if a != nil {
			a.SetPosition(v)
		}
	}
	set(c.hw.ShoulderPan, c.pose.ShoulderPan)
	set(c.hw.ShoulderLift, c.pose.ShoulderLift)
	set(c.hw.Elbow, c.pose.Elbow)
	set(c.hw.Wrist1, c.pose.Wrist1)
	set(c.hw.Wrist2, c.pose.Wrist2)
	set(c.hw.Wrist3, c.pose.Wrist3)
	for i, f := range c.hw.Fingers {
		set(f, c.pose.Fingers[i])
	}
}
