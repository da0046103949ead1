package conveyor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pick-and-place-demo/internal/channel"
	"pick-and-place-demo/internal/event"
	"pick-and-place-demo/internal/metrics"
	"pick-and-place-demo/internal/protocol"
	"pick-and-place-demo/internal/sim"
	"pick-and-place-demo/internal/types"
)

// 传送带停止/恢复的原因
const (
	ReasonObjectDetected = "object_detected" // ds1 触发
	ReasonGraspReady     = "grasp_ready"     // ds3 触发
	ReasonTimer          = "timer"           // 运行时长到达上限
	ReasonDwellExpired   = "dwell_expired"   // 停留时间到
	ReasonReleaseSensor  = "release_sensor"  // ds2 触发
	ReasonArmRequest     = "arm_request"     // 收到 START_CONV
)

// Config 定义传送带控制参数
type Config struct {
	Speed          float64       `mapstructure:"speed"`           // 额定速度
	Threshold      float64       `mapstructure:"threshold"`       // ds1/ds2 触发阈值
	GraspThreshold float64       `mapstructure:"grasp_threshold"` // ds3 触发阈值
	StopDuration   time.Duration `mapstructure:"stop_duration"`   // ds1 触发后的停留时间
	Timer          time.Duration `mapstructure:"timer"`           // 运行时长上限，0 表示不限制
	TripRule       string        `mapstructure:"trip_rule"`       // 传感器触发规则 (expr 语法)
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		Speed:          0.2,
		Threshold:      800,
		GraspThreshold: 800,
		StopDuration:   2 * time.Second,
		TripRule:       DefaultTripRule,
	}
}

// Sensors 是传送带上的三个距离传感器
type Sensors struct {
	Stop    types.DistanceSensor // ds1：停带并触发识别
	Release types.DistanceSensor // ds2：解除停带锁存
	Grasp   types.DistanceSensor // ds3：抓取点，可以为空
}

// Links 是传送带与其他回路之间的消息通道
type Links struct {
	ArmIn     channel.Receiver // 机械臂 -> 传送带：START_CONV
	VisionOut channel.Sender   // 传送带 -> 视觉：STOP
	ArmOut    channel.Sender   // 传送带 -> 机械臂：GO_DOWN
}

// State 是传送带回路拥有的状态
type State struct {
	BeltVelocity float64       // 最近一次下发的速度
	StoppedSince time.Duration // ds1 停带时刻，只在 Latched 时有意义
	Latched      bool          // ds1 停带锁存，ds2 触发后解除
	Dwelling     bool          // 正在停留，尚未恢复
	GoDownSent   bool          // GO_DOWN 单次锁存，恢复额定速度后解除
}

// Coordinator 是传送带控制回路
type Coordinator struct {
	cfg     Config
	motor   types.Motor
	sensors Sensors
	links   Links
	rule    *tripRule
	bus     *event.Bus
	logger  *slog.Logger

	state State
	now   sim.Instant
}

// NewCoordinator 创建传送带协调器并以额定速度启动传送带
func NewCoordinator(cfg Config, motor types.Motor, sensors Sensors, links Links, bus *event.Bus, logger *slog.Logger) (*Coordinator, error) {
	if sensors.Stop == nil || sensors.Release == nil {
		return nil, fmt.Errorf("conveyor: stop and release sensors are required")
	}
	rule, err := newTripRule(cfg.TripRule)
	if err != nil {
		return nil, fmt.Errorf("conveyor: %w", err)
	}
	c := &Coordinator{
		cfg:     cfg,
		motor:   motor,
		sensors: sensors,
		links:   links,
		rule:    rule,
		bus:     bus,
		logger:  logger.With("component", "conveyor"),
	}
	c.setVelocity(cfg.Speed)
	c.logger.Info("传送带已启动", "speed", cfg.Speed, "timer", cfg.Timer, "rule", rule.source)
	return c, nil
}

// ID 返回回路 ID
func (c *Coordinator) ID() types.LoopID { return types.LoopConveyor }

// State 返回状态副本，只能在回路所在 goroutine 或回路停止后调用
func (c *Coordinator) State() State { return c.state }

// Step 执行一个 tick，返回 true 表示到达运行时长上限，回路应退出
func (c *Coordinator) Step(_ context.Context, now sim.Instant) bool {
	c.now = now

	for _, msg := range c.links.ArmIn.Drain(now.Tick) {
		if msg != protocol.TokenStartConveyor {
			c.logger.Warn("未知的机械臂消息，已忽略", "payload", msg)
			continue
		}
		c.resume(ReasonArmRequest)
	}

	c.stepStopResume()
	c.stepGraspReady()

	if c.cfg.Timer > 0 && now.Elapsed >= c.cfg.Timer {
		c.stop(ReasonTimer)
		c.logger.Info("运行时长到达上限，传送带停止", "elapsed", now.Elapsed)
		return true
	}
	return false
}

// stepStopResume 处理 ds1 停带以及两种解锁方式 (停留超时、ds2 触发)
func (c *Coordinator) stepStopResume() {
	if c.tripped(c.sensors.Stop, c.cfg.Threshold) && !c.state.Latched {
		c.stop(ReasonObjectDetected)
		c.state.Latched = true
		c.state.Dwelling = true
		c.state.StoppedSince = c.now.Elapsed
		c.links.VisionOut.Send(c.now.Tick, protocol.TokenStop)
		c.logger.Info("检测到工件，已通知视觉客户端")
	}

	if c.state.Dwelling && c.now.Elapsed-c.state.StoppedSince >= c.cfg.StopDuration {
		c.state.Dwelling = false
		c.resume(ReasonDwellExpired)
	}

	if c.state.Latched && c.tripped(c.sensors.Release, c.cfg.Threshold) {
		c.state.Latched = false
		c.state.StoppedSince = 0
		if c.state.Dwelling {
			c.state.Dwelling = false
			c.resume(ReasonReleaseSensor)
		}
	}
}

func (c *Coordinator) stepGraspReady() {
	if c.sensors.Grasp == nil {
		return
	}
	if !c.state.GoDownSent && c.tripped(c.sensors.Grasp, c.cfg.GraspThreshold) {
		c.stop(ReasonGraspReady)
		c.links.ArmOut.Send(c.now.Tick, protocol.TokenGraspReady)
		c.state.GoDownSent = true
		c.bus.Publish(event.Event{Type: event.GraspReady, Loop: types.LoopConveyor, Tick: c.now.Tick})
		c.logger.Info("工件到达抓取点，已发送 GO_DOWN")
	}
	if c.state.GoDownSent && c.state.BeltVelocity == c.cfg.Speed {
		c.state.GoDownSent = false
	}
}

func (c *Coordinator) tripped(s types.DistanceSensor, threshold float64) bool {
	ok, err := c.rule.eval(s.Value(), threshold)
	if err != nil {
		c.logger.Warn("传感器规则执行失败", "error", err)
		return false
	}
	return ok
}

func (c *Coordinator) stop(reason string) {
	c.setVelocity(0)
	metrics.BeltStops.WithLabelValues(reason).Inc()
	c.bus.Publish(event.Event{Type: event.BeltStopped, Loop: types.LoopConveyor, Tick: c.now.Tick, Reason: reason})
}

func (c *Coordinator) resume(reason string) {
	if c.state.BeltVelocity == c.cfg.Speed {
		return
	}
	c.setVelocity(c.cfg.Speed)
	c.logger.Info("传送带恢复运行", "reason", reason)
	c.bus.Publish(event.Event{
		Type: event.BeltResumed, Loop: types.LoopConveyor, Tick: c.now.Tick,
		Velocity: c.cfg.Speed, Reason: reason,
	})
}

func (c *Coordinator) setVelocity(v float64) {
	c.state.BeltVelocity = v
	if c.motor != nil {
		c.motor.SetVelocity(v)
	}
}
