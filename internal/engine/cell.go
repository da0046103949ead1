package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pick-and-place-demo/internal/arm"
	"pick-and-place-demo/internal/channel"
	"pick-and-place-demo/internal/config"
	"pick-and-place-demo/internal/conveyor"
	"pick-and-place-demo/internal/event"
	"pick-and-place-demo/internal/metrics"
	"pick-and-place-demo/internal/sim"
	"pick-and-place-demo/internal/vision"
)

// 通道名称
const (
	ChannelConveyorToVision = "conveyor->vision"
	ChannelVisionToArm      = "vision->arm"
	ChannelConveyorToArm    = "conveyor->arm"
	ChannelArmToConveyor    = "arm->conveyor"
)

// Cell 是一个完整的抓取单元：仿真宿主、时钟、三个控制回路和它们之间的通道
type Cell struct {
	Clock    *sim.Clock
	World    *sim.World
	Arm      *arm.Coordinator
	Conveyor *conveyor.Coordinator
	Vision   *vision.Client
	Channels map[string]*channel.Channel

	runner *Runner
	logger *slog.Logger
}

// NewCell 根据配置组装抓取单元
func NewCell(cfg *config.Config, o vision.AngleOracle, bus *event.Bus, logger *slog.Logger) (*Cell, error) {
	if cfg.TimeStep <= 0 {
		return nil, fmt.Errorf("engine: time step must be positive, got %v", cfg.TimeStep)
	}
	if len(cfg.World.SensorPositions) < 2 {
		return nil, fmt.Errorf("engine: need stop and release sensors, got %d positions", len(cfg.World.SensorPositions))
	}

	clock := sim.NewClock(cfg.TimeStep)
	clock.SetLimit(cfg.MaxTicks)
	world := sim.NewWorld(cfg.World)
	clock.OnAdvance(func(now sim.Instant) {
		world.Step(cfg.TimeStep)
		metrics.SimTick.Set(float64(now.Tick))
		if cfg.Realtime {
			time.Sleep(cfg.TimeStep)
		}
	})

	c := &Cell{
		Clock:    clock,
		World:    world,
		Channels: make(map[string]*channel.Channel),
		logger:   logger,
	}
	for _, name := range []string{ChannelConveyorToVision, ChannelVisionToArm, ChannelConveyorToArm, ChannelArmToConveyor} {
		ch := channel.New(name, cfg.ChannelCapacity)
		ch.OnDrop(func(name string) {
			metrics.ChannelDropped.WithLabelValues(name).Inc()
			logger.Warn("通道已满，消息被丢弃", "channel", name)
		})
		c.Channels[name] = ch
	}

	hw := arm.Hardware{
		ShoulderPan:  world.Joint(arm.JointShoulderPan),
		ShoulderLift: world.Joint(arm.JointShoulderLift),
		Elbow:        world.Joint(arm.JointElbow),
		Wrist1:       world.Joint(arm.JointWrist1),
		Wrist2:       world.Joint(arm.JointWrist2),
		Wrist3:       world.Joint(arm.JointWrist3),
	}
	for i := range hw.Fingers {
		hw.Fingers[i] = world.Finger(i)
	}
	c.Arm = arm.NewCoordinator(cfg.Arm, hw, arm.Links{
		CameraIn:    c.Channels[ChannelVisionToArm],
		ConveyorIn:  c.Channels[ChannelConveyorToArm],
		ConveyorOut: c.Channels[ChannelArmToConveyor],
	}, bus, logger)

	sensors := conveyor.Sensors{Stop: world.Sensor(0), Release: world.Sensor(1)}
	if len(cfg.World.SensorPositions) >= 3 {
		sensors.Grasp = world.Sensor(2)
	}
	conv, err := conveyor.NewCoordinator(cfg.Conveyor, world.BeltMotor(), sensors, conveyor.Links{
		ArmIn:     c.Channels[ChannelArmToConveyor],
		VisionOut: c.Channels[ChannelConveyorToVision],
		ArmOut:    c.Channels[ChannelConveyorToArm],
	}, bus, logger)
	if err != nil {
		return nil, err
	}
	c.Conveyor = conv

	c.Vision = vision.NewClient(cfg.Vision, world.Camera(), o, vision.Links{
		ConveyorIn: c.Channels[ChannelConveyorToVision],
		ArmOut:     c.Channels[ChannelVisionToArm],
	}, bus, logger)

	c.runner = NewRunner(clock, logger)
	c.runner.Register(c.Arm)
	c.runner.Register(c.Conveyor)
	c.runner.Register(c.Vision)
	return c, nil
}

// Start 启动三个控制回路
func (c *Cell) Start(ctx context.Context) {
	c.runner.Start(ctx)
}

// Done 返回在所有回路退出后关闭的 channel
func (c *Cell) Done() <-chan struct{} { return c.runner.Done() }

// Wait 等待所有回路退出，并取消未完成的识别请求
func (c *Cell) Wait() {
	c.runner.WaitForCompletion()
	c.Vision.Close()
	now := c.Clock.Now()
	c.logger.Info("抓取单元已停止", "tick", now.Tick, "elapsed", now.Elapsed,
		"cycles", c.Arm.Snapshot().CyclesCompleted, "picked", len(c.World.Picked()))
}

// Run 启动并等待所有回路退出
func (c *Cell) Run(ctx context.Context) {
	c.Start(ctx)
	c.Wait()
}
