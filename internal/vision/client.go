package vision

import (
	"context"
	"log/slog"
	"math"
	"time"

	"pick-and-place-demo/internal/channel"
	"pick-and-place-demo/internal/event"
	"pick-and-place-demo/internal/metrics"
	"pick-and-place-demo/internal/oracle"
	"pick-and-place-demo/internal/protocol"
	"pick-and-place-demo/internal/sim"
	"pick-and-place-demo/internal/types"
	"pick-and-place-demo/internal/util"
)

// Config 定义识别重试参数
type Config struct {
	MaxRetries   int           `mapstructure:"max_retries"`   // 识别尝试次数上限
	PollTicks    int           `mapstructure:"poll_ticks"`    // 每次尝试轮询相机识别结果的 tick 数
	SettleTicks  int           `mapstructure:"settle_ticks"`  // 两次尝试之间的等待 tick 数
	AngleTimeout time.Duration `mapstructure:"angle_timeout"` // 等待识别服务角度的最长时间
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{MaxRetries: 3, PollTicks: 5, SettleTicks: 5, AngleTimeout: 5 * time.Second}
}

// AngleOracle 是外部识别服务，返回角度 (度) 或 oracle.NoDetection
// ctx 取消后 Detect 必须尽快返回
type AngleOracle interface {
	Detect(ctx context.Context, frame types.Frame) float64
}

// Links 是视觉客户端的消息通道
type Links struct {
	ConveyorIn channel.Receiver // 传送带 -> 视觉：STOP
	ArmOut     channel.Sender   // 视觉 -> 机械臂：识别结果或中止标记
}

type phase int

const (
	phaseIdle     phase = iota // 等待 STOP
	phasePolling               // 轮询相机识别结果
	phaseSettling              // 本次尝试失败，等待下一次
)

// Client 是视觉触发客户端
// 收到 STOP 后采集一帧图像，并行地轮询相机内置识别和请求识别服务角度
type Client struct {
	cfg    Config
	camera types.Camera
	oracle AngleOracle
	links  Links
	bus    *event.Bus
	logger *slog.Logger

	phase      phase
	attempt    int
	polled     int
	settleLeft int
	requestID  string
	pending    chan float64
	expired    <-chan struct{}
	cancel     context.CancelFunc
	inflight   chan struct{} // 本次尝试的 Detect 返回后关闭
	now        sim.Instant
}

// NewClient 创建视觉客户端
func NewClient(cfg Config, camera types.Camera, o AngleOracle, links Links, bus *event.Bus, logger *slog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PollTicks <= 0 {
		cfg.PollTicks = 1
	}
	return &Client{
		cfg:    cfg,
		camera: camera,
		oracle: o,
		links:  links,
		bus:    bus,
		logger: logger.With("component", "vision"),
	}
}

// ID 返回回路 ID
func (c *Client) ID() types.LoopID { return types.LoopVision }

// Busy 表示是否有正在进行的识别
func (c *Client) Busy() bool { return c.phase != phaseIdle }

// Step 执行一个 tick
func (c *Client) Step(ctx context.Context, now sim.Instant) bool {
	c.now = now
	for _, msg := range c.links.ConveyorIn.Drain(now.Tick) {
		if msg != protocol.TokenStop {
			c.logger.Warn("未知的传送带消息，已忽略", "payload", msg)
			continue
		}
		if c.phase != phaseIdle {
			c.logger.Debug("识别进行中，忽略重复的 STOP")
			continue
		}
		c.requestID = util.NewTraceID()
		c.attempt = 1
		c.logger.Info("收到 STOP，开始识别", "request_id", c.requestID)
		c.startAttempt(ctx)
	}

	switch c.phase {
	case phasePolling:
		c.poll(ctx)
	case phaseSettling:
		c.settleLeft--
		if c.settleLeft <= 0 {
			c.attempt++
			c.startAttempt(ctx)
			c.poll(ctx)
		}
	}
	return false
}

// Close 取消尚未完成的识别请求，并等待 Detect 返回
// 每次尝试恰好调用一次 Detect
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.inflight != nil {
		<-c.inflight
		c.inflight = nil
	}
}

// startAttempt 采集一帧并在后台请求识别角度
func (c *Client) startAttempt(ctx context.Context) {
	c.phase = phasePolling
	c.polled = 0

	frame := ToRGB(c.camera.Image())
	c.Close()
	actx, cancel := context.WithTimeout(util.ContextWithTraceID(ctx, c.requestID), c.cfg.AngleTimeout)
	c.cancel = cancel
	c.expired = actx.Done()
	result := make(chan float64, 1)
	done := make(chan struct{})
	c.pending = result
	c.inflight = done
	go func() {
		defer close(done)
		result <- c.oracle.Detect(actx, frame)
	}()
	c.logger.Debug("已请求识别角度", "attempt", c.attempt, "width", frame.Width, "height", frame.Height)
}

func (c *Client) poll(ctx context.Context) {
	objects := c.camera.RecognizedObjects()
	c.polled++
	if len(objects) > 0 {
		metrics.DetectionAttempts.WithLabelValues("found").Inc()
		c.emit(ctx, objects[0])
		return
	}
	if c.polled < c.cfg.PollTicks {
		return
	}

	metrics.DetectionAttempts.WithLabelValues("empty").Inc()
	c.Close()
	if c.attempt >= c.cfg.MaxRetries {
		c.abort()
		return
	}
	c.logger.Info("本次尝试未识别到工件，稍后重试", "attempt", c.attempt, "max_retries", c.cfg.MaxRetries)
	c.phase = phaseSettling
	c.settleLeft = c.cfg.SettleTicks
	if c.settleLeft <= 0 {
		c.settleLeft = 1
	}
}

// emit 等待识别角度并发送识别结果
// 识别服务失败时角度记为 0，工件位置仍然有效
func (c *Client) emit(ctx context.Context, obj types.RecognizedObject) {
	deg := oracle.NoDetection
	// 等待期间所有回路都停在当前 tick 的屏障上，最长 AngleTimeout
	// 识别服务的调用在仿真时间里按瞬时完成计
	select {
	case deg = <-c.pending:
	case <-c.expired:
	case <-ctx.Done():
	}
	c.Close()

	angle := 0.0
	if deg != oracle.NoDetection {
		angle = deg * math.Pi / 180
	} else {
		c.logger.Warn("识别服务未返回角度，按 0 处理", "request_id", c.requestID)
	}

	d := protocol.Detection{Position: obj.Position, AngleRad: angle}
	c.links.ArmOut.Send(c.now.Tick, d.Encode())
	c.phase = phaseIdle
	c.logger.Info("已发送识别结果", "request_id", c.requestID, "x", obj.Position.X, "y", obj.Position.Y,
		"z", obj.Position.Z, "angle_rad", angle, "attempt", c.attempt)
	c.bus.Publish(event.Event{
		Type: event.DetectionEmitted, Loop: types.LoopVision, Tick: c.now.Tick, CycleID: c.requestID,
		Offset: obj.Position.Y, AngleRad: angle,
	})
}

func (c *Client) abort() {
	c.links.ArmOut.Send(c.now.Tick, protocol.AbortPayload)
	c.phase = phaseIdle
	c.logger.Warn("识别重试耗尽，发送中止标记", "request_id", c.requestID, "attempts", c.attempt)
	c.bus.Publish(event.Event{
		Type: event.DetectionAborted, Loop: types.LoopVision, Tick: c.now.Tick, CycleID: c.requestID,
		Reason: "retries_exhausted",
	})
}
