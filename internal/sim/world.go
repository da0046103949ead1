package sim

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"pick-and-place-demo/internal/types"
)

// ObjectSpec 描述传送带上的一个待抓取工件
type ObjectSpec struct {
	Position float64 `mapstructure:"position"` // 沿传送带方向的初始位置 (m)
	Offset   float64 `mapstructure:"offset"`   // 相对相机的横向偏移 (m)
}

// WorldConfig 是仿真宿主的几何参数
type WorldConfig struct {
	Objects          []ObjectSpec `mapstructure:"objects"`
	SensorPositions  []float64    `mapstructure:"sensor_positions"`   // ds1, ds2, ds3 沿传送带的位置
	SensorHalfWidth  float64      `mapstructure:"sensor_half_width"`  // 传感器检测窗口半宽
	ClearReading     float64      `mapstructure:"clear_reading"`      // 无遮挡时的读数
	BlockedReading   float64      `mapstructure:"blocked_reading"`    // 有遮挡时的读数
	CameraPosition   float64      `mapstructure:"camera_position"`    // 相机视野中心
	CameraHalfWidth  float64      `mapstructure:"camera_half_width"`  // 相机视野半宽
	GripThreshold    float64      `mapstructure:"grip_threshold"`     // 三个手指都超过该值视为闭合
	GraspReach       float64      `mapstructure:"grasp_reach"`        // 抓取点附近可抓取范围
	GraspPosition    float64      `mapstructure:"grasp_position"`     // 抓取点沿传送带的位置
	ImageWidth       int          `mapstructure:"image_width"`
	ImageHeight      int          `mapstructure:"image_height"`
}

type object struct {
	id       int
	position float64
	offset   float64
}

// World 是一个最小化的运动学仿真宿主
// 只模拟传送带运动、距离传感器遮挡、相机识别和夹爪拾取，不涉及动力学
type World struct {
	mu       sync.Mutex
	cfg      WorldConfig
	velocity float64
	objects  []*object
	picked   []int
	holding  bool
	joints   map[string]float64
	fingers  [3]float64
}

// NewWorld 根据配置创建仿真世界
func NewWorld(cfg WorldConfig) *World {
	w := &World{cfg: cfg, joints: make(map[string]float64)}
	for i, spec := range cfg.Objects {
		w.objects = append(w.objects, &object{id: i, position: spec.Position, offset: spec.Offset})
	}
	return w
}

// Step 推进 dt 时间：移动传送带上的工件并处理夹爪拾取
func (w *World) Step(dt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ds := w.velocity * dt.Seconds()
	for _, o := range w.objects {
		o.position += ds
	}

	closed := true
	for _, f := range w.fingers {
		if f < w.cfg.GripThreshold {
			closed = false
		}
	}
	if !closed {
		w.holding = false
		return
	}
	if w.holding {
		return
	}
	for i, o := range w.objects {
		if math.Abs(o.position-w.cfg.GraspPosition) <= w.cfg.GraspReach {
			w.picked = append(w.picked, o.id)
			w.objects = append(w.objects[:i], w.objects[i+1:]...)
			w.holding = true
			return
		}
	}
}

// Picked 返回已被夹走的工件 ID
func (w *World) Picked() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.picked...)
}

// Velocity 返回当前传送带速度
func (w *World) Velocity() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.velocity
}

// JointPosition 返回某个关节最近一次收到的位置指令
func (w *World) JointPosition(name string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.joints[name]
}

// BeltMotor 返回传送带电机
func (w *World) BeltMotor() types.Motor { return beltMotor{w} }

// Sensor 返回第 i 个距离传感器 (0 = ds1)
func (w *World) Sensor(i int) types.DistanceSensor { return distanceSensor{w: w, index: i} }

// Camera 返回相机
func (w *World) Camera() types.Camera { return camera{w} }

// Joint 返回一个记录位置指令的关节
func (w *World) Joint(name string) types.Actuator { return joint{w: w, name: name} }

// Finger 返回第 i 个手指 (0..2)
func (w *World) Finger(i int) types.Actuator { return finger{w: w, index: i} }

type beltMotor struct{ w *World }

func (m beltMotor) SetVelocity(v float64) {
	m.w.mu.Lock()
	m.w.velocity = v
	m.w.mu.Unlock()
}

type distanceSensor struct {
	w     *World
	index int
}

func (s distanceSensor) Value() float64 {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.index >= len(s.w.cfg.SensorPositions) {
		return s.w.cfg.ClearReading
	}
	at := s.w.cfg.SensorPositions[s.index]
	for _, o := range s.w.objects {
		if math.Abs(o.position-at) <= s.w.cfg.SensorHalfWidth {
			return s.w.cfg.BlockedReading
		}
	}
	return s.w.cfg.ClearReading
}

type camera struct{ w *World }

func (c camera) Image() types.Frame {
	c.w.mu.Lock()
	width, height := c.w.cfg.ImageWidth, c.w.cfg.ImageHeight
	c.w.mu.Unlock()
	return types.Frame{Width: width, Height: height, Channels: 4, Data: make([]byte, width*height*4)}
}

func (c camera) RecognizedObjects() []types.RecognizedObject {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	var out []types.RecognizedObject
	for _, o := range c.w.objects {
		dx := o.position - c.w.cfg.CameraPosition
		if math.Abs(dx) <= c.w.cfg.CameraHalfWidth {
			out = append(out, types.RecognizedObject{ID: o.id, Position: r3.Vector{X: dx, Y: o.offset}})
		}
	}
	return out
}

type joint struct {
	w    *World
	name string
}

func (j joint) SetPosition(pos float64) {
	j.w.mu.Lock()
	j.w.joints[j.name] = pos
	j.w.mu.Unlock()
}

type finger struct {
	w     *World
	index int
}

func (f finger) SetPosition(pos float64) {
	f.w.mu.Lock()
	if f.index >= 0 && f.index < len(f.w.fingers) {
		f.w.fingers[f.index] = pos
	}
	f.w.mu.Unlock()
}
