package types

import "github.com/golang/geo/r3"

// LoopID 定义控制回路 ID
// 使用字符串类型，方便在日志和配置中直接使用
type LoopID string

const (
	LoopArm      LoopID = "ARM"      // 机械臂控制回路
	LoopConveyor LoopID = "CONVEYOR" // 传送带控制回路
	LoopVision   LoopID = "VISION"   // 视觉触发客户端
)

// Actuator 是单个关节/电机的位置执行器 (开环，只写不读)
type Actuator interface {
	SetPosition(pos float64)
}

// Motor 是速度控制的电机 (传送带驱动)
type Motor interface {
	SetVelocity(v float64)
}

// DistanceSensor 返回类距离的标量读数，数值越小表示越近
type DistanceSensor interface {
	Value() float64
}

// Frame 是相机采集的一帧原始图像
type Frame struct {
	Width    int
	Height   int
	Channels int    // 每像素字节数 (相机输出 BGRA 为 4)
	Data     []byte // 交错排列的像素数据
}

// RecognizedObject 是仿真相机内置识别返回的物体
type RecognizedObject struct {
	ID       int
	Position r3.Vector // 相对相机的位置
}

// Camera 是视觉客户端使用的相机接口
type Camera interface {
	Image() Frame
	RecognizedObjects() []RecognizedObject
}
