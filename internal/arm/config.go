package arm

// 关节设备名称
const (
	JointShoulderPan  = "shoulder_pan_joint"
	JointShoulderLift = "shoulder_lift_joint"
	JointElbow        = "elbow_joint"
	JointWrist1       = "wrist_1_joint"
	JointWrist2       = "wrist_2_joint"
	JointWrist3       = "wrist_3_joint"
)

// FingerJoints 是三指夹爪的设备名称
var FingerJoints = [3]string{"finger_1_joint_1", "finger_2_joint_1", "finger_middle_joint_1"}

// Pose 是机械臂六个关节与三个手指的位置
type Pose struct {
	ShoulderPan  float64    `mapstructure:"shoulder_pan"`
	ShoulderLift float64    `mapstructure:"shoulder_lift"`
	Elbow        float64    `mapstructure:"elbow"`
	Wrist1       float64    `mapstructure:"wrist1"`
	Wrist2       float64    `mapstructure:"wrist2"`
	Wrist3       float64    `mapstructure:"wrist3"`
	Fingers      [3]float64 `mapstructure:"fingers"`
}

// Curvature 返回 lift + elbow，用于腕部补偿
func (p Pose) Curvature() float64 {
	return p.ShoulderLift + p.Elbow
}

// Config 定义机械臂的几何与运动参数
type Config struct {
	L1               float64 `mapstructure:"l1"`                 // 上臂长度
	L2               float64 `mapstructure:"l2"`                 // 前臂长度
	Steps            int     `mapstructure:"steps"`              // 每个斜坡阶段的步数
	DescendDepth     float64 `mapstructure:"descend_depth"`      // 下降终点
	AscendStart      float64 `mapstructure:"ascend_start"`       // 上升起点
	GripPosition     float64 `mapstructure:"grip_position"`      // 夹紧位置，低于机械极限
	ReleaseOpenTicks int     `mapstructure:"release_open_ticks"` // 松开夹爪后的等待 tick 数
	Base             Pose    `mapstructure:"base_pose"`          // 初始姿态
}

// DefaultConfig 返回 UR10e + Robotiq 三指夹爪的默认参数
func DefaultConfig() Config {
	return Config{
		L1:               0.613,
		L2:               0.637,
		Steps:            40,
		DescendDepth:     -0.37,
		AscendStart:      -0.4,
		GripPosition:     0.4,
		ReleaseOpenTicks: 10,
		Base: Pose{
			ShoulderPan:  -0.7796,
			ShoulderLift: -0.507,
			Elbow:        0.5072,
			Wrist1:       -1.570,
			Wrist2:       -1.570,
			Wrist3:       0.0,
		},
	}
}
