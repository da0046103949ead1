package kinematics

import "math"

// Point 表示机械臂竖直平面内的一个点 (相对肩关节)
type Point struct {
	X float64
	Y float64
}

// Planar 描述两连杆平面机械臂的几何参数
type Planar struct {
	L1 float64 // 上臂长度 (肩 -> 肘)
	L2 float64 // 前臂长度 (肘 -> 腕)
}

// NewPlanar 创建一个两连杆求解器
func NewPlanar(l1, l2 float64) Planar {
	return Planar{L1: l1, L2: l2}
}

// Solve 计算使末端到达 target 的肩关节角 theta 与肘关节相对角 phi
// 工作空间外的目标不会报错：acos 的参数被钳制到 [-1, 1]，返回尽力而为的角度
func (p Planar) Solve(target Point) (theta, phi float64) {
	r := math.Hypot(target.X, target.Y)
	gamma := math.Atan2(target.Y, target.X)

	cosBeta := 1.0
	if den := 2.0 * r * p.L1; den != 0 {
		cosBeta = clamp((r*r + p.L1*p.L1 - p.L2*p.L2) / den)
	}
	beta := math.Acos(cosBeta)
	theta = gamma - beta

	// 肘部位置，再由前臂方向得到肘关节相对角
	bx := p.L1 * math.Cos(theta)
	by := p.L1 * math.Sin(theta)
	psi := math.Atan2(target.Y-by, target.X-bx)
	phi = psi - theta
	return theta, phi
}

// Horizontal 在参考点基础上沿水平方向偏移 dx 后求解 (目标 x = ref.X - dx)
func (p Planar) Horizontal(ref Point, dx float64) (theta, phi float64) {
	return p.Solve(Point{X: ref.X - dx, Y: ref.Y})
}

// Vertical 在参考点基础上沿竖直方向偏移 dz 后求解 (目标 y = ref.Y - dz)
func (p Planar) Vertical(ref Point, dz float64) (theta, phi float64) {
	return p.Solve(Point{X: ref.X, Y: ref.Y - dz})
}

// Forward 正运动学：由关节角得到末端位置
func (p Planar) Forward(theta, phi float64) Point {
	return Point{
		X: p.L1*math.Cos(theta) + p.L2*math.Cos(theta+phi),
		Y: p.L1*math.Sin(theta) + p.L2*math.Sin(theta+phi),
	}
}

// WristCompensation 返回保持夹爪水平所需的 wrist1 角度
// baseCurvature = 初始 lift + 初始 elbow
func WristCompensation(baseWrist1, baseCurvature, theta, phi float64) float64 {
	return baseWrist1 + baseCurvature - (theta + phi)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 1.0
	}
	return math.Max(-1.0, math.Min(1.0, v))
}
